package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/A-MAD21/CMapper/pkg/manager"
	"github.com/A-MAD21/CMapper/pkg/types"
)

// Site commands
var siteCmd = &cobra.Command{
	Use:   "site",
	Short: "Manage sites",
}

var siteCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		rootIP, _ := cmd.Flags().GetString("root-ip")
		notes, _ := cmd.Flags().GetString("notes")
		site, err := a.manager.CreateSite(args[0], rootIP, notes)
		if err != nil {
			return err
		}
		fmt.Printf("Created site %s (%s)\n", site.Name, site.ID)
		return nil
	},
}

var siteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sites",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		sites, err := a.manager.ListSites()
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %-16s %-20s\n", "NAME", "ROOT IP", "LAST SCAN")
		for _, s := range sites {
			lastScan := "never"
			if s.LastScan != nil {
				lastScan = s.LastScan.Format(time.RFC3339)
			}
			fmt.Printf("%-24s %-16s %-20s\n", s.Name, s.RootIP, lastScan)
		}
		return nil
	},
}

var siteDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a site and everything in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.DeleteSite(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted site %s\n", args[0])
		return nil
	},
}

var siteActivityCmd = &cobra.Command{
	Use:   "activity NAME",
	Short: "Show recent site activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		n, _ := cmd.Flags().GetInt("lines")
		lines, err := a.manager.Activity(args[0], n)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

// Device commands
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices",
}

var deviceListCmd = &cobra.Command{
	Use:   "list SITE",
	Short: "List devices of a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		devices, err := a.manager.ListDevices(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%-14s %-24s %-16s %-18s %-10s %-8s\n", "ID", "NAME", "IP", "MAC", "TYPE", "STATUS")
		for _, d := range devices {
			fmt.Printf("%-14s %-24s %-16s %-18s %-10s %-8s\n",
				d.ID, d.Name, d.IP, d.MAC, d.Type, d.Status)
		}
		return nil
	},
}

var deviceUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Edit device fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		var upd manager.DeviceUpdate
		if cmd.Flags().Changed("name") {
			v, _ := cmd.Flags().GetString("name")
			upd.Name = &v
		}
		if cmd.Flags().Changed("ip") {
			v, _ := cmd.Flags().GetString("ip")
			upd.IP = &v
		}
		if cmd.Flags().Changed("type") {
			v, _ := cmd.Flags().GetString("type")
			upd.Type = &v
		}
		if cmd.Flags().Changed("notes") {
			v, _ := cmd.Flags().GetString("notes")
			upd.Notes = &v
		}
		if cmd.Flags().Changed("locked") {
			v, _ := cmd.Flags().GetBool("locked")
			upd.Locked = &v
		}

		d, err := a.manager.UpdateDevice(args[0], upd)
		if err != nil {
			return err
		}
		fmt.Printf("Updated device %s (%s)\n", d.Name, d.ID)
		return nil
	},
}

var deviceDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.DeleteDevice(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted device %s\n", args[0])
		return nil
	},
}

var deviceMoveCmd = &cobra.Command{
	Use:   "move ID SITE",
	Short: "Move a device to another site",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.MoveDevice(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Moved device %s to site %s\n", args[0], args[1])
		return nil
	},
}

var devicePruneCmd = &cobra.Command{
	Use:   "prune SITE",
	Short: "Delete devices whose name carries a prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		prefix, _ := cmd.Flags().GetString("prefix")
		n, err := a.manager.PruneDevices(args[0], prefix)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d devices\n", n)
		return nil
	},
}

// Module commands
var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Run and inspect discovery modules",
}

var moduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		for _, desc := range a.manager.ListModules() {
			fmt.Printf("%s - %s\n", desc.ID, desc.Name)
			for _, p := range desc.Parameters {
				req := ""
				if p.Required {
					req = " (required)"
				}
				fmt.Printf("    %s%s: %s\n", p.Name, req, p.Description)
			}
		}
		return nil
	},
}

var moduleRunCmd = &cobra.Command{
	Use:   "run MODULE SITE",
	Short: "Run a module against a site and wait for it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		rawParams, _ := cmd.Flags().GetStringSlice("param")
		params := make(map[string]string, len(rawParams))
		for _, raw := range rawParams {
			key, value, ok := strings.Cut(raw, "=")
			if !ok {
				return fmt.Errorf("invalid --param %q, expected key=value", raw)
			}
			params[key] = value
		}

		id, err := a.manager.RunModule(args[0], args[1], params)
		if err != nil {
			return err
		}
		fmt.Printf("Job %s started\n", id)

		// Poll and stream logs until the job finishes.
		for {
			time.Sleep(500 * time.Millisecond)
			lines, err := a.manager.JobLog(id, true)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Println(line)
			}

			st, err := a.manager.JobStatus(id)
			if err != nil {
				return err
			}
			if st.State.Terminal() {
				fmt.Printf("Job %s: %s (%s)\n", id, st.State, st.Message)
				for _, w := range st.Warnings {
					fmt.Printf("  warning: %s\n", w)
				}
				if st.State != types.JobStateCompleted {
					return fmt.Errorf("job finished in state %s", st.State)
				}
				return nil
			}
		}
	},
}

// Job commands operate on jobs without waiting for them, for callers
// that poll instead of streaming.
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Start and inspect discovery jobs",
}

var jobRunCmd = &cobra.Command{
	Use:   "run MODULE SITE",
	Short: "Start a job and return its ID immediately",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		rawParams, _ := cmd.Flags().GetStringSlice("param")
		params := make(map[string]string, len(rawParams))
		for _, raw := range rawParams {
			key, value, ok := strings.Cut(raw, "=")
			if !ok {
				return fmt.Errorf("invalid --param %q, expected key=value", raw)
			}
			params[key] = value
		}

		id, err := a.manager.RunModule(args[0], args[1], params)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show a job's state and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		st, err := a.manager.JobStatus(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("State:    %s\n", st.State)
		fmt.Printf("Progress: %d%%\n", st.Progress)
		fmt.Printf("Started:  %s\n", st.StartedAt.Format(time.RFC3339))
		if st.Message != "" {
			fmt.Printf("Message:  %s\n", st.Message)
		}
		for _, w := range st.Warnings {
			fmt.Printf("Warning:  %s\n", w)
		}
		return nil
	},
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs JOB_ID",
	Short: "Fetch a job's captured log lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		consume, _ := cmd.Flags().GetBool("consume")
		lines, err := a.manager.JobLog(args[0], consume)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Request best-effort cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.CancelJob(args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for job %s\n", args[0])
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs of this process",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		fmt.Printf("%-38s %-16s %-14s %-10s %-4s\n", "ID", "MODULE", "SITE", "STATE", "PCT")
		for _, j := range a.manager.ListJobs() {
			fmt.Printf("%-38s %-16s %-14s %-10s %3d%%\n",
				j.ID, j.ModuleID, j.Site, j.State, j.Progress)
		}
		return nil
	},
}

// Monitor commands
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Control device monitoring",
}

var monitorEnableCmd = &cobra.Command{
	Use:   "enable SITE DEVICE_ID",
	Short: "Enable monitoring for a device",
	Args:  cobra.ExactArgs(2),
	RunE:  setMonitoring(true),
}

var monitorDisableCmd = &cobra.Command{
	Use:   "disable SITE DEVICE_ID",
	Short: "Disable monitoring for a device",
	Args:  cobra.ExactArgs(2),
	RunE:  setMonitoring(false),
}

func setMonitoring(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.SetMonitoring(args[0], args[1], enabled); err != nil {
			return err
		}
		fmt.Printf("Monitoring %v for device %s\n", enabled, args[1])
		return nil
	}
}

var monitorRuleCmd = &cobra.Command{
	Use:   "rule SITE DEVICE_ID TYPE THRESHOLD",
	Short: "Set an alerting rule (type is loss or latency)",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		ruleType := types.MonitorRuleType(args[2])
		if ruleType != types.RuleLoss && ruleType != types.RuleLatency {
			return fmt.Errorf("rule type must be loss or latency")
		}
		threshold, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return fmt.Errorf("invalid threshold %q", args[3])
		}

		err = a.manager.SetRules(args[0], args[1], []types.MonitorRule{{
			Type:      ruleType,
			Threshold: threshold,
			Enabled:   true,
		}})
		if err != nil {
			return err
		}
		fmt.Printf("Rule set: %s > %v\n", ruleType, threshold)
		return nil
	},
}

var monitorStatusCmd = &cobra.Command{
	Use:   "status SITE",
	Short: "Show monitoring state of a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		state, err := a.manager.MonitorState(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%-14s %-16s %-8s %-8s %-10s\n", "DEVICE", "IP", "LOSS", "AVG MS", "STATUS")
		for id, s := range state.Devices {
			if !s.Enabled {
				continue
			}
			fmt.Printf("%-14s %-16s %6.1f%% %8.1f %-10s\n",
				id, s.IP, s.PacketLoss, s.AvgLatencyMS, s.Status)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		s, err := a.manager.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("Sites:    %d\n", s.TotalSites)
		fmt.Printf("Devices:  %d (%d online, %d offline, %d unknown)\n",
			s.TotalDevices, s.OnlineDevices, s.OfflineDevices, s.UnknownStatus)
		fmt.Printf("Modified: %s\n", s.LastModified.Format(time.RFC3339))
		return nil
	},
}

func init() {
	siteCmd.AddCommand(siteCreateCmd)
	siteCmd.AddCommand(siteListCmd)
	siteCmd.AddCommand(siteDeleteCmd)
	siteCmd.AddCommand(siteActivityCmd)
	siteCreateCmd.Flags().String("root-ip", "", "Root device IP for discovery")
	siteCreateCmd.Flags().String("notes", "", "Free-form notes")
	siteActivityCmd.Flags().Int("lines", 50, "Number of lines to show")

	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceUpdateCmd)
	deviceCmd.AddCommand(deviceDeleteCmd)
	deviceCmd.AddCommand(deviceMoveCmd)
	deviceCmd.AddCommand(devicePruneCmd)
	deviceUpdateCmd.Flags().String("name", "", "Device name")
	deviceUpdateCmd.Flags().String("ip", "", "IP address")
	deviceUpdateCmd.Flags().String("type", "", "Device type")
	deviceUpdateCmd.Flags().String("notes", "", "Notes")
	deviceUpdateCmd.Flags().Bool("locked", false, "Protect from module updates")
	devicePruneCmd.Flags().String("prefix", "Catched-", "Name prefix to prune")

	moduleCmd.AddCommand(moduleListCmd)
	moduleCmd.AddCommand(moduleRunCmd)
	moduleRunCmd.Flags().StringSlice("param", nil, "Module parameter key=value (repeatable)")

	jobCmd.AddCommand(jobRunCmd)
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobLogsCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobListCmd)
	jobRunCmd.Flags().StringSlice("param", nil, "Module parameter key=value (repeatable)")
	jobLogsCmd.Flags().Bool("consume", false, "Drop returned lines from the buffer")

	monitorCmd.AddCommand(monitorEnableCmd)
	monitorCmd.AddCommand(monitorDisableCmd)
	monitorCmd.AddCommand(monitorRuleCmd)
	monitorCmd.AddCommand(monitorStatusCmd)
}
