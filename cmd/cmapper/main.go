package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/A-MAD21/CMapper/pkg/activity"
	"github.com/A-MAD21/CMapper/pkg/config"
	"github.com/A-MAD21/CMapper/pkg/events"
	"github.com/A-MAD21/CMapper/pkg/log"
	"github.com/A-MAD21/CMapper/pkg/manager"
	"github.com/A-MAD21/CMapper/pkg/metrics"
	"github.com/A-MAD21/CMapper/pkg/modules"
	"github.com/A-MAD21/CMapper/pkg/monitor"
	"github.com/A-MAD21/CMapper/pkg/reconciler"
	"github.com/A-MAD21/CMapper/pkg/runner"
	"github.com/A-MAD21/CMapper/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cmapper",
	Short: "CMapper - Network discovery and topology mapping",
	Long: `CMapper discovers network devices through pluggable modules,
reconciles the results into a per-site topology database and
monitors device reachability over time.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"CMapper version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(siteCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(moduleCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(statsCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cmapper.yaml"
	}
	return home + "/.cmapper/cmapper.yaml"
}

// app bundles everything a command needs.
type app struct {
	cfg      *config.Config
	store    *storage.Store
	broker   *events.Broker
	runner   *runner.Runner
	activity *activity.Log
	manager  *manager.Manager
}

// setup wires the platform from the config file. Every command runs
// through this; serve additionally starts the background loops.
func setup() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	store, err := storage.Open(cfg.DataDir, storage.WithLockTimeout(cfg.Store.LockTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	act, err := activity.New(cfg.DataDir+"/activity", cfg.Activity.RetentionDays)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	registry := modules.Builtin()
	engine := reconciler.New(reconciler.Policy{
		CreatePlaceholders: cfg.Reconcile.CreatePlaceholders,
	})
	run := runner.New(store, registry, engine, broker, runner.Options{
		LogBufferLines: cfg.Runner.LogBufferLines,
		Retention:      cfg.Runner.Retention,
		GCInterval:     cfg.Runner.GCInterval,
	})
	run.Start()

	return &app{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		runner:   run,
		activity: act,
		manager:  manager.New(store, run, registry, act, broker),
	}, nil
}

func (a *app) close() {
	a.runner.Stop()
	a.broker.Stop()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring scheduler and metrics endpoint",
	Long: `Run CMapper as a long-lived process: the monitoring scheduler
probes enabled devices on a fixed interval and Prometheus metrics are
served over HTTP until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		prober := monitor.NewICMPProber(a.cfg.Monitor.ProbeCount, a.cfg.Monitor.ProbeTimeout)
		sched := monitor.New(a.store, prober, a.activity, a.broker, monitor.Options{
			Interval:     a.cfg.Monitor.Interval,
			ProbeTimeout: a.cfg.Monitor.ProbeTimeout,
		})
		sched.Start()
		defer sched.Stop()

		var metricsSrv *http.Server
		if a.cfg.Metrics.Enabled {
			metrics.Register()
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			metricsSrv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("metrics server failed", err)
				}
			}()
			fmt.Printf("Metrics on %s/metrics\n", a.cfg.Metrics.Addr)
		}

		fmt.Println("CMapper is running. Press Ctrl+C to stop.")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		if metricsSrv != nil {
			metricsSrv.Close()
		}
		return nil
	},
}
