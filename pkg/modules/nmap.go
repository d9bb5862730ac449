package modules

import (
	"context"
	"fmt"
	"strings"

	nmap "github.com/Ullaakut/nmap/v3"

	"github.com/A-MAD21/CMapper/pkg/dns"
	"github.com/A-MAD21/CMapper/pkg/types"
)

// NmapSweep discovers hosts on a CIDR using nmap. Devices are keyed by
// MAC where nmap reports one (requires privileges on the local
// segment) and by IP otherwise.
type NmapSweep struct {
	// scan runs nmap against a target. Swappable for tests.
	scan func(ctx context.Context, target, ports string, serviceDetection bool) (*nmap.Run, error)
}

// NewNmapSweep creates the nmap sweep module.
func NewNmapSweep() *NmapSweep {
	return &NmapSweep{scan: runNmapScan}
}

func (n *NmapSweep) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{
		ID:          "nmap_sweep",
		Name:        "Nmap Sweep",
		Description: "Sweeps a network range with nmap host discovery.",
		NaturalKey:  types.KeyMAC,
		Parameters: []types.ParamSpec{
			{Name: "target", Description: "CIDR range or host to sweep", Required: true},
			{Name: "ports", Description: "Port list passed to nmap", Default: "22,80,443,8080"},
			{Name: "service_detection", Description: "Run nmap service detection", Default: "false"},
			{Name: "dns_server", Description: "DNS server for reverse name lookups"},
		},
	}
}

func (n *NmapSweep) Run(ctx context.Context, cfg Config, rep Reporter) (*types.DiscoveryResult, error) {
	target := cfg.Param("target", "")
	ports := cfg.Param("ports", "22,80,443,8080")
	serviceDetection := cfg.BoolParam("service_detection", false)

	rep.Logf("sweeping %s (ports %s)", target, ports)
	rep.Progress(20)

	run, err := n.scan(ctx, target, ports, serviceDetection)
	if err != nil {
		return errorResult("nmap scan of %s failed: %v", target, err), nil
	}
	rep.Progress(80)

	var resolver *dns.Resolver
	if server := cfg.Param("dns_server", ""); server != "" {
		resolver = dns.NewResolver(server, 0)
	}

	result := &types.DiscoveryResult{Status: types.ResultSuccess}
	for _, host := range run.Hosts {
		if len(host.Addresses) == 0 {
			continue
		}
		var ip, mac, vendor string
		for _, addr := range host.Addresses {
			switch addr.AddrType {
			case "ipv4":
				ip = addr.Addr
			case "mac":
				mac = types.NormalizeMAC(addr.Addr)
				vendor = addr.Vendor
			}
		}
		if ip == "" {
			ip = host.Addresses[0].Addr
		}
		if ip == "" && mac == "" {
			continue
		}

		name := ""
		if len(host.Hostnames) > 0 {
			name = host.Hostnames[0].Name
		}
		if name == "" && resolver != nil && ip != "" {
			if resolved, err := resolver.ReverseName(ctx, ip); err == nil {
				name = resolved
			}
		}
		if name == "" {
			name = "Device-" + ip
		}

		result.Devices = append(result.Devices, types.ReportedDevice{
			Name:   name,
			IP:     ip,
			MAC:    mac,
			Vendor: vendor,
			Type:   typeFromPorts(host.Ports),
			Status: types.DeviceStatusOnline,
		})
	}
	result.Message = fmt.Sprintf("Nmap sweep of %s found %d hosts", target, len(result.Devices))
	rep.Logf("%s", result.Message)
	return result, nil
}

// typeFromPorts guesses a device type from open service names.
func typeFromPorts(ports []nmap.Port) string {
	for _, p := range ports {
		if p.State.State != "open" {
			continue
		}
		name := strings.ToLower(p.Service.Name)
		switch {
		case strings.Contains(name, "printer"), p.ID == 9100:
			return "printer"
		case strings.Contains(name, "rtsp"), p.ID == 554:
			return "camera"
		}
	}
	return "unknown"
}

func runNmapScan(ctx context.Context, target, ports string, serviceDetection bool) (*nmap.Run, error) {
	opts := []nmap.Option{
		nmap.WithTargets(target),
		nmap.WithPorts(ports),
	}
	if serviceDetection {
		opts = append(opts, nmap.WithServiceInfo())
	}
	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}
	run, _, err := scanner.Run()
	if err != nil {
		return nil, err
	}
	return run, nil
}
