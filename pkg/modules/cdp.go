package modules

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/A-MAD21/CMapper/pkg/types"
)

// CDPDiscovery crawls a site from a root switch over SSH, walking CDP
// neighbor tables breadth-first up to a hop limit.
type CDPDiscovery struct {
	// fetch retrieves the raw "show cdp neighbors detail" output for a
	// host. Swappable for tests.
	fetch func(ctx context.Context, host, user, password string) (string, error)
}

// NewCDPDiscovery creates the CDP crawl module.
func NewCDPDiscovery() *CDPDiscovery {
	return &CDPDiscovery{fetch: fetchCDPOutput}
}

func (c *CDPDiscovery) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{
		ID:          "cdp_discovery",
		Name:        "CDP Discovery",
		Description: "Crawls CDP neighbor tables from a root switch over SSH.",
		NaturalKey:  types.KeyIP,
		Parameters: []types.ParamSpec{
			{Name: "root_ip", Description: "IP of the switch to start from", Required: true},
			{Name: "username", Description: "SSH username", Required: true},
			{Name: "password", Description: "SSH password", Required: true, Secret: true},
			{Name: "subnet_mask", Description: "Subnet prefix length bounding the crawl", Default: "24"},
			{Name: "max_hops", Description: "Maximum crawl depth", Default: "3"},
		},
	}
}

// cdpNeighbor is one parsed entry of "show cdp neighbors detail".
type cdpNeighbor struct {
	DeviceID        string
	IP              string
	Platform        string
	Capabilities    string
	LocalInterface  string
	RemoteInterface string
}

type crawlTarget struct {
	ip  string
	hop int
}

func (c *CDPDiscovery) Run(ctx context.Context, cfg Config, rep Reporter) (*types.DiscoveryResult, error) {
	rootIP := cfg.Param("root_ip", "")
	username := cfg.Param("username", "")
	password := cfg.Param("password", "")
	maskBits := cfg.IntParam("subnet_mask", 24)
	maxHops := cfg.IntParam("max_hops", 3)

	if net.ParseIP(rootIP) == nil {
		return errorResult("invalid root IP %q", rootIP), nil
	}
	subnet, err := subnetOf(rootIP, maskBits)
	if err != nil {
		return errorResult("invalid subnet mask %d", maskBits), nil
	}

	rep.Logf("starting CDP crawl from %s/%d, max %d hops", rootIP, maskBits, maxHops)

	devices := make(map[string]*types.ReportedDevice) // by IP
	var connections []types.ReportedConnection
	connSeen := make(map[string]bool)
	scanned := make(map[string]bool)
	queue := []crawlTarget{{ip: rootIP, hop: 0}}
	var errs []string

	processed := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		target := queue[0]
		queue = queue[1:]
		if scanned[target.ip] || target.hop > maxHops {
			continue
		}
		scanned[target.ip] = true
		processed++
		rep.Progress(crawlProgress(processed, processed+len(queue)))

		rep.Logf("querying %s (hop %d)", target.ip, target.hop)
		output, err := c.fetch(ctx, target.ip, username, password)
		if err != nil {
			rep.Logf("failed to query %s: %v", target.ip, err)
			errs = append(errs, fmt.Sprintf("%s: %v", target.ip, err))
			upsertReported(devices, types.ReportedDevice{
				IP:     target.ip,
				Name:   "Device-" + target.ip,
				Type:   "unknown",
				Status: types.DeviceStatusUnreachable,
			})
			continue
		}

		upsertReported(devices, types.ReportedDevice{
			IP:     target.ip,
			Name:   "Device-" + target.ip,
			Type:   "unknown",
			Status: types.DeviceStatusOnline,
		})

		neighbors := parseCDPNeighbors(output)
		rep.Logf("found %d neighbors on %s", len(neighbors), target.ip)

		for _, nb := range neighbors {
			if nb.IP == "" {
				continue
			}
			ip := net.ParseIP(nb.IP)
			if ip == nil || !subnet.Contains(ip) {
				rep.Logf("skipping %s, outside %s", nb.IP, subnet)
				continue
			}

			upsertReported(devices, types.ReportedDevice{
				IP:       nb.IP,
				Name:     nb.DeviceID,
				Type:     deviceTypeFor(nb.Capabilities, nb.Platform),
				Platform: nb.Platform,
				Status:   types.DeviceStatusOnline,
				Notes:    "Discovered via CDP from " + target.ip,
			})

			connKey := target.ip + "|" + nb.IP
			if !connSeen[connKey] {
				connSeen[connKey] = true
				connections = append(connections, types.ReportedConnection{
					LocalKey:        target.ip,
					RemoteKey:       nb.IP,
					LocalInterface:  nb.LocalInterface,
					RemoteInterface: nb.RemoteInterface,
					Protocol:        types.ProtocolCDP,
				})
			}

			if !scanned[nb.IP] && target.hop+1 <= maxHops {
				queue = append(queue, crawlTarget{ip: nb.IP, hop: target.hop + 1})
			}
		}
	}

	result := &types.DiscoveryResult{
		Status:      types.ResultSuccess,
		Message:     fmt.Sprintf("CDP discovery found %d devices, %d connections", len(devices), len(connections)),
		Connections: connections,
	}
	for _, d := range devices {
		result.Devices = append(result.Devices, *d)
	}
	if len(errs) > 0 {
		result.Status = types.ResultWarning
		if len(errs) > 5 {
			errs = errs[:5]
		}
		result.Message += "; errors: " + strings.Join(errs, "; ")
	}
	return result, nil
}

// upsertReported merges a reported device into the map, preferring
// richer fields over placeholders from failed probes.
func upsertReported(devices map[string]*types.ReportedDevice, d types.ReportedDevice) {
	existing, ok := devices[d.IP]
	if !ok {
		copied := d
		devices[d.IP] = &copied
		return
	}
	if existing.Type == "unknown" && d.Type != "" && d.Type != "unknown" {
		existing.Type = d.Type
	}
	if existing.Platform == "" {
		existing.Platform = d.Platform
	}
	if strings.HasPrefix(existing.Name, "Device-") && d.Name != "" && !strings.HasPrefix(d.Name, "Device-") {
		existing.Name = d.Name
	}
	// Unreachable comes only from a failed direct query, which happens
	// at most once per host, so it is final. A neighbor table cannot
	// vouch for a host we could not reach ourselves.
	switch {
	case d.Status == types.DeviceStatusUnreachable:
		existing.Status = types.DeviceStatusUnreachable
	case d.Status == types.DeviceStatusOnline && existing.Status != types.DeviceStatusUnreachable:
		existing.Status = types.DeviceStatusOnline
	}
}

func crawlProgress(done, total int) int {
	if total == 0 {
		return 10
	}
	p := 10 + done*80/total
	if p > 90 {
		p = 90
	}
	return p
}

func fetchCDPOutput(ctx context.Context, host, user, password string) (string, error) {
	client, err := sshDial(ctx, host, user, password, 15*time.Second)
	if err != nil {
		return "", err
	}
	defer client.Close()
	return sshRun(ctx, client, "show cdp neighbors detail")
}

var ipRe = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+)`)

// parseCDPNeighbors extracts neighbor entries from "show cdp neighbors
// detail" output. Entries start at "Device ID:" lines and end at a
// blank line or separator.
func parseCDPNeighbors(output string) []cdpNeighbor {
	var neighbors []cdpNeighbor
	var current *cdpNeighbor

	flush := func() {
		if current != nil {
			neighbors = append(neighbors, *current)
			current = nil
		}
	}

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)

		switch {
		case strings.HasPrefix(line, "Device ID:"):
			flush()
			current = &cdpNeighbor{
				DeviceID: strings.TrimSpace(strings.TrimPrefix(line, "Device ID:")),
			}
		case current == nil:
			// Ignore preamble before the first entry.
		case strings.Contains(line, "IP address:") || strings.Contains(line, "IPv4 Address:"):
			if m := ipRe.FindString(line); m != "" && current.IP == "" {
				current.IP = m
			}
		case strings.HasPrefix(line, "Platform:"):
			// Platform and Capabilities share a line in IOS output.
			platform, caps, found := strings.Cut(strings.TrimPrefix(line, "Platform:"), "Capabilities:")
			current.Platform = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(platform), ","))
			if found {
				current.Capabilities = strings.TrimSpace(caps)
			}
		case strings.HasPrefix(line, "Capabilities:"):
			current.Capabilities = strings.TrimSpace(strings.TrimPrefix(line, "Capabilities:"))
		case strings.HasPrefix(line, "Interface:"):
			rest := strings.TrimPrefix(line, "Interface:")
			iface, port, found := strings.Cut(rest, ",")
			current.LocalInterface = strings.TrimSpace(iface)
			if found && strings.Contains(port, "Port ID") {
				if idx := strings.Index(port, "):"); idx >= 0 {
					current.RemoteInterface = strings.TrimSpace(port[idx+2:])
				}
			}
		case strings.Contains(line, "Port ID"):
			port := line
			if idx := strings.Index(port, "):"); idx >= 0 {
				port = port[idx+2:]
			} else if _, after, found := strings.Cut(port, ":"); found {
				port = after
			}
			current.RemoteInterface = strings.TrimSpace(port)
		case line == "" || strings.HasPrefix(line, "---"):
			flush()
		}
	}
	flush()
	return neighbors
}

// deviceTypeFor classifies a CDP neighbor by its capabilities string,
// falling back to platform keywords.
func deviceTypeFor(capabilities, platform string) string {
	caps := strings.ToLower(capabilities)
	plat := strings.ToLower(platform)

	switch {
	case strings.Contains(caps, "router"):
		return "router"
	// Access points report Trans-Bridge capabilities, so rule them out
	// before the generic bridge match.
	case strings.Contains(caps, "access point"), strings.Contains(plat, "air-"):
		return "ap"
	case strings.Contains(caps, "switch"), strings.Contains(caps, "bridge"):
		return "switch"
	case strings.Contains(caps, "phone"), strings.Contains(plat, "ipphone"):
		return "phone"
	case strings.Contains(caps, "host"), strings.Contains(caps, "pc"):
		return "host"
	case strings.Contains(caps, "firewall"):
		return "firewall"
	}

	for _, kw := range []string{"ws-c", "catalyst", "nexus", "2960", "3560", "3750", "3850"} {
		if strings.Contains(plat, kw) {
			return "switch"
		}
	}
	for _, kw := range []string{"isr", "asr", "csr", "1900", "2900", "3900", "4000"} {
		if strings.Contains(plat, kw) {
			return "router"
		}
	}
	for _, kw := range []string{"asa", "firepower", "pix"} {
		if strings.Contains(plat, kw) {
			return "firewall"
		}
	}
	for _, kw := range []string{"air-cap", "air-ap", "wlc"} {
		if strings.Contains(plat, kw) {
			return "ap"
		}
	}
	return "unknown"
}

func subnetOf(ip string, maskBits int) (*net.IPNet, error) {
	_, subnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", ip, maskBits))
	if err != nil {
		return nil, err
	}
	return subnet, nil
}
