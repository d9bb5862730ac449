package modules

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/A-MAD21/CMapper/pkg/dns"
	"github.com/A-MAD21/CMapper/pkg/types"
)

// MikroTikScan discovers devices behind a MikroTik router using the
// RouterOS /tool ip-scan command over SSH. Devices are keyed by MAC;
// names come from NetBIOS or identity fields, with the vendor filled
// in from a local OUI range table.
type MikroTikScan struct {
	// run executes one RouterOS command on the router. Swappable for
	// tests.
	run func(ctx context.Context, host, user, password, cmd string) (string, error)
}

// NewMikroTikScan creates the RouterOS scan module.
func NewMikroTikScan() *MikroTikScan {
	return &MikroTikScan{run: runRouterOSCommand}
}

func (m *MikroTikScan) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{
		ID:          "mikrotik_scan",
		Name:        "MikroTik IP Scan",
		Description: "Scans for devices via a MikroTik router's /tool ip-scan.",
		NaturalKey:  types.KeyMAC,
		Parameters: []types.ParamSpec{
			{Name: "router_ip", Description: "RouterOS device IP", Required: true},
			{Name: "username", Description: "SSH username", Required: true},
			{Name: "password", Description: "SSH password", Required: true, Secret: true},
			{Name: "interface", Description: "Router interface to scan from", Default: "ether1"},
			{Name: "address_range", Description: "IP range to scan, start-end or CIDR"},
			{Name: "scan_duration_s", Description: "Scan duration in seconds", Default: "30"},
			{Name: "oui_table", Description: "Path to the OUI vendor range table"},
			{Name: "dns_server", Description: "DNS server for reverse name lookups"},
			{Name: "note", Description: "Note attached to discovered devices"},
		},
	}
}

var addressRangeRe = regexp.MustCompile(`^\d{1,3}(?:\.\d{1,3}){3}-\d{1,3}(?:\.\d{1,3}){3}$`)

func (m *MikroTikScan) Run(ctx context.Context, cfg Config, rep Reporter) (*types.DiscoveryResult, error) {
	routerIP := cfg.Param("router_ip", "")
	username := cfg.Param("username", "")
	password := cfg.Param("password", "")
	iface := cfg.Param("interface", "ether1")
	addressRange := cfg.Param("address_range", "")
	duration := cfg.IntParam("scan_duration_s", 30)
	note := cfg.Param("note", "")

	if net.ParseIP(routerIP) == nil {
		return errorResult("invalid router IP %q", routerIP), nil
	}
	if addressRange != "" {
		normalized, err := normalizeAddressRange(addressRange)
		if err != nil {
			return errorResult("invalid address range %q, use start-end or CIDR", addressRange), nil
		}
		addressRange = normalized
	}

	ouiTable, err := LoadOUITable(cfg.Param("oui_table", ""))
	if err != nil {
		rep.Logf("failed to load OUI table: %v", err)
		ouiTable = &OUITable{}
	}

	var resolver *dns.Resolver
	if server := cfg.Param("dns_server", ""); server != "" {
		resolver = dns.NewResolver(server, 0)
	}

	cmd := buildScanCommand(duration, addressRange, iface)
	rep.Logf("running %q on %s", cmd, routerIP)
	rep.Progress(20)

	output, err := m.run(ctx, routerIP, username, password, cmd)
	if err != nil {
		return errorResult("scan failed on %s: %v", routerIP, err), nil
	}
	rep.Progress(70)

	records := parseIPScanOutput(output)
	rep.Logf("parsed %d scan records", len(records))

	result := &types.DiscoveryResult{
		Status: types.ResultSuccess,
	}
	seen := make(map[string]bool)
	for _, rec := range records {
		if seen[rec.MAC] {
			continue
		}
		seen[rec.MAC] = true

		name := rec.Identity
		if name == "" && resolver != nil && rec.IP != "" {
			if resolved, err := resolver.ReverseName(ctx, rec.IP); err == nil {
				name = resolved
			}
		}
		if name == "" {
			name = rec.MAC
		}
		result.Devices = append(result.Devices, types.ReportedDevice{
			Name:   name,
			IP:     rec.IP,
			MAC:    rec.MAC,
			Vendor: ouiTable.Lookup(rec.MAC),
			Type:   "unknown",
			Status: types.DeviceStatusOnline,
			Notes:  note,
		})
	}
	result.Message = fmt.Sprintf("MikroTik scan found %d devices", len(result.Devices))
	return result, nil
}

func buildScanCommand(duration int, addressRange, iface string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/tool ip-scan duration=%d as-value without-paging", duration)
	if addressRange != "" {
		fmt.Fprintf(&b, " address-range=%s", addressRange)
	}
	if iface != "" {
		fmt.Fprintf(&b, " interface=%s", iface)
	}
	b.WriteString(" proplist=address,mac-address,netbios,interface")
	return b.String()
}

// normalizeAddressRange accepts start-end ranges as-is and expands
// CIDR notation to the first-last host pair RouterOS expects.
func normalizeAddressRange(value string) (string, error) {
	value = strings.TrimSpace(value)
	if addressRangeRe.MatchString(value) {
		return value, nil
	}
	if strings.Contains(value, "/") {
		ip, ipnet, err := net.ParseCIDR(value)
		if err != nil {
			return "", err
		}
		first, last := hostRange(ip, ipnet)
		return fmt.Sprintf("%s-%s", first, last), nil
	}
	return "", fmt.Errorf("unrecognized range %q", value)
}

func hostRange(ip net.IP, ipnet *net.IPNet) (net.IP, net.IP) {
	network := ip.Mask(ipnet.Mask).To4()
	first := make(net.IP, 4)
	last := make(net.IP, 4)
	copy(first, network)
	for i := 0; i < 4; i++ {
		last[i] = network[i] | ^ipnet.Mask[i]
	}
	ones, _ := ipnet.Mask.Size()
	if ones < 31 {
		first[3]++
		last[3]--
	}
	return first, last
}

// scanRecord is one host reported by /tool ip-scan.
type scanRecord struct {
	IP        string
	MAC       string
	Identity  string
	Interface string
}

var ipMACRe = regexp.MustCompile(`(?P<ip>\d+\.\d+\.\d+\.\d+)\s+(?P<mac>(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2})`)

// parseIPScanOutput handles both RouterOS output shapes: key=value
// detail records and the aligned table fallback.
func parseIPScanOutput(output string) []scanRecord {
	records := parseDetailRecords(output)
	if len(records) > 0 {
		return records
	}
	return parseTableRecords(output)
}

func parseDetailRecords(output string) []scanRecord {
	var records []scanRecord
	current := make(map[string]string)

	flush := func() {
		if mac := current["mac-address"]; mac != "" {
			ip := current["address"]
			if ip == "" {
				ip = current["ip-address"]
			}
			identity := current["netbios"]
			if identity == "" {
				identity = current["netbios-name"]
			}
			if identity == "" {
				identity = current["identity"]
			}
			if identity == "" {
				identity = current["host-name"]
			}
			records = append(records, scanRecord{
				IP:        ip,
				MAC:       types.NormalizeMAC(mac),
				Identity:  identity,
				Interface: current["interface"],
			})
		}
		current = make(map[string]string)
	}

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		// A leading record number starts a new entry.
		if line[0] >= '0' && line[0] <= '9' && strings.Contains(line, " ") {
			if len(current) > 0 {
				flush()
			}
			_, line, _ = strings.Cut(line, " ")
		}
		for _, token := range strings.Fields(line) {
			key, value, ok := strings.Cut(token, "=")
			if !ok {
				continue
			}
			current[key] = value
		}
	}
	if len(current) > 0 {
		flush()
	}
	return records
}

func parseTableRecords(output string) []scanRecord {
	var records []scanRecord
	headerSeen := false
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(strings.ToLower(line), "flags:") {
			continue
		}
		upper := strings.ToUpper(line)
		if strings.Contains(upper, "ADDRESS") && strings.Contains(upper, "MAC") {
			headerSeen = true
			continue
		}
		if headerSeen {
			parts := strings.Fields(line)
			if len(parts) >= 2 && net.ParseIP(parts[0]) != nil && types.IsMAC(parts[1]) {
				identity := ""
				if len(parts) > 3 {
					identity = strings.Join(parts[3:], " ")
				}
				records = append(records, scanRecord{
					IP:       parts[0],
					MAC:      types.NormalizeMAC(parts[1]),
					Identity: identity,
				})
				continue
			}
		}
		if m := ipMACRe.FindStringSubmatch(line); m != nil {
			records = append(records, scanRecord{
				IP:  m[1],
				MAC: types.NormalizeMAC(m[2]),
			})
		}
	}
	return records
}

func runRouterOSCommand(ctx context.Context, host, user, password, cmd string) (string, error) {
	client, err := sshDial(ctx, host, user, password, 10*time.Second)
	if err != nil {
		return "", err
	}
	defer client.Close()
	return sshRun(ctx, client, cmd)
}
