package reconciler

import (
	"fmt"
	"strings"
	"time"

	"github.com/A-MAD21/CMapper/pkg/types"
	"github.com/google/uuid"
)

// deviceNamespace is the UUIDv5 namespace for generated device IDs.
// Hashing source+natural key inside it keeps IDs stable across re-runs
// of the same discovery source for the same device.
var deviceNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("cmapper.device"))

// Policy controls how unresolved connection endpoints are handled.
type Policy struct {
	// CreatePlaceholders makes the engine create a minimal placeholder
	// device for a connection endpoint that matches nothing in the site.
	// When false the connection is skipped with a warning instead; it is
	// never stored half-resolved.
	CreatePlaceholders bool
}

// Stats reports the outcome of one reconciliation pass.
type Stats struct {
	Created   int
	Updated   int
	Unchanged int
	Warnings  []string
}

func (s *Stats) warnf(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// Engine merges module results into a topology snapshot. It is
// stateless; every call operates on the snapshot it is given, inside
// whatever store transaction the caller runs.
type Engine struct {
	policy Policy
}

// New creates an Engine with the given endpoint policy.
func New(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// Reconcile merges the reported devices and connections of one module
// run into the topology. site must exist. naturalKey selects the field
// reported devices are matched on; source is the module ID recorded as
// discovery provenance and mixed into generated device IDs.
//
// Per-record problems never abort the batch; they aggregate into
// Stats.Warnings.
func (e *Engine) Reconcile(topo *types.Topology, site string, result *types.DiscoveryResult, naturalKey types.NaturalKey, source string) (*Stats, error) {
	if result == nil {
		return nil, fmt.Errorf("nil discovery result")
	}
	s := topo.SiteByName(site)
	if s == nil {
		return nil, fmt.Errorf("site %q does not exist", site)
	}

	stats := &Stats{}
	now := time.Now()

	// Existing devices in the target site keyed by natural key.
	index := make(map[string]*types.Device)
	for _, d := range topo.SiteDevices(site) {
		if key := deviceKey(d.MAC, d.IP, naturalKey); key != "" {
			index[key] = d
		}
	}

	for i := range result.Devices {
		e.mergeDevice(topo, index, site, &result.Devices[i], naturalKey, source, now, stats)
	}

	for i := range result.Connections {
		e.mergeConnection(topo, index, site, &result.Connections[i], naturalKey, source, now, stats)
	}

	scan := now
	s.LastScan = &scan
	return stats, nil
}

func (e *Engine) mergeDevice(topo *types.Topology, index map[string]*types.Device, site string, rep *types.ReportedDevice, naturalKey types.NaturalKey, source string, now time.Time, stats *Stats) *types.Device {
	key := deviceKey(rep.MAC, rep.IP, naturalKey)
	if key == "" {
		stats.warnf("device %q has no %s, skipped", rep.Name, naturalKey)
		return nil
	}

	if existing, ok := index[key]; ok {
		if existing.Locked {
			stats.warnf("device %s is locked, skipped", existing.Name)
			stats.Unchanged++
			return existing
		}
		if updateDevice(existing, rep, source, now) {
			stats.Updated++
		} else {
			stats.Unchanged++
		}
		return existing
	}

	device := newDevice(site, rep, key, naturalKey, source, now)
	topo.Devices = append(topo.Devices, device)
	index[key] = device
	stats.Created++
	return device
}

// updateDevice applies the fields the module is authoritative for and
// reports whether anything changed. last_seen always advances.
func updateDevice(d *types.Device, rep *types.ReportedDevice, source string, now time.Time) bool {
	changed := false

	set := func(dst *string, val string) {
		if val != "" && *dst != val {
			*dst = val
			changed = true
		}
	}
	set(&d.IP, rep.IP)
	set(&d.MAC, types.NormalizeMAC(rep.MAC))
	set(&d.Vendor, rep.Vendor)
	set(&d.Platform, rep.Platform)
	set(&d.Type, rep.Type)
	set(&d.Notes, rep.Notes)

	if rep.Status != "" && d.Status != rep.Status {
		d.Status = rep.Status
		changed = true
	}

	// The name is the user's field. Replace it only when the stored one
	// is clearly machine-generated or the module says so explicitly.
	if rep.Name != "" && rep.Name != d.Name && (rep.Overwrite || generatedName(d.Name, d.IP)) {
		d.Name = rep.Name
		changed = true
	}

	d.LastSeen = now
	if changed {
		d.DiscoveredBy = source
		d.LastModified = now
	}
	return changed
}

func newDevice(site string, rep *types.ReportedDevice, key string, naturalKey types.NaturalKey, source string, now time.Time) *types.Device {
	name := rep.Name
	if name == "" {
		switch {
		case rep.IP != "":
			name = "Device-" + rep.IP
		default:
			name = "Device-" + key
		}
	}
	status := rep.Status
	if status == "" {
		status = types.DeviceStatusUnknown
	}
	typ := rep.Type
	if typ == "" {
		typ = "unknown"
	}
	return &types.Device{
		ID:           DeviceID(source, string(naturalKey), key),
		Site:         site,
		Name:         name,
		IP:           rep.IP,
		MAC:          types.NormalizeMAC(rep.MAC),
		Vendor:       rep.Vendor,
		Platform:     rep.Platform,
		Type:         typ,
		Status:       status,
		DiscoveredBy: source,
		DiscoveredAt: now,
		LastSeen:     now,
		LastModified: now,
		Notes:        rep.Notes,
	}
}

func (e *Engine) mergeConnection(topo *types.Topology, index map[string]*types.Device, site string, rep *types.ReportedConnection, naturalKey types.NaturalKey, source string, now time.Time, stats *Stats) {
	local := e.resolveEndpoint(topo, index, site, rep.LocalKey, naturalKey, source, now, stats)
	if local == nil {
		stats.warnf("connection %s -> %s: local endpoint unresolved, skipped", rep.LocalKey, rep.RemoteKey)
		return
	}
	remote := e.resolveEndpoint(topo, index, site, rep.RemoteKey, naturalKey, source, now, stats)
	if remote == nil {
		stats.warnf("connection %s -> %s: remote endpoint unresolved, skipped", rep.LocalKey, rep.RemoteKey)
		return
	}
	if local.ID == remote.ID {
		stats.warnf("connection %s -> %s resolves to the same device, skipped", rep.LocalKey, rep.RemoteKey)
		return
	}

	protocol := rep.Protocol
	if protocol == "" {
		protocol = types.ProtocolOther
	}

	// Both halves are written in the same pass so the bidirectional
	// invariant holds when the transaction commits.
	upsertConnection(local, remote.ID, rep.LocalInterface, rep.RemoteInterface, protocol, now)
	upsertConnection(remote, local.ID, rep.RemoteInterface, rep.LocalInterface, protocol, now)
}

func (e *Engine) resolveEndpoint(topo *types.Topology, index map[string]*types.Device, site, rawKey string, naturalKey types.NaturalKey, source string, now time.Time, stats *Stats) *types.Device {
	key := normalizeKey(rawKey, naturalKey)
	if key == "" {
		return nil
	}
	if d, ok := index[key]; ok {
		return d
	}
	if !e.policy.CreatePlaceholders {
		return nil
	}

	rep := &types.ReportedDevice{Status: types.DeviceStatusUnknown}
	if naturalKey == types.KeyMAC {
		rep.MAC = key
	} else {
		rep.IP = key
	}
	placeholder := newDevice(site, rep, key, naturalKey, source, now)
	topo.Devices = append(topo.Devices, placeholder)
	index[key] = placeholder
	stats.Created++
	stats.warnf("created placeholder device for %s", key)
	return placeholder
}

// upsertConnection appends or refreshes the edge d -> remoteID. Existing
// edges to the same peer are updated in place so re-running a module
// never duplicates the reverse entry.
func upsertConnection(d *types.Device, remoteID, localIface, remoteIface string, protocol types.ConnectionProtocol, now time.Time) {
	for i := range d.Connections {
		if d.Connections[i].RemoteDevice == remoteID {
			if localIface != "" {
				d.Connections[i].LocalInterface = localIface
			}
			if remoteIface != "" {
				d.Connections[i].RemoteInterface = remoteIface
			}
			d.Connections[i].Protocol = protocol
			return
		}
	}
	d.Connections = append(d.Connections, types.Connection{
		ID:              ConnectionID(d.ID, remoteID),
		LocalInterface:  localIface,
		RemoteDevice:    remoteID,
		RemoteInterface: remoteIface,
		Protocol:        protocol,
		DiscoveredAt:    now,
		Status:          "up",
	})
}

// DeviceID derives the stable identifier for a device from its discovery
// source and natural key.
func DeviceID(source, keyField, key string) string {
	return "dev-" + uuid.NewSHA1(deviceNamespace, []byte(source+":"+keyField+":"+key)).String()[:8]
}

// ConnectionID derives a stable identifier for the edge between two
// devices, identical for both halves (sorted pair).
func ConnectionID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "conn-" + uuid.NewSHA1(deviceNamespace, []byte(a+"|"+b)).String()[:8]
}

func deviceKey(mac, ip string, naturalKey types.NaturalKey) string {
	switch naturalKey {
	case types.KeyMAC:
		if mac != "" {
			return types.NormalizeMAC(mac)
		}
		// Fall back to IP so key-less records still merge instead of
		// duplicating on every run.
		return strings.TrimSpace(ip)
	default:
		return strings.TrimSpace(ip)
	}
}

func normalizeKey(key string, naturalKey types.NaturalKey) string {
	key = strings.TrimSpace(key)
	if naturalKey == types.KeyMAC && types.IsMAC(key) {
		return types.NormalizeMAC(key)
	}
	return key
}

// generatedName reports whether a device name looks machine-generated:
// empty, the auto "Device-<ip>" form, or a bare MAC address.
func generatedName(name, ip string) bool {
	if name == "" {
		return true
	}
	if strings.HasPrefix(name, "Device-") {
		return true
	}
	if ip != "" && name == ip {
		return true
	}
	return types.IsMAC(name)
}
