package types

import (
	"time"
)

// Meta carries snapshot-level bookkeeping for a durable store file.
type Meta struct {
	Version      string    `json:"version"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"last_modified"`
}

// Site is the top-level scoping unit: a named location grouping devices.
type Site struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"` // unique, human-chosen
	RootIP    string     `json:"root_ip"`
	Locked    bool       `json:"locked"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"created"`
	LastScan  *time.Time `json:"last_scan,omitempty"`
}

// DeviceStatus represents the operational state of a device.
type DeviceStatus string

const (
	DeviceStatusOnline      DeviceStatus = "online"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusUnreachable DeviceStatus = "unreachable"
	DeviceStatusUnknown     DeviceStatus = "unknown"
)

// Device is a discovered or manually added network node within a site.
type Device struct {
	ID            string       `json:"id"`
	Site          string       `json:"site"` // site name
	Name          string       `json:"name"`
	IP            string       `json:"ip,omitempty"`
	MAC           string       `json:"mac,omitempty"`
	Vendor        string       `json:"vendor,omitempty"`
	Platform      string       `json:"platform,omitempty"`
	Type          string       `json:"type"` // router, switch, ap, host, ...
	Status        DeviceStatus `json:"status"`
	Locked        bool         `json:"locked"`
	AlwaysVisible bool         `json:"always_visible,omitempty"`
	DiscoveredBy  string       `json:"discovered_by,omitempty"` // module id
	DiscoveredAt  time.Time    `json:"discovered_at"`
	LastSeen      time.Time    `json:"last_seen"`
	LastModified  time.Time    `json:"last_modified"`
	Notes         string       `json:"notes,omitempty"`
	Connections   []Connection `json:"connections,omitempty"`
}

// ConnectionProtocol tags how a connection was learned.
type ConnectionProtocol string

const (
	ProtocolManual ConnectionProtocol = "manual"
	ProtocolCDP    ConnectionProtocol = "cdp"
	ProtocolLLDP   ConnectionProtocol = "lldp"
	ProtocolSNMP   ConnectionProtocol = "snmp"
	ProtocolOther  ConnectionProtocol = "other"
)

// Connection is a directed edge carried on a device. Every stored
// connection has a mirror entry on the remote device; the reconciler
// maintains that symmetry.
type Connection struct {
	ID              string             `json:"id"`
	LocalInterface  string             `json:"local_interface"`
	RemoteDevice    string             `json:"remote_device"` // device ID
	RemoteInterface string             `json:"remote_interface,omitempty"`
	Protocol        ConnectionProtocol `json:"protocol"`
	DiscoveredAt    time.Time          `json:"discovered_at"`
	Status          string             `json:"status,omitempty"`
}

// Topology is the full durable snapshot of sites and devices. Store
// writes load it, mutate it and persist it as one atomic unit.
type Topology struct {
	Meta    Meta      `json:"meta"`
	Sites   []*Site   `json:"sites"`
	Devices []*Device `json:"devices"`
}

// SiteByName returns the site with the given name, or nil.
func (t *Topology) SiteByName(name string) *Site {
	for _, s := range t.Sites {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// DeviceByID returns the device with the given ID, or nil.
func (t *Topology) DeviceByID(id string) *Device {
	for _, d := range t.Devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// SiteDevices returns all devices belonging to the named site.
func (t *Topology) SiteDevices(site string) []*Device {
	var out []*Device
	for _, d := range t.Devices {
		if d.Site == site {
			out = append(out, d)
		}
	}
	return out
}

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateError     JobState = "error"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is a sink: no transition leaves it.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateError, JobStateCancelled:
		return true
	}
	return false
}

// JobStatus is the pollable view of one module execution.
type JobStatus struct {
	ID         string            `json:"id"`
	ModuleID   string            `json:"module_id"`
	Site       string            `json:"site"`
	Parameters map[string]string `json:"parameters,omitempty"`
	State      JobState          `json:"state"`
	Progress   int               `json:"progress"` // 0-100
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Message    string            `json:"message,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// NaturalKey names the device field a module matches reported devices by.
type NaturalKey string

const (
	KeyMAC NaturalKey = "mac"
	KeyIP  NaturalKey = "ip"
)

// ParamSpec describes one input parameter a module accepts.
type ParamSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
	Secret      bool   `json:"secret,omitempty"` // never echoed into job logs
}

// ModuleDescriptor declares a discovery module's identity and inputs. The
// runner needs nothing beyond this and the uniform execution contract.
type ModuleDescriptor struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	NaturalKey  NaturalKey  `json:"natural_key"`
	Parameters  []ParamSpec `json:"parameters,omitempty"`
}

// ResultStatus is the status a module reports on completion.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
	ResultWarning ResultStatus = "warning"
)

// ReportedDevice is one device in a module's structured result. The
// reconciler treats it as an opaque record to merge; empty fields are
// left alone on update. Overwrite is the explicit instruction to replace
// user-entered fields (the name in particular).
type ReportedDevice struct {
	Name      string       `json:"name,omitempty"`
	IP        string       `json:"ip,omitempty"`
	MAC       string       `json:"mac,omitempty"`
	Vendor    string       `json:"vendor,omitempty"`
	Platform  string       `json:"platform,omitempty"`
	Type      string       `json:"type,omitempty"`
	Status    DeviceStatus `json:"status,omitempty"`
	Notes     string       `json:"notes,omitempty"`
	Overwrite bool         `json:"overwrite,omitempty"`
}

// ReportedConnection is one edge in a module's result. Endpoints are
// referenced by the module's natural key, not by device ID; the
// reconciler resolves them.
type ReportedConnection struct {
	LocalKey        string             `json:"local"`
	RemoteKey       string             `json:"remote"`
	LocalInterface  string             `json:"local_interface,omitempty"`
	RemoteInterface string             `json:"remote_interface,omitempty"`
	Protocol        ConnectionProtocol `json:"protocol,omitempty"`
}

// DiscoveryResult is the structured result a module emits on completion.
type DiscoveryResult struct {
	Status      ResultStatus         `json:"status"`
	Message     string               `json:"message,omitempty"`
	Devices     []ReportedDevice     `json:"devices,omitempty"`
	Connections []ReportedConnection `json:"connections,omitempty"`
}

// MonitorRuleType selects the derived metric a rule thresholds.
type MonitorRuleType string

const (
	RuleLoss    MonitorRuleType = "loss"    // packet loss percentage
	RuleLatency MonitorRuleType = "latency" // average latency in ms
)

// MonitorRule is a per-device alerting rule.
type MonitorRule struct {
	Type      MonitorRuleType `json:"type"`
	Threshold float64         `json:"threshold"`
	Enabled   bool            `json:"enabled"`
}

// MonitorStatus is the computed health of a monitored device.
type MonitorStatus string

const (
	MonitorOK      MonitorStatus = "ok"
	MonitorNotOK   MonitorStatus = "not_ok"
	MonitorUnknown MonitorStatus = "unknown"
)

// MonitorSample is the per-device derived monitoring state.
type MonitorSample struct {
	Enabled      bool              `json:"enabled"`
	IP           string            `json:"ip,omitempty"`
	PacketLoss   float64           `json:"packet_loss"`
	AvgLatencyMS float64           `json:"avg_latency_ms"`
	LastCheck    *time.Time        `json:"last_check,omitempty"`
	Status       MonitorStatus     `json:"status"`
	Rules        []MonitorRule     `json:"rules,omitempty"`
	Layout       map[string]string `json:"layout,omitempty"` // UI-only metadata
}

// MonitorSite groups samples for one site, keyed by device ID.
type MonitorSite struct {
	Devices map[string]*MonitorSample `json:"devices"`
}

// MonitorDB is the durable monitoring snapshot, keyed by site name.
type MonitorDB struct {
	Meta  Meta                    `json:"meta"`
	Sites map[string]*MonitorSite `json:"sites"`
}

// SiteEntry returns the monitoring entry for a site, creating it if absent.
func (m *MonitorDB) SiteEntry(site string) *MonitorSite {
	if m.Sites == nil {
		m.Sites = make(map[string]*MonitorSite)
	}
	entry, ok := m.Sites[site]
	if !ok {
		entry = &MonitorSite{Devices: make(map[string]*MonitorSample)}
		m.Sites[site] = entry
	}
	if entry.Devices == nil {
		entry.Devices = make(map[string]*MonitorSample)
	}
	return entry
}

// Stats summarises the store for dashboards.
type Stats struct {
	TotalSites     int       `json:"total_sites"`
	TotalDevices   int       `json:"total_devices"`
	OnlineDevices  int       `json:"online_devices"`
	OfflineDevices int       `json:"offline_devices"`
	UnknownStatus  int       `json:"unknown_status"`
	LastModified   time.Time `json:"last_modified"`
}
