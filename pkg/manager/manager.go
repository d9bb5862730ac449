package manager

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/A-MAD21/CMapper/pkg/activity"
	"github.com/A-MAD21/CMapper/pkg/events"
	"github.com/A-MAD21/CMapper/pkg/log"
	"github.com/A-MAD21/CMapper/pkg/metrics"
	"github.com/A-MAD21/CMapper/pkg/modules"
	"github.com/A-MAD21/CMapper/pkg/runner"
	"github.com/A-MAD21/CMapper/pkg/storage"
	"github.com/A-MAD21/CMapper/pkg/types"
)

// Manager is the caller-facing facade over the store, the job runner
// and the monitoring state. All topology mutations go through single
// store transactions.
type Manager struct {
	store    *storage.Store
	runner   *runner.Runner
	registry *modules.Registry
	activity *activity.Log
	broker   *events.Broker
	logger   zerolog.Logger
}

// New creates a Manager.
func New(store *storage.Store, run *runner.Runner, registry *modules.Registry, act *activity.Log, broker *events.Broker) *Manager {
	return &Manager{
		store:    store,
		runner:   run,
		registry: registry,
		activity: act,
		broker:   broker,
		logger:   log.WithComponent("manager"),
	}
}

// CreateSite adds a new site. Site names are unique.
func (m *Manager) CreateSite(name, rootIP, notes string) (*types.Site, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("site name must not be empty")
	}

	site := &types.Site{
		ID:        "site-" + uuid.New().String()[:8],
		Name:      name,
		RootIP:    rootIP,
		Notes:     notes,
		CreatedAt: time.Now(),
	}
	err := m.store.UpdateTopology(func(topo *types.Topology) error {
		if topo.SiteByName(name) != nil {
			return fmt.Errorf("site %q already exists", name)
		}
		topo.Sites = append(topo.Sites, site)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(events.EventSiteCreated, name, "site created", nil)
	m.logger.Info().Str("site", name).Msg("Site created")
	return site, nil
}

// ListSites returns all sites.
func (m *Manager) ListSites() ([]*types.Site, error) {
	var out []*types.Site
	err := m.store.ViewTopology(func(topo *types.Topology) error {
		for _, s := range topo.Sites {
			copied := *s
			out = append(out, &copied)
		}
		return nil
	})
	return out, err
}

// GetSite returns one site by name.
func (m *Manager) GetSite(name string) (*types.Site, error) {
	var out *types.Site
	err := m.store.ViewTopology(func(topo *types.Topology) error {
		s := topo.SiteByName(name)
		if s == nil {
			return fmt.Errorf("site %q: %w", name, storage.ErrNotFound)
		}
		copied := *s
		out = &copied
		return nil
	})
	return out, err
}

// DeleteSite removes a site, its devices and every connection half
// elsewhere that pointed at them, all in one transaction. Monitoring
// state and the activity log go with it.
func (m *Manager) DeleteSite(name string) error {
	err := m.store.UpdateTopology(func(topo *types.Topology) error {
		if topo.SiteByName(name) == nil {
			return fmt.Errorf("site %q: %w", name, storage.ErrNotFound)
		}

		removed := make(map[string]bool)
		kept := topo.Devices[:0]
		for _, d := range topo.Devices {
			if d.Site == name {
				removed[d.ID] = true
				continue
			}
			kept = append(kept, d)
		}
		topo.Devices = kept
		pruneConnections(topo, removed)

		sites := topo.Sites[:0]
		for _, s := range topo.Sites {
			if s.Name != name {
				sites = append(sites, s)
			}
		}
		topo.Sites = sites
		return nil
	})
	if err != nil {
		return err
	}

	if err := m.store.UpdateMonitor(func(mon *types.MonitorDB) error {
		delete(mon.Sites, name)
		return nil
	}); err != nil {
		m.logger.Warn().Str("site", name).Err(err).Msg("Failed to drop monitoring state")
	}
	if m.activity != nil {
		if err := m.activity.Remove(name); err != nil {
			m.logger.Warn().Str("site", name).Err(err).Msg("Failed to remove activity log")
		}
	}

	m.publish(events.EventSiteDeleted, name, "site deleted", nil)
	m.logger.Info().Str("site", name).Msg("Site deleted")
	return nil
}

// ListDevices returns the devices of a site.
func (m *Manager) ListDevices(site string) ([]*types.Device, error) {
	var out []*types.Device
	err := m.store.ViewTopology(func(topo *types.Topology) error {
		if topo.SiteByName(site) == nil {
			return fmt.Errorf("site %q: %w", site, storage.ErrNotFound)
		}
		for _, d := range topo.SiteDevices(site) {
			copied := *d
			out = append(out, &copied)
		}
		return nil
	})
	return out, err
}

// GetDevice returns one device by ID.
func (m *Manager) GetDevice(id string) (*types.Device, error) {
	var out *types.Device
	err := m.store.ViewTopology(func(topo *types.Topology) error {
		d := topo.DeviceByID(id)
		if d == nil {
			return fmt.Errorf("device %q: %w", id, storage.ErrNotFound)
		}
		copied := *d
		out = &copied
		return nil
	})
	return out, err
}

// DeviceUpdate carries optional field changes; nil means leave alone.
type DeviceUpdate struct {
	Name          *string
	IP            *string
	MAC           *string
	Type          *string
	Notes         *string
	Status        *types.DeviceStatus
	Locked        *bool
	AlwaysVisible *bool
}

// UpdateDevice applies a user edit to a device.
func (m *Manager) UpdateDevice(id string, upd DeviceUpdate) (*types.Device, error) {
	var out *types.Device
	err := m.store.UpdateTopology(func(topo *types.Topology) error {
		d := topo.DeviceByID(id)
		if d == nil {
			return fmt.Errorf("device %q: %w", id, storage.ErrNotFound)
		}
		if upd.Name != nil {
			d.Name = *upd.Name
		}
		if upd.IP != nil {
			d.IP = *upd.IP
		}
		if upd.MAC != nil {
			d.MAC = *upd.MAC
		}
		if upd.Type != nil {
			d.Type = *upd.Type
		}
		if upd.Notes != nil {
			d.Notes = *upd.Notes
		}
		if upd.Status != nil {
			d.Status = *upd.Status
		}
		if upd.Locked != nil {
			d.Locked = *upd.Locked
		}
		if upd.AlwaysVisible != nil {
			d.AlwaysVisible = *upd.AlwaysVisible
		}
		d.LastModified = time.Now()
		copied := *d
		out = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(events.EventDeviceUpdated, out.Site, "device updated", map[string]string{"device_id": id})
	return out, nil
}

// DeleteDevice removes a device and prunes every connection half that
// pointed at it.
func (m *Manager) DeleteDevice(id string) error {
	var site string
	err := m.store.UpdateTopology(func(topo *types.Topology) error {
		d := topo.DeviceByID(id)
		if d == nil {
			return fmt.Errorf("device %q: %w", id, storage.ErrNotFound)
		}
		site = d.Site

		kept := topo.Devices[:0]
		for _, dev := range topo.Devices {
			if dev.ID != id {
				kept = append(kept, dev)
			}
		}
		topo.Devices = kept
		pruneConnections(topo, map[string]bool{id: true})
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(events.EventDeviceDeleted, site, "device deleted", map[string]string{"device_id": id})
	return nil
}

// MoveDevice reassigns a device to another site. Links to devices of
// the old site are dropped on both ends in the same transaction.
func (m *Manager) MoveDevice(id, newSite string) error {
	return m.store.UpdateTopology(func(topo *types.Topology) error {
		d := topo.DeviceByID(id)
		if d == nil {
			return fmt.Errorf("device %q: %w", id, storage.ErrNotFound)
		}
		if topo.SiteByName(newSite) == nil {
			return fmt.Errorf("site %q: %w", newSite, storage.ErrNotFound)
		}
		if d.Site == newSite {
			return nil
		}

		oldSite := d.Site
		now := time.Now()

		kept := d.Connections[:0]
		for _, c := range d.Connections {
			remote := topo.DeviceByID(c.RemoteDevice)
			if remote != nil && remote.Site == oldSite {
				removeConnectionTo(remote, d.ID)
				remote.LastModified = now
				continue
			}
			kept = append(kept, c)
		}
		d.Connections = kept
		d.Site = newSite
		d.LastModified = now
		return nil
	})
}

// PruneDevices deletes unlocked devices of a site whose name carries
// the given prefix, connection halves included. It returns how many
// devices were removed.
func (m *Manager) PruneDevices(site, prefix string) (int, error) {
	if prefix == "" {
		prefix = "Catched-"
	}
	removed := 0
	err := m.store.UpdateTopology(func(topo *types.Topology) error {
		if topo.SiteByName(site) == nil {
			return fmt.Errorf("site %q: %w", site, storage.ErrNotFound)
		}

		ids := make(map[string]bool)
		kept := topo.Devices[:0]
		for _, d := range topo.Devices {
			if d.Site == site && strings.HasPrefix(strings.TrimSpace(d.Name), prefix) && !d.Locked {
				ids[d.ID] = true
				continue
			}
			kept = append(kept, d)
		}
		topo.Devices = kept
		pruneConnections(topo, ids)
		removed = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.logger.Info().Str("site", site).Int("removed", removed).Msg("Pruned devices")
	return removed, nil
}

// SetMonitoring enables or disables monitoring for a device.
func (m *Manager) SetMonitoring(site, deviceID string, enabled bool) error {
	device, err := m.GetDevice(deviceID)
	if err != nil {
		return err
	}
	if device.Site != site {
		return fmt.Errorf("device %q is not in site %q", deviceID, site)
	}

	err = m.store.UpdateMonitor(func(mon *types.MonitorDB) error {
		entry := mon.SiteEntry(site)
		sample, ok := entry.Devices[deviceID]
		if !ok {
			sample = &types.MonitorSample{Status: types.MonitorUnknown}
			entry.Devices[deviceID] = sample
		}
		sample.Enabled = enabled
		sample.IP = device.IP
		if !enabled {
			sample.Status = types.MonitorUnknown
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(events.EventMonitorEnabled, site, fmt.Sprintf("monitoring %v", enabled),
		map[string]string{"device_id": deviceID})
	return nil
}

// SetRules replaces the alerting rules of a monitored device.
func (m *Manager) SetRules(site, deviceID string, rules []types.MonitorRule) error {
	return m.store.UpdateMonitor(func(mon *types.MonitorDB) error {
		entry := mon.SiteEntry(site)
		sample, ok := entry.Devices[deviceID]
		if !ok {
			return fmt.Errorf("device %q is not monitored in site %q", deviceID, site)
		}
		sample.Rules = append([]types.MonitorRule(nil), rules...)
		return nil
	})
}

// MonitorState returns the monitoring snapshot of a site.
func (m *Manager) MonitorState(site string) (*types.MonitorSite, error) {
	out := &types.MonitorSite{Devices: make(map[string]*types.MonitorSample)}
	err := m.store.ViewMonitor(func(mon *types.MonitorDB) error {
		entry, ok := mon.Sites[site]
		if !ok {
			return nil
		}
		for id, sample := range entry.Devices {
			copied := *sample
			out.Devices[id] = &copied
		}
		return nil
	})
	return out, err
}

// Activity returns the newest n activity lines of a site.
func (m *Manager) Activity(site string, n int) ([]string, error) {
	if m.activity == nil {
		return nil, nil
	}
	return m.activity.Tail(site, n)
}

// Stats summarises the store and refreshes the dashboard gauges.
func (m *Manager) Stats() (*types.Stats, error) {
	stats := &types.Stats{}
	err := m.store.ViewTopology(func(topo *types.Topology) error {
		stats.TotalSites = len(topo.Sites)
		stats.TotalDevices = len(topo.Devices)
		stats.LastModified = topo.Meta.LastModified
		for _, d := range topo.Devices {
			switch d.Status {
			case types.DeviceStatusOnline:
				stats.OnlineDevices++
			case types.DeviceStatusOffline, types.DeviceStatusUnreachable:
				stats.OfflineDevices++
			default:
				stats.UnknownStatus++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SitesTotal.Set(float64(stats.TotalSites))
	metrics.DevicesTotal.WithLabelValues("online").Set(float64(stats.OnlineDevices))
	metrics.DevicesTotal.WithLabelValues("offline").Set(float64(stats.OfflineDevices))
	metrics.DevicesTotal.WithLabelValues("unknown").Set(float64(stats.UnknownStatus))
	return stats, nil
}

// RunModule launches a module job on a site.
func (m *Manager) RunModule(moduleID, site string, params map[string]string) (string, error) {
	return m.runner.Submit(moduleID, site, params)
}

// JobStatus returns the status of a job.
func (m *Manager) JobStatus(id string) (*types.JobStatus, error) {
	return m.runner.Status(id)
}

// JobLog returns a job's buffered log lines.
func (m *Manager) JobLog(id string, consume bool) ([]string, error) {
	return m.runner.Log(id, consume)
}

// CancelJob signals a running job to stop.
func (m *Manager) CancelJob(id string) error {
	return m.runner.Cancel(id)
}

// ListJobs returns all known jobs.
func (m *Manager) ListJobs() []*types.JobStatus {
	return m.runner.List()
}

// ListModules returns the available module descriptors.
func (m *Manager) ListModules() []types.ModuleDescriptor {
	return m.registry.List()
}

func (m *Manager) publish(event events.EventType, site, msg string, meta map[string]string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:     event,
		Site:     site,
		Message:  msg,
		Metadata: meta,
	})
}

// pruneConnections drops every connection pointing at a removed device.
func pruneConnections(topo *types.Topology, removed map[string]bool) {
	if len(removed) == 0 {
		return
	}
	now := time.Now()
	for _, d := range topo.Devices {
		kept := d.Connections[:0]
		for _, c := range d.Connections {
			if removed[c.RemoteDevice] {
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) != len(d.Connections) {
			d.Connections = kept
			d.LastModified = now
		}
	}
}

func removeConnectionTo(d *types.Device, remoteID string) {
	kept := d.Connections[:0]
	for _, c := range d.Connections {
		if c.RemoteDevice != remoteID {
			kept = append(kept, c)
		}
	}
	d.Connections = kept
}
