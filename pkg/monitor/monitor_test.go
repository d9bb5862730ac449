package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/A-MAD21/CMapper/pkg/activity"
	"github.com/A-MAD21/CMapper/pkg/storage"
	"github.com/A-MAD21/CMapper/pkg/types"
)

// fakeProber answers probes from a fixed table. Unknown IPs error.
type fakeProber struct {
	results map[string]*ProbeResult
}

func (p *fakeProber) Probe(_ context.Context, ip string) (*ProbeResult, error) {
	res, ok := p.results[ip]
	if !ok {
		return nil, errors.New("host unreachable")
	}
	return res, nil
}

func newTestScheduler(t *testing.T, prober Prober) (*Scheduler, *storage.Store, *activity.Log) {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.Open(dir)
	require.NoError(t, err)
	act, err := activity.New(dir+"/activity", 60)
	require.NoError(t, err)

	s := New(store, prober, act, nil, Options{
		Interval:     time.Second,
		ProbeTimeout: 500 * time.Millisecond,
	})
	return s, store, act
}

func enableDevice(t *testing.T, store *storage.Store, site, deviceID, ip string, rules ...types.MonitorRule) {
	t.Helper()
	err := store.UpdateTopology(func(topo *types.Topology) error {
		if topo.SiteByName(site) == nil {
			topo.Sites = append(topo.Sites, &types.Site{ID: "site-" + site, Name: site})
		}
		topo.Devices = append(topo.Devices, &types.Device{ID: deviceID, Site: site, Name: deviceID, IP: ip})
		return nil
	})
	require.NoError(t, err)

	err = store.UpdateMonitor(func(mon *types.MonitorDB) error {
		mon.SiteEntry(site).Devices[deviceID] = &types.MonitorSample{
			Enabled: true,
			IP:      ip,
			Status:  types.MonitorUnknown,
			Rules:   rules,
		}
		return nil
	})
	require.NoError(t, err)
}

func sampleOf(t *testing.T, store *storage.Store, site, deviceID string) *types.MonitorSample {
	t.Helper()
	var out *types.MonitorSample
	err := store.ViewMonitor(func(mon *types.MonitorDB) error {
		entry, ok := mon.Sites[site]
		require.True(t, ok, "site %s missing from monitor db", site)
		out = entry.Devices[deviceID]
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	return out
}

func TestEvaluate(t *testing.T) {
	lossRule := types.MonitorRule{Type: types.RuleLoss, Threshold: 50, Enabled: true}
	latencyRule := types.MonitorRule{Type: types.RuleLatency, Threshold: 100, Enabled: true}

	tests := []struct {
		name  string
		rules []types.MonitorRule
		res   ProbeResult
		want  types.MonitorStatus
	}{
		{"no rules", nil, ProbeResult{PacketLoss: 100}, types.MonitorOK},
		{"loss under threshold", []types.MonitorRule{lossRule}, ProbeResult{PacketLoss: 20}, types.MonitorOK},
		{"loss at threshold", []types.MonitorRule{lossRule}, ProbeResult{PacketLoss: 50}, types.MonitorOK},
		{"loss over threshold", []types.MonitorRule{lossRule}, ProbeResult{PacketLoss: 60}, types.MonitorNotOK},
		{"latency over threshold", []types.MonitorRule{latencyRule}, ProbeResult{AvgLatencyMS: 250}, types.MonitorNotOK},
		{
			"disabled rule ignored",
			[]types.MonitorRule{{Type: types.RuleLoss, Threshold: 50, Enabled: false}},
			ProbeResult{PacketLoss: 100},
			types.MonitorOK,
		},
		{
			"any tripped rule wins",
			[]types.MonitorRule{lossRule, latencyRule},
			ProbeResult{PacketLoss: 10, AvgLatencyMS: 500},
			types.MonitorNotOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.res
			assert.Equal(t, tt.want, evaluate(tt.rules, &res))
		})
	}
}

func TestTickPersistsResults(t *testing.T) {
	prober := &fakeProber{results: map[string]*ProbeResult{
		"10.0.0.1": {PacketLoss: 0, AvgLatencyMS: 3.5},
		"10.0.0.2": {PacketLoss: 80, AvgLatencyMS: 12},
	}}
	s, store, _ := newTestScheduler(t, prober)

	lossRule := types.MonitorRule{Type: types.RuleLoss, Threshold: 50, Enabled: true}
	enableDevice(t, store, "office", "dev-1", "10.0.0.1", lossRule)
	enableDevice(t, store, "office", "dev-2", "10.0.0.2", lossRule)

	s.tick()

	healthy := sampleOf(t, store, "office", "dev-1")
	assert.Equal(t, types.MonitorOK, healthy.Status)
	assert.Equal(t, 3.5, healthy.AvgLatencyMS)
	require.NotNil(t, healthy.LastCheck)

	lossy := sampleOf(t, store, "office", "dev-2")
	assert.Equal(t, types.MonitorNotOK, lossy.Status)
	assert.Equal(t, 80.0, lossy.PacketLoss)
}

func TestTickProbeErrorYieldsUnknown(t *testing.T) {
	s, store, _ := newTestScheduler(t, &fakeProber{})
	enableDevice(t, store, "office", "dev-1", "10.0.0.1")

	// Force a known status first so the transition is observable.
	err := store.UpdateMonitor(func(mon *types.MonitorDB) error {
		mon.SiteEntry("office").Devices["dev-1"].Status = types.MonitorOK
		return nil
	})
	require.NoError(t, err)

	s.tick()

	sample := sampleOf(t, store, "office", "dev-1")
	assert.Equal(t, types.MonitorUnknown, sample.Status)
}

func TestTickSkipsDisabledDevices(t *testing.T) {
	prober := &fakeProber{results: map[string]*ProbeResult{"10.0.0.1": {}}}
	s, store, _ := newTestScheduler(t, prober)
	enableDevice(t, store, "office", "dev-1", "10.0.0.1")

	err := store.UpdateMonitor(func(mon *types.MonitorDB) error {
		mon.SiteEntry("office").Devices["dev-1"].Enabled = false
		return nil
	})
	require.NoError(t, err)

	s.tick()

	sample := sampleOf(t, store, "office", "dev-1")
	assert.Equal(t, types.MonitorUnknown, sample.Status)
	assert.Nil(t, sample.LastCheck)
}

func TestTickDeviceWithoutIPIsFullLoss(t *testing.T) {
	s, store, _ := newTestScheduler(t, &fakeProber{})
	enableDevice(t, store, "office", "dev-1", "",
		types.MonitorRule{Type: types.RuleLoss, Threshold: 50, Enabled: true})

	s.tick()

	sample := sampleOf(t, store, "office", "dev-1")
	assert.Equal(t, types.MonitorNotOK, sample.Status)
	assert.Equal(t, 100.0, sample.PacketLoss)
}

// stallProber hangs on selected IPs until released, ignoring the
// context, and answers the rest immediately.
type stallProber struct {
	hang    map[string]bool
	results map[string]*ProbeResult
	release chan struct{}
}

func (p *stallProber) Probe(_ context.Context, ip string) (*ProbeResult, error) {
	if p.hang[ip] {
		<-p.release
		return nil, errors.New("too late")
	}
	res, ok := p.results[ip]
	if !ok {
		return nil, errors.New("host unreachable")
	}
	return res, nil
}

func TestTickStragglerDoesNotStallTick(t *testing.T) {
	prober := &stallProber{
		hang:    map[string]bool{"10.0.0.2": true},
		results: map[string]*ProbeResult{"10.0.0.1": {PacketLoss: 0}},
		release: make(chan struct{}),
	}
	t.Cleanup(func() { close(prober.release) })

	s, store, _ := newTestScheduler(t, prober)
	s.opts.ProbeTimeout = 50 * time.Millisecond
	enableDevice(t, store, "office", "dev-1", "10.0.0.1")
	enableDevice(t, store, "office", "dev-2", "10.0.0.2")

	start := time.Now()
	s.tick()
	elapsed := time.Since(start)

	// The tick gives up on the straggler after the probe timeout plus
	// grace; the healthy device's result still lands.
	assert.Less(t, elapsed, 2*time.Second)

	healthy := sampleOf(t, store, "office", "dev-1")
	assert.Equal(t, types.MonitorOK, healthy.Status)

	stuck := sampleOf(t, store, "office", "dev-2")
	assert.Equal(t, types.MonitorUnknown, stuck.Status)
	assert.Nil(t, stuck.LastCheck)
}

func TestTransitionWritesActivity(t *testing.T) {
	prober := &fakeProber{results: map[string]*ProbeResult{"10.0.0.1": {PacketLoss: 0}}}
	s, store, act := newTestScheduler(t, prober)
	enableDevice(t, store, "office", "dev-1", "10.0.0.1")

	s.tick()

	lines, err := act.Tail("office", 0)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "device dev-1: unknown -> ok")

	// A second tick with the same outcome records nothing new.
	s.tick()
	lines, err = act.Tail("office", 0)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestTickUsesTopologyIP(t *testing.T) {
	// The monitoring entry carries a stale IP; the topology has the
	// current one, which must win.
	prober := &fakeProber{results: map[string]*ProbeResult{"10.0.0.99": {PacketLoss: 0}}}
	s, store, _ := newTestScheduler(t, prober)
	enableDevice(t, store, "office", "dev-1", "10.0.0.1")

	err := store.UpdateTopology(func(topo *types.Topology) error {
		topo.DeviceByID("dev-1").IP = "10.0.0.99"
		return nil
	})
	require.NoError(t, err)

	s.tick()

	sample := sampleOf(t, store, "office", "dev-1")
	assert.Equal(t, types.MonitorOK, sample.Status)
}

func TestSchedulerStartStop(t *testing.T) {
	prober := &fakeProber{results: map[string]*ProbeResult{"10.0.0.1": {PacketLoss: 0}}}
	s, store, _ := newTestScheduler(t, prober)
	enableDevice(t, store, "office", "dev-1", "10.0.0.1")

	s.opts.Interval = 50 * time.Millisecond
	s.opts.ProbeTimeout = 20 * time.Millisecond
	s.Start()

	require.Eventually(t, func() bool {
		status := types.MonitorUnknown
		_ = store.ViewMonitor(func(mon *types.MonitorDB) error {
			if entry, ok := mon.Sites["office"]; ok {
				if sample, ok := entry.Devices["dev-1"]; ok {
					status = sample.Status
				}
			}
			return nil
		})
		return status == types.MonitorOK
	}, 5*time.Second, 20*time.Millisecond)

	s.Stop()
}

func TestNewClampsProbeTimeout(t *testing.T) {
	s := New(nil, &fakeProber{}, nil, nil, Options{Interval: 10 * time.Second, ProbeTimeout: time.Minute})
	assert.Equal(t, 5*time.Second, s.opts.ProbeTimeout)

	s = New(nil, &fakeProber{}, nil, nil, Options{})
	assert.Equal(t, DefaultInterval, s.opts.Interval)
}
