package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/A-MAD21/CMapper/pkg/types"
)

func newTopology(site string) *types.Topology {
	return &types.Topology{
		Sites: []*types.Site{
			{ID: "site-1", Name: site, CreatedAt: time.Now()},
		},
	}
}

func TestReconcileCreatesDevices(t *testing.T) {
	topo := newTopology("hq")
	engine := New(Policy{CreatePlaceholders: true})

	result := &types.DiscoveryResult{
		Status: types.ResultSuccess,
		Devices: []types.ReportedDevice{
			{Name: "sw-core", IP: "10.0.0.1", Type: "switch"},
			{Name: "sw-edge", IP: "10.0.0.2", Type: "switch"},
		},
	}

	stats, err := engine.Reconcile(topo, "hq", result, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 0, stats.Updated)
	assert.Len(t, topo.Devices, 2)
	assert.NotNil(t, topo.SiteByName("hq").LastScan)

	for _, d := range topo.Devices {
		assert.Equal(t, "hq", d.Site)
		assert.Equal(t, "cdp_discovery", d.DiscoveredBy)
		assert.NotEmpty(t, d.ID)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	topo := newTopology("hq")
	engine := New(Policy{})

	result := &types.DiscoveryResult{
		Devices: []types.ReportedDevice{
			{Name: "sw-core", IP: "10.0.0.1", Type: "switch", Status: types.DeviceStatusOnline},
		},
	}

	stats, err := engine.Reconcile(topo, "hq", result, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
	firstID := topo.Devices[0].ID

	stats, err = engine.Reconcile(topo, "hq", result, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Created)
	assert.Equal(t, 1, stats.Unchanged)
	require.Len(t, topo.Devices, 1)
	assert.Equal(t, firstID, topo.Devices[0].ID)
}

func TestReconcileMatchesByMAC(t *testing.T) {
	topo := newTopology("hq")
	engine := New(Policy{})

	first := &types.DiscoveryResult{
		Devices: []types.ReportedDevice{{Name: "printer", MAC: "aa-bb-cc-dd-ee-ff"}},
	}
	_, err := engine.Reconcile(topo, "hq", first, types.KeyMAC, "mikrotik_scan")
	require.NoError(t, err)
	require.Len(t, topo.Devices, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", topo.Devices[0].MAC)

	// Same device, different MAC spelling and a new IP.
	second := &types.DiscoveryResult{
		Devices: []types.ReportedDevice{{Name: "printer", MAC: "AA:BB:CC:DD:EE:FF", IP: "10.0.0.9"}},
	}
	stats, err := engine.Reconcile(topo, "hq", second, types.KeyMAC, "mikrotik_scan")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Created)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, "10.0.0.9", topo.Devices[0].IP)
}

func TestReconcileSkipsLockedDevices(t *testing.T) {
	topo := newTopology("hq")
	engine := New(Policy{})

	seed := &types.DiscoveryResult{
		Devices: []types.ReportedDevice{{Name: "core", IP: "10.0.0.1", Type: "switch"}},
	}
	_, err := engine.Reconcile(topo, "hq", seed, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)
	topo.Devices[0].Locked = true

	update := &types.DiscoveryResult{
		Devices: []types.ReportedDevice{{Name: "hacked", IP: "10.0.0.1", Type: "host"}},
	}
	stats, err := engine.Reconcile(topo, "hq", update, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)
	assert.Equal(t, "core", topo.Devices[0].Name)
	assert.Equal(t, "switch", topo.Devices[0].Type)
	assert.NotEmpty(t, stats.Warnings)
}

func TestReconcileProtectsUserNames(t *testing.T) {
	topo := newTopology("hq")
	engine := New(Policy{})

	seed := &types.DiscoveryResult{
		Devices: []types.ReportedDevice{{Name: "Device-10.0.0.1", IP: "10.0.0.1"}},
	}
	_, err := engine.Reconcile(topo, "hq", seed, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)

	// Generated names may be replaced.
	update := &types.DiscoveryResult{
		Devices: []types.ReportedDevice{{Name: "core-switch", IP: "10.0.0.1"}},
	}
	_, err = engine.Reconcile(topo, "hq", update, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)
	assert.Equal(t, "core-switch", topo.Devices[0].Name)

	// A user-looking name stays unless the module says overwrite.
	update = &types.DiscoveryResult{
		Devices: []types.ReportedDevice{{Name: "something-else", IP: "10.0.0.1"}},
	}
	_, err = engine.Reconcile(topo, "hq", update, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)
	assert.Equal(t, "core-switch", topo.Devices[0].Name)

	update = &types.DiscoveryResult{
		Devices: []types.ReportedDevice{{Name: "renamed", IP: "10.0.0.1", Overwrite: true}},
	}
	_, err = engine.Reconcile(topo, "hq", update, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)
	assert.Equal(t, "renamed", topo.Devices[0].Name)
}

func TestReconcileMirrorsConnections(t *testing.T) {
	topo := newTopology("hq")
	engine := New(Policy{})

	result := &types.DiscoveryResult{
		Devices: []types.ReportedDevice{
			{Name: "a", IP: "10.0.0.1"},
			{Name: "b", IP: "10.0.0.2"},
		},
		Connections: []types.ReportedConnection{
			{
				LocalKey:        "10.0.0.1",
				RemoteKey:       "10.0.0.2",
				LocalInterface:  "Gi0/1",
				RemoteInterface: "Gi0/24",
				Protocol:        types.ProtocolCDP,
			},
		},
	}

	_, err := engine.Reconcile(topo, "hq", result, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)

	a := topo.Devices[0]
	b := topo.Devices[1]
	require.Len(t, a.Connections, 1)
	require.Len(t, b.Connections, 1)
	assert.Equal(t, b.ID, a.Connections[0].RemoteDevice)
	assert.Equal(t, a.ID, b.Connections[0].RemoteDevice)
	assert.Equal(t, "Gi0/1", a.Connections[0].LocalInterface)
	assert.Equal(t, "Gi0/24", b.Connections[0].LocalInterface)
	assert.Equal(t, a.Connections[0].ID, b.Connections[0].ID)

	// Re-running must not duplicate either half.
	_, err = engine.Reconcile(topo, "hq", result, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)
	assert.Len(t, a.Connections, 1)
	assert.Len(t, b.Connections, 1)
}

func TestReconcilePlaceholderPolicy(t *testing.T) {
	result := &types.DiscoveryResult{
		Devices: []types.ReportedDevice{{Name: "a", IP: "10.0.0.1"}},
		Connections: []types.ReportedConnection{
			{LocalKey: "10.0.0.1", RemoteKey: "10.0.0.99"},
		},
	}

	// Placeholders enabled: the unknown endpoint is created.
	topo := newTopology("hq")
	engine := New(Policy{CreatePlaceholders: true})
	stats, err := engine.Reconcile(topo, "hq", result, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)
	assert.Len(t, topo.Devices, 2)

	// Placeholders disabled: the connection is skipped with a warning
	// and nothing half-resolved is stored.
	topo = newTopology("hq")
	engine = New(Policy{CreatePlaceholders: false})
	stats, err = engine.Reconcile(topo, "hq", result, types.KeyIP, "cdp_discovery")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
	require.Len(t, topo.Devices, 1)
	assert.Empty(t, topo.Devices[0].Connections)
	assert.NotEmpty(t, stats.Warnings)
}

func TestReconcileUnknownSite(t *testing.T) {
	topo := newTopology("hq")
	engine := New(Policy{})
	_, err := engine.Reconcile(topo, "nowhere", &types.DiscoveryResult{}, types.KeyIP, "x")
	assert.Error(t, err)
}

func TestDeviceIDStable(t *testing.T) {
	a := DeviceID("cdp_discovery", "ip", "10.0.0.1")
	b := DeviceID("cdp_discovery", "ip", "10.0.0.1")
	c := DeviceID("mikrotik_scan", "ip", "10.0.0.1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestConnectionIDSymmetric(t *testing.T) {
	assert.Equal(t, ConnectionID("dev-1", "dev-2"), ConnectionID("dev-2", "dev-1"))
}

func TestGeneratedName(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want bool
	}{
		{"", "10.0.0.1", true},
		{"Device-10.0.0.1", "10.0.0.1", true},
		{"10.0.0.1", "10.0.0.1", true},
		{"AA:BB:CC:DD:EE:FF", "", true},
		{"aabbccddeeff", "", true},
		{"core-switch", "10.0.0.1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, generatedName(tt.name, tt.ip), "name %q", tt.name)
	}
}
