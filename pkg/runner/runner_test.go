package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/A-MAD21/CMapper/pkg/modules"
	"github.com/A-MAD21/CMapper/pkg/reconciler"
	"github.com/A-MAD21/CMapper/pkg/storage"
	"github.com/A-MAD21/CMapper/pkg/types"
)

// fakeModule runs an injected function under a fixed descriptor.
type fakeModule struct {
	desc types.ModuleDescriptor
	run  func(ctx context.Context, cfg modules.Config, rep modules.Reporter) (*types.DiscoveryResult, error)
}

func (m *fakeModule) Descriptor() types.ModuleDescriptor { return m.desc }

func (m *fakeModule) Run(ctx context.Context, cfg modules.Config, rep modules.Reporter) (*types.DiscoveryResult, error) {
	return m.run(ctx, cfg, rep)
}

func newTestRunner(t *testing.T, mods ...modules.Module) (*Runner, *storage.Store) {
	t.Helper()

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	err = store.UpdateTopology(func(topo *types.Topology) error {
		topo.Sites = append(topo.Sites, &types.Site{ID: "site-1", Name: "office"})
		return nil
	})
	require.NoError(t, err)

	reg := modules.NewRegistry()
	for _, m := range mods {
		require.NoError(t, reg.Register(m))
	}

	r := New(store, reg, reconciler.New(reconciler.Policy{CreatePlaceholders: true}), nil, Options{})
	t.Cleanup(r.Stop)
	return r, store
}

func waitTerminal(t *testing.T, r *Runner, id string) *types.JobStatus {
	t.Helper()
	var st *types.JobStatus
	require.Eventually(t, func() bool {
		s, err := r.Status(id)
		if err != nil {
			return false
		}
		st = s
		return st.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestSubmitValidation(t *testing.T) {
	mod := &fakeModule{
		desc: types.ModuleDescriptor{
			ID:         "fake",
			NaturalKey: types.KeyIP,
			Parameters: []types.ParamSpec{{Name: "target", Required: true}},
		},
		run: func(context.Context, modules.Config, modules.Reporter) (*types.DiscoveryResult, error) {
			return &types.DiscoveryResult{Status: types.ResultSuccess}, nil
		},
	}
	r, _ := newTestRunner(t, mod)

	_, err := r.Submit("bogus", "office", nil)
	assert.Error(t, err, "unknown module")

	_, err = r.Submit("fake", "office", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target", "missing required parameter")

	_, err = r.Submit("fake", "warehouse", map[string]string{"target": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist", "unknown site")
}

func TestJobCompletesAndCommits(t *testing.T) {
	mod := &fakeModule{
		desc: types.ModuleDescriptor{ID: "fake", NaturalKey: types.KeyIP},
		run: func(_ context.Context, cfg modules.Config, rep modules.Reporter) (*types.DiscoveryResult, error) {
			rep.Logf("probing %s", "10.0.0.5")
			rep.Progress(50)
			return &types.DiscoveryResult{
				Status: types.ResultSuccess,
				Devices: []types.ReportedDevice{
					{Name: "found-host", IP: "10.0.0.5", Type: "host", Status: types.DeviceStatusOnline},
				},
			}, nil
		},
	}
	r, store := newTestRunner(t, mod)

	id, err := r.Submit("fake", "office", nil)
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, types.JobStateCompleted, st.State)
	assert.Equal(t, 100, st.Progress)
	require.NotNil(t, st.FinishedAt)

	err = store.ViewTopology(func(topo *types.Topology) error {
		devs := topo.SiteDevices("office")
		require.Len(t, devs, 1)
		assert.Equal(t, "found-host", devs[0].Name)
		assert.Equal(t, "fake", devs[0].DiscoveredBy)
		return nil
	})
	require.NoError(t, err)

	lines, err := r.Log(id, false)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "probing 10.0.0.5")
}

func TestJobFailedOnErrorResult(t *testing.T) {
	mod := &fakeModule{
		desc: types.ModuleDescriptor{ID: "fake", NaturalKey: types.KeyIP},
		run: func(context.Context, modules.Config, modules.Reporter) (*types.DiscoveryResult, error) {
			return &types.DiscoveryResult{Status: types.ResultError, Message: "bad input"}, nil
		},
	}
	r, _ := newTestRunner(t, mod)

	id, err := r.Submit("fake", "office", nil)
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, types.JobStateFailed, st.State)
	assert.Equal(t, "bad input", st.Message)
}

func TestJobErrorOnModuleError(t *testing.T) {
	mod := &fakeModule{
		desc: types.ModuleDescriptor{ID: "fake", NaturalKey: types.KeyIP},
		run: func(context.Context, modules.Config, modules.Reporter) (*types.DiscoveryResult, error) {
			return nil, errors.New("ssh exploded")
		},
	}
	r, _ := newTestRunner(t, mod)

	id, err := r.Submit("fake", "office", nil)
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, types.JobStateError, st.State)
	assert.Contains(t, st.Message, "ssh exploded")
}

func TestJobErrorOnNilResult(t *testing.T) {
	mod := &fakeModule{
		desc: types.ModuleDescriptor{ID: "fake", NaturalKey: types.KeyIP},
		run: func(context.Context, modules.Config, modules.Reporter) (*types.DiscoveryResult, error) {
			return nil, nil
		},
	}
	r, _ := newTestRunner(t, mod)

	id, err := r.Submit("fake", "office", nil)
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, types.JobStateError, st.State)
}

func TestJobCancellation(t *testing.T) {
	started := make(chan struct{})
	mod := &fakeModule{
		desc: types.ModuleDescriptor{ID: "fake", NaturalKey: types.KeyIP},
		run: func(ctx context.Context, _ modules.Config, _ modules.Reporter) (*types.DiscoveryResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r, _ := newTestRunner(t, mod)

	id, err := r.Submit("fake", "office", nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, r.Cancel(id))

	st := waitTerminal(t, r, id)
	assert.Equal(t, types.JobStateCancelled, st.State)

	// A terminal job cannot be cancelled again.
	assert.Error(t, r.Cancel(id))
}

func TestSecretParamsRedacted(t *testing.T) {
	done := make(chan struct{})
	mod := &fakeModule{
		desc: types.ModuleDescriptor{
			ID:         "fake",
			NaturalKey: types.KeyIP,
			Parameters: []types.ParamSpec{
				{Name: "username"},
				{Name: "password", Secret: true},
			},
		},
		run: func(context.Context, modules.Config, modules.Reporter) (*types.DiscoveryResult, error) {
			<-done
			return &types.DiscoveryResult{Status: types.ResultSuccess}, nil
		},
	}
	r, _ := newTestRunner(t, mod)
	defer close(done)

	id, err := r.Submit("fake", "office", map[string]string{
		"username": "admin",
		"password": "hunter2",
	})
	require.NoError(t, err)

	st, err := r.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "admin", st.Parameters["username"])
	assert.Equal(t, "********", st.Parameters["password"])
	assert.NotContains(t, st.Parameters["password"], "hunter2")
}

func TestLogConsumeMarksJobCollectable(t *testing.T) {
	mod := &fakeModule{
		desc: types.ModuleDescriptor{ID: "fake", NaturalKey: types.KeyIP},
		run: func(_ context.Context, _ modules.Config, rep modules.Reporter) (*types.DiscoveryResult, error) {
			rep.Logf("working")
			return &types.DiscoveryResult{Status: types.ResultSuccess}, nil
		},
	}
	r, _ := newTestRunner(t, mod)

	id, err := r.Submit("fake", "office", nil)
	require.NoError(t, err)
	waitTerminal(t, r, id)

	lines, err := r.Log(id, true)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	r.sweep()

	_, err = r.Status(id)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSweepKeepsUnconsumedJobs(t *testing.T) {
	mod := &fakeModule{
		desc: types.ModuleDescriptor{ID: "fake", NaturalKey: types.KeyIP},
		run: func(context.Context, modules.Config, modules.Reporter) (*types.DiscoveryResult, error) {
			return &types.DiscoveryResult{Status: types.ResultSuccess}, nil
		},
	}
	r, _ := newTestRunner(t, mod)

	id, err := r.Submit("fake", "office", nil)
	require.NoError(t, err)
	waitTerminal(t, r, id)

	// Neither consumed nor past retention: the job survives the sweep.
	r.sweep()
	_, err = r.Status(id)
	assert.NoError(t, err)
}

func TestListNewestFirst(t *testing.T) {
	mod := &fakeModule{
		desc: types.ModuleDescriptor{ID: "fake", NaturalKey: types.KeyIP},
		run: func(context.Context, modules.Config, modules.Reporter) (*types.DiscoveryResult, error) {
			return &types.DiscoveryResult{Status: types.ResultSuccess}, nil
		},
	}
	r, _ := newTestRunner(t, mod)

	first, err := r.Submit("fake", "office", nil)
	require.NoError(t, err)
	waitTerminal(t, r, first)
	time.Sleep(5 * time.Millisecond)

	second, err := r.Submit("fake", "office", nil)
	require.NoError(t, err)
	waitTerminal(t, r, second)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
	assert.Equal(t, first, list[1].ID)
}

func TestModuleSeesExistingSnapshot(t *testing.T) {
	var gotExisting []string
	mod := &fakeModule{
		desc: types.ModuleDescriptor{ID: "fake", NaturalKey: types.KeyIP},
		run: func(_ context.Context, cfg modules.Config, _ modules.Reporter) (*types.DiscoveryResult, error) {
			for _, d := range cfg.Existing {
				gotExisting = append(gotExisting, d.Name)
			}
			if !strings.HasSuffix(cfg.DatabasePath, "topology.db") {
				return nil, errors.New("unexpected database path")
			}
			return &types.DiscoveryResult{Status: types.ResultSuccess}, nil
		},
	}
	r, store := newTestRunner(t, mod)

	err := store.UpdateTopology(func(topo *types.Topology) error {
		topo.Devices = append(topo.Devices, &types.Device{ID: "d1", Site: "office", Name: "core-switch"})
		return nil
	})
	require.NoError(t, err)

	id, err := r.Submit("fake", "office", nil)
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, types.JobStateCompleted, st.State)
	assert.Equal(t, []string{"core-switch"}, gotExisting)
}
