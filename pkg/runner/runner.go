package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/A-MAD21/CMapper/pkg/events"
	"github.com/A-MAD21/CMapper/pkg/log"
	"github.com/A-MAD21/CMapper/pkg/metrics"
	"github.com/A-MAD21/CMapper/pkg/modules"
	"github.com/A-MAD21/CMapper/pkg/reconciler"
	"github.com/A-MAD21/CMapper/pkg/storage"
	"github.com/A-MAD21/CMapper/pkg/types"
)

// Defaults for job log buffering and garbage collection.
const (
	DefaultLogBufferLines = 500
	DefaultRetention      = 10 * time.Minute
	DefaultGCInterval     = time.Minute
)

// ErrJobNotFound is returned for unknown or already collected job IDs.
var ErrJobNotFound = errors.New("job not found")

// Options tunes runner behavior. Zero values take the defaults.
type Options struct {
	LogBufferLines int
	Retention      time.Duration
	GCInterval     time.Duration
}

// Runner executes discovery modules as asynchronous jobs: one
// goroutine per job, pollable status, bounded log buffers and
// automatic cleanup of finished jobs.
type Runner struct {
	store    *storage.Store
	registry *modules.Registry
	engine   *reconciler.Engine
	broker   *events.Broker
	logger   zerolog.Logger
	opts     Options

	mu     sync.Mutex
	jobs   map[string]*job
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// job is the runner's bookkeeping for one execution.
type job struct {
	mu       sync.Mutex
	status   types.JobStatus
	cancel   context.CancelFunc
	buf      *logRing
	consumed bool // final log handed out after reaching a terminal state
}

// New creates a Runner. Call Start to begin the GC sweep.
func New(store *storage.Store, registry *modules.Registry, engine *reconciler.Engine, broker *events.Broker, opts Options) *Runner {
	if opts.LogBufferLines <= 0 {
		opts.LogBufferLines = DefaultLogBufferLines
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}
	return &Runner{
		store:    store,
		registry: registry,
		engine:   engine,
		broker:   broker,
		logger:   log.WithComponent("runner"),
		opts:     opts,
		jobs:     make(map[string]*job),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background GC sweep.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.gcLoop()
	r.logger.Info().Msg("Job runner started")
}

// Stop cancels all running jobs and stops the GC sweep. Job goroutines
// finish on their own; cancellation is a signal, not a kill.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.mu.Lock()
	for _, j := range r.jobs {
		j.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
	r.logger.Info().Msg("Job runner stopped")
}

// Submit validates and launches a module run against a site. It
// returns the job ID immediately; the module executes on its own
// goroutine.
func (r *Runner) Submit(moduleID, site string, params map[string]string) (string, error) {
	module, err := r.registry.Get(moduleID)
	if err != nil {
		return "", err
	}
	desc := module.Descriptor()

	cfg := modules.Config{
		Site:         site,
		Parameters:   params,
		DatabasePath: r.store.TopologyPath(),
	}
	if err := modules.ValidateParams(desc, cfg); err != nil {
		return "", fmt.Errorf("module %s: %w", moduleID, err)
	}

	// Site check and device snapshot in one read.
	err = r.withStoreRetry(func() error {
		return r.store.ViewTopology(func(topo *types.Topology) error {
			if topo.SiteByName(site) == nil {
				return fmt.Errorf("site %q does not exist", site)
			}
			for _, d := range topo.SiteDevices(site) {
				copied := *d
				cfg.Existing = append(cfg.Existing, &copied)
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		status: types.JobStatus{
			ID:         id,
			ModuleID:   moduleID,
			Site:       site,
			Parameters: redactParams(desc, params),
			State:      types.JobStateQueued,
			StartedAt:  time.Now(),
		},
		cancel: cancel,
		buf:    newLogRing(r.opts.LogBufferLines),
	}

	r.mu.Lock()
	r.jobs[id] = j
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx, j, module, cfg)

	return id, nil
}

// Status returns the current view of a job.
func (r *Runner) Status(id string) (*types.JobStatus, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	st := j.status
	st.Warnings = append([]string(nil), j.status.Warnings...)
	return &st, nil
}

// Log returns the buffered log lines of a job. With consume set the
// buffer is drained, and draining a terminal job marks it collectable
// by the GC sweep.
func (r *Runner) Log(id string, consume bool) ([]string, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	lines := j.buf.Snapshot(consume)
	if consume {
		j.mu.Lock()
		if j.status.State.Terminal() {
			j.consumed = true
		}
		j.mu.Unlock()
	}
	return lines, nil
}

// Cancel signals a job's context. The job keeps its goroutine until
// the module honors the signal; a module that ignores it runs to
// whatever end its own logic reaches.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	j.mu.Lock()
	terminal := j.status.State.Terminal()
	j.mu.Unlock()
	if terminal {
		return fmt.Errorf("job %s already finished", id)
	}

	j.cancel()
	return nil
}

// List returns the status of all known jobs, newest first.
func (r *Runner) List() []*types.JobStatus {
	r.mu.Lock()
	jobs := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	out := make([]*types.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		st := j.status
		j.mu.Unlock()
		out = append(out, &st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

// run executes the module and commits its result.
func (r *Runner) run(ctx context.Context, j *job, module modules.Module, cfg modules.Config) {
	defer r.wg.Done()
	defer j.cancel()

	desc := module.Descriptor()
	logger := r.logger.With().
		Str("job_id", j.status.ID).
		Str("module_id", desc.ID).
		Str("site", cfg.Site).
		Logger()

	j.setState(types.JobStateRunning, "", 10)
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()
	r.publish(j, events.EventJobStarted, "job started")
	logger.Info().Msg("Job started")

	rep := &reporter{job: j}
	result, err := module.Run(ctx, cfg, rep)

	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		j.setState(types.JobStateCancelled, "cancelled", 100)
		r.finish(j, events.EventJobCancelled, logger)
		return
	case err != nil:
		j.setState(types.JobStateError, err.Error(), 100)
		r.finish(j, events.EventJobError, logger)
		return
	case result == nil:
		j.setState(types.JobStateError, "module returned no result", 100)
		r.finish(j, events.EventJobError, logger)
		return
	case result.Status == types.ResultError:
		j.setState(types.JobStateFailed, result.Message, 100)
		r.finish(j, events.EventJobFailed, logger)
		return
	}

	j.setProgress(95)
	stats, err := r.commit(j, desc, cfg.Site, result)
	if err != nil {
		j.setState(types.JobStateError, fmt.Sprintf("failed to commit result: %v", err), 100)
		r.finish(j, events.EventJobError, logger)
		return
	}

	j.mu.Lock()
	j.status.Warnings = append(j.status.Warnings, stats.Warnings...)
	j.mu.Unlock()

	msg := result.Message
	if msg == "" {
		msg = fmt.Sprintf("completed: %d created, %d updated", stats.Created, stats.Updated)
	}
	j.setState(types.JobStateCompleted, msg, 100)
	r.finish(j, events.EventJobCompleted, logger)
	logger.Info().
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("warnings", len(stats.Warnings)).
		Msg("Job completed")
}

// commit merges the module result into the topology in one store
// write, retrying while another process holds the database.
func (r *Runner) commit(j *job, desc types.ModuleDescriptor, site string, result *types.DiscoveryResult) (*reconciler.Stats, error) {
	var stats *reconciler.Stats
	timer := metrics.NewTimer()
	err := r.withStoreRetry(func() error {
		stats = nil
		return r.store.UpdateTopology(func(topo *types.Topology) error {
			s, err := r.engine.Reconcile(topo, site, result, desc.NaturalKey, desc.ID)
			if err != nil {
				return err
			}
			stats = s
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	timer.ObserveDuration(metrics.ReconcileDuration)
	metrics.ReconcileDevices.WithLabelValues("created").Add(float64(stats.Created))
	metrics.ReconcileDevices.WithLabelValues("updated").Add(float64(stats.Updated))
	metrics.ReconcileDevices.WithLabelValues("unchanged").Add(float64(stats.Unchanged))
	return stats, nil
}

// withStoreRetry retries the operation while the store reports the
// database file is held by another process.
func (r *Runner) withStoreRetry(fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.RetryIf(func(err error) bool {
			if errors.Is(err, storage.ErrBusy) {
				metrics.StoreBusyTotal.Inc()
				return true
			}
			return false
		}),
		retry.LastErrorOnly(true),
	)
}

func (r *Runner) finish(j *job, event events.EventType, logger zerolog.Logger) {
	j.mu.Lock()
	state := j.status.State
	msg := j.status.Message
	j.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(j.status.ModuleID, string(state)).Inc()
	r.publish(j, event, msg)
	if state != types.JobStateCompleted {
		logger.Warn().Str("state", string(state)).Str("message", msg).Msg("Job finished")
	}
}

func (r *Runner) publish(j *job, event events.EventType, msg string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:    event,
		Site:    j.status.Site,
		Message: msg,
		Metadata: map[string]string{
			"job_id":    j.status.ID,
			"module_id": j.status.ModuleID,
		},
	})
}

// gcLoop drops terminal jobs whose final log was consumed or whose
// retention window expired.
func (r *Runner) gcLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Runner) sweep() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, j := range r.jobs {
		j.mu.Lock()
		terminal := j.status.State.Terminal()
		consumed := j.consumed
		var age time.Duration
		if j.status.FinishedAt != nil {
			age = now.Sub(*j.status.FinishedAt)
		}
		j.mu.Unlock()

		if terminal && (consumed || age > r.opts.Retention) {
			delete(r.jobs, id)
			r.logger.Debug().Str("job_id", id).Msg("Collected finished job")
		}
	}
}

func (j *job) setState(state types.JobState, msg string, progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.status.State = state
	j.status.Progress = progress
	if msg != "" {
		j.status.Message = msg
	}
	if state.Terminal() && j.status.FinishedAt == nil {
		now := time.Now()
		j.status.FinishedAt = &now
	}
}

func (j *job) setProgress(p int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if p > j.status.Progress {
		j.status.Progress = p
	}
}

// redactParams strips secret parameter values from the pollable status.
func redactParams(desc types.ModuleDescriptor, params map[string]string) map[string]string {
	secret := make(map[string]bool)
	for _, p := range desc.Parameters {
		if p.Secret {
			secret[p.Name] = true
		}
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		if secret[k] {
			out[k] = "********"
		} else {
			out[k] = v
		}
	}
	return out
}

// reporter adapts a job to the module-facing Reporter. Module progress
// lands in the 10 to 90 band; the runner owns the edges.
type reporter struct {
	job *job
}

func (r *reporter) Logf(format string, args ...interface{}) {
	line := fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	r.job.buf.Append(line)
}

func (r *reporter) Progress(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	r.job.setProgress(10 + percent*80/100)
}
