package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/A-MAD21/CMapper/pkg/activity"
	"github.com/A-MAD21/CMapper/pkg/events"
	"github.com/A-MAD21/CMapper/pkg/log"
	"github.com/A-MAD21/CMapper/pkg/metrics"
	"github.com/A-MAD21/CMapper/pkg/storage"
	"github.com/A-MAD21/CMapper/pkg/types"
)

// DefaultInterval is the scheduler tick period.
const DefaultInterval = 5 * time.Second

// graceWindow is how long past the probe timeout a tick waits before
// abandoning stragglers.
const graceWindow = 500 * time.Millisecond

// Options tunes the scheduler.
type Options struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// Scheduler drives periodic reachability checks of all monitoring
// enabled devices and persists derived state once per tick.
type Scheduler struct {
	store    *storage.Store
	prober   Prober
	activity *activity.Log
	broker   *events.Broker
	logger   zerolog.Logger
	opts     Options

	stopCh   chan struct{}
	wg       sync.WaitGroup
	lastTrim time.Time
}

// New creates a Scheduler. Call Start to begin ticking.
func New(store *storage.Store, prober Prober, act *activity.Log, broker *events.Broker, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ProbeTimeout <= 0 || opts.ProbeTimeout >= opts.Interval {
		opts.ProbeTimeout = opts.Interval / 2
	}
	return &Scheduler{
		store:    store,
		prober:   prober,
		activity: act,
		broker:   broker,
		logger:   log.WithComponent("monitor"),
		opts:     opts,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info().Dur("interval", s.opts.Interval).Msg("Monitoring scheduler started")
}

// Stop halts the loop. In-flight probes finish in the background and
// their late results are discarded.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Monitoring scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// probeTarget is one device due for a check this tick.
type probeTarget struct {
	site     string
	deviceID string
	ip       string
	rules    []types.MonitorRule
}

// probeOutcome pairs a target with its probe result. A nil result
// means the probe errored.
type probeOutcome struct {
	target probeTarget
	result *ProbeResult
}

func (s *Scheduler) tick() {
	metrics.MonitorTicksTotal.Inc()

	targets, err := s.collectTargets()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Skipping tick, could not read monitoring state")
		return
	}
	if len(targets) == 0 {
		s.maybeTrim(nil)
		return
	}

	outcomes := s.probeAll(targets)
	if err := s.persist(targets, outcomes); err != nil {
		s.logger.Warn().Err(err).Msg("Skipping tick, could not persist monitoring state")
	}
	s.maybeTrim(targets)
}

// collectTargets joins the enabled monitoring entries with the current
// topology so probes always use the device's present IP.
func (s *Scheduler) collectTargets() ([]probeTarget, error) {
	ipByID := make(map[string]string)
	err := s.store.ViewTopology(func(topo *types.Topology) error {
		for _, d := range topo.Devices {
			ipByID[d.ID] = d.IP
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var targets []probeTarget
	err = s.store.ViewMonitor(func(mon *types.MonitorDB) error {
		for site, entry := range mon.Sites {
			for deviceID, sample := range entry.Devices {
				if !sample.Enabled {
					continue
				}
				ip, ok := ipByID[deviceID]
				if !ok {
					ip = sample.IP
				}
				rules := append([]types.MonitorRule(nil), sample.Rules...)
				targets = append(targets, probeTarget{
					site:     site,
					deviceID: deviceID,
					ip:       ip,
					rules:    rules,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return targets, nil
}

// probeAll runs one probe goroutine per target and gathers results
// until the probe deadline plus grace. Stragglers deliver into the
// buffered channel and are dropped with it.
func (s *Scheduler) probeAll(targets []probeTarget) map[string]*ProbeResult {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ProbeTimeout)
	defer cancel()

	results := make(chan probeOutcome, len(targets))
	for _, t := range targets {
		go func(t probeTarget) {
			if t.ip == "" {
				results <- probeOutcome{target: t, result: &ProbeResult{PacketLoss: 100}}
				return
			}
			timer := metrics.NewTimer()
			res, err := s.prober.Probe(ctx, t.ip)
			timer.ObserveDuration(metrics.ProbeDuration)
			if err != nil {
				metrics.ProbesTotal.WithLabelValues("error").Inc()
				s.logger.Debug().Str("ip", t.ip).Err(err).Msg("Probe failed")
				results <- probeOutcome{target: t}
				return
			}
			metrics.ProbesTotal.WithLabelValues("ok").Inc()
			results <- probeOutcome{target: t, result: res}
		}(t)
	}

	out := make(map[string]*ProbeResult, len(targets))
	deadline := time.After(s.opts.ProbeTimeout + graceWindow)
	for range targets {
		select {
		case o := <-results:
			out[o.target.site+"/"+o.target.deviceID] = o.result
		case <-deadline:
			return out
		}
	}
	return out
}

// persist folds the tick's outcomes into the monitoring snapshot in a
// single store write and emits transition events.
func (s *Scheduler) persist(targets []probeTarget, outcomes map[string]*ProbeResult) error {
	type transition struct {
		site, deviceID string
		from, to       types.MonitorStatus
	}
	var transitions []transition
	now := time.Now()

	err := s.store.UpdateMonitor(func(mon *types.MonitorDB) error {
		transitions = transitions[:0]
		for _, t := range targets {
			entry := mon.SiteEntry(t.site)
			sample, ok := entry.Devices[t.deviceID]
			if !ok || !sample.Enabled {
				// Disabled between collect and persist; leave alone.
				continue
			}

			res, probed := outcomes[t.site+"/"+t.deviceID]
			prev := sample.Status
			if !probed || res == nil {
				sample.Status = types.MonitorUnknown
			} else {
				sample.PacketLoss = res.PacketLoss
				sample.AvgLatencyMS = res.AvgLatencyMS
				checked := now
				sample.LastCheck = &checked
				sample.Status = evaluate(t.rules, res)
			}
			if sample.Status != prev {
				transitions = append(transitions, transition{
					site: t.site, deviceID: t.deviceID, from: prev, to: sample.Status,
				})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, tr := range transitions {
		s.appendTransition(tr.site, tr.deviceID, tr.from, tr.to)
	}
	return nil
}

func (s *Scheduler) appendTransition(site, deviceID string, from, to types.MonitorStatus) {
	s.logger.Info().
		Str("site", site).
		Str("device_id", deviceID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Monitor status changed")

	if s.activity != nil {
		if err := s.activity.Append(site, "device %s: %s -> %s", deviceID, from, to); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to append activity line")
		}
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventMonitorStatus,
			Site:    site,
			Message: string(to),
			Metadata: map[string]string{
				"device_id": deviceID,
				"from":      string(from),
				"to":        string(to),
			},
		})
	}
}

// evaluate applies the enabled rules to a probe result. Any tripped
// rule makes the device not_ok.
func evaluate(rules []types.MonitorRule, res *ProbeResult) types.MonitorStatus {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		switch rule.Type {
		case types.RuleLoss:
			if res.PacketLoss > rule.Threshold {
				return types.MonitorNotOK
			}
		case types.RuleLatency:
			if res.AvgLatencyMS > rule.Threshold {
				return types.MonitorNotOK
			}
		}
	}
	return types.MonitorOK
}

// maybeTrim prunes old activity lines once a day.
func (s *Scheduler) maybeTrim(targets []probeTarget) {
	if s.activity == nil || time.Since(s.lastTrim) < 24*time.Hour {
		return
	}
	s.lastTrim = time.Now()

	sites := make(map[string]bool)
	for _, t := range targets {
		sites[t.site] = true
	}
	for site := range sites {
		if err := s.activity.Trim(site); err != nil {
			s.logger.Warn().Str("site", site).Err(err).Msg("Failed to trim activity log")
		}
	}
}
