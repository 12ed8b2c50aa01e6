package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jiang10061/image-downloader/internal/progress"
)

// PrometheusSink exports run and attempt progress. Registering twice against
// the same registry reuses the existing collectors.
type PrometheusSink struct {
	runsStarted prometheus.Counter
	runsRunning prometheus.Gauge
	runDuration prometheus.Histogram

	attempts        *prometheus.CounterVec
	attemptBytes    *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	outcomes        *prometheus.CounterVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg; nil means the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{running: make(map[string]struct{})}
	var err error
	if s.runsStarted, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harvester_progress_runs_started_total",
		Help: "Runs that have started.",
	})); err != nil {
		return nil, err
	}
	if s.runsRunning, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_progress_runs_running",
		Help: "Runs currently in progress.",
	})); err != nil {
		return nil, err
	}
	if s.runDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_progress_run_duration_seconds",
		Help:    "Wall time per finished run.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})); err != nil {
		return nil, err
	}
	if s.attempts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_progress_attempts_total",
		Help: "Finished fetch attempts by site and response class.",
	}, []string{"site", "status_class"})); err != nil {
		return nil, err
	}
	if s.attemptBytes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_progress_attempt_bytes_total",
		Help: "Bytes written by fetch attempts per site.",
	}, []string{"site"})); err != nil {
		return nil, err
	}
	if s.attemptDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_progress_attempt_duration_seconds",
		Help:    "Fetch attempt duration by site and response class.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"site", "status_class"})); err != nil {
		return nil, err
	}
	if s.outcomes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_progress_outcomes_total",
		Help: "Final URL statuses reported through the progress stream.",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register progress collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.track(evt.RunID, true) {
				s.runsRunning.Inc()
			}
		case progress.StageRunDone:
			if evt.Dur > 0 {
				s.runDuration.Observe(evt.Dur.Seconds())
			}
			if s.track(evt.RunID, false) {
				s.runsRunning.Dec()
			}
		case progress.StageAttemptDone:
			site := siteLabel(evt.Site)
			class := string(evt.StatusClass)
			s.attempts.WithLabelValues(site, class).Inc()
			if evt.Bytes > 0 {
				s.attemptBytes.WithLabelValues(site).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.attemptDuration.WithLabelValues(site, class).Observe(evt.Dur.Seconds())
			}
		case progress.StageOutcome:
			s.outcomes.WithLabelValues(evt.Status).Inc()
		}
	}
	return nil
}

// track records run start (start=true) or finish and reports whether the
// running set changed.
func (s *PrometheusSink) track(runID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[runID]
	if start {
		if ok {
			return false
		}
		s.running[runID] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.running, runID)
	return true
}

func siteLabel(site string) string {
	if site == "" {
		return "unknown"
	}
	return site
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
