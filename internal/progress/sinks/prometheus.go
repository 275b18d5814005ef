package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crm-phone-scraper/internal/progress"
)

// PrometheusSink exports scrape progress via Prometheus. It owns the run,
// account, page and token collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	accounts        *prometheus.CounterVec
	accountDuration *prometheus.HistogramVec
	pages           prometheus.Counter
	pageDuration    prometheus.Histogram
	phones          prometheus.Counter
	tokens          *prometheus.CounterVec
	backups         prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_runs_completed_total",
			Help: "Total runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_runs_active",
			Help: "Current number of active runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}, []string{"result"}),
		accounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_accounts_total",
			Help: "Accounts finished partitioned by outcome.",
		}, []string{"outcome"}),
		accountDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_account_duration_seconds",
			Help:    "Time spent on one account partitioned by outcome.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_pages_total",
			Help: "Phone listing pages checkpointed.",
		}),
		pageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_page_duration_seconds",
			Help:    "Time to load, parse and checkpoint one page.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 60},
		}),
		phones: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_phones_added_total",
			Help: "Phone numbers newly stored.",
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_tokens_total",
			Help: "Token acquisitions partitioned by result.",
		}, []string{"result"}),
		backups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_backups_total",
			Help: "Store snapshots written.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runRuntime,
		s.accounts,
		s.accountDuration,
		s.pages,
		s.pageDuration,
		s.phones,
		s.tokens,
		s.backups,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StagePageDone:
		s.pages.Inc()
		if evt.Phones > 0 {
			s.phones.Add(float64(evt.Phones))
		}
		if evt.Dur > 0 {
			s.pageDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageAccountDone:
		s.observeAccount(evt, "completed")
	case progress.StageAccountFailed:
		s.observeAccount(evt, "failed")
	case progress.StageAccountSkipped:
		s.observeAccount(evt, "skipped")
	case progress.StageTokenAcquired:
		s.tokens.WithLabelValues("ok").Inc()
	case progress.StageTokenFailed:
		s.tokens.WithLabelValues("error").Inc()
	case progress.StageBackup:
		s.backups.Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageRunStart && s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) observeAccount(evt progress.Event, outcome string) {
	s.accounts.WithLabelValues(outcome).Inc()
	if evt.Dur > 0 {
		s.accountDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
