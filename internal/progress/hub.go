package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes the Hub. Zero values pick defaults sized for a scrape run,
// which emits a handful of events per page.
type Config struct {
	// BufferSize bounds queued events; Emit drops events once it is full.
	BufferSize int
	// BatchSize delivers a batch as soon as this many events are queued.
	BatchSize int
	// FlushInterval delivers a partial batch this long after its first event.
	FlushInterval time.Duration
	// SinkTimeout bounds every Consume call.
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 512
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 250 * time.Millisecond
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub queues events from any number of workers and delivers them in batches
// to every sink from one background goroutine. Emit never blocks.
type Hub struct {
	cfg   Config
	sinks []Sink
	in    chan Event
	quit  chan struct{}
	done  chan struct{}

	closing  atomic.Bool
	closeCtx context.Context
	once     sync.Once

	dropped    atomic.Int64
	unreported atomic.Int64
	dropWarn   *rate.Sometimes
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		in:       make(chan Event, cfg.BufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		dropWarn: &rate.Sometimes{Interval: 5 * time.Second},
	}
	go h.loop()
	return h
}

// Emit queues evt. Invalid events and events emitted after Close are
// discarded; a full buffer drops the event and counts it.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.cfg.Logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
	default:
		h.dropped.Add(1)
		h.unreported.Add(1)
		h.dropWarn.Do(func() {
			h.cfg.Logger.Warn("progress buffer full; events dropped",
				zap.Int64("dropped", h.unreported.Swap(0)))
		})
	}
}

// Dropped reports how many events were lost to a full buffer.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops accepting events, delivers what is queued, closes the sinks and
// waits for the background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		h.closing.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close progress hub: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	var (
		batch []Event
		due   <-chan time.Time
	)
	for {
		select {
		case evt := <-h.in:
			batch = append(batch, evt)
			switch {
			case len(batch) >= h.cfg.BatchSize:
				h.deliver(batch)
				batch, due = nil, nil
			case due == nil:
				due = time.After(h.cfg.FlushInterval)
			}
		case <-due:
			h.deliver(batch)
			batch, due = nil, nil
		case <-h.quit:
			h.drain(batch)
			h.closeSinks()
			return
		}
	}
}

// drain delivers batch plus everything still buffered, in BatchSize chunks.
func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.in:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.BatchSize {
				h.deliver(batch)
				batch = nil
			}
		default:
			h.deliver(batch)
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := s.Consume(ctx, batch); err != nil {
			h.cfg.Logger.Warn("progress sink failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	for _, s := range h.sinks {
		if err := s.Close(h.closeCtx); err != nil {
			h.cfg.Logger.Warn("closing progress sink", zap.Error(err))
		}
	}
}
