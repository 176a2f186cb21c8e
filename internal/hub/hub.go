// Package hub decouples connection I/O from message processing. Read loops
// publish raw inbound frames; a fixed pool of workers drains them.
package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"piccollab/internal/logging"
	"piccollab/pkg/interfaces"
	"piccollab/pkg/types"
)

// Dispatch modes.
const (
	// DispatchAffinity pins every picture to one worker, so events of a room
	// are processed in publish order.
	DispatchAffinity = "affinity"
	// DispatchShared lets all workers compete for one queue. Events of the
	// same room may be processed out of order.
	DispatchShared = "shared"
)

// Event is one inbound frame waiting to be processed.
type Event struct {
	Payload    []byte
	Session    interfaces.Connection
	User       *types.User
	PictureID  int64
	ReceivedAt time.Time
}

// Processor consumes events. Implementations must be safe for concurrent use
// when more than one worker is configured.
type Processor interface {
	Process(ctx context.Context, ev *Event)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ev *Event)

func (f ProcessorFunc) Process(ctx context.Context, ev *Event) { f(ctx, ev) }

type Config struct {
	Workers  int
	Capacity int
	Dispatch string
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Running   bool   `json:"running"`
	Dispatch  string `json:"dispatch"`
	Workers   int    `json:"workers"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Published uint64 `json:"published"`
	Processed uint64 `json:"processed"`
	Rejected  uint64 `json:"rejected"`
	Panics    uint64 `json:"panics"`
}

// Hub is the bounded multi-consumer ingestion queue.
type Hub struct {
	queues      []chan *Event
	workerCount int
	capacity    int
	dispatch    string
	logger      zerolog.Logger

	running bool
	mu      sync.RWMutex
	cancel  context.CancelFunc
	group   *errgroup.Group

	published atomic.Uint64
	processed atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
}

// New creates a stopped hub.
func New(cfg Config, logger zerolog.Logger) (*Hub, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("hub workers must be positive, got %d", cfg.Workers)
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("hub capacity must be positive, got %d", cfg.Capacity)
	}

	h := &Hub{
		workerCount: cfg.Workers,
		capacity:    cfg.Capacity,
		dispatch:    cfg.Dispatch,
		logger:      logging.Module(logger, "hub"),
	}

	switch cfg.Dispatch {
	case DispatchShared:
		h.queues = []chan *Event{make(chan *Event, cfg.Capacity)}
	case DispatchAffinity, "":
		h.dispatch = DispatchAffinity
		per := (cfg.Capacity + cfg.Workers - 1) / cfg.Workers
		h.queues = make([]chan *Event, cfg.Workers)
		for i := range h.queues {
			h.queues[i] = make(chan *Event, per)
		}
		h.capacity = per * cfg.Workers
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Dispatch)
	}

	return h, nil
}

// Start launches the worker pool. Workers stop when ctx is cancelled or Stop
// is called.
func (h *Hub) Start(ctx context.Context, processor Processor) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	h.cancel = cancel
	h.group = group
	h.running = true

	for i := 0; i < h.workerCount; i++ {
		queue := h.queues[i%len(h.queues)]
		id := i
		group.Go(func() error {
			return h.work(ctx, id, queue, processor)
		})
	}

	h.logger.Info().
		Int("workers", h.workerCount).
		Int("capacity", h.capacity).
		Str("dispatch", h.dispatch).
		Msg("hub started")
	return nil
}

// Stop cancels the workers and waits for in-flight events to finish.
// Events still queued are discarded.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	cancel, group := h.cancel, h.group
	h.mu.Unlock()

	cancel()
	err := group.Wait()

	pending := h.depth()
	h.logger.Info().Int("discarded", pending).Msg("hub stopped")
	return err
}

// Publish enqueues ev without blocking. It fails with ErrQueueFull when the
// target queue is at capacity and ErrHubNotRunning when stopped.
func (h *Hub) Publish(ev *Event) error {
	if ev == nil || ev.Session == nil {
		return ErrInvalidEvent
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.queueFor(ev.PictureID) <- ev:
		h.published.Add(1)
		return nil
	default:
		h.rejected.Add(1)
		return ErrQueueFull
	}
}

func (h *Hub) queueFor(pictureID int64) chan *Event {
	if len(h.queues) == 1 {
		return h.queues[0]
	}
	return h.queues[uint64(pictureID)%uint64(len(h.queues))]
}

func (h *Hub) work(ctx context.Context, id int, queue <-chan *Event, processor Processor) error {
	logger := h.logger.With().Int("worker", id).Logger()
	logger.Debug().Msg("worker started")
	defer logger.Debug().Msg("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-queue:
			h.process(ctx, logger, ev, processor)
		}
	}
}

// process runs one event; a panicking processor is logged and the worker
// keeps draining.
func (h *Hub) process(ctx context.Context, logger zerolog.Logger, ev *Event, processor Processor) {
	defer func() {
		if r := recover(); r != nil {
			h.panics.Add(1)
			logger.Error().
				Interface("panic", r).
				Int64("picture_id", ev.PictureID).
				Str("connection", ev.Session.GetID()).
				Msg("event processing panicked")
		}
	}()

	processor.Process(ctx, ev)
	h.processed.Add(1)
}

func (h *Hub) depth() int {
	n := 0
	for _, q := range h.queues {
		n += len(q)
	}
	return n
}

// IsRunning reports whether workers are active.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Stats returns queue counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Running:   h.IsRunning(),
		Dispatch:  h.dispatch,
		Workers:   h.workerCount,
		Depth:     h.depth(),
		Capacity:  h.capacity,
		Published: h.published.Load(),
		Processed: h.processed.Load(),
		Rejected:  h.rejected.Load(),
		Panics:    h.panics.Load(),
	}
}
