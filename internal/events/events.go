// Package events carries structured observability events from the memory
// core to pluggable sinks without ever blocking the caller.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/mneme/internal/ids"
	"github.com/hpungsan/mneme/internal/logging"
)

// Type names an event.
type Type string

const (
	SessionStarted      Type = "session_started"
	SessionClosed       Type = "session_closed"
	CompactionStarted   Type = "compaction_started"
	CompactionCompleted Type = "compaction_completed"
	CompactionTimeout   Type = "compaction_timeout"
	ContextReset        Type = "context_reset"
	CompressionSummary  Type = "compression_summary"
)

// Event is one observability record.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with the current time and a fresh ID.
func New(typ Type, sessionID string, data map[string]any) Event {
	now := time.Now().UTC()
	return Event{
		ID:        ids.New(now),
		Type:      typ,
		SessionID: sessionID,
		Timestamp: now,
		Data:      data,
	}
}

// Emitter accepts events. Emit must not block.
type Emitter interface {
	Emit(e Event)
}

// Sink receives events on the bus worker.
type Sink interface {
	Handle(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Handle implements Sink.
func (f SinkFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// Nop returns an Emitter that discards events.
func Nop() Emitter { return nopEmitter{} }

// Bus fans events out to sinks on a single worker goroutine.
// Emit never blocks: events are dropped when the buffer is full or the bus is closed.
type Bus struct {
	ch    chan Event
	sinks []Sink
	log   logging.Logger

	dropped atomic.Int64

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewBus creates a stopped bus. Events emitted before Start are buffered.
func NewBus(size int, log logging.Logger, sinks ...Sink) *Bus {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Bus{
		ch:    make(chan Event, size),
		sinks: sinks,
		log:   log,
	}
}

// Emit implements Emitter.
func (b *Bus) Emit(e Event) {
	if e.ID == "" {
		e.Timestamp = time.Now().UTC()
		e.ID = ids.New(e.Timestamp)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return
	}
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Start launches the worker.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range b.ch {
			b.dispatch(ctx, e)
		}
	}()
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	for _, s := range b.sinks {
		if err := s.Handle(ctx, e); err != nil {
			b.log.Warn("event sink failed", "type", string(e.Type), "error", err)
		}
	}
}

// Close delivers buffered events and stops the worker.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	started := b.started
	close(b.ch)
	b.mu.Unlock()

	if started {
		b.wg.Wait()
		return
	}
	// never started: drain synchronously so nothing buffered is lost
	for e := range b.ch {
		b.dispatch(context.Background(), e)
	}
}

// Recorder is an Emitter that keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of typ were recorded.
func (r *Recorder) Count(typ Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}
