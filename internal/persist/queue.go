package persist

import (
	"context"
	"sync"

	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/logging"
)

// DefaultQueueSize is used when NewQueue is given a non-positive size.
const DefaultQueueSize = 256

type job struct {
	op   string
	fn   func(ctx context.Context, s Store) error
	done chan struct{}
}

// Queue serializes writes to a Store on a single background worker so callers
// never wait on storage. Writes are applied in submission order. Failures are
// logged and dropped.
//
// Before Start and after Close, writes run synchronously on the caller.
// When the buffer is full, Submit waits for space rather than reordering.
type Queue struct {
	store Store
	log   logging.Logger
	ch    chan job

	mu      sync.RWMutex
	started bool
	closed  bool
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewQueue creates a stopped queue in front of store.
func NewQueue(store Store, size int, log logging.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Queue{
		store: store,
		log:   log,
		ch:    make(chan job, size),
	}
}

// Store returns the underlying store for reads.
func (q *Queue) Store() Store { return q.store }

// Start launches the worker. Writes use a context detached from ctx's
// cancellation so queued writes still land during shutdown.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.ctx = context.WithoutCancel(ctx)
	q.wg.Add(1)
	go q.run()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for j := range q.ch {
		q.exec(q.ctx, j)
	}
}

func (q *Queue) exec(ctx context.Context, j job) {
	if j.fn != nil {
		if err := j.fn(ctx, q.store); err != nil {
			q.log.Error("persistence write failed", "op", j.op, "error", errors.NewPersistenceFailed(j.op, err))
		}
	}
	if j.done != nil {
		close(j.done)
	}
}

// Submit schedules fn. It returns once fn is queued (or has run, if the queue
// is not running).
func (q *Queue) Submit(op string, fn func(ctx context.Context, s Store) error) {
	q.mu.RLock()
	if !q.started || q.closed {
		q.mu.RUnlock()
		q.exec(context.Background(), job{op: op, fn: fn})
		return
	}
	q.ch <- job{op: op, fn: fn}
	q.mu.RUnlock()
}

// Flush waits until every write submitted before the call has been applied.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.RLock()
	if !q.started || q.closed {
		q.mu.RUnlock()
		return nil
	}
	done := make(chan struct{})
	q.ch <- job{op: "flush", done: done}
	q.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and stops the worker. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	if started {
		close(q.ch)
		q.wg.Wait()
	}
}

// PutSession schedules a session snapshot write.
func (q *Queue) PutSession(s *convo.Session) {
	snap := s.Clone()
	q.Submit("put session", func(ctx context.Context, st Store) error {
		return st.PutSession(ctx, snap)
	})
}

// AppendTurn schedules a turn write.
func (q *Queue) AppendTurn(t convo.Turn) {
	turn := t.Clone()
	q.Submit("append turn", func(ctx context.Context, st Store) error {
		return st.AppendTurn(ctx, turn)
	})
}

// UpdateTurnImportance schedules an importance score update.
func (q *Queue) UpdateTurnImportance(sessionID string, scores map[int]float64) {
	if len(scores) == 0 {
		return
	}
	cp := make(map[int]float64, len(scores))
	for k, v := range scores {
		cp[k] = v
	}
	q.Submit("update turn importance", func(ctx context.Context, st Store) error {
		return st.UpdateTurnImportance(ctx, sessionID, cp)
	})
}

// AppendCompressionEvent schedules an audit record write.
func (q *Queue) AppendCompressionEvent(e convo.CompressionEvent) {
	ev := e
	ev.PreservedTurnIDs = append([]int{}, e.PreservedTurnIDs...)
	q.Submit("append compression event", func(ctx context.Context, st Store) error {
		return st.AppendCompressionEvent(ctx, ev)
	})
}
