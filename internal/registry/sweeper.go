package registry

import (
	"context"
	"fmt"
	"sync"

	rcron "github.com/robfig/cron/v3"

	"github.com/hpungsan/mneme/internal/logging"
)

// Sweeper runs an expiry function on a cron schedule ("@every 5m", "*/10 * * * *").
type Sweeper struct {
	cron *rcron.Cron
	log  logging.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewSweeper validates schedule and registers sweep. Overlapping runs are skipped.
func NewSweeper(schedule string, sweep func(), log logging.Logger) (*Sweeper, error) {
	if log == nil {
		log = logging.Nop()
	}
	c := rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		log.Debug("expiry sweep")
		sweep()
	}); err != nil {
		return nil, fmt.Errorf("invalid expiry_sweep_schedule %q: %w", schedule, err)
	}
	return &Sweeper{cron: c, log: log}, nil
}

// Start begins scheduling. The sweeper stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	s.cron.Start()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}
