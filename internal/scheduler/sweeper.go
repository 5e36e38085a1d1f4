package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karsvo/journey/internal/store"
)

const (
	defaultSweepInterval = 5 * time.Second
	defaultSweepBatch    = 100
)

// Sweeper polls the store for claimable flow states (fresh enrollments and
// waits that have come due) and hands them to the dispatch pool. The store's
// CAS makes concurrent sweepers safe; the pool deduplicates states this
// process is already working.
type Sweeper struct {
	store    store.Store
	pool     *DispatchPool
	interval time.Duration
	batch    int
	logger   *slog.Logger
	nowFn    func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the polling interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepBatch caps the number of states claimed per poll per queue.
func WithSweepBatch(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithSweepClock sets an alternate time source.
func WithSweepClock(nowFn func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

// WithSweepLogger sets the sweeper logger.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSweeper creates a sweeper backed by the given dispatch pool.
func NewSweeper(st store.Store, pool *DispatchPool, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    st,
		pool:     pool,
		interval: defaultSweepInterval,
		batch:    defaultSweepBatch,
		logger:   slog.Default(),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("sweeper started", "interval", s.interval)
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one poll: due waits first (they have been queued longest), then
// fresh enrollments. Exposed so callers can force a pass without waiting for
// the ticker.
func (s *Sweeper) Sweep(ctx context.Context) {
	due, err := s.store.ListDueWaiting(ctx, s.nowFn(), s.batch)
	if err != nil {
		s.logger.Error("failed to list due waits", "error", err)
	} else {
		s.dispatch(ctx, due)
	}

	pending, err := s.store.ListPendingStates(ctx, s.batch)
	if err != nil {
		s.logger.Error("failed to list pending states", "error", err)
		return
	}
	s.dispatch(ctx, pending)
}

func (s *Sweeper) dispatch(ctx context.Context, states []*store.ContactFlowState) {
	for _, st := range states {
		if err := s.pool.Dispatch(ctx, st.ID); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("failed to dispatch flow state", "flow_state_id", st.ID, "error", err)
		}
	}
}

// Stop gracefully shuts down the sweep loop and drains in-flight work.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.pool.Wait()

	s.logger.Info("sweeper stopped")
	return nil
}
