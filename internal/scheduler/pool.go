package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/karsvo/journey/pkg/schema"
)

// Processor is the slice of the coordinator the scheduler needs.
// Satisfied by the engine coordinator (avoids import cycle).
type Processor interface {
	Process(ctx context.Context, flowStateID string) error
}

// ErrPoolShutdown is returned when a flow state is dispatched to a shut-down
// pool.
var ErrPoolShutdown = errors.New("dispatch pool is shut down")

// DispatchMetrics counts flow-state dispatch outcomes.
type DispatchMetrics struct {
	Active     int64 `json:"active"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Panics     int64 `json:"panics"`
	Duplicates int64 `json:"duplicates"`
	LostRaces  int64 `json:"lost_races"`
}

// DispatchPool runs flow-state processing on a bounded set of goroutines and
// guarantees this process never works the same flow state twice at once.
// Cross-process isolation comes from the store's CAS; the in-flight set only
// avoids burning pool slots on duplicate dispatch within one process.
type DispatchPool struct {
	processor Processor
	logger    *slog.Logger

	sem     chan struct{}
	wg      sync.WaitGroup
	metrics DispatchMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// PoolOption configures a DispatchPool.
type PoolOption func(*DispatchPool)

// WithPoolLogger sets the pool logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *DispatchPool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewDispatchPool creates a pool processing at most size flow states
// concurrently.
func NewDispatchPool(size int, processor Processor, opts ...PoolOption) *DispatchPool {
	if size <= 0 {
		size = 1
	}
	p := &DispatchPool{
		processor: processor,
		logger:    slog.Default(),
		sem:       make(chan struct{}, size),
		done:      make(chan struct{}),
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dispatch hands a flow state to the pool. It blocks while the pool is at
// capacity (backpressure) and respects context cancellation while waiting.
// A state already in flight is dropped silently; the owner covers it.
func (p *DispatchPool) Dispatch(ctx context.Context, flowStateID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	if !p.tryAcquire(flowStateID) {
		atomic.AddInt64(&p.metrics.Duplicates, 1)
		return nil
	}

	select {
	case p.sem <- struct{}{}:
		// Slot acquired.
	case <-ctx.Done():
		p.release(flowStateID)
		return ctx.Err()
	case <-p.done:
		p.release(flowStateID)
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add(1) MUST be inside the lock to prevent race with Shutdown's wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		p.release(flowStateID)
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go p.work(ctx, flowStateID)
	return nil
}

func (p *DispatchPool) work(ctx context.Context, flowStateID string) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.Error("panic while processing flow state",
				"flow_state_id", flowStateID, "panic", r)
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		<-p.sem
		p.release(flowStateID)
		p.wg.Done()
	}()

	err := p.processor.Process(ctx, flowStateID)
	switch {
	case err == nil:
		atomic.AddInt64(&p.metrics.Processed, 1)
	case schema.HasCode(err, schema.ErrCodeConcurrentMod):
		// Another worker claimed the state first; its pass covers ours.
		atomic.AddInt64(&p.metrics.LostRaces, 1)
		p.logger.Debug("flow state claimed by another worker", "flow_state_id", flowStateID)
	default:
		atomic.AddInt64(&p.metrics.Failed, 1)
		p.logger.Error("flow state processing failed",
			"flow_state_id", flowStateID, "error", err)
	}
}

func (p *DispatchPool) tryAcquire(id string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *DispatchPool) release(id string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, id)
}

// Wait blocks until all dispatched work completes.
func (p *DispatchPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new dispatches and waits for in-flight work to finish.
func (p *DispatchPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current dispatch metrics.
func (p *DispatchPool) Metrics() DispatchMetrics {
	return DispatchMetrics{
		Active:     atomic.LoadInt64(&p.metrics.Active),
		Processed:  atomic.LoadInt64(&p.metrics.Processed),
		Failed:     atomic.LoadInt64(&p.metrics.Failed),
		Panics:     atomic.LoadInt64(&p.metrics.Panics),
		Duplicates: atomic.LoadInt64(&p.metrics.Duplicates),
		LostRaces:  atomic.LoadInt64(&p.metrics.LostRaces),
	}
}
