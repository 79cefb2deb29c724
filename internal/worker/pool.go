// Package worker runs packet handlers that do not need the tick goroutine.
package worker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Pool is an unbounded task runner backed by an ants pool: a task never
// waits for a free worker. Panics are recovered and logged.
type Pool struct {
	name    string
	pool    *ants.Pool
	logger  zerolog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool

	running   atomic.Int64
	completed atomic.Uint64
	panicked  atomic.Uint64
}

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Running   int64  `json:"running"`
	Completed uint64 `json:"completed"`
	Panicked  uint64 `json:"panicked"`
	Workers   int    `json:"workers"`
}

// NewPool creates a pool. The name tags log output.
func NewPool(name string) *Pool {
	p := &Pool{
		name:   name,
		logger: log.With().Str("pool", name).Logger(),
	}
	pool, err := ants.NewPool(-1,
		ants.WithPanicHandler(p.recovered),
		ants.WithLogger(&p.logger),
	)
	if err != nil {
		// ants rejects only a preallocated unbounded pool.
		panic(fmt.Sprintf("worker: %v", err))
	}
	p.pool = pool
	return p
}

func (p *Pool) recovered(r interface{}) {
	p.panicked.Add(1)
	p.logger.Error().Interface("panic", r).Msg("async task panicked")
}

// Submit runs task asynchronously. It reports false if the pool is stopped.
func (p *Pool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}

	p.wg.Add(1)
	p.running.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()
		defer p.running.Add(-1)
		task()
		p.completed.Add(1)
	})
	if err != nil {
		p.running.Add(-1)
		p.wg.Done()
		p.logger.Warn().Err(err).Msg("failed to submit async task")
		return false
	}
	return true
}

// Stop rejects new tasks, waits for in-flight ones to finish and releases
// the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.wg.Wait()
	p.pool.Release()
	p.logger.Info().Msg("worker pool stopped")
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Workers:   p.pool.Running(),
	}
}
