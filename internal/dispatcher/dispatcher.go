// Package dispatcher is the Task Dispatcher: it hands newly-created
// BatchJob ids to a worker that runs the Provisioning protocol, decoupled
// from the HTTP request that created the record. It is a bounded
// in-process worker pool rather than a broker-backed queue: ids queued in a
// process that exits are not redelivered, and the Reconciler's grace-period
// sweep marks such never-provisioned "created" records failed.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler provisions a single BatchJob by id.
type Handler func(ctx context.Context, id string) error

// Pool is a bounded worker pool dispatching BatchJob ids to a Handler.
type Pool struct {
	handler Handler
	log     *zap.Logger
	queue   chan string

	wg   sync.WaitGroup
	stop chan struct{}
}

// New builds a Pool with the given number of workers and queue depth. Submit
// blocks once the queue is full, applying backpressure to callers (the API
// handler) rather than growing memory without bound.
func New(workers, queueDepth int, handler Handler, log *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	p := &Pool{
		handler: handler,
		log:     log,
		queue:   make(chan string, queueDepth),
		stop:    make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case id, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.handler(context.Background(), id); err != nil {
				p.log.Error("dispatcher: handler failed", zap.String("id", id), zap.Error(err))
			}
		}
	}
}

// Submit enqueues id for provisioning. It blocks until a slot is free or ctx
// is cancelled.
func (p *Pool) Submit(ctx context.Context, id string) error {
	select {
	case p.queue <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return context.Canceled
	}
}

// Close stops accepting new work and waits for in-flight handlers to
// return. Queued-but-unstarted ids are dropped; their records stay "created"
// until the Reconciler's grace-period sweep marks them failed.
func (p *Pool) Close() {
	close(p.stop)
	p.wg.Wait()
}
