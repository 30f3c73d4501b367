package worker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vulnscan/vulnscan/internal/scanner"
)

// maxConsecutiveErrors is how many back-to-back claim failures a worker
// tolerates before exiting to its supervisor for a restart.
const maxConsecutiveErrors = 5

// Pool runs a fixed set of workers over a shared dispatch channel. Workers
// consume targeted dispatches first and fall back to polling the pending
// queue, so both hand-off paths stay live and tolerate each other claiming
// a row first.
type Pool struct {
	size         int
	pollInterval time.Duration
	store        Store
	audit        Auditor
	details      DetailStore
	invoker      ImageScanner
	weights      scanner.Weights
	statusCache  StatusInvalidator
	log          logrus.FieldLogger

	dispatch chan uuid.UUID
	wg       sync.WaitGroup
}

func NewPool(size int, pollIntervalSeconds int, store Store, audit Auditor, invoker ImageScanner, weights scanner.Weights, log logrus.FieldLogger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:         size,
		pollInterval: time.Duration(pollIntervalSeconds) * time.Second,
		store:        store,
		audit:        audit,
		invoker:      invoker,
		weights:      weights,
		log:          log,
		dispatch:     make(chan uuid.UUID, size*4),
	}
}

// WithDetailPersistence enables per-finding rows for all pool workers.
func (p *Pool) WithDetailPersistence(details DetailStore) *Pool {
	p.details = details
	return p
}

// WithStatusInvalidation has every worker drop stale cache entries on
// terminal transitions.
func (p *Pool) WithStatusInvalidation(c StatusInvalidator) *Pool {
	p.statusCache = c
	return p
}

// Dispatch offers a freshly created scan id to the pool without blocking
// the caller. A full channel is fine: pending-row polling picks it up.
func (p *Pool) Dispatch(id uuid.UUID) {
	select {
	case p.dispatch <- id:
	default:
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// finished its current scan. The current scan always runs to a terminal
// state; cancellation only stops new claims.
func (p *Pool) Run(ctx context.Context) {
	p.log.WithField("concurrency", p.size).Info("starting worker pool")

	for i := 0; i < p.size; i++ {
		workerID := fmt.Sprintf("worker-%s-%d", uuid.NewString()[:8], i)
		w := New(workerID, p.store, p.audit, p.invoker, p.weights, p.log)
		if p.details != nil {
			w.WithDetailPersistence(p.details)
		}
		if p.statusCache != nil {
			w.WithStatusInvalidation(p.statusCache)
		}

		p.wg.Add(1)
		go p.supervise(ctx, w)
	}

	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

// supervise restarts a worker whose loop exited on consecutive errors.
func (p *Pool) supervise(ctx context.Context, w *Worker) {
	defer p.wg.Done()
	for ctx.Err() == nil {
		if err := p.runLoop(ctx, w); err != nil {
			p.log.WithError(err).WithField("worker_id", w.id).Warn("worker exited, restarting")
			continue
		}
		return
	}
}

// runLoop claims and processes scans until ctx is cancelled. Returns an
// error after maxConsecutiveErrors back-to-back claim failures.
func (p *Pool) runLoop(ctx context.Context, w *Worker) error {
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-p.dispatch:
			scan, err := p.store.ClaimByID(id, w.id)
			if err != nil {
				consecutiveErrors++
				if consecutiveErrors >= maxConsecutiveErrors {
					return fmt.Errorf("giving up after %d consecutive errors: %w", consecutiveErrors, err)
				}
				p.backoff(ctx, consecutiveErrors)
				continue
			}
			consecutiveErrors = 0
			if scan == nil {
				// Another worker or the poll path claimed it first
				continue
			}
			w.ProcessScan(context.WithoutCancel(ctx), scan)
		default:
			scan, err := p.store.ClaimNextPending(w.id)
			if err != nil {
				consecutiveErrors++
				if consecutiveErrors >= maxConsecutiveErrors {
					return fmt.Errorf("giving up after %d consecutive errors: %w", consecutiveErrors, err)
				}
				p.backoff(ctx, consecutiveErrors)
				continue
			}
			consecutiveErrors = 0
			if scan == nil {
				// Empty queue, respect the poll interval
				select {
				case <-ctx.Done():
					return nil
				case id := <-p.dispatch:
					if claimed, err := p.store.ClaimByID(id, w.id); err == nil && claimed != nil {
						w.ProcessScan(context.WithoutCancel(ctx), claimed)
					}
				case <-time.After(p.pollInterval):
				}
				continue
			}
			w.ProcessScan(context.WithoutCancel(ctx), scan)
		}
	}
}

// backoff sleeps min(2^n, 60) seconds between consecutive errors.
func (p *Pool) backoff(ctx context.Context, attempt int) {
	seconds := math.Min(math.Pow(2, float64(attempt)), 60)
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(seconds) * time.Second):
	}
}
