package enforcement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/newthinker/riskguard/internal/risk"
	"go.uber.org/zap"
)

// ErrDispatcherClosed is returned by Enforce after Close.
var ErrDispatcherClosed = errors.New("enforcement: dispatcher closed")

// Runner executes one enforcement. *Pipeline implements it.
type Runner interface {
	Enforce(ctx context.Context, v risk.Violation) (*Outcome, error)
}

// Dispatcher runs enforcements asynchronously: serially per client and in
// parallel across clients. It implements risk.Enforcer.
type Dispatcher struct {
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup

	// OnComplete, when set, receives every finished run.
	OnComplete func(*Outcome, error)
}

type queue struct {
	pending []risk.Violation
}

// NewDispatcher creates a dispatcher. Each run is bounded by timeout.
func NewDispatcher(runner Runner, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		runner:  runner,
		timeout: timeout,
		logger:  logger,
		base:    base,
		cancel:  cancel,
		queues:  make(map[string]*queue),
	}
}

// Enforce queues v and returns immediately. The caller's context only
// governs the enqueue; the run gets its own deadline.
func (d *Dispatcher) Enforce(ctx context.Context, v risk.Violation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	q, ok := d.queues[v.ClientID]
	if !ok {
		q = &queue{}
		d.queues[v.ClientID] = q
		d.wg.Add(1)
		go d.worker(v.ClientID, q)
	}
	q.pending = append(q.pending, v)

	d.logger.Debug("enforcement queued",
		zap.String("client_id", v.ClientID),
		zap.String("violation", string(v.Kind)),
		zap.Int("queue_depth", len(q.pending)),
	)
	return nil
}

func (d *Dispatcher) worker(clientID string, q *queue) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			delete(d.queues, clientID)
			d.mu.Unlock()
			return
		}
		v := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		d.run(v)
	}
}

func (d *Dispatcher) run(v risk.Violation) {
	ctx, cancel := context.WithTimeout(d.base, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("enforcement panicked",
				zap.String("client_id", v.ClientID),
				zap.Any("panic", r),
			)
		}
	}()

	out, err := d.runner.Enforce(ctx, v)
	if err != nil {
		d.logger.Error("enforcement failed",
			zap.String("client_id", v.ClientID),
			zap.String("violation", string(v.Kind)),
			zap.Error(err),
		)
	}
	if d.OnComplete != nil {
		d.OnComplete(out, err)
	}
}

// Pending returns the number of queued or running client queues.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Wait blocks until every queued enforcement has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting work and waits for queued runs, or until ctx is done,
// in which case in-progress runs are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
