// SPDX-License-Identifier: Apache-2.0

// Package request runs slow operations off the protocol-serving goroutines
// and decides, per request, whether the caller waits for the outcome or is
// redirected to a pollable job.
package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"
	"k8s.io/klog/v2"
)

// Timeout values with special meaning. Any positive value is a number of
// seconds the caller is willing to wait before being handed a job.
const (
	// WaitForever blocks the caller until the operation finishes.
	WaitForever = -1
	// NoWait hands the caller a job immediately.
	NoWait = 0
)

var (
	// ErrStopped is returned for requests that cannot run because the engine is shutting down
	ErrStopped = errors.New("request engine stopped")

	// ErrPromotion indicates that a job could not be created for a request that outlived its timeout
	ErrPromotion = errors.New("failed to create job")

	// ErrPanic indicates that an operation panicked
	ErrPanic = errors.New("operation panicked")
)

// Operation is the unit of work. It runs on a worker goroutine and may block
// on an external command; it is never interrupted once started.
type Operation func(ctx context.Context) (string, error)

// Job is the pollable object a promoted request records its outcome in.
type Job interface {
	Path() string
	Complete(result string, err error)
}

// JobFactory creates and publishes a new job.
type JobFactory func(ctx context.Context) (Job, error)

// Config configures an Engine
type Config struct {
	// Workers is the number of goroutines executing operations.
	Workers int
	// QueueSize is the backlog length above which queueing is logged as a
	// warning. The backlog itself is unbounded so submitting never blocks.
	QueueSize int
	// Clock drives request timers. Defaults to the wall clock.
	Clock clock.Clock
	// NewJob is called when a request is promoted.
	NewJob JobFactory
}

// Engine queues requests and executes them on a fixed set of workers
type Engine struct {
	clock  clock.Clock
	newJob JobFactory
	warnAt int
	nextID atomic.Uint64
	tomb   tomb.Tomb

	// mu guards backlog. ready holds at most one wake-up for idle workers.
	mu      sync.Mutex
	backlog []*Request
	ready   chan struct{}
}

// NewEngine creates an engine and starts its workers.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.NewJob == nil {
		return nil, fmt.Errorf("job factory is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("queue size must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	e := &Engine{
		clock:  cfg.Clock,
		newJob: cfg.NewJob,
		warnAt: cfg.QueueSize,
		ready:  make(chan struct{}, 1),
	}
	for i := 0; i < cfg.Workers; i++ {
		id := i
		e.tomb.Go(func() error {
			return e.worker(id)
		})
	}
	klog.Infof("Request engine started with %d workers (backlog warning at %d)", cfg.Workers, cfg.QueueSize)
	return e, nil
}

// Submit enqueues op and applies the timeout policy:
//
//	-1  the caller's reply carries the operation's own result or error
//	 0  a job is published before Submit returns; the reply is its path
//	 N  the caller gets the direct outcome if it arrives within N seconds,
//	    otherwise a job path, and the outcome is recorded in the job
func (e *Engine) Submit(ctx context.Context, name string, timeout int, op Operation) (*Request, error) {
	r := e.newRequest(name, timeout, op)

	switch {
	case timeout == NoWait:
		r.mu.Lock()
		err := r.promoteLocked(ctx)
		r.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPromotion, err)
		}
	case timeout > 0:
		r.mu.Lock()
		r.timer = e.clock.AfterFunc(time.Duration(timeout)*time.Second, r.expire)
		r.mu.Unlock()
	}

	if err := e.enqueue(r); err != nil {
		r.complete("", err)
		return r, nil
	}
	klog.V(4).Infof("Queued %s with timeout %d", r, timeout)
	return r, nil
}

// Call submits op and waits for the caller's reply.
func (e *Engine) Call(ctx context.Context, name string, timeout int, op Operation) Reply {
	r, err := e.Submit(ctx, name, timeout, op)
	if err != nil {
		return Reply{Err: err}
	}
	return r.Wait(ctx)
}

// Post enqueues fire-and-forget work. Failures are logged.
func (e *Engine) Post(ctx context.Context, name string, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := e.newRequest(name, WaitForever, op)
	r.background = true
	return e.enqueue(r)
}

// Stop stops the workers after their current operation and fails every
// request still queued.
func (e *Engine) Stop() error {
	e.tomb.Kill(nil)
	err := e.tomb.Wait()

	e.mu.Lock()
	queued := e.backlog
	e.backlog = nil
	e.mu.Unlock()
	for _, r := range queued {
		r.complete("", ErrStopped)
	}
	klog.Info("Request engine stopped")
	return err
}

// Dying is closed when the engine starts shutting down.
func (e *Engine) Dying() <-chan struct{} {
	return e.tomb.Dying()
}

func (e *Engine) newRequest(name string, timeout int, op Operation) *Request {
	if timeout < 0 {
		timeout = WaitForever
	}
	return &Request{
		id:      e.nextID.Add(1),
		name:    name,
		timeout: timeout,
		op:      op,
		engine:  e,
		done:    make(chan struct{}),
	}
}

// enqueue appends r to the backlog without blocking.
func (e *Engine) enqueue(r *Request) error {
	e.mu.Lock()
	select {
	case <-e.tomb.Dying():
		e.mu.Unlock()
		return ErrStopped
	default:
	}
	e.backlog = append(e.backlog, r)
	n := len(e.backlog)
	e.mu.Unlock()

	if e.warnAt > 0 && n > e.warnAt {
		klog.Warningf("%d requests waiting for a worker", n)
	}
	e.wake()
	return nil
}

func (e *Engine) wake() {
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

// next pops the oldest queued request, or returns nil.
func (e *Engine) next() *Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.backlog) == 0 {
		return nil
	}
	r := e.backlog[0]
	e.backlog[0] = nil
	e.backlog = e.backlog[1:]
	if len(e.backlog) > 0 {
		e.wake()
	}
	return r
}

func (e *Engine) worker(id int) error {
	klog.V(4).Infof("Request worker %d started", id)
	for {
		// Shutdown takes priority over queued work.
		select {
		case <-e.tomb.Dying():
			klog.V(4).Infof("Request worker %d stopping", id)
			return nil
		default:
		}
		r := e.next()
		if r == nil {
			select {
			case <-e.tomb.Dying():
				klog.V(4).Infof("Request worker %d stopping", id)
				return nil
			case <-e.ready:
			}
			continue
		}
		start := e.clock.Now()
		result, err := e.execute(r)
		klog.V(3).Infof("Worker %d finished %s in %v (err=%v)", id, r, e.clock.Now().Sub(start), err)
		r.complete(result, err)
	}
}

// execute runs the operation, turning a panic into an error.
func (e *Engine) execute(r *Request) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			klog.Errorf("%s panicked: %v", r, p)
			result, err = "", fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	return r.op(context.Background())
}
