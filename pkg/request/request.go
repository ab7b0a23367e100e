// SPDX-License-Identifier: Apache-2.0

package request

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"k8s.io/klog/v2"
)

// Reply is the single response a caller receives for a request. Exactly one
// of Job, Err or the direct Result is meaningful: a non-empty Job means the
// operation was promoted and its outcome will be recorded in that job.
type Reply struct {
	Result string
	Job    string
	Err    error
}

// Promoted reports whether the caller was redirected to a job.
func (r Reply) Promoted() bool {
	return r.Job != ""
}

// state tracks where a request's outcome goes. A request starts pending and
// moves to direct-done when the operation finishes first, or to promoted when
// a job is created first. It becomes delivered once the outcome reached its
// destination: the caller collected the direct reply, or the job recorded it.
type state int

const (
	statePending state = iota
	stateDirectDone
	statePromoted
	stateDelivered
)

func (s state) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateDirectDone:
		return "direct-done"
	case statePromoted:
		return "promoted"
	case stateDelivered:
		return "delivered"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Request tracks one submitted operation. Operation completion and timer
// expiry race against the same state; mu makes every transition atomic so
// that the caller gets exactly one reply and the outcome is recorded once.
type Request struct {
	id      uint64
	name    string
	timeout int
	op      Operation
	engine  *Engine

	// background requests have no caller; failures are only logged.
	background bool

	mu       sync.Mutex
	state    state
	timer    clock.Timer
	job      Job
	orphaned bool // promotion failed; the outcome has nowhere to go

	reply Reply
	done  chan struct{}
}

// Wait blocks until the caller's reply is available or ctx is done. It may
// be called any number of times and always returns the same reply.
func (r *Request) Wait(ctx context.Context) Reply {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.state == stateDirectDone {
			r.state = stateDelivered
		}
		return r.reply
	case <-ctx.Done():
		return Reply{Err: ctx.Err()}
	}
}

// Done is closed once the caller's reply is available.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// String identifies the request in logs.
func (r *Request) String() string {
	return fmt.Sprintf("request %d (%s, timeout %d)", r.id, r.name, r.timeout)
}

// promoteLocked creates the job for a pending request and hands its path to
// the caller. r.mu must be held.
func (r *Request) promoteLocked(ctx context.Context) error {
	job, err := r.engine.newJob(ctx)
	if err != nil {
		r.orphaned = true
		r.state = stateDelivered
		r.deliverLocked(Reply{Err: fmt.Errorf("%w: %v", ErrPromotion, err)})
		return err
	}
	r.job = job
	r.state = statePromoted
	klog.V(3).Infof("Promoted %s to job %s", r, job.Path())

	// The caller's only reply is the job path.
	r.reply = Reply{Job: job.Path()}
	close(r.done)
	return nil
}

// expire is the timer callback for t > 0.
func (r *Request) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != statePending {
		klog.V(5).Infof("Timer for %s fired in state %s, ignoring", r, r.state)
		return
	}
	r.timer = nil
	if err := r.promoteLocked(context.Background()); err != nil {
		klog.Errorf("Failed to create job for %s: %v", r, err)
	}
}

// complete records the operation's outcome.
func (r *Request) complete(result string, err error) {
	r.mu.Lock()
	timer := r.timer
	r.timer = nil
	prev := r.state
	job := r.job
	orphaned := r.orphaned
	switch prev {
	case statePending:
		r.state = stateDirectDone
		if r.background {
			// Nobody collects the reply of background work.
			r.state = stateDelivered
		}
		r.deliverLocked(Reply{Result: result, Err: err})
	}
	r.mu.Unlock()

	// Stopped outside the lock so a concurrently firing timer can finish.
	if timer != nil {
		timer.Stop()
	}

	switch {
	case prev == statePending:
		if r.background && err != nil {
			klog.Warningf("Background %s failed: %v", r, err)
		}
	case prev == statePromoted:
		if err != nil {
			klog.V(2).Infof("%s failed, recording error in job %s: %v", r, job.Path(), err)
		}
		job.Complete(result, err)
		r.mu.Lock()
		r.state = stateDelivered
		r.mu.Unlock()
	case orphaned:
		if err != nil {
			klog.Errorf("%s failed after its caller was answered: %v", r, err)
		} else {
			klog.Warningf("%s finished after its caller was answered, result %q dropped", r, result)
		}
	default:
		klog.Errorf("%s completed twice (state %s)", r, prev)
	}
}

// deliverLocked publishes the direct reply. r.mu must be held.
func (r *Request) deliverLocked(reply Reply) {
	r.reply = reply
	close(r.done)
}

func (r *Request) current() state {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
