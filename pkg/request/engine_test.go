// SPDX-License-Identifier: Apache-2.0

package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const longWait = 10 * time.Second

type fakeJob struct {
	path string

	mu          sync.Mutex
	result      string
	err         error
	completions int
	done        chan struct{}
}

func (j *fakeJob) Path() string { return j.path }

func (j *fakeJob) Complete(result string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completions++
	j.result, j.err = result, err
	if j.completions == 1 {
		close(j.done)
	}
}

func (j *fakeJob) outcome() (string, error, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err, j.completions
}

type jobRecorder struct {
	mu      sync.Mutex
	created []*fakeJob
	fail    error
}

func (r *jobRecorder) newJob(ctx context.Context) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	j := &fakeJob{path: fmt.Sprintf("/job/%d", len(r.created)), done: make(chan struct{})}
	r.created = append(r.created, j)
	return j, nil
}

func (r *jobRecorder) jobs() []*fakeJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeJob(nil), r.created...)
}

type fixture struct {
	engine *Engine
	clock  *testclock.Clock
	jobs   *jobRecorder
}

func newFixture(c *qt.C, workers int) *fixture {
	f := &fixture{
		clock: testclock.NewClock(time.Now()),
		jobs:  &jobRecorder{},
	}
	e, err := NewEngine(Config{
		Workers:   workers,
		QueueSize: 8,
		Clock:     f.clock,
		NewJob:    f.jobs.newJob,
	})
	c.Assert(err, qt.IsNil)
	f.engine = e
	c.Cleanup(func() {
		c.Check(e.Stop(), qt.IsNil)
	})
	return f
}

// gated returns an operation that blocks until release is closed.
func gated(result string, err error) (Operation, chan struct{}) {
	release := make(chan struct{})
	return func(ctx context.Context) (string, error) {
		<-release
		return result, err
	}, release
}

func waitCtx(c *qt.C) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), longWait)
	c.Cleanup(cancel)
	return ctx
}

func waitJob(c *qt.C, j *fakeJob) {
	select {
	case <-j.done:
	case <-time.After(longWait):
		c.Fatalf("job %s never completed", j.path)
	}
}

func TestWaitForeverReturnsDirectResult(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)

	op, release := gated("/Vg/0", nil)
	r, err := f.engine.Submit(context.Background(), "create", WaitForever, op)
	c.Assert(err, qt.IsNil)

	// Time passing is irrelevant for a blocking caller.
	f.clock.Advance(time.Hour)
	select {
	case <-r.Done():
		c.Fatal("reply delivered before the operation finished")
	default:
	}
	close(release)

	reply := r.Wait(waitCtx(c))
	c.Assert(reply, qt.DeepEquals, Reply{Result: "/Vg/0"})
	c.Assert(reply.Promoted(), qt.IsFalse)
	c.Assert(f.jobs.jobs(), qt.HasLen, 0)
}

func TestWaitForeverDeliversErrors(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)
	boom := errors.New("boom")

	reply := f.engine.Call(waitCtx(c), "fail", WaitForever, func(context.Context) (string, error) {
		return "", boom
	})
	c.Assert(reply.Err, qt.ErrorIs, boom)
	c.Assert(f.jobs.jobs(), qt.HasLen, 0)
}

func TestNoWaitPublishesJobBeforeReplying(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)

	op, release := gated("/Lv/3", nil)
	r, err := f.engine.Submit(context.Background(), "create", NoWait, op)
	c.Assert(err, qt.IsNil)

	// The reply and the job exist while the operation is still blocked.
	jobs := f.jobs.jobs()
	c.Assert(jobs, qt.HasLen, 1)
	reply := r.Wait(waitCtx(c))
	c.Assert(reply, qt.DeepEquals, Reply{Job: "/job/0"})

	close(release)
	waitJob(c, jobs[0])
	result, jobErr, n := jobs[0].outcome()
	c.Assert(result, qt.Equals, "/Lv/3")
	c.Assert(jobErr, qt.IsNil)
	c.Assert(n, qt.Equals, 1)
}

func TestNoWaitRecordsErrorInJob(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)
	boom := errors.New("boom")

	reply := f.engine.Call(waitCtx(c), "fail", NoWait, func(context.Context) (string, error) {
		return "", boom
	})
	c.Assert(reply.Err, qt.IsNil)
	c.Assert(reply.Job, qt.Equals, "/job/0")

	job := f.jobs.jobs()[0]
	waitJob(c, job)
	_, jobErr, _ := job.outcome()
	c.Assert(jobErr, qt.ErrorIs, boom)
}

func TestTimeoutFastOperationNeverPromotes(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)

	reply := f.engine.Call(waitCtx(c), "quick", 5, func(context.Context) (string, error) {
		return "done", nil
	})
	c.Assert(reply, qt.DeepEquals, Reply{Result: "done"})

	// The disarmed timer must not promote after the fact.
	f.clock.Advance(time.Minute)
	c.Assert(f.jobs.jobs(), qt.HasLen, 0)
}

func TestTimeoutSlowOperationPromotesOnce(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)

	op, release := gated("/Pv/1", nil)
	r, err := f.engine.Submit(context.Background(), "slow", 5, op)
	c.Assert(err, qt.IsNil)

	f.clock.Advance(4 * time.Second)
	select {
	case <-r.Done():
		c.Fatal("promoted before the timeout")
	default:
	}
	f.clock.Advance(time.Second)

	reply := r.Wait(waitCtx(c))
	c.Assert(reply, qt.DeepEquals, Reply{Job: "/job/0"})

	close(release)
	job := f.jobs.jobs()[0]
	waitJob(c, job)

	// Further time changes nothing and the reply is stable.
	f.clock.Advance(time.Minute)
	c.Assert(f.jobs.jobs(), qt.HasLen, 1)
	c.Assert(r.Wait(waitCtx(c)), qt.DeepEquals, reply)

	result, jobErr, n := job.outcome()
	c.Assert(result, qt.Equals, "/Pv/1")
	c.Assert(jobErr, qt.IsNil)
	c.Assert(n, qt.Equals, 1)
}

func TestPanicBecomesError(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)

	reply := f.engine.Call(waitCtx(c), "panic", WaitForever, func(context.Context) (string, error) {
		panic("kaboom")
	})
	c.Assert(reply.Err, qt.ErrorIs, ErrPanic)
	c.Assert(reply.Err, qt.ErrorMatches, `operation panicked: kaboom`)

	// The worker survived.
	reply = f.engine.Call(waitCtx(c), "after", WaitForever, func(context.Context) (string, error) {
		return "ok", nil
	})
	c.Assert(reply.Result, qt.Equals, "ok")
}

func TestPromotionFailure(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)
	f.jobs.fail = errors.New("registry unavailable")

	_, err := f.engine.Submit(context.Background(), "immediate", NoWait, func(context.Context) (string, error) {
		c.Error("operation ran although its job could not be created")
		return "", nil
	})
	c.Assert(err, qt.ErrorIs, ErrPromotion)

	op, release := gated("late", nil)
	r, err := f.engine.Submit(context.Background(), "slow", 1, op)
	c.Assert(err, qt.IsNil)
	f.clock.Advance(time.Second)

	reply := r.Wait(waitCtx(c))
	c.Assert(reply.Err, qt.ErrorIs, ErrPromotion)
	close(release)
}

func TestConcurrentRequestsAreIndependent(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 4)

	var wg sync.WaitGroup
	replies := make([]Reply, 20)
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i] = f.engine.Call(waitCtx(c), "op", WaitForever, func(context.Context) (string, error) {
				return fmt.Sprintf("r%d", i), nil
			})
		}(i)
	}
	wg.Wait()
	for i, reply := range replies {
		c.Assert(reply.Result, qt.Equals, fmt.Sprintf("r%d", i))
	}
}

func TestPostRunsInBackground(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)

	ran := make(chan struct{})
	err := f.engine.Post(context.Background(), "refresh", func(context.Context) (string, error) {
		close(ran)
		return "", errors.New("logged, not returned")
	})
	c.Assert(err, qt.IsNil)
	select {
	case <-ran:
	case <-time.After(longWait):
		c.Fatal("background work never ran")
	}
}

func TestStopFailsQueuedRequests(t *testing.T) {
	c := qt.New(t)
	jobs := &jobRecorder{}
	e, err := NewEngine(Config{Workers: 1, QueueSize: 4, NewJob: jobs.newJob})
	c.Assert(err, qt.IsNil)

	started := make(chan struct{})
	release := make(chan struct{})
	first, err := e.Submit(context.Background(), "first", WaitForever, func(context.Context) (string, error) {
		close(started)
		<-release
		return "first", nil
	})
	c.Assert(err, qt.IsNil)
	<-started

	second, err := e.Submit(context.Background(), "second", WaitForever, func(context.Context) (string, error) {
		c.Error("queued operation ran after stop")
		return "", nil
	})
	c.Assert(err, qt.IsNil)

	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop() }()
	<-e.Dying()
	close(release)

	c.Assert(<-stopped, qt.IsNil)
	c.Assert(first.Wait(waitCtx(c)).Result, qt.Equals, "first")
	c.Assert(second.Wait(waitCtx(c)).Err, qt.ErrorIs, ErrStopped)

	_, err = e.Submit(context.Background(), "late", WaitForever, func(context.Context) (string, error) {
		return "", nil
	})
	c.Assert(err, qt.IsNil)
	c.Assert(e.Post(context.Background(), "late", nil), qt.ErrorIs, ErrStopped)
}

func TestNewEngineRequiresJobFactory(t *testing.T) {
	c := qt.New(t)
	_, err := NewEngine(Config{})
	c.Assert(err, qt.ErrorMatches, `job factory is required`)
}

func TestNoWaitNeverBlocksOnBacklog(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := f.engine.Submit(context.Background(), "busy", WaitForever, func(context.Context) (string, error) {
		close(started)
		<-release
		return "", nil
	})
	c.Assert(err, qt.IsNil)
	<-started

	// Twice the warning threshold queues up behind the busy worker.
	for i := 0; i < 16; i++ {
		_, err := f.engine.Submit(context.Background(), "queued", WaitForever, func(context.Context) (string, error) {
			<-release
			return "", nil
		})
		c.Assert(err, qt.IsNil)
	}

	replied := make(chan Reply, 1)
	go func() {
		replied <- f.engine.Call(context.Background(), "create", NoWait, func(context.Context) (string, error) {
			return "/Lv/9", nil
		})
	}()
	select {
	case reply := <-replied:
		c.Assert(reply, qt.DeepEquals, Reply{Job: "/job/0"})
	case <-time.After(5 * time.Second):
		close(release)
		c.Fatal("caller waited for a free worker")
	}

	close(release)
	job := f.jobs.jobs()[0]
	waitJob(c, job)
	result, _, _ := job.outcome()
	c.Assert(result, qt.Equals, "/Lv/9")
}

func waitState(c *qt.C, r *Request, want state) {
	deadline := time.Now().Add(longWait)
	for r.current() != want {
		if time.Now().After(deadline) {
			c.Fatalf("%s stuck in state %s, want %s", r, r.current(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestStateFollowsDelivery(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)

	direct, err := f.engine.Submit(context.Background(), "direct", WaitForever, func(context.Context) (string, error) {
		return "ok", nil
	})
	c.Assert(err, qt.IsNil)
	<-direct.Done()
	c.Assert(direct.current(), qt.Equals, stateDirectDone)
	c.Assert(direct.Wait(waitCtx(c)).Result, qt.Equals, "ok")
	c.Assert(direct.current(), qt.Equals, stateDelivered)

	op, release := gated("/Vg/1", nil)
	promoted, err := f.engine.Submit(context.Background(), "promoted", NoWait, op)
	c.Assert(err, qt.IsNil)
	c.Assert(promoted.current(), qt.Equals, statePromoted)
	c.Assert(promoted.Wait(waitCtx(c)).Job, qt.Equals, "/job/0")
	c.Assert(promoted.current(), qt.Equals, statePromoted)

	close(release)
	waitJob(c, f.jobs.jobs()[0])
	waitState(c, promoted, stateDelivered)
}
