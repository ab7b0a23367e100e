package objects

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/vpodzime/lvm-dubstep/pkg/lvm"
	"github.com/vpodzime/lvm-dubstep/pkg/props"
)

// JobError is the (code, message) pair a failed job reports, marshalled as (is).
type JobError struct {
	Code    int32
	Message string
}

// Job records the outcome of an operation that outlived its caller's
// timeout. Its fields are guarded by the registry lock.
type Job struct {
	env      *Env
	path     string
	id       string
	percent  float64
	complete bool
	result   dbus.ObjectPath
	err      JobError

	done     chan struct{}
	doneOnce sync.Once
}

var jobInterface = props.NewInterface(JobInterface,
	props.Property[*Job]{Name: "Percent", Type: "d", Get: func(j *Job) any { return j.percent }},
	props.Property[*Job]{Name: "Complete", Type: "b", Get: func(j *Job) any { return j.complete }},
	props.Property[*Job]{Name: "Result", Type: "o", Get: func(j *Job) any { return j.result }},
	props.Property[*Job]{Name: "GetError", Type: "(is)", Get: func(j *Job) any { return j.err }},
)

func newJob(env *Env) *Job {
	return &Job{
		env:    env,
		path:   env.paths.Job(),
		id:     uuid.NewString(),
		result: NoPath,
		done:   make(chan struct{}),
	}
}

func (j *Job) Path() string     { return j.path }
func (j *Job) DomainID() string { return j.id }
func (j *Job) Alias() string    { return "" }

// Interfaces implements registry.Object
func (j *Job) Interfaces() []props.Bound {
	return []props.Bound{jobInterface.Bind(j)}
}

// Complete records the outcome and wakes waiters. Later calls are ignored.
func (j *Job) Complete(result string, err error) {
	ctx := context.Background()
	apply := func() error {
		if j.complete {
			return nil
		}
		j.percent = 100
		j.complete = true
		if err != nil {
			j.err = JobError{Code: errorCode(err), Message: err.Error()}
		} else if result != "" {
			j.result = dbus.ObjectPath(result)
		}
		return nil
	}
	if uerr := j.env.Registry.Update(ctx, j, apply); uerr != nil {
		// Not registered; record the outcome without notifications.
		_, l := j.env.Registry.Lock(ctx)
		_ = apply()
		l.Release()
	}
	klog.V(3).Infof("Job %s complete (err=%v)", j.path, err)
	j.doneOnce.Do(func() { close(j.done) })
}

// errorCode is the lvm exit code of a failed command, or -1.
func errorCode(err error) int32 {
	var cmdErr *lvm.CommandError
	if errors.As(err, &cmdErr) {
		return int32(cmdErr.ExitCode)
	}
	return -1
}

// Wait blocks until the job completes or timeout seconds pass; a negative
// timeout waits forever. It reports whether the job is complete.
func (j *Job) Wait(ctx context.Context, timeout int) bool {
	if timeout == 0 {
		select {
		case <-j.done:
			return true
		default:
			return false
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		expired = j.env.Clock.After(time.Duration(timeout) * time.Second)
	}
	select {
	case <-j.done:
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}

// Remove unregisters a completed job.
func (j *Job) Remove(ctx context.Context) error {
	ctx, l := j.env.Registry.Lock(ctx)
	defer l.Release()

	if !j.complete {
		return ErrJobRunning
	}
	return j.env.Registry.Unregister(ctx, j, true)
}
