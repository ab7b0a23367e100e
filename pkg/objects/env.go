// Package objects defines the exposed LVM entity kinds, their property
// tables and methods, and the bulk load that reconciles the registry with
// the state lvm reports.
package objects

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/vpodzime/lvm-dubstep/pkg/lvm"
	"github.com/vpodzime/lvm-dubstep/pkg/registry"
	"github.com/vpodzime/lvm-dubstep/pkg/request"
)

var (
	// ErrJobRunning indicates an attempt to remove a job that has not completed
	ErrJobRunning = errors.New("job is still running")
)

// Env holds the collaborators every entity needs. It is created once per
// process.
type Env struct {
	Registry *registry.Registry
	Tool     lvm.Tool
	// Engine must be set before any method is invoked on an entity.
	Engine *request.Engine
	Clock  clock.Clock
	// Version is reported by the Manager object.
	Version string

	paths   Paths
	manager *Manager

	// loadMu orders bulk loads so an older report never overwrites a newer one.
	loadMu sync.Mutex
}

// NewEnv creates the entity environment
func NewEnv(reg *registry.Registry, tool lvm.Tool, version string) *Env {
	e := &Env{
		Registry: reg,
		Tool:     tool,
		Clock:    clock.WallClock,
		Version:  version,
	}
	e.manager = &Manager{env: e}
	return e
}

// Manager returns the singleton manager object
func (e *Env) Manager() *Manager {
	return e.manager
}

// Bootstrap registers the manager and performs the initial load.
func (e *Env) Bootstrap(ctx context.Context) error {
	if err := e.Registry.Register(ctx, e.manager, false); err != nil {
		return fmt.Errorf("failed to register manager: %w", err)
	}
	n, err := e.Load(ctx, false)
	if err != nil {
		return fmt.Errorf("initial load failed: %w", err)
	}
	klog.Infof("Loaded %d lvm objects", n)
	return nil
}

// NewJob creates and publishes a job. It is the request engine's job factory.
func (e *Env) NewJob(ctx context.Context) (request.Job, error) {
	job := newJob(e)
	if err := e.Registry.Register(ctx, job, true); err != nil {
		return nil, err
	}
	return job, nil
}

// Load reconciles the registry with a fresh report: new lvm objects are
// registered, existing ones are replaced (emitting only what changed) and
// vanished ones are unregistered, all as one atomic unit. It returns the
// number of objects added, removed or changed.
func (e *Env) Load(ctx context.Context, emit bool) (int, error) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	report, err := e.Tool.Report(ctx)
	if err != nil {
		return 0, err
	}
	return e.apply(ctx, report, emit)
}

// ScheduleLoad queues a bulk load with emission on the request engine.
func (e *Env) ScheduleLoad(ctx context.Context, reason string) error {
	return e.Engine.Post(ctx, reason, func(ctx context.Context) (string, error) {
		_, err := e.Load(ctx, true)
		return "", err
	})
}

func (e *Env) apply(ctx context.Context, report *lvm.Report, emit bool) (int, error) {
	ctx, l := e.Registry.Lock(ctx)
	defer l.Release()

	fresh := e.newBuilder(ctx, report).all()
	want := sets.New[string]()
	for _, obj := range fresh {
		want.Insert(obj.Path())
	}

	changes := 0
	for _, obj := range e.Registry.Objects(ctx) {
		if !isLvmObject(obj) || want.Has(obj.Path()) {
			continue
		}
		if err := e.Registry.Unregister(ctx, obj, emit); err != nil {
			return changes, err
		}
		changes++
	}

	var added, replaced []registry.Object
	for _, obj := range fresh {
		if _, ok := e.Registry.ByPath(ctx, obj.Path()); ok {
			replaced = append(replaced, obj)
		} else {
			added = append(added, obj)
		}
	}

	n, err := e.Registry.Replace(ctx, replaced...)
	if err != nil {
		return changes, err
	}
	changes += n

	for _, obj := range added {
		if err := e.Registry.Register(ctx, obj, emit); err != nil {
			return changes, err
		}
		changes++
	}

	// Forward paths handed out for objects that never showed up.
	for _, entry := range e.Registry.Entries(ctx) {
		if entry.Object == nil && !want.Has(entry.Path) {
			klog.V(3).Infof("Dropping unused placeholder %s", entry.Path)
			if err := e.Registry.Drop(ctx, entry.Path); err != nil {
				return changes, err
			}
		}
	}

	klog.V(2).Infof("Load finished with %d changes", changes)
	return changes, nil
}

func isLvmObject(obj registry.Object) bool {
	switch obj.(type) {
	case *Pv, *Vg, *Lv:
		return true
	}
	return false
}

type reportKey struct{}

// withReport makes Reload implementations under ctx share one report.
func withReport(ctx context.Context, report *lvm.Report) context.Context {
	return context.WithValue(ctx, reportKey{}, report)
}

// snapshot returns the report carried by ctx, or asks lvm for a fresh one.
func (e *Env) snapshot(ctx context.Context) (*lvm.Report, error) {
	if report, ok := ctx.Value(reportKey{}).(*lvm.Report); ok {
		return report, nil
	}
	return e.Tool.Report(ctx)
}

// lookup finds the live object for a domain id, falling back to its alias.
func (e *Env) lookup(ctx context.Context, uuid, alias string) (registry.Object, error) {
	path, ok := e.Registry.PathByDomainID(ctx, uuid)
	if !ok {
		path, ok = e.Registry.PathByAlias(ctx, alias)
	}
	if ok {
		if obj, live := e.Registry.ByPath(ctx, path); live {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("%w: object with uuid %s and name %s not present", registry.ErrNotFound, uuid, alias)
}

// created returns the path of a freshly created object by its alias.
func (e *Env) created(ctx context.Context, alias string) (string, error) {
	path, ok := e.Registry.PathByAlias(ctx, alias)
	if !ok {
		return "", fmt.Errorf("%w: %s was created but is not reported by lvm", registry.ErrNotFound, alias)
	}
	return path, nil
}

// pvDevices maps PV object paths to device names.
func (e *Env) pvDevices(ctx context.Context, paths []string) ([]string, error) {
	devices := make([]string, 0, len(paths))
	for _, p := range paths {
		obj, ok := e.Registry.ByPath(ctx, p)
		pv, isPv := obj.(*Pv)
		if !ok || !isPv {
			return nil, fmt.Errorf("%w: object path = %s not found", registry.ErrNotFound, p)
		}
		devices = append(devices, pv.state.Name)
	}
	return devices, nil
}

// reload runs a mutation and reconciles the registry afterwards.
func (e *Env) reload(ctx context.Context, mutate func() error) error {
	if err := mutate(); err != nil {
		return err
	}
	_, err := e.Load(ctx, true)
	return err
}

// finished is the outcome of an operation that creates nothing.
func finished(err error) (string, error) {
	if err != nil {
		return "", err
	}
	return string(NoPath), nil
}
