package objects

import (
	"context"
	"fmt"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/vpodzime/lvm-dubstep/pkg/lvm"
	"github.com/vpodzime/lvm-dubstep/pkg/props"
	"github.com/vpodzime/lvm-dubstep/pkg/registry"
	"github.com/vpodzime/lvm-dubstep/pkg/request"
)

// Manager is the singleton entry point for creating top level objects and
// for lookups.
type Manager struct {
	env *Env
}

var managerInterface = props.NewInterface(ManagerInterface,
	props.Property[*Manager]{Name: "Version", Type: "s", Get: func(m *Manager) any { return m.env.Version }},
)

func (m *Manager) Path() string     { return ManagerPath }
func (m *Manager) DomainID() string { return "" }
func (m *Manager) Alias() string    { return "" }

// Interfaces implements registry.Object
func (m *Manager) Interfaces() []props.Bound {
	return []props.Bound{managerInterface.Bind(m)}
}

// PvCreate initializes device as a PV and returns the new object's path.
func (m *Manager) PvCreate(ctx context.Context, device string, tmo int, opts lvm.Options) request.Reply {
	return m.env.Engine.Call(ctx, fmt.Sprintf("pv create %s", device), tmo, func(ctx context.Context) (string, error) {
		if _, ok := m.env.Registry.Lookup(ctx, device); ok {
			return "", fmt.Errorf("%w: PV %s", registry.ErrAlreadyExists, device)
		}
		err := m.env.reload(ctx, func() error {
			return m.env.Tool.PvCreate(ctx, device, opts)
		})
		if err != nil {
			return "", err
		}
		return m.env.created(ctx, device)
	})
}

// VgCreate creates a volume group from the PVs at pvPaths.
func (m *Manager) VgCreate(ctx context.Context, name string, pvPaths []string, tmo int, opts lvm.Options) request.Reply {
	return m.env.Engine.Call(ctx, fmt.Sprintf("vg create %s", name), tmo, func(ctx context.Context) (string, error) {
		devices, err := m.env.pvDevices(ctx, pvPaths)
		if err != nil {
			return "", err
		}
		err = m.env.reload(ctx, func() error {
			return m.env.Tool.VgCreate(ctx, name, devices, opts)
		})
		if err != nil {
			return "", err
		}
		return m.env.created(ctx, name)
	})
}

// Refresh reloads everything on a worker and returns the number of changed
// objects.
func (m *Manager) Refresh(ctx context.Context) (uint64, error) {
	reply := m.env.Engine.Call(ctx, "refresh", request.WaitForever, func(ctx context.Context) (string, error) {
		n, err := m.env.Load(ctx, true)
		return strconv.Itoa(n), err
	})
	if reply.Err != nil {
		return 0, reply.Err
	}
	return strconv.ParseUint(reply.Result, 10, 64)
}

// LookUpByLvmId returns the path of the object with the given uuid or name,
// or "/" if there is none.
func (m *Manager) LookUpByLvmId(ctx context.Context, key string) string {
	ctx, l := m.env.Registry.Lock(ctx)
	defer l.Release()

	if path, ok := m.env.Registry.Lookup(ctx, key); ok {
		if _, live := m.env.Registry.ByPath(ctx, path); live {
			return path
		}
	}
	return string(NoPath)
}

// ExternalEvent schedules a background reload after lvm state changed
// outside the daemon.
func (m *Manager) ExternalEvent(ctx context.Context, event, lvmID, lvmUUID string, seqno uint32) error {
	klog.V(2).Infof("External event %s (id=%q uuid=%q seqno=%d)", event, lvmID, lvmUUID, seqno)
	return m.env.ScheduleLoad(ctx, "external event "+event)
}
