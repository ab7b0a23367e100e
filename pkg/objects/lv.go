package objects

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/vpodzime/lvm-dubstep/pkg/lvm"
	"github.com/vpodzime/lvm-dubstep/pkg/props"
	"github.com/vpodzime/lvm-dubstep/pkg/registry"
	"github.com/vpodzime/lvm-dubstep/pkg/request"
)

// Lv is one logical volume. Thin pools are Lvs that additionally expose
// the thin pool interface.
type Lv struct {
	env     *Env
	path    string
	state   lvm.LV
	vg      dbus.ObjectPath
	pool    dbus.ObjectPath
	origin  dbus.ObjectPath
	devices []LvDevice
}

// LvDevice lists the extents an LV occupies on one PV, marshalled as (oa(tt)).
type LvDevice struct {
	Pv       dbus.ObjectPath
	Segments []PeSegment
}

var lvInterface = props.NewInterface(LvInterface,
	props.Property[*Lv]{Name: "Uuid", Type: "s", Get: func(l *Lv) any { return l.state.UUID }},
	props.Property[*Lv]{Name: "Name", Type: "s", Get: func(l *Lv) any { return l.state.Name }},
	props.Property[*Lv]{Name: "Path", Type: "s", Get: func(l *Lv) any { return l.state.Path }},
	props.Property[*Lv]{Name: "SizeBytes", Type: "t", Get: func(l *Lv) any { return l.state.SizeBytes }},
	props.Property[*Lv]{Name: "SegType", Type: "as", Get: func(l *Lv) any { return l.state.SegType }},
	props.Property[*Lv]{Name: "DataPercent", Type: "u", Get: func(l *Lv) any { return l.state.DataPercent }},
	props.Property[*Lv]{Name: "Tags", Type: "as", Unordered: true, Get: func(l *Lv) any { return l.state.Tags }},
	props.Property[*Lv]{Name: "Active", Type: "b", Get: func(l *Lv) any { return attrIs(l.state.Attr, 4, 'a') }},
	props.Property[*Lv]{Name: "IsThinVolume", Type: "b", Get: func(l *Lv) any { return attrIs(l.state.Attr, 0, 'V') }},
	props.Property[*Lv]{Name: "IsThinPool", Type: "b", Get: func(l *Lv) any { return l.state.IsThinPool() }},
	props.Property[*Lv]{Name: "Vg", Type: "o", Get: func(l *Lv) any { return l.vg }},
	props.Property[*Lv]{Name: "PoolLv", Type: "o", Get: func(l *Lv) any { return l.pool }},
	props.Property[*Lv]{Name: "OriginLv", Type: "o", Get: func(l *Lv) any { return l.origin }},
	props.Property[*Lv]{Name: "Devices", Type: "a(oa(tt))", Get: func(l *Lv) any { return l.devices }},
)

// thinpoolInterface carries no properties of its own; it marks objects
// that accept LvCreate.
var thinpoolInterface = props.NewInterface[*Lv](ThinpoolInterface)

func (l *Lv) Path() string     { return l.path }
func (l *Lv) DomainID() string { return l.state.UUID }
func (l *Lv) Alias() string    { return l.state.FullName() }

// IsThinPool reports whether the object exposes the thin pool interface
func (l *Lv) IsThinPool() bool {
	return l.state.IsThinPool()
}

// Interfaces implements registry.Object
func (l *Lv) Interfaces() []props.Bound {
	bound := []props.Bound{lvInterface.Bind(l)}
	if l.IsThinPool() {
		bound = append(bound, thinpoolInterface.Bind(l))
	}
	return bound
}

// Reload re-derives the LV from the current report.
func (l *Lv) Reload(ctx context.Context) (registry.Object, error) {
	report, err := l.env.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if row, ok := report.LVByUUID(l.state.UUID); ok {
		return l.env.newBuilder(ctx, report).lv(row), nil
	}
	return nil, nil
}

func (l *Lv) op(ctx context.Context, what string, tmo int, run func(ctx context.Context, current *Lv) (string, error)) request.Reply {
	uuid, name := l.state.UUID, l.state.FullName()
	return l.env.Engine.Call(ctx, fmt.Sprintf("lv %s %s", what, name), tmo, func(ctx context.Context) (string, error) {
		obj, err := l.env.lookup(ctx, uuid, name)
		if err != nil {
			return "", err
		}
		return run(ctx, obj.(*Lv))
	})
}

// Remove removes the LV.
func (l *Lv) Remove(ctx context.Context, tmo int, opts lvm.Options) request.Reply {
	return l.op(ctx, "remove", tmo, func(ctx context.Context, cur *Lv) (string, error) {
		return finished(l.env.reload(ctx, func() error {
			return l.env.Tool.LvRemove(ctx, cur.state.FullName(), opts)
		}))
	})
}

// Rename renames the LV within its volume group.
func (l *Lv) Rename(ctx context.Context, newName string, tmo int, opts lvm.Options) request.Reply {
	return l.op(ctx, "rename", tmo, func(ctx context.Context, cur *Lv) (string, error) {
		return finished(l.env.reload(ctx, func() error {
			return l.env.Tool.LvRename(ctx, cur.state.VGName, cur.state.Name, newName, opts)
		}))
	})
}

// LvCreate creates a thin volume in this pool and returns its path.
func (l *Lv) LvCreate(ctx context.Context, name string, size uint64, tmo int, opts lvm.Options) request.Reply {
	return l.op(ctx, "thin create", tmo, func(ctx context.Context, cur *Lv) (string, error) {
		if !cur.IsThinPool() {
			return "", fmt.Errorf("%w: %s is not a thin pool", lvm.ErrInvalidArgument, cur.state.FullName())
		}
		err := l.env.reload(ctx, func() error {
			return l.env.Tool.LvCreateThin(ctx, cur.state.FullName(), name, size, opts)
		})
		if err != nil {
			return "", err
		}
		return l.env.created(ctx, cur.state.VGName+"/"+name)
	})
}
