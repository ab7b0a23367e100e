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

// Vg is one volume group
type Vg struct {
	env   *Env
	path  string
	state lvm.VG
	pvs   []dbus.ObjectPath
	lvs   []dbus.ObjectPath
}

var vgInterface = props.NewInterface(VgInterface,
	props.Property[*Vg]{Name: "Uuid", Type: "s", Get: func(v *Vg) any { return v.state.UUID }},
	props.Property[*Vg]{Name: "Name", Type: "s", Get: func(v *Vg) any { return v.state.Name }},
	props.Property[*Vg]{Name: "Fmt", Type: "s", Get: func(v *Vg) any { return v.state.Fmt }},
	props.Property[*Vg]{Name: "SizeBytes", Type: "t", Get: func(v *Vg) any { return v.state.SizeBytes }},
	props.Property[*Vg]{Name: "FreeBytes", Type: "t", Get: func(v *Vg) any { return v.state.FreeBytes }},
	props.Property[*Vg]{Name: "SysId", Type: "s", Get: func(v *Vg) any { return v.state.SysID }},
	props.Property[*Vg]{Name: "ExtentSizeBytes", Type: "t", Get: func(v *Vg) any { return v.state.ExtentSize }},
	props.Property[*Vg]{Name: "ExtentCount", Type: "t", Get: func(v *Vg) any { return v.state.ExtentCount }},
	props.Property[*Vg]{Name: "FreeCount", Type: "t", Get: func(v *Vg) any { return v.state.FreeCount }},
	props.Property[*Vg]{Name: "Profile", Type: "s", Get: func(v *Vg) any { return v.state.Profile }},
	props.Property[*Vg]{Name: "MaxLv", Type: "t", Get: func(v *Vg) any { return v.state.MaxLv }},
	props.Property[*Vg]{Name: "MaxPv", Type: "t", Get: func(v *Vg) any { return v.state.MaxPv }},
	props.Property[*Vg]{Name: "PvCount", Type: "t", Get: func(v *Vg) any { return v.state.PvCount }},
	props.Property[*Vg]{Name: "LvCount", Type: "t", Get: func(v *Vg) any { return v.state.LvCount }},
	props.Property[*Vg]{Name: "SnapCount", Type: "t", Get: func(v *Vg) any { return v.state.SnapCount }},
	props.Property[*Vg]{Name: "Seqno", Type: "t", Get: func(v *Vg) any { return v.state.Seqno }},
	props.Property[*Vg]{Name: "MdaCount", Type: "t", Get: func(v *Vg) any { return v.state.MdaCount }},
	props.Property[*Vg]{Name: "MdaFree", Type: "t", Get: func(v *Vg) any { return v.state.MdaFree }},
	props.Property[*Vg]{Name: "MdaSizeBytes", Type: "t", Get: func(v *Vg) any { return v.state.MdaSizeBytes }},
	props.Property[*Vg]{Name: "MdaUsedCount", Type: "t", Get: func(v *Vg) any { return v.state.MdaUsedCount }},
	props.Property[*Vg]{Name: "Tags", Type: "as", Unordered: true, Get: func(v *Vg) any { return v.state.Tags }},
	props.Property[*Vg]{Name: "Writeable", Type: "b", Get: func(v *Vg) any { return attrIs(v.state.Attr, 0, 'w') }},
	props.Property[*Vg]{Name: "Readable", Type: "b", Get: func(v *Vg) any { return attrIs(v.state.Attr, 0, 'w') || attrIs(v.state.Attr, 0, 'r') }},
	props.Property[*Vg]{Name: "Resizeable", Type: "b", Get: func(v *Vg) any { return attrIs(v.state.Attr, 1, 'z') }},
	props.Property[*Vg]{Name: "Exportable", Type: "b", Get: func(v *Vg) any { return attrIs(v.state.Attr, 2, 'x') }},
	props.Property[*Vg]{Name: "Partial", Type: "b", Get: func(v *Vg) any { return attrIs(v.state.Attr, 3, 'p') }},
	props.Property[*Vg]{Name: "AllocContiguous", Type: "b", Get: func(v *Vg) any { return attrIs(v.state.Attr, 4, 'c') }},
	props.Property[*Vg]{Name: "AllocCling", Type: "b", Get: func(v *Vg) any { return attrIs(v.state.Attr, 4, 'l') }},
	props.Property[*Vg]{Name: "AllocNormal", Type: "b", Get: func(v *Vg) any { return attrIs(v.state.Attr, 4, 'n') }},
	props.Property[*Vg]{Name: "AllocAnywhere", Type: "b", Get: func(v *Vg) any { return attrIs(v.state.Attr, 4, 'a') }},
	props.Property[*Vg]{Name: "Clustered", Type: "b", Get: func(v *Vg) any { return attrIs(v.state.Attr, 5, 'c') }},
	props.Property[*Vg]{Name: "Pvs", Type: "ao", Unordered: true, Get: func(v *Vg) any { return v.pvs }},
	props.Property[*Vg]{Name: "Lvs", Type: "ao", Unordered: true, Get: func(v *Vg) any { return v.lvs }},
)

func (v *Vg) Path() string     { return v.path }
func (v *Vg) DomainID() string { return v.state.UUID }
func (v *Vg) Alias() string    { return v.state.Name }

// Interfaces implements registry.Object
func (v *Vg) Interfaces() []props.Bound {
	return []props.Bound{vgInterface.Bind(v)}
}

// Reload re-derives the volume group from the current report.
func (v *Vg) Reload(ctx context.Context) (registry.Object, error) {
	report, err := v.env.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for i := range report.VGs {
		if report.VGs[i].UUID == v.state.UUID {
			return v.env.newBuilder(ctx, report).vg(&report.VGs[i]), nil
		}
	}
	return nil, nil
}

// op wraps a volume group mutation: the group is looked up again when the
// operation runs and the registry is reloaded after lvm succeeds.
func (v *Vg) op(ctx context.Context, what string, tmo int, run func(ctx context.Context, current *Vg) (string, error)) request.Reply {
	uuid, name := v.state.UUID, v.state.Name
	return v.env.Engine.Call(ctx, fmt.Sprintf("vg %s %s", what, name), tmo, func(ctx context.Context) (string, error) {
		obj, err := v.env.lookup(ctx, uuid, name)
		if err != nil {
			return "", err
		}
		return run(ctx, obj.(*Vg))
	})
}

// Remove removes the volume group and every LV in it.
func (v *Vg) Remove(ctx context.Context, tmo int, opts lvm.Options) request.Reply {
	return v.op(ctx, "remove", tmo, func(ctx context.Context, cur *Vg) (string, error) {
		return finished(v.env.reload(ctx, func() error {
			return v.env.Tool.VgRemove(ctx, cur.state.Name, opts)
		}))
	})
}

// Rename renames the volume group. Its LVs are renamed along with it.
func (v *Vg) Rename(ctx context.Context, newName string, tmo int, opts lvm.Options) request.Reply {
	return v.op(ctx, "rename", tmo, func(ctx context.Context, cur *Vg) (string, error) {
		return finished(v.env.reload(ctx, func() error {
			return v.env.Tool.VgRename(ctx, cur.state.UUID, newName, opts)
		}))
	})
}

// Extend adds the PVs at pvPaths to the volume group.
func (v *Vg) Extend(ctx context.Context, pvPaths []string, tmo int, opts lvm.Options) request.Reply {
	return v.op(ctx, "extend", tmo, func(ctx context.Context, cur *Vg) (string, error) {
		devices, err := v.env.pvDevices(ctx, pvPaths)
		if err != nil {
			return "", err
		}
		return finished(v.env.reload(ctx, func() error {
			return v.env.Tool.VgExtend(ctx, cur.state.Name, devices, opts)
		}))
	})
}

// Reduce removes the PVs at pvPaths, or missing PVs when missing is set.
func (v *Vg) Reduce(ctx context.Context, missing bool, pvPaths []string, tmo int, opts lvm.Options) request.Reply {
	return v.op(ctx, "reduce", tmo, func(ctx context.Context, cur *Vg) (string, error) {
		devices, err := v.env.pvDevices(ctx, pvPaths)
		if err != nil {
			return "", err
		}
		return finished(v.env.reload(ctx, func() error {
			return v.env.Tool.VgReduce(ctx, cur.state.Name, devices, missing, opts)
		}))
	})
}

// LvCreateLinear creates a linear LV, or a thin pool when thinPool is set,
// and returns its path.
func (v *Vg) LvCreateLinear(ctx context.Context, name string, size uint64, thinPool bool, tmo int, opts lvm.Options) request.Reply {
	return v.op(ctx, "lv create", tmo, func(ctx context.Context, cur *Vg) (string, error) {
		err := v.env.reload(ctx, func() error {
			return v.env.Tool.LvCreateLinear(ctx, cur.state.Name, name, size, thinPool, opts)
		})
		if err != nil {
			return "", err
		}
		return v.env.created(ctx, cur.state.Name+"/"+name)
	})
}
