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

// PeSegment is one (start, size) extent range, marshalled as (tt).
type PeSegment struct {
	Start uint64
	Size  uint64
}

// Pv is one physical volume. A Pv value is immutable; every load creates a
// new one at the same path.
type Pv struct {
	env      *Env
	path     string
	state    lvm.PV
	segments []PeSegment
	lvs      []dbus.ObjectPath
	vg       dbus.ObjectPath
}

var pvInterface = props.NewInterface(PvInterface,
	props.Property[*Pv]{Name: "Uuid", Type: "s", Get: func(p *Pv) any { return p.state.UUID }},
	props.Property[*Pv]{Name: "Name", Type: "s", Get: func(p *Pv) any { return p.state.Name }},
	props.Property[*Pv]{Name: "Fmt", Type: "s", Get: func(p *Pv) any { return p.state.Fmt }},
	props.Property[*Pv]{Name: "SizeBytes", Type: "t", Get: func(p *Pv) any { return p.state.SizeBytes }},
	props.Property[*Pv]{Name: "FreeBytes", Type: "t", Get: func(p *Pv) any { return p.state.FreeBytes }},
	props.Property[*Pv]{Name: "UsedBytes", Type: "t", Get: func(p *Pv) any { return p.state.UsedBytes }},
	props.Property[*Pv]{Name: "DevSizeBytes", Type: "t", Get: func(p *Pv) any { return p.state.DevSizeBytes }},
	props.Property[*Pv]{Name: "MdaSizeBytes", Type: "t", Get: func(p *Pv) any { return p.state.MdaSizeBytes }},
	props.Property[*Pv]{Name: "MdaFreeBytes", Type: "t", Get: func(p *Pv) any { return p.state.MdaFreeBytes }},
	props.Property[*Pv]{Name: "BaStart", Type: "t", Get: func(p *Pv) any { return p.state.BaStart }},
	props.Property[*Pv]{Name: "BaSizeBytes", Type: "t", Get: func(p *Pv) any { return p.state.BaSizeBytes }},
	props.Property[*Pv]{Name: "PeStart", Type: "t", Get: func(p *Pv) any { return p.state.PeStart }},
	props.Property[*Pv]{Name: "PeCount", Type: "t", Get: func(p *Pv) any { return p.state.PeCount }},
	props.Property[*Pv]{Name: "PeAllocCount", Type: "t", Get: func(p *Pv) any { return p.state.PeAllocCount }},
	props.Property[*Pv]{Name: "Tags", Type: "as", Unordered: true, Get: func(p *Pv) any { return p.state.Tags }},
	props.Property[*Pv]{Name: "PeSegments", Type: "a(tt)", Get: func(p *Pv) any { return p.segments }},
	props.Property[*Pv]{Name: "Allocatable", Type: "b", Get: func(p *Pv) any { return attrIs(p.state.Attr, 0, 'a') }},
	props.Property[*Pv]{Name: "Exportable", Type: "b", Get: func(p *Pv) any { return attrIs(p.state.Attr, 1, 'x') }},
	props.Property[*Pv]{Name: "Missing", Type: "b", Get: func(p *Pv) any { return attrIs(p.state.Attr, 2, 'm') }},
	props.Property[*Pv]{Name: "Lv", Type: "ao", Unordered: true, Get: func(p *Pv) any { return p.lvs }},
	props.Property[*Pv]{Name: "Vg", Type: "o", Get: func(p *Pv) any { return p.vg }},
)

// attrIs tests one character of an lvm attribute string.
func attrIs(attr string, i int, c byte) bool {
	return len(attr) > i && attr[i] == c
}

func (p *Pv) Path() string     { return p.path }
func (p *Pv) DomainID() string { return p.state.UUID }
func (p *Pv) Alias() string    { return p.state.Name }

// Interfaces implements registry.Object
func (p *Pv) Interfaces() []props.Bound {
	return []props.Bound{pvInterface.Bind(p)}
}

// Reload re-derives the PV from the current report.
func (p *Pv) Reload(ctx context.Context) (registry.Object, error) {
	report, err := p.env.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for i := range report.PVs {
		if report.PVs[i].UUID == p.state.UUID {
			return p.env.newBuilder(ctx, report).pv(&report.PVs[i]), nil
		}
	}
	return nil, nil
}

// refresh reloads the PV and its volume group in place from a single report.
func (p *Pv) refresh(ctx context.Context) error {
	p.env.loadMu.Lock()
	defer p.env.loadMu.Unlock()

	report, err := p.env.Tool.Report(ctx)
	if err != nil {
		return err
	}
	ctx, l := p.env.Registry.Lock(withReport(ctx, report))
	defer l.Release()

	current, err := p.env.lookup(ctx, p.state.UUID, p.state.Name)
	if err != nil {
		return err
	}
	objs := []registry.Object{current}
	if vgPath := current.(*Pv).vg; vgPath != NoPath {
		if vg, ok := p.env.Registry.ByPath(ctx, string(vgPath)); ok {
			objs = append(objs, vg)
		}
	}
	_, err = p.env.Registry.Refresh(ctx, objs...)
	return err
}

// Remove wipes the PV label.
func (p *Pv) Remove(ctx context.Context, tmo int, opts lvm.Options) request.Reply {
	uuid, name := p.state.UUID, p.state.Name
	return p.env.Engine.Call(ctx, fmt.Sprintf("pv remove %s", name), tmo, func(ctx context.Context) (string, error) {
		if _, err := p.env.lookup(ctx, uuid, name); err != nil {
			return "", err
		}
		return finished(p.env.reload(ctx, func() error {
			return p.env.Tool.PvRemove(ctx, name, opts)
		}))
	})
}

// ReSize changes the PV size; zero grows it to the device size.
func (p *Pv) ReSize(ctx context.Context, size uint64, tmo int, opts lvm.Options) request.Reply {
	uuid, name := p.state.UUID, p.state.Name
	return p.env.Engine.Call(ctx, fmt.Sprintf("pv resize %s", name), tmo, func(ctx context.Context) (string, error) {
		if _, err := p.env.lookup(ctx, uuid, name); err != nil {
			return "", err
		}
		if err := p.env.Tool.PvResize(ctx, name, size, opts); err != nil {
			return "", err
		}
		return finished(p.refresh(ctx))
	})
}

// AllocationEnabled toggles allocation of new extents on the PV.
func (p *Pv) AllocationEnabled(ctx context.Context, yes bool, tmo int, opts lvm.Options) request.Reply {
	uuid, name := p.state.UUID, p.state.Name
	return p.env.Engine.Call(ctx, fmt.Sprintf("pv allocation %s", name), tmo, func(ctx context.Context) (string, error) {
		if _, err := p.env.lookup(ctx, uuid, name); err != nil {
			return "", err
		}
		if err := p.env.Tool.PvAllocatable(ctx, name, yes, opts); err != nil {
			return "", err
		}
		return finished(p.refresh(ctx))
	})
}
