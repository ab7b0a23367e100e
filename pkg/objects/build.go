package objects

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/vpodzime/lvm-dubstep/pkg/lvm"
	"github.com/vpodzime/lvm-dubstep/pkg/registry"
)

// builder turns report rows into entities. Paths of related objects are
// resolved through the registry, allocating placeholders for objects that
// are not registered yet, so it must run with the registry lock held.
type builder struct {
	ctx    context.Context
	env    *Env
	report *lvm.Report
	lvs    map[string]*lvm.LV
}

func (e *Env) newBuilder(ctx context.Context, report *lvm.Report) *builder {
	b := &builder{
		ctx:    ctx,
		env:    e,
		report: report,
		lvs:    make(map[string]*lvm.LV, len(report.LVs)),
	}
	for i := range report.LVs {
		b.lvs[report.LVs[i].UUID] = &report.LVs[i]
	}
	return b
}

// all builds every visible entity in the report, PVs first.
func (b *builder) all() []registry.Object {
	var out []registry.Object
	for i := range b.report.PVs {
		out = append(out, b.pv(&b.report.PVs[i]))
	}
	for i := range b.report.VGs {
		out = append(out, b.vg(&b.report.VGs[i]))
	}
	for i := range b.report.LVs {
		if lv := &b.report.LVs[i]; !lv.Hidden() {
			out = append(out, b.lv(lv))
		}
	}
	return out
}

func (b *builder) resolve(uuid, alias string, factory registry.PathFactory) dbus.ObjectPath {
	if uuid == "" && alias == "" {
		return NoPath
	}
	p, ok := b.env.Registry.ResolveOrAllocate(b.ctx, uuid, alias, factory, true)
	if !ok {
		return NoPath
	}
	return dbus.ObjectPath(p)
}

func (b *builder) pvPath(pv *lvm.PV) dbus.ObjectPath {
	return b.resolve(pv.UUID, pv.Name, b.env.paths.Pv)
}

func (b *builder) vgPath(uuid, name string) dbus.ObjectPath {
	if uuid == "" {
		return NoPath
	}
	return b.resolve(uuid, name, b.env.paths.Vg)
}

func (b *builder) lvPath(uuid string) dbus.ObjectPath {
	lv, ok := b.lvs[uuid]
	if !ok || lv.Hidden() {
		return NoPath
	}
	factory := b.env.paths.Lv
	if lv.IsThinPool() {
		factory = b.env.paths.Thinpool
	}
	return b.resolve(lv.UUID, lv.FullName(), factory)
}

func (b *builder) pv(row *lvm.PV) *Pv {
	pv := &Pv{
		env:   b.env,
		path:  string(b.pvPath(row)),
		state: *row,
		vg:    b.vgPath(row.VGUUID, row.VGName),
	}
	for _, seg := range b.report.Segments[row.UUID] {
		pv.segments = append(pv.segments, PeSegment{Start: seg.Start, Size: seg.Size})
	}
	for _, id := range b.report.LVsOnPV(row.UUID) {
		if p := b.lvPath(id); p != NoPath {
			pv.lvs = append(pv.lvs, p)
		}
	}
	return pv
}

func (b *builder) vg(row *lvm.VG) *Vg {
	vg := &Vg{
		env:   b.env,
		path:  string(b.vgPath(row.UUID, row.Name)),
		state: *row,
	}
	for i := range b.report.PVs {
		if pv := &b.report.PVs[i]; pv.VGUUID == row.UUID {
			vg.pvs = append(vg.pvs, b.pvPath(pv))
		}
	}
	for i := range b.report.LVs {
		if lv := &b.report.LVs[i]; lv.VGUUID == row.UUID && !lv.Hidden() {
			vg.lvs = append(vg.lvs, b.lvPath(lv.UUID))
		}
	}
	return vg
}

func (b *builder) lv(row *lvm.LV) *Lv {
	lv := &Lv{
		env:    b.env,
		path:   string(b.lvPath(row.UUID)),
		state:  *row,
		vg:     b.vgPath(row.VGUUID, row.VGName),
		pool:   NoPath,
		origin: NoPath,
	}
	if row.PoolLvUUID != "" {
		lv.pool = b.lvPath(row.PoolLvUUID)
	}
	if row.OriginUUID != "" {
		lv.origin = b.lvPath(row.OriginUUID)
	}
	for i := range b.report.PVs {
		pv := &b.report.PVs[i]
		var segs []PeSegment
		for _, seg := range b.report.Segments[pv.UUID] {
			if seg.LVUUID == row.UUID {
				segs = append(segs, PeSegment{Start: seg.Start, Size: seg.Size})
			}
		}
		if len(segs) > 0 {
			lv.devices = append(lv.devices, LvDevice{Pv: b.pvPath(pv), Segments: segs})
		}
	}
	return lv
}
