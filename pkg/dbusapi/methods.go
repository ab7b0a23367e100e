package dbusapi

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/vpodzime/lvm-dubstep/pkg/lvm"
	"github.com/vpodzime/lvm-dubstep/pkg/objects"
	"github.com/vpodzime/lvm-dubstep/pkg/registry"
	"github.com/vpodzime/lvm-dubstep/pkg/request"
)

// Created is the (oo) reply of creating methods: the new object's path when
// the call finished in time, otherwise the job path.
type Created struct {
	Object dbus.ObjectPath
	Job    dbus.ObjectPath
}

func options(opts map[string]dbus.Variant) lvm.Options {
	if len(opts) == 0 {
		return nil
	}
	out := make(lvm.Options, len(opts))
	for k, v := range opts {
		out[k] = v.Value()
	}
	return out
}

func paths(in []dbus.ObjectPath) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		out = append(out, string(p))
	}
	return out
}

// jobReply converts a reply of a method that creates nothing: "/" when it
// finished in time, otherwise the job path.
func jobReply(iface string, r request.Reply) (dbus.ObjectPath, *dbus.Error) {
	if r.Err != nil {
		return objects.NoPath, methodError(iface, r.Err)
	}
	if r.Promoted() {
		return dbus.ObjectPath(r.Job), nil
	}
	return objects.NoPath, nil
}

func createdReply(iface string, r request.Reply) (Created, *dbus.Error) {
	out := Created{Object: objects.NoPath, Job: objects.NoPath}
	switch {
	case r.Err != nil:
		return out, methodError(iface, r.Err)
	case r.Promoted():
		out.Job = dbus.ObjectPath(r.Job)
	case r.Result != "":
		out.Object = dbus.ObjectPath(r.Result)
	}
	return out, nil
}

// as returns the object at the handle's path as T.
func as[T registry.Object](h handle, iface string) (T, *dbus.Error) {
	var zero T
	obj, derr := h.object(iface)
	if derr != nil {
		return zero, derr
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, methodError(iface, fmt.Errorf("%w: %s is not a %s", registry.ErrNotFound, h.path, iface))
	}
	return typed, nil
}

type managerMethods struct{ handle }

func (m managerMethods) PvCreate(device string, tmo int32, opts map[string]dbus.Variant) (Created, *dbus.Error) {
	return createdReply(objects.ManagerInterface,
		m.s.env.Manager().PvCreate(m.s.ctx, device, int(tmo), options(opts)))
}

func (m managerMethods) VgCreate(name string, pvs []dbus.ObjectPath, tmo int32, opts map[string]dbus.Variant) (Created, *dbus.Error) {
	return createdReply(objects.ManagerInterface,
		m.s.env.Manager().VgCreate(m.s.ctx, name, paths(pvs), int(tmo), options(opts)))
}

func (m managerMethods) Refresh() (uint64, *dbus.Error) {
	n, err := m.s.env.Manager().Refresh(m.s.ctx)
	return n, methodError(objects.ManagerInterface, err)
}

func (m managerMethods) LookUpByLvmId(key string) (dbus.ObjectPath, *dbus.Error) {
	return dbus.ObjectPath(m.s.env.Manager().LookUpByLvmId(m.s.ctx, key)), nil
}

func (m managerMethods) ExternalEvent(event, lvmID, lvmUUID string, seqno uint32) (int32, *dbus.Error) {
	if err := m.s.env.Manager().ExternalEvent(m.s.ctx, event, lvmID, lvmUUID, seqno); err != nil {
		return -1, methodError(objects.ManagerInterface, err)
	}
	return 0, nil
}

type pvMethods struct{ handle }

func (m pvMethods) Remove(tmo int32, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	pv, derr := as[*objects.Pv](m.handle, objects.PvInterface)
	if derr != nil {
		return objects.NoPath, derr
	}
	return jobReply(objects.PvInterface, pv.Remove(m.s.ctx, int(tmo), options(opts)))
}

func (m pvMethods) ReSize(size uint64, tmo int32, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	pv, derr := as[*objects.Pv](m.handle, objects.PvInterface)
	if derr != nil {
		return objects.NoPath, derr
	}
	return jobReply(objects.PvInterface, pv.ReSize(m.s.ctx, size, int(tmo), options(opts)))
}

func (m pvMethods) AllocationEnabled(yes bool, tmo int32, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	pv, derr := as[*objects.Pv](m.handle, objects.PvInterface)
	if derr != nil {
		return objects.NoPath, derr
	}
	return jobReply(objects.PvInterface, pv.AllocationEnabled(m.s.ctx, yes, int(tmo), options(opts)))
}

type vgMethods struct{ handle }

func (m vgMethods) Remove(tmo int32, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	vg, derr := as[*objects.Vg](m.handle, objects.VgInterface)
	if derr != nil {
		return objects.NoPath, derr
	}
	return jobReply(objects.VgInterface, vg.Remove(m.s.ctx, int(tmo), options(opts)))
}

func (m vgMethods) Rename(name string, tmo int32, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	vg, derr := as[*objects.Vg](m.handle, objects.VgInterface)
	if derr != nil {
		return objects.NoPath, derr
	}
	return jobReply(objects.VgInterface, vg.Rename(m.s.ctx, name, int(tmo), options(opts)))
}

func (m vgMethods) Extend(pvs []dbus.ObjectPath, tmo int32, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	vg, derr := as[*objects.Vg](m.handle, objects.VgInterface)
	if derr != nil {
		return objects.NoPath, derr
	}
	return jobReply(objects.VgInterface, vg.Extend(m.s.ctx, paths(pvs), int(tmo), options(opts)))
}

func (m vgMethods) Reduce(missing bool, pvs []dbus.ObjectPath, tmo int32, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	vg, derr := as[*objects.Vg](m.handle, objects.VgInterface)
	if derr != nil {
		return objects.NoPath, derr
	}
	return jobReply(objects.VgInterface, vg.Reduce(m.s.ctx, missing, paths(pvs), int(tmo), options(opts)))
}

func (m vgMethods) LvCreateLinear(name string, size uint64, thinPool bool, tmo int32, opts map[string]dbus.Variant) (Created, *dbus.Error) {
	vg, derr := as[*objects.Vg](m.handle, objects.VgInterface)
	if derr != nil {
		return Created{Object: objects.NoPath, Job: objects.NoPath}, derr
	}
	return createdReply(objects.VgInterface, vg.LvCreateLinear(m.s.ctx, name, size, thinPool, int(tmo), options(opts)))
}

type lvMethods struct{ handle }

func (m lvMethods) Remove(tmo int32, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	lv, derr := as[*objects.Lv](m.handle, objects.LvInterface)
	if derr != nil {
		return objects.NoPath, derr
	}
	return jobReply(objects.LvInterface, lv.Remove(m.s.ctx, int(tmo), options(opts)))
}

func (m lvMethods) Rename(name string, tmo int32, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	lv, derr := as[*objects.Lv](m.handle, objects.LvInterface)
	if derr != nil {
		return objects.NoPath, derr
	}
	return jobReply(objects.LvInterface, lv.Rename(m.s.ctx, name, int(tmo), options(opts)))
}

type thinpoolMethods struct{ handle }

func (m thinpoolMethods) LvCreate(name string, size uint64, tmo int32, opts map[string]dbus.Variant) (Created, *dbus.Error) {
	pool, derr := as[*objects.Lv](m.handle, objects.ThinpoolInterface)
	if derr != nil {
		return Created{Object: objects.NoPath, Job: objects.NoPath}, derr
	}
	return createdReply(objects.ThinpoolInterface, pool.LvCreate(m.s.ctx, name, size, int(tmo), options(opts)))
}

type jobMethods struct{ handle }

func (m jobMethods) Remove() *dbus.Error {
	job, derr := as[*objects.Job](m.handle, objects.JobInterface)
	if derr != nil {
		return derr
	}
	return methodError(objects.JobInterface, job.Remove(m.s.ctx))
}

func (m jobMethods) Wait(timeout int32) (bool, *dbus.Error) {
	job, derr := as[*objects.Job](m.handle, objects.JobInterface)
	if derr != nil {
		return false, derr
	}
	return job.Wait(m.s.ctx, int(timeout)), nil
}
