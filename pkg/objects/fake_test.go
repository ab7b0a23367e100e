package objects

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vpodzime/lvm-dubstep/pkg/lvm"
	"github.com/vpodzime/lvm-dubstep/pkg/props"
)

const gib = 1 << 30

// fakeTool is an in-memory lvm. Every mutation waits for gate when set.
type fakeTool struct {
	mu    sync.Mutex
	pvs   []lvm.PV
	vgs   []lvm.VG
	lvs   []lvm.LV
	ids   int
	calls []string
	gate  chan struct{}
	// reports counts Report calls.
	reports int
}

var _ lvm.Tool = (*fakeTool)(nil)

func (t *fakeTool) begin(call string) {
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}
	t.mu.Lock()
	t.calls = append(t.calls, call)
}

func (t *fakeTool) uuid(kind string) string {
	t.ids++
	return fmt.Sprintf("%s-uuid-%d", kind, t.ids)
}

func fail(format string, args ...any) error {
	return lvm.NewCommandError(nil, 5, fmt.Sprintf(format, args...), nil)
}

func (t *fakeTool) pv(device string) *lvm.PV {
	for i := range t.pvs {
		if t.pvs[i].Name == device {
			return &t.pvs[i]
		}
	}
	return nil
}

func (t *fakeTool) vg(name string) *lvm.VG {
	for i := range t.vgs {
		if t.vgs[i].Name == name || t.vgs[i].UUID == name {
			return &t.vgs[i]
		}
	}
	return nil
}

func (t *fakeTool) lv(fullName string) *lvm.LV {
	for i := range t.lvs {
		if t.lvs[i].FullName() == fullName {
			return &t.lvs[i]
		}
	}
	return nil
}

func (t *fakeTool) Report(ctx context.Context) (*lvm.Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports++

	r := &lvm.Report{
		PVs:      append([]lvm.PV(nil), t.pvs...),
		VGs:      append([]lvm.VG(nil), t.vgs...),
		LVs:      append([]lvm.LV(nil), t.lvs...),
		Segments: make(map[string][]lvm.Segment),
	}
	for i := range r.VGs {
		vg := &r.VGs[i]
		vg.SizeBytes, vg.PvCount, vg.LvCount = 0, 0, 0
		var first string
		for _, pv := range r.PVs {
			if pv.VGUUID == vg.UUID {
				vg.SizeBytes += pv.SizeBytes
				vg.PvCount++
				if first == "" {
					first = pv.UUID
				}
			}
		}
		var start uint64
		for _, lv := range r.LVs {
			if lv.VGUUID != vg.UUID {
				continue
			}
			vg.LvCount++
			if lv.PoolLvUUID == "" && first != "" {
				extents := lv.SizeBytes / (4 << 20)
				r.Segments[first] = append(r.Segments[first], lvm.Segment{Start: start, Size: extents, LVUUID: lv.UUID})
				start += extents
			}
		}
	}
	return r, nil
}

func (t *fakeTool) PvCreate(ctx context.Context, device string, opts lvm.Options) error {
	t.begin("pvcreate " + device)
	defer t.mu.Unlock()
	if t.pv(device) != nil {
		return fail("Can't initialize physical volume %q", device)
	}
	t.pvs = append(t.pvs, lvm.PV{
		UUID: t.uuid("pv"), Name: device, Fmt: "lvm2",
		SizeBytes: gib, FreeBytes: gib, DevSizeBytes: gib, Attr: "a--",
	})
	return nil
}

func (t *fakeTool) PvRemove(ctx context.Context, device string, opts lvm.Options) error {
	t.begin("pvremove " + device)
	defer t.mu.Unlock()
	pv := t.pv(device)
	if pv == nil {
		return fail("No PV found on device %s.", device)
	}
	if pv.VGUUID != "" {
		return fail("PV %s is used by VG %s", device, pv.VGName)
	}
	for i := range t.pvs {
		if t.pvs[i].Name == device {
			t.pvs = append(t.pvs[:i], t.pvs[i+1:]...)
			break
		}
	}
	return nil
}

func (t *fakeTool) PvResize(ctx context.Context, device string, size uint64, opts lvm.Options) error {
	t.begin("pvresize " + device)
	defer t.mu.Unlock()
	pv := t.pv(device)
	if pv == nil {
		return fail("Failed to find physical volume %q", device)
	}
	if size == 0 {
		size = pv.DevSizeBytes
	}
	pv.FreeBytes = pv.FreeBytes + size - pv.SizeBytes
	pv.SizeBytes = size
	return nil
}

func (t *fakeTool) PvAllocatable(ctx context.Context, device string, allocatable bool, opts lvm.Options) error {
	t.begin("pvchange " + device)
	defer t.mu.Unlock()
	pv := t.pv(device)
	if pv == nil {
		return fail("Failed to find physical volume %q", device)
	}
	flag := "-"
	if allocatable {
		flag = "a"
	}
	pv.Attr = flag + pv.Attr[1:]
	return nil
}

func (t *fakeTool) VgCreate(ctx context.Context, name string, devices []string, opts lvm.Options) error {
	t.begin("vgcreate " + name)
	defer t.mu.Unlock()
	if t.vg(name) != nil {
		return fail("A volume group called %s already exists.", name)
	}
	vg := lvm.VG{UUID: t.uuid("vg"), Name: name, Fmt: "lvm2", ExtentSize: 4 << 20, Attr: "wz--n-"}
	for _, d := range devices {
		pv := t.pv(d)
		if pv == nil || pv.VGUUID != "" {
			return fail("Physical volume %s unusable", d)
		}
	}
	for _, d := range devices {
		pv := t.pv(d)
		pv.VGName, pv.VGUUID = vg.Name, vg.UUID
	}
	t.vgs = append(t.vgs, vg)
	return nil
}

func (t *fakeTool) VgRemove(ctx context.Context, name string, opts lvm.Options) error {
	t.begin("vgremove " + name)
	defer t.mu.Unlock()
	vg := t.vg(name)
	if vg == nil {
		return fail("Volume group %q not found", name)
	}
	uuid := vg.UUID
	lvs := t.lvs[:0]
	for _, lv := range t.lvs {
		if lv.VGUUID != uuid {
			lvs = append(lvs, lv)
		}
	}
	t.lvs = lvs
	for i := range t.pvs {
		if t.pvs[i].VGUUID == uuid {
			t.pvs[i].VGName, t.pvs[i].VGUUID = "", ""
		}
	}
	for i := range t.vgs {
		if t.vgs[i].UUID == uuid {
			t.vgs = append(t.vgs[:i], t.vgs[i+1:]...)
			break
		}
	}
	return nil
}

func (t *fakeTool) VgRename(ctx context.Context, uuid, newName string, opts lvm.Options) error {
	t.begin("vgrename " + uuid)
	defer t.mu.Unlock()
	vg := t.vg(uuid)
	if vg == nil {
		return fail("Volume group %q not found", uuid)
	}
	vg.Name = newName
	for i := range t.pvs {
		if t.pvs[i].VGUUID == uuid {
			t.pvs[i].VGName = newName
		}
	}
	for i := range t.lvs {
		if lv := &t.lvs[i]; lv.VGUUID == uuid {
			lv.VGName = newName
			lv.Path = "/dev/" + newName + "/" + lv.Name
		}
	}
	return nil
}

func (t *fakeTool) VgExtend(ctx context.Context, name string, devices []string, opts lvm.Options) error {
	t.begin("vgextend " + name)
	defer t.mu.Unlock()
	vg := t.vg(name)
	if vg == nil {
		return fail("Volume group %q not found", name)
	}
	for _, d := range devices {
		pv := t.pv(d)
		if pv == nil || pv.VGUUID != "" {
			return fail("Physical volume %s unusable", d)
		}
		pv.VGName, pv.VGUUID = vg.Name, vg.UUID
	}
	return nil
}

func (t *fakeTool) VgReduce(ctx context.Context, name string, devices []string, missing bool, opts lvm.Options) error {
	t.begin("vgreduce " + name)
	defer t.mu.Unlock()
	vg := t.vg(name)
	if vg == nil {
		return fail("Volume group %q not found", name)
	}
	for _, d := range devices {
		pv := t.pv(d)
		if pv == nil || pv.VGUUID != vg.UUID {
			return fail("Physical Volume %s not found in Volume Group %s.", d, name)
		}
		pv.VGName, pv.VGUUID = "", ""
	}
	return nil
}

func (t *fakeTool) LvCreateLinear(ctx context.Context, vgName, name string, size uint64, thinPool bool, opts lvm.Options) error {
	t.begin("lvcreate " + vgName + "/" + name)
	defer t.mu.Unlock()
	vg := t.vg(vgName)
	if vg == nil {
		return fail("Volume group %q not found", vgName)
	}
	if t.lv(vgName+"/"+name) != nil {
		return fail("Logical Volume %q already exists in volume group %q", name, vgName)
	}
	attr, segtype := "-wi-a-----", []string{"linear"}
	if thinPool {
		attr, segtype = "twi-a-tz--", []string{"thin-pool"}
	}
	t.lvs = append(t.lvs, lvm.LV{
		UUID: t.uuid("lv"), Name: name, Path: "/dev/" + vgName + "/" + name,
		SizeBytes: lvm.RoundSize(size), VGName: vgName, VGUUID: vg.UUID,
		Attr: attr, SegType: segtype,
	})
	return nil
}

func (t *fakeTool) LvCreateThin(ctx context.Context, pool, name string, size uint64, opts lvm.Options) error {
	t.begin("lvcreate --thin " + pool + " " + name)
	defer t.mu.Unlock()
	p := t.lv(pool)
	if p == nil || !p.IsThinPool() {
		return fail("Thin pool %s not found", pool)
	}
	t.lvs = append(t.lvs, lvm.LV{
		UUID: t.uuid("lv"), Name: name, Path: "/dev/" + p.VGName + "/" + name,
		SizeBytes: lvm.RoundSize(size), VGName: p.VGName, VGUUID: p.VGUUID,
		PoolLvUUID: p.UUID, PoolLv: p.Name, Attr: "Vwi-a-tz--", SegType: []string{"thin"},
	})
	return nil
}

func (t *fakeTool) LvRemove(ctx context.Context, fullName string, opts lvm.Options) error {
	t.begin("lvremove " + fullName)
	defer t.mu.Unlock()
	for i := range t.lvs {
		if t.lvs[i].FullName() == fullName {
			t.lvs = append(t.lvs[:i], t.lvs[i+1:]...)
			return nil
		}
	}
	return fail("Failed to find logical volume %q", fullName)
}

func (t *fakeTool) LvRename(ctx context.Context, vg, lv, newName string, opts lvm.Options) error {
	t.begin("lvrename " + vg + "/" + lv)
	defer t.mu.Unlock()
	row := t.lv(vg + "/" + lv)
	if row == nil {
		return fail("Existing logical volume %q not found in volume group %q", lv, vg)
	}
	row.Name = newName
	row.Path = "/dev/" + vg + "/" + newName
	return nil
}

// commands returns the lvm commands run so far.
func (t *fakeTool) commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// edit changes the inventory behind the daemon's back.
func (t *fakeTool) reportCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reports
}

func (t *fakeTool) edit(f func(t *fakeTool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f(t)
}

type event struct {
	Kind  string
	Path  string
	Iface string
	Data  props.Values
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) ObjectAdded(path string, interfaces map[string]props.Values) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ifaces := make([]string, 0, len(interfaces))
	for name := range interfaces {
		ifaces = append(ifaces, name)
	}
	r.events = append(r.events, event{Kind: "added", Path: path, Iface: strings.Join(ifaces, ",")})
}

func (r *recorder) ObjectRemoved(path string, interfaces []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{Kind: "removed", Path: path, Iface: strings.Join(interfaces, ",")})
}

func (r *recorder) PropertiesChanged(path, iface string, changed props.Values) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{Kind: "changed", Path: path, Iface: iface, Data: changed})
}

// take returns and clears the recorded events.
func (r *recorder) take() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}
