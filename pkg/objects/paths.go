package objects

import (
	"fmt"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// Bus names, interfaces and object paths
const (
	BusName       = "com.redhat.lvmdbus1"
	BaseInterface = "com.redhat.lvmdbus1"
	BasePath      = "/com/redhat/lvmdbus1"

	ManagerInterface  = BaseInterface + ".Manager"
	PvInterface       = BaseInterface + ".Pv"
	VgInterface       = BaseInterface + ".Vg"
	LvInterface       = BaseInterface + ".Lv"
	ThinpoolInterface = BaseInterface + ".Thinpool"
	JobInterface      = BaseInterface + ".Job"

	ManagerPath = BasePath + "/Manager"

	// NoPath is the object path of "nothing"
	NoPath = dbus.ObjectPath("/")
)

// Paths mints object paths from one monotonic counter per entity kind.
type Paths struct {
	pv, vg, lv, thinpool, job atomic.Uint64
}

func next(counter *atomic.Uint64, kind string) string {
	return fmt.Sprintf("%s/%s/%d", BasePath, kind, counter.Add(1)-1)
}

// Pv returns a new physical volume path
func (p *Paths) Pv() string { return next(&p.pv, "Pv") }

// Vg returns a new volume group path
func (p *Paths) Vg() string { return next(&p.vg, "Vg") }

// Lv returns a new logical volume path
func (p *Paths) Lv() string { return next(&p.lv, "Lv") }

// Thinpool returns a new thin pool path
func (p *Paths) Thinpool() string { return next(&p.thinpool, "Thinpool") }

// Job returns a new job path
func (p *Paths) Job() string { return next(&p.job, "Job") }
