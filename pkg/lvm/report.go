package lvm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Report columns requested from lvm. Sizes are requested in bytes without
// unit suffixes so every numeric column parses as an integer.
var (
	pvColumns = []string{
		"pv_uuid", "pv_name", "pv_fmt", "pv_size", "pv_free", "pv_used", "dev_size",
		"pv_mda_size", "pv_mda_free", "pv_ba_start", "pv_ba_size", "pe_start",
		"pv_pe_count", "pv_pe_alloc_count", "pv_attr", "pv_tags", "vg_name", "vg_uuid",
	}
	pvSegmentColumns = []string{"pv_uuid", "pvseg_start", "pvseg_size", "lv_uuid"}
	vgColumns        = []string{
		"vg_uuid", "vg_name", "vg_fmt", "vg_size", "vg_free", "vg_sysid", "vg_extent_size",
		"vg_extent_count", "vg_free_count", "vg_profile", "max_lv", "max_pv", "pv_count",
		"lv_count", "snap_count", "vg_seqno", "vg_mda_count", "vg_mda_free", "vg_mda_size",
		"vg_mda_used_count", "vg_attr", "vg_tags",
	}
	lvColumns = []string{
		"lv_uuid", "lv_name", "lv_path", "lv_size", "vg_name", "vg_uuid", "pool_lv_uuid",
		"pool_lv", "origin_uuid", "origin", "data_percent", "lv_attr", "lv_tags", "segtype",
	}
)

// PV is one physical volume row
type PV struct {
	UUID         string
	Name         string
	Fmt          string
	SizeBytes    uint64
	FreeBytes    uint64
	UsedBytes    uint64
	DevSizeBytes uint64
	MdaSizeBytes uint64
	MdaFreeBytes uint64
	BaStart      uint64
	BaSizeBytes  uint64
	PeStart      uint64
	PeCount      uint64
	PeAllocCount uint64
	Attr         string
	Tags         []string
	VGName       string
	VGUUID       string
}

// Segment is one physical extent range of a PV
type Segment struct {
	Start  uint64
	Size   uint64
	LVUUID string
}

// VG is one volume group row
type VG struct {
	UUID         string
	Name         string
	Fmt          string
	SizeBytes    uint64
	FreeBytes    uint64
	SysID        string
	ExtentSize   uint64
	ExtentCount  uint64
	FreeCount    uint64
	Profile      string
	MaxLv        uint64
	MaxPv        uint64
	PvCount      uint64
	LvCount      uint64
	SnapCount    uint64
	Seqno        uint64
	MdaCount     uint64
	MdaFree      uint64
	MdaSizeBytes uint64
	MdaUsedCount uint64
	Attr         string
	Tags         []string
}

// LV is one logical volume row
type LV struct {
	UUID        string
	Name        string
	Path        string
	SizeBytes   uint64
	VGName      string
	VGUUID      string
	PoolLvUUID  string
	PoolLv      string
	OriginUUID  string
	Origin      string
	DataPercent uint32
	Attr        string
	Tags        []string
	SegType     []string
}

// FullName is the vg/lv form lvm accepts on its command line.
func (lv *LV) FullName() string {
	return lv.VGName + "/" + lv.Name
}

// IsThinPool reports whether the LV is a thin pool.
func (lv *LV) IsThinPool() bool {
	return len(lv.Attr) > 0 && lv.Attr[0] == 't'
}

// Hidden reports whether the LV is an internal volume (e.g. a pool's
// data or metadata LV) lvm shows in brackets.
func (lv *LV) Hidden() bool {
	return strings.HasPrefix(lv.Name, "[")
}

// Report is one consistent view of the lvm inventory
type Report struct {
	PVs []PV
	VGs []VG
	LVs []LV
	// Segments maps a PV uuid to its extent ranges.
	Segments map[string][]Segment
}

// LVsOnPV returns the uuids of LVs with at least one extent on the PV, in
// the order they first appear.
func (r *Report) LVsOnPV(pvUUID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, seg := range r.Segments[pvUUID] {
		if seg.LVUUID == "" || seen[seg.LVUUID] {
			continue
		}
		seen[seg.LVUUID] = true
		out = append(out, seg.LVUUID)
	}
	return out
}

// LVByUUID looks up an LV row.
func (r *Report) LVByUUID(uuid string) (*LV, bool) {
	for i := range r.LVs {
		if r.LVs[i].UUID == uuid {
			return &r.LVs[i], true
		}
	}
	return nil, false
}

// reportRow is one object of lvm's JSON report; lvm renders every column
// as a string.
type reportRow map[string]string

type reportEnvelope struct {
	Report []struct {
		PV    []reportRow `json:"pv"`
		PVSeg []reportRow `json:"pvseg"`
		VG    []reportRow `json:"vg"`
		LV    []reportRow `json:"lv"`
	} `json:"report"`
}

func decodeRows(out []byte, kind string) ([]reportRow, error) {
	var env reportEnvelope
	if err := json.Unmarshal(out, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidReport, kind, err)
	}
	var rows []reportRow
	for _, r := range env.Report {
		switch kind {
		case "pv":
			rows = append(rows, r.PV...)
		case "pvseg":
			// Segment reports come back keyed as either pvseg or pv depending
			// on the lvm version.
			rows = append(rows, r.PVSeg...)
			rows = append(rows, r.PV...)
		case "vg":
			rows = append(rows, r.VG...)
		case "lv":
			rows = append(rows, r.LV...)
		}
	}
	return rows, nil
}

// rowParser accumulates the first conversion error so rows can be decoded
// field by field.
type rowParser struct {
	row reportRow
	err error
}

func (p *rowParser) str(col string) string {
	return strings.TrimSpace(p.row[col])
}

func (p *rowParser) u64(col string) uint64 {
	s := p.str(col)
	if s == "" || p.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("%w: column %s: %v", ErrInvalidReport, col, err)
	}
	return v
}

func (p *rowParser) percent(col string) uint32 {
	s := p.str(col)
	if s == "" || p.err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = fmt.Errorf("%w: column %s: %v", ErrInvalidReport, col, err)
		return 0
	}
	return uint32(f)
}

func (p *rowParser) list(col string) []string {
	return splitList(p.str(col))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parsePVs(out []byte) ([]PV, error) {
	rows, err := decodeRows(out, "pv")
	if err != nil {
		return nil, err
	}
	pvs := make([]PV, 0, len(rows))
	for _, row := range rows {
		p := &rowParser{row: row}
		pv := PV{
			UUID:         p.str("pv_uuid"),
			Name:         p.str("pv_name"),
			Fmt:          p.str("pv_fmt"),
			SizeBytes:    p.u64("pv_size"),
			FreeBytes:    p.u64("pv_free"),
			UsedBytes:    p.u64("pv_used"),
			DevSizeBytes: p.u64("dev_size"),
			MdaSizeBytes: p.u64("pv_mda_size"),
			MdaFreeBytes: p.u64("pv_mda_free"),
			BaStart:      p.u64("pv_ba_start"),
			BaSizeBytes:  p.u64("pv_ba_size"),
			PeStart:      p.u64("pe_start"),
			PeCount:      p.u64("pv_pe_count"),
			PeAllocCount: p.u64("pv_pe_alloc_count"),
			Attr:         p.str("pv_attr"),
			Tags:         p.list("pv_tags"),
			VGName:       p.str("vg_name"),
			VGUUID:       p.str("vg_uuid"),
		}
		if p.err != nil {
			return nil, fmt.Errorf("pv %s: %w", pv.Name, p.err)
		}
		pvs = append(pvs, pv)
	}
	return pvs, nil
}

func parseSegments(out []byte) (map[string][]Segment, error) {
	rows, err := decodeRows(out, "pvseg")
	if err != nil {
		return nil, err
	}
	segs := make(map[string][]Segment)
	for _, row := range rows {
		p := &rowParser{row: row}
		uuid := p.str("pv_uuid")
		seg := Segment{
			Start:  p.u64("pvseg_start"),
			Size:   p.u64("pvseg_size"),
			LVUUID: p.str("lv_uuid"),
		}
		if p.err != nil {
			return nil, fmt.Errorf("segment of pv %s: %w", uuid, p.err)
		}
		segs[uuid] = append(segs[uuid], seg)
	}
	return segs, nil
}

func parseVGs(out []byte) ([]VG, error) {
	rows, err := decodeRows(out, "vg")
	if err != nil {
		return nil, err
	}
	vgs := make([]VG, 0, len(rows))
	for _, row := range rows {
		p := &rowParser{row: row}
		vg := VG{
			UUID:         p.str("vg_uuid"),
			Name:         p.str("vg_name"),
			Fmt:          p.str("vg_fmt"),
			SizeBytes:    p.u64("vg_size"),
			FreeBytes:    p.u64("vg_free"),
			SysID:        p.str("vg_sysid"),
			ExtentSize:   p.u64("vg_extent_size"),
			ExtentCount:  p.u64("vg_extent_count"),
			FreeCount:    p.u64("vg_free_count"),
			Profile:      p.str("vg_profile"),
			MaxLv:        p.u64("max_lv"),
			MaxPv:        p.u64("max_pv"),
			PvCount:      p.u64("pv_count"),
			LvCount:      p.u64("lv_count"),
			SnapCount:    p.u64("snap_count"),
			Seqno:        p.u64("vg_seqno"),
			MdaCount:     p.u64("vg_mda_count"),
			MdaFree:      p.u64("vg_mda_free"),
			MdaSizeBytes: p.u64("vg_mda_size"),
			MdaUsedCount: p.u64("vg_mda_used_count"),
			Attr:         p.str("vg_attr"),
			Tags:         p.list("vg_tags"),
		}
		if p.err != nil {
			return nil, fmt.Errorf("vg %s: %w", vg.Name, p.err)
		}
		vgs = append(vgs, vg)
	}
	return vgs, nil
}

func parseLVs(out []byte) ([]LV, error) {
	rows, err := decodeRows(out, "lv")
	if err != nil {
		return nil, err
	}
	lvs := make([]LV, 0, len(rows))
	for _, row := range rows {
		p := &rowParser{row: row}
		lv := LV{
			UUID:        p.str("lv_uuid"),
			Name:        p.str("lv_name"),
			Path:        p.str("lv_path"),
			SizeBytes:   p.u64("lv_size"),
			VGName:      p.str("vg_name"),
			VGUUID:      p.str("vg_uuid"),
			PoolLvUUID:  p.str("pool_lv_uuid"),
			PoolLv:      p.str("pool_lv"),
			OriginUUID:  p.str("origin_uuid"),
			Origin:      p.str("origin"),
			DataPercent: p.percent("data_percent"),
			Attr:        p.str("lv_attr"),
			Tags:        p.list("lv_tags"),
			SegType:     p.list("segtype"),
		}
		if p.err != nil {
			return nil, fmt.Errorf("lv %s: %w", lv.Name, p.err)
		}
		lvs = append(lvs, lv)
	}
	return lvs, nil
}
