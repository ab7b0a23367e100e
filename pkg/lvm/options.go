package lvm

import (
	"fmt"
	"sort"
	"strings"
)

// SectorSize is the granularity lvm sizes are rounded up to.
const SectorSize = 512

// Options are extra command line options supplied by the caller. They are
// passed through to lvm unmodified: a key without leading dashes becomes a
// long option, an empty string value produces a bare flag.
type Options map[string]any

// Args renders the options as command line arguments in a stable order.
func (o Options) Args() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args []string
	for _, k := range keys {
		if strings.HasPrefix(k, "-") {
			args = append(args, k)
		} else {
			args = append(args, "--"+k)
		}
		if v := fmt.Sprint(o[k]); v != "" {
			args = append(args, v)
		}
	}
	return args
}

// RoundSize rounds a byte count up to the next sector boundary.
func RoundSize(size uint64) uint64 {
	if rem := size % SectorSize; rem != 0 {
		return size + SectorSize - rem
	}
	return size
}

func sizeArg(size uint64) string {
	return fmt.Sprintf("%dB", RoundSize(size))
}
