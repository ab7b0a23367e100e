package lvm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
	utilexec "k8s.io/utils/exec"
)

// DefaultBinary is the lvm binary used when none is configured.
const DefaultBinary = "/usr/sbin/lvm"

// Tool is the set of lvm operations the daemon performs. Mutating calls
// return nil only when lvm exited zero; a non-zero exit is a *CommandError.
type Tool interface {
	Report(ctx context.Context) (*Report, error)

	PvCreate(ctx context.Context, device string, opts Options) error
	PvRemove(ctx context.Context, device string, opts Options) error
	PvResize(ctx context.Context, device string, size uint64, opts Options) error
	PvAllocatable(ctx context.Context, device string, allocatable bool, opts Options) error

	VgCreate(ctx context.Context, name string, devices []string, opts Options) error
	VgRemove(ctx context.Context, name string, opts Options) error
	VgRename(ctx context.Context, uuid, newName string, opts Options) error
	VgExtend(ctx context.Context, name string, devices []string, opts Options) error
	VgReduce(ctx context.Context, name string, devices []string, missing bool, opts Options) error

	LvCreateLinear(ctx context.Context, vg, name string, size uint64, thinPool bool, opts Options) error
	LvCreateThin(ctx context.Context, pool, name string, size uint64, opts Options) error
	LvRemove(ctx context.Context, fullName string, opts Options) error
	LvRename(ctx context.Context, vg, lv, newName string, opts Options) error
}

// Result is the outcome of one lvm invocation
type Result struct {
	Args     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Err returns a *CommandError for a non-zero exit, nil otherwise.
func (r *Result) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	return NewCommandError(r.Args, r.ExitCode, string(r.Stderr), nil)
}

// Client runs the lvm binary
type Client struct {
	exec          utilexec.Interface
	binary        string
	reportTimeout time.Duration
}

// ClientConfig holds configuration for the lvm client
type ClientConfig struct {
	// Binary is the path of the lvm binary.
	Binary string
	// ReportTimeout bounds read-only report commands. Mutating commands are
	// never interrupted.
	ReportTimeout time.Duration
	// Exec runs commands. Defaults to the host executor.
	Exec utilexec.Interface
}

// NewClient creates a new lvm client
func NewClient(config *ClientConfig) *Client {
	if config.Binary == "" {
		config.Binary = DefaultBinary
	}
	if config.ReportTimeout == 0 {
		config.ReportTimeout = 60 * time.Second
	}
	if config.Exec == nil {
		config.Exec = utilexec.New()
	}
	return &Client{
		exec:          config.Exec,
		binary:        config.Binary,
		reportTimeout: config.ReportTimeout,
	}
}

// Run executes lvm with args. The returned error is only set when the
// command could not be run at all; the exit code is in the Result.
func (c *Client) Run(ctx context.Context, args ...string) (*Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := c.exec.CommandContext(ctx, c.binary, args...)
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)

	start := time.Now()
	err := cmd.Run()
	klog.V(4).Infof("lvm %s took %v", strings.Join(args, " "), time.Since(start))

	res := &Result{Args: args, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) && exitErr.Exited() {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("failed to run %s %s: %w", c.binary, strings.Join(args, " "), err)
	}
	return res, nil
}

// mutate runs a state-changing command and converts a non-zero exit into an error.
func (c *Client) mutate(ctx context.Context, args ...string) error {
	klog.V(2).Infof("Running lvm %s", strings.Join(args, " "))
	res, err := c.Run(ctx, args...)
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		klog.Warningf("lvm %s failed: %v", strings.Join(args, " "), err)
		return err
	}
	return nil
}

func (c *Client) report(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.reportTimeout)
	defer cancel()

	res, err := c.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

func reportArgs(command string, columns []string, extra ...string) []string {
	args := []string{command, "--reportformat", "json", "--units", "b", "--nosuffix"}
	args = append(args, extra...)
	return append(args, "-o", strings.Join(columns, ","))
}

// Report loads the full inventory.
func (c *Client) Report(ctx context.Context) (*Report, error) {
	out, err := c.report(ctx, reportArgs("pvs", pvColumns)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list physical volumes: %w", err)
	}
	pvs, err := parsePVs(out)
	if err != nil {
		return nil, err
	}

	out, err = c.report(ctx, reportArgs("pvs", pvSegmentColumns, "--segments")...)
	if err != nil {
		return nil, fmt.Errorf("failed to list physical volume segments: %w", err)
	}
	segs, err := parseSegments(out)
	if err != nil {
		return nil, err
	}

	out, err = c.report(ctx, reportArgs("vgs", vgColumns)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list volume groups: %w", err)
	}
	vgs, err := parseVGs(out)
	if err != nil {
		return nil, err
	}

	out, err = c.report(ctx, reportArgs("lvs", lvColumns, "-a")...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logical volumes: %w", err)
	}
	lvs, err := parseLVs(out)
	if err != nil {
		return nil, err
	}

	klog.V(3).Infof("Loaded lvm report: %d pvs, %d vgs, %d lvs", len(pvs), len(vgs), len(lvs))
	return &Report{PVs: pvs, VGs: vgs, LVs: lvs, Segments: segs}, nil
}

func command(name string, opts Options, tail ...string) []string {
	args := append([]string{name}, opts.Args()...)
	return append(args, tail...)
}

// PvCreate initializes a device as a physical volume
func (c *Client) PvCreate(ctx context.Context, device string, opts Options) error {
	return c.mutate(ctx, command("pvcreate", opts, device)...)
}

// PvRemove wipes the physical volume label from a device
func (c *Client) PvRemove(ctx context.Context, device string, opts Options) error {
	return c.mutate(ctx, command("pvremove", opts, "-f", device)...)
}

// PvResize resizes a physical volume. A zero size grows it to the device size.
func (c *Client) PvResize(ctx context.Context, device string, size uint64, opts Options) error {
	tail := []string{device}
	if size != 0 {
		klog.V(2).Infof("Resizing %s to %s", device, humanize.IBytes(RoundSize(size)))
		tail = []string{"--setphysicalvolumesize", sizeArg(size), device}
	}
	return c.mutate(ctx, command("pvresize", opts, tail...)...)
}

// PvAllocatable enables or disables allocation on a physical volume
func (c *Client) PvAllocatable(ctx context.Context, device string, allocatable bool, opts Options) error {
	flag := "n"
	if allocatable {
		flag = "y"
	}
	return c.mutate(ctx, command("pvchange", opts, "-x", flag, device)...)
}

// VgCreate creates a volume group from devices
func (c *Client) VgCreate(ctx context.Context, name string, devices []string, opts Options) error {
	if len(devices) == 0 {
		return fmt.Errorf("%w: volume group %s needs at least one device", ErrInvalidArgument, name)
	}
	return c.mutate(ctx, command("vgcreate", opts, append([]string{name}, devices...)...)...)
}

// VgRemove removes a volume group and every LV in it
func (c *Client) VgRemove(ctx context.Context, name string, opts Options) error {
	return c.mutate(ctx, command("vgremove", opts, "-f", name)...)
}

// VgRename renames the volume group identified by uuid
func (c *Client) VgRename(ctx context.Context, uuid, newName string, opts Options) error {
	return c.mutate(ctx, command("vgrename", opts, uuid, newName)...)
}

// VgExtend adds devices to a volume group
func (c *Client) VgExtend(ctx context.Context, name string, devices []string, opts Options) error {
	if len(devices) == 0 {
		return fmt.Errorf("%w: nothing to add to %s", ErrInvalidArgument, name)
	}
	return c.mutate(ctx, command("vgextend", opts, append([]string{name}, devices...)...)...)
}

// VgReduce removes devices from a volume group. With missing set, missing
// PVs are dropped; with no devices, every unused PV is removed.
func (c *Client) VgReduce(ctx context.Context, name string, devices []string, missing bool, opts Options) error {
	tail := []string{name}
	switch {
	case missing:
		tail = []string{"--removemissing", name}
	case len(devices) == 0:
		tail = []string{"--all", name}
	default:
		tail = append(tail, devices...)
	}
	return c.mutate(ctx, command("vgreduce", opts, tail...)...)
}

// LvCreateLinear creates a linear LV, or a thin pool when thinPool is set
func (c *Client) LvCreateLinear(ctx context.Context, vg, name string, size uint64, thinPool bool, opts Options) error {
	if size == 0 {
		return fmt.Errorf("%w: size of %s/%s must be positive", ErrInvalidArgument, vg, name)
	}
	klog.V(2).Infof("Creating %s/%s of %s", vg, name, humanize.IBytes(RoundSize(size)))
	tail := []string{"--size", sizeArg(size), "--name", name}
	if thinPool {
		tail = []string{"--size", sizeArg(size), "--thinpool", name}
	}
	return c.mutate(ctx, command("lvcreate", opts, append(tail, vg)...)...)
}

// LvCreateThin creates a thin volume in pool (vg/pool)
func (c *Client) LvCreateThin(ctx context.Context, pool, name string, size uint64, opts Options) error {
	if size == 0 {
		return fmt.Errorf("%w: virtual size of %s must be positive", ErrInvalidArgument, name)
	}
	klog.V(2).Infof("Creating thin volume %s in %s of %s", name, pool, humanize.IBytes(RoundSize(size)))
	return c.mutate(ctx, command("lvcreate", opts, "--virtualsize", sizeArg(size), "--thin", "--name", name, pool)...)
}

// LvRemove removes the LV named vg/lv
func (c *Client) LvRemove(ctx context.Context, fullName string, opts Options) error {
	return c.mutate(ctx, command("lvremove", opts, "-f", fullName)...)
}

// LvRename renames an LV within its volume group
func (c *Client) LvRename(ctx context.Context, vg, lv, newName string, opts Options) error {
	return c.mutate(ctx, command("lvrename", opts, vg, lv, newName)...)
}
