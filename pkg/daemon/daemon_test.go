package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/godbus/dbus/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/vpodzime/lvm-dubstep/pkg/config"
	"github.com/vpodzime/lvm-dubstep/pkg/lvm"
	"github.com/vpodzime/lvm-dubstep/pkg/objects"
)

type fakeConn struct {
	mu       sync.Mutex
	reply    dbus.RequestNameReply
	exported map[dbus.ObjectPath]bool
	names    []string
	closed   bool
}

func newFakeConn(reply dbus.RequestNameReply) *fakeConn {
	return &fakeConn{reply: reply, exported: make(map[dbus.ObjectPath]bool)}
}

func (c *fakeConn) Export(v any, path dbus.ObjectPath, iface string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exported[path] = v != nil
	return nil
}

func (c *fakeConn) Emit(dbus.ObjectPath, string, ...any) error {
	return nil
}

func (c *fakeConn) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
	return c.reply, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// countingTool reports one PV and counts how often it was asked.
type countingTool struct {
	lvm.Tool
	reports atomic.Int32
	err     error
}

func (t *countingTool) Report(ctx context.Context) (*lvm.Report, error) {
	t.reports.Add(1)
	if t.err != nil {
		return nil, t.err
	}
	return &lvm.Report{
		PVs:      []lvm.PV{{UUID: "u1", Name: "/dev/a", Fmt: "lvm2", Attr: "a--"}},
		Segments: map[string][]lvm.Segment{},
	}, nil
}

func newDaemon(c *qt.C, settings *config.Config, conn *fakeConn, tool lvm.Tool) *Daemon {
	d, err := New(&Config{Settings: settings, Conn: conn, Tool: tool})
	c.Assert(err, qt.IsNil)
	return d
}

func TestRun(t *testing.T) {
	c := qt.New(t)
	sock := filepath.Join(c.TempDir(), "health.sock")
	settings := config.Default()
	settings.Daemon.RefreshInterval.Duration = 10 * time.Millisecond
	settings.Daemon.HealthEndpoint = "unix://" + sock

	conn := newFakeConn(dbus.RequestNameReplyPrimaryOwner)
	tool := &countingTool{}
	d := newDaemon(c, settings, conn, tool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()

	client, err := grpc.NewClient("unix://"+sock, grpc.WithTransportCredentials(insecure.NewCredentials()))
	c.Assert(err, qt.IsNil)
	defer client.Close()
	health := healthpb.NewHealthClient(client)

	err = wait.PollUntilContextTimeout(ctx, 10*time.Millisecond, 5*time.Second, true, func(ctx context.Context) (bool, error) {
		resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: Name})
		if err != nil {
			return false, nil
		}
		return resp.Status == healthpb.HealthCheckResponse_SERVING, nil
	})
	c.Assert(err, qt.IsNil)

	err = wait.PollUntilContextTimeout(ctx, 10*time.Millisecond, 5*time.Second, true, func(context.Context) (bool, error) {
		return tool.reports.Load() >= 3, nil
	})
	c.Assert(err, qt.IsNil, qt.Commentf("periodic refresh did not run"))

	conn.mu.Lock()
	c.Assert(conn.names, qt.DeepEquals, []string{objects.BusName})
	c.Assert(conn.exported[objects.ManagerPath], qt.IsTrue)
	c.Assert(conn.exported[objects.BasePath], qt.IsTrue)
	conn.mu.Unlock()

	_, ok := d.Env().Registry.PathByAlias(ctx, "/dev/a")
	c.Assert(ok, qt.IsTrue)

	cancel()
	select {
	case err := <-done:
		c.Assert(err, qt.ErrorIs, context.Canceled)
	case <-time.After(5 * time.Second):
		c.Fatal("daemon did not stop")
	}
	c.Assert(conn.isClosed(), qt.IsTrue)
}

func TestRunNameTaken(t *testing.T) {
	c := qt.New(t)
	conn := newFakeConn(dbus.RequestNameReplyExists)
	d := newDaemon(c, nil, conn, &countingTool{})

	err := d.Run(context.Background())
	c.Assert(err, qt.ErrorIs, ErrNameTaken)
	c.Assert(conn.isClosed(), qt.IsTrue)
}

func TestRunInitialLoadFails(t *testing.T) {
	c := qt.New(t)
	conn := newFakeConn(dbus.RequestNameReplyPrimaryOwner)
	tool := &countingTool{err: errors.New("lvm is gone")}
	d := newDaemon(c, nil, conn, tool)

	err := d.Run(context.Background())
	c.Assert(err, qt.ErrorMatches, "initial load failed: lvm is gone")
	c.Assert(conn.names, qt.HasLen, 0)
	c.Assert(conn.isClosed(), qt.IsTrue)
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	c := qt.New(t)
	settings := config.Default()
	settings.Bus = "nowhere"
	_, err := New(&Config{Settings: settings, Conn: newFakeConn(0), Tool: &countingTool{}})
	c.Assert(err, qt.ErrorMatches, "invalid configuration: .*")
}

func TestHealthEndpoint(t *testing.T) {
	c := qt.New(t)

	_, err := newHealthServer("udp://127.0.0.1:0").listen()
	c.Assert(err, qt.ErrorMatches, "unsupported endpoint scheme: udp")

	h := newHealthServer("tcp://127.0.0.1:0")
	lis, err := h.listen()
	c.Assert(err, qt.IsNil)
	served := make(chan error, 1)
	go func() {
		served <- h.serve(lis)
	}()

	client, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	c.Assert(err, qt.IsNil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(client).Check(ctx, &healthpb.HealthCheckRequest{})
	c.Assert(err, qt.IsNil)
	c.Assert(resp.Status, qt.Equals, healthpb.HealthCheckResponse_NOT_SERVING)

	h.setServing(true)
	resp, err = healthpb.NewHealthClient(client).Check(ctx, &healthpb.HealthCheckRequest{Service: Name})
	c.Assert(err, qt.IsNil)
	c.Assert(resp.Status, qt.Equals, healthpb.HealthCheckResponse_SERVING)

	h.stop()
	c.Assert(<-served, qt.IsNil)
}
