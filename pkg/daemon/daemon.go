// Package daemon assembles the process: it connects to the message bus,
// builds the registry, entity environment and request engine, claims the
// well-known name, and runs the optional periodic refresh and health
// service until its context is cancelled.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/godbus/dbus/v5"
	"gopkg.in/tomb.v2"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/vpodzime/lvm-dubstep/pkg/config"
	"github.com/vpodzime/lvm-dubstep/pkg/dbusapi"
	"github.com/vpodzime/lvm-dubstep/pkg/lvm"
	"github.com/vpodzime/lvm-dubstep/pkg/objects"
	"github.com/vpodzime/lvm-dubstep/pkg/registry"
	"github.com/vpodzime/lvm-dubstep/pkg/request"
)

var (
	// ErrNameTaken indicates another process owns the bus name
	ErrNameTaken = errors.New("bus name already owned")
)

// BusConn is the part of *dbus.Conn the daemon uses.
type BusConn interface {
	dbusapi.Conn
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Close() error
}

// Config holds the collaborators of a Daemon. Conn and Tool are created
// from Settings when nil.
type Config struct {
	Settings *config.Config
	Conn     BusConn
	Tool     lvm.Tool
}

// Daemon is the process-wide context object
type Daemon struct {
	settings *config.Config
	conn     BusConn
	env      *objects.Env
	engine   *request.Engine
	server   *dbusapi.Server
	health   *healthServer
}

// Connect opens a connection to the configured bus.
func Connect(bus string) (*dbus.Conn, error) {
	switch bus {
	case config.BusSystem:
		return dbus.ConnectSystemBus()
	case config.BusSession:
		return dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("unknown bus %q", bus)
	}
}

// New wires the daemon together. Nothing is exported until Run.
func New(cfg *Config) (*Daemon, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tool := cfg.Tool
	if tool == nil {
		tool = lvm.NewClient(&lvm.ClientConfig{
			Binary:        settings.LVM.Binary,
			ReportTimeout: settings.LVM.CommandTimeout.Duration,
		})
	}

	conn := cfg.Conn
	if conn == nil {
		c, err := Connect(settings.Bus)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s bus: %w", settings.Bus, err)
		}
		conn = c
	}

	server, err := dbusapi.NewServer(&dbusapi.Config{
		Conn:                   conn,
		IntrospectionCacheSize: settings.Daemon.IntrospectionCacheSize,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create bus adapter: %w", err)
	}

	env := objects.NewEnv(registry.New(server), tool, Version)
	engine, err := request.NewEngine(request.Config{
		Workers:   settings.Engine.Workers,
		QueueSize: settings.Engine.QueueSize,
		NewJob:    env.NewJob,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create request engine: %w", err)
	}
	env.Engine = engine

	d := &Daemon{
		settings: settings,
		conn:     conn,
		env:      env,
		engine:   engine,
		server:   server,
	}
	if settings.Daemon.HealthEndpoint != "" {
		d.health = newHealthServer(settings.Daemon.HealthEndpoint)
	}
	return d, nil
}

// Env returns the entity environment
func (d *Daemon) Env() *objects.Env {
	return d.env
}

// Run loads the initial state, exports it, claims the bus name and serves
// until ctx is cancelled or a background task fails. It always releases
// the engine and the bus connection before returning.
func (d *Daemon) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)
	defer d.close()
	defer t.Kill(nil)

	if err := d.env.Bootstrap(ctx); err != nil {
		return err
	}
	if err := d.server.Attach(ctx, d.env); err != nil {
		return err
	}

	reply, err := d.conn.RequestName(objects.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: %s", ErrNameTaken, objects.BusName)
	}
	klog.Infof("%s %s serving %s on the %s bus", Name, Version, objects.BusName, d.settings.Bus)

	var lis net.Listener
	if d.health != nil {
		if lis, err = d.health.listen(); err != nil {
			return err
		}
	}

	t.Go(func() error {
		if lis != nil {
			t.Go(func() error {
				return d.health.serve(lis)
			})
			d.health.setServing(true)
		}
		if interval := d.settings.Daemon.RefreshInterval.Duration; interval > 0 {
			klog.Infof("Refreshing lvm state every %s", interval)
			t.Go(func() error {
				d.refresh(ctx, interval)
				return nil
			})
		}

		<-t.Dying()
		klog.Info("Shutting down...")
		if d.health != nil {
			d.health.stop()
		}
		return nil
	})
	return t.Wait()
}

// refresh queues a full reload every interval until ctx is done.
func (d *Daemon) refresh(ctx context.Context, interval time.Duration) {
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if err := d.env.ScheduleLoad(ctx, "periodic refresh"); err != nil && ctx.Err() == nil {
			klog.Warningf("Failed to schedule periodic refresh: %v", err)
		}
	}, interval)
}

func (d *Daemon) close() {
	if err := d.engine.Stop(); err != nil {
		klog.Warningf("Request engine stopped with error: %v", err)
	}
	if err := d.conn.Close(); err != nil {
		klog.Warningf("Failed to close bus connection: %v", err)
	}
}
