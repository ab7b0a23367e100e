// Package dbusapi exposes the registry on the message bus: it exports
// per-object method handlers, serves the standard Properties,
// ObjectManager and Introspectable interfaces, and turns registry change
// notifications into bus signals.
package dbusapi

import (
	"context"
	"fmt"
	"sort"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"k8s.io/klog/v2"

	"github.com/vpodzime/lvm-dubstep/pkg/objects"
	"github.com/vpodzime/lvm-dubstep/pkg/props"
	"github.com/vpodzime/lvm-dubstep/pkg/registry"
)

const (
	propertiesInterface    = "org.freedesktop.DBus.Properties"
	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	introspectInterface    = "org.freedesktop.DBus.Introspectable"
)

// DefaultIntrospectionCacheSize bounds the number of cached interface sets
const DefaultIntrospectionCacheSize = 32

// Conn is the part of *dbus.Conn the server uses.
type Conn interface {
	Export(v any, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...any) error
}

// Server adapts the registry to the bus. It is the registry's Emitter, so
// it must exist before the registry; Attach completes the wiring.
type Server struct {
	conn  Conn
	ctx   context.Context
	env   *objects.Env
	intro *introspector
}

// Config holds configuration for the bus adapter
type Config struct {
	Conn                   Conn
	IntrospectionCacheSize int
}

// NewServer creates a new bus adapter
func NewServer(cfg *Config) (*Server, error) {
	if cfg.IntrospectionCacheSize <= 0 {
		cfg.IntrospectionCacheSize = DefaultIntrospectionCacheSize
	}
	intro, err := newIntrospector(cfg.IntrospectionCacheSize, map[string][]introspect.Method{
		objects.ManagerInterface:  introspect.Methods(managerMethods{}),
		objects.PvInterface:       introspect.Methods(pvMethods{}),
		objects.VgInterface:       introspect.Methods(vgMethods{}),
		objects.LvInterface:       introspect.Methods(lvMethods{}),
		objects.ThinpoolInterface: introspect.Methods(thinpoolMethods{}),
		objects.JobInterface:      introspect.Methods(jobMethods{}),
	})
	if err != nil {
		return nil, err
	}
	return &Server{conn: cfg.Conn, ctx: context.Background(), intro: intro}, nil
}

// Attach connects the server to the entity environment, exports the
// object manager root and every object already registered. ctx bounds how
// long method callers may wait.
func (s *Server) Attach(ctx context.Context, env *objects.Env) error {
	s.ctx = ctx
	s.env = env

	for _, obj := range env.Registry.Objects(ctx) {
		names := make([]string, 0, 2)
		for _, b := range obj.Interfaces() {
			names = append(names, b.Interface())
		}
		s.export(obj.Path(), names)
	}

	root := dbus.ObjectPath(objects.BasePath)
	if err := s.conn.Export(objectManager{s}, root, objectManagerInterface); err != nil {
		return fmt.Errorf("failed to export object manager: %w", err)
	}
	if err := s.conn.Export(introspectable{s: s, path: objects.BasePath}, root, introspectInterface); err != nil {
		return fmt.Errorf("failed to export introspection: %w", err)
	}
	klog.V(2).Infof("Exported object manager at %s", root)
	return nil
}

// handlers returns the method handler for each interface of an object.
func (s *Server) handlers(path string, ifaces []string) map[string]any {
	out := make(map[string]any, len(ifaces)+2)
	for _, iface := range ifaces {
		h := handle{s: s, path: path}
		switch iface {
		case objects.ManagerInterface:
			out[iface] = managerMethods{h}
		case objects.PvInterface:
			out[iface] = pvMethods{h}
		case objects.VgInterface:
			out[iface] = vgMethods{h}
		case objects.LvInterface:
			out[iface] = lvMethods{h}
		case objects.ThinpoolInterface:
			out[iface] = thinpoolMethods{h}
		case objects.JobInterface:
			out[iface] = jobMethods{h}
		default:
			klog.Warningf("No method handler for %s on %s", iface, path)
		}
	}
	out[propertiesInterface] = properties{s: s, path: path}
	out[introspectInterface] = introspectable{s: s, path: path}
	return out
}

// ObjectAdded exports the object and announces it.
func (s *Server) ObjectAdded(path string, interfaces map[string]props.Values) {
	names := make([]string, 0, len(interfaces))
	for name := range interfaces {
		names = append(names, name)
	}
	s.export(path, names)

	payload := make(map[string]map[string]dbus.Variant, len(interfaces))
	for name, values := range interfaces {
		payload[name] = variants(values)
	}
	s.emit(objects.BasePath, objectManagerInterface+".InterfacesAdded", dbus.ObjectPath(path), payload)
}

func (s *Server) export(path string, ifaces []string) {
	for iface, h := range s.handlers(path, ifaces) {
		if err := s.conn.Export(h, dbus.ObjectPath(path), iface); err != nil {
			klog.Errorf("Failed to export %s on %s: %v", iface, path, err)
		}
	}
}

// ObjectRemoved unexports the object and announces its removal.
func (s *Server) ObjectRemoved(path string, interfaces []string) {
	for iface := range s.handlers(path, interfaces) {
		if err := s.conn.Export(nil, dbus.ObjectPath(path), iface); err != nil {
			klog.Errorf("Failed to unexport %s on %s: %v", iface, path, err)
		}
	}
	s.emit(objects.BasePath, objectManagerInterface+".InterfacesRemoved", dbus.ObjectPath(path), interfaces)
}

// PropertiesChanged announces changed properties of one interface.
func (s *Server) PropertiesChanged(path, iface string, changed props.Values) {
	s.emit(path, propertiesInterface+".PropertiesChanged", iface, variants(changed), []string{})
}

func (s *Server) emit(path, name string, values ...any) {
	klog.V(4).Infof("Emitting %s on %s", name, path)
	if err := s.conn.Emit(dbus.ObjectPath(path), name, values...); err != nil {
		klog.Warningf("Failed to emit %s on %s: %v", name, path, err)
	}
}

func variants(values props.Values) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(values))
	for k, v := range values {
		out[k] = dbus.MakeVariant(v)
	}
	return out
}

// properties serves org.freedesktop.DBus.Properties for one path.
type properties struct {
	s    *Server
	path string
}

func (p properties) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	v, err := p.s.env.Registry.Property(p.s.ctx, p.path, iface, name)
	if err != nil {
		return dbus.Variant{}, propertyError(err)
	}
	return dbus.MakeVariant(v), nil
}

func (p properties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	values, err := p.s.env.Registry.Properties(p.s.ctx, p.path, iface)
	if err != nil {
		return nil, propertyError(err)
	}
	return variants(values), nil
}

func (p properties) Set(iface, name string, value dbus.Variant) *dbus.Error {
	return propertyError(p.s.env.Registry.SetProperty(p.s.ctx, p.path, iface, name, value.Value()))
}

// objectManager serves org.freedesktop.DBus.ObjectManager at the root.
type objectManager struct {
	s *Server
}

func (m objectManager) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	managed := m.s.env.Registry.Managed(m.s.ctx)
	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(managed))
	for path, ifaces := range managed {
		entry := make(map[string]map[string]dbus.Variant, len(ifaces))
		for name, values := range ifaces {
			entry[name] = variants(values)
		}
		out[dbus.ObjectPath(path)] = entry
	}
	return out, nil
}

// introspectable serves org.freedesktop.DBus.Introspectable for one path.
type introspectable struct {
	s    *Server
	path string
}

func (i introspectable) Introspect() (string, *dbus.Error) {
	ctx, l := i.s.env.Registry.Lock(i.s.ctx)
	defer l.Release()

	var paths []string
	for _, obj := range i.s.env.Registry.Objects(ctx) {
		paths = append(paths, obj.Path())
	}
	sort.Strings(paths)

	var bound []props.Bound
	var extra []introspect.Interface
	if obj, ok := i.s.env.Registry.ByPath(ctx, i.path); ok {
		bound = obj.Interfaces()
	}
	if i.path == objects.BasePath {
		extra = append(extra, objectManagerData)
	}
	xml, err := i.s.intro.render(i.path, bound, childNodes(i.path, paths), extra...)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return xml, nil
}

// handle locates the current object at a path when a method is invoked.
type handle struct {
	s    *Server
	path string
}

func (h handle) object(iface string) (registry.Object, *dbus.Error) {
	obj, ok := h.s.env.Registry.ByPath(h.s.ctx, h.path)
	if !ok {
		return nil, methodError(iface, fmt.Errorf("%w: %s", registry.ErrNotFound, h.path))
	}
	return obj, nil
}
