// SPDX-License-Identifier: Apache-2.0

// Package registry is the in-memory authority for every exposed object. It
// indexes objects by path, by domain id and by alias, keeps the three
// indexes consistent at every lock release, and reports additions, removals
// and property changes to an Emitter while the lock is still held.
package registry

import (
	"context"
	"fmt"
	"sort"

	"k8s.io/klog/v2"

	"github.com/vpodzime/lvm-dubstep/pkg/lock"
	"github.com/vpodzime/lvm-dubstep/pkg/props"
)

// Object is one exposed entity.
type Object interface {
	// Path is the stable protocol identifier assigned at registration.
	Path() string
	// DomainID is the backing store's immutable key, or "" if it has none.
	DomainID() string
	// Alias is the human-meaningful lookup key, or "" if it has none.
	Alias() string
	// Interfaces returns the property tables bound to this object.
	Interfaces() []props.Bound
}

// Reloader is implemented by objects that can re-derive themselves from the
// backing store. Reload returns a nil Object when the backing entity is gone.
type Reloader interface {
	Reload(ctx context.Context) (Object, error)
}

// PathFactory mints a new, never used path.
type PathFactory func() string

// Emitter receives change notifications. Calls are made with the registry
// lock held, so they observe mutations in the order they were committed.
type Emitter interface {
	ObjectAdded(path string, interfaces map[string]props.Values)
	ObjectRemoved(path string, interfaces []string)
	PropertiesChanged(path, iface string, changed props.Values)
}

// Entry describes one index slot. Object is nil for a placeholder path that
// was handed out before its object existed.
type Entry struct {
	Path     string
	DomainID string
	Alias    string
	Object   Object
}

type entry struct {
	obj      Object
	domainID string
	alias    string
}

// Registry indexes exposed objects
type Registry struct {
	lock       *lock.Manager
	objects    map[string]*entry // path -> entry
	byDomainID map[string]string // domain id -> path
	byAlias    map[string]string // alias -> path
	emitter    Emitter
}

// New creates an empty registry. A nil emitter discards notifications.
func New(emitter Emitter) *Registry {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Registry{
		lock:       lock.NewManager("registry"),
		objects:    make(map[string]*entry),
		byDomainID: make(map[string]string),
		byAlias:    make(map[string]string),
		emitter:    emitter,
	}
}

// Lock grants exclusive access to the registry for a multi-step mutation.
// Registry calls made with the returned context re-enter the lock.
func (r *Registry) Lock(ctx context.Context) (context.Context, *lock.Lock) {
	return r.lock.Acquire(ctx)
}

// Register inserts obj under its path, replacing whatever was indexed there
// and tearing down stale index entries for its domain id and alias.
func (r *Registry) Register(ctx context.Context, obj Object, emit bool) error {
	path := obj.Path()
	if path == "" {
		return fmt.Errorf("%w: object %q has no path", ErrInvariant, obj.Alias())
	}

	_, l := r.Lock(ctx)
	defer l.Release()

	if err := r.validateLocked(path); err != nil {
		return err
	}
	r.addLocked(path, obj, obj.DomainID(), obj.Alias(), emit)

	klog.V(4).Infof("Registered %s (id=%q alias=%q)", path, obj.DomainID(), obj.Alias())
	if emit {
		r.emitter.ObjectAdded(path, snapshotAll(obj))
	}
	return nil
}

// Unregister removes obj's path and every index entry pointing to it.
func (r *Registry) Unregister(ctx context.Context, obj Object, emit bool) error {
	path := obj.Path()

	_, l := r.Lock(ctx)
	defer l.Release()

	e, ok := r.objects[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err := r.validateLocked(path); err != nil {
		return err
	}
	r.removeLocked(path)

	klog.V(4).Infof("Unregistered %s", path)
	if emit {
		// Report the interfaces of the registered instance, which may be a
		// newer version than the caller's.
		current := obj
		if e.obj != nil {
			current = e.obj
		}
		r.emitter.ObjectRemoved(path, interfaceNames(current))
	}
	return nil
}

// ByPath returns the live object registered at path.
func (r *Registry) ByPath(ctx context.Context, path string) (Object, bool) {
	_, l := r.Lock(ctx)
	defer l.Release()

	e, ok := r.objects[path]
	if !ok || e.obj == nil {
		return nil, false
	}
	return e.obj, true
}

// PathByDomainID returns the path indexed under a domain id.
func (r *Registry) PathByDomainID(ctx context.Context, domainID string) (string, bool) {
	_, l := r.Lock(ctx)
	defer l.Release()

	p, ok := r.byDomainID[domainID]
	return p, ok
}

// PathByAlias returns the path indexed under an alias.
func (r *Registry) PathByAlias(ctx context.Context, alias string) (string, bool) {
	_, l := r.Lock(ctx)
	defer l.Release()

	p, ok := r.byAlias[alias]
	return p, ok
}

// Lookup resolves key as an alias first and as a domain id second.
func (r *Registry) Lookup(ctx context.Context, key string) (string, bool) {
	_, l := r.Lock(ctx)
	defer l.Release()

	if p, ok := r.byAlias[key]; ok {
		return p, true
	}
	p, ok := r.byDomainID[key]
	return p, ok
}

// ResolveOrAllocate returns the path already indexed for domainID or alias.
// Otherwise, when allocate is true, it mints a path with factory and indexes
// a placeholder for it so the path stays stable until the object is
// registered. The domain id wins over the alias because aliases are reused.
// A placeholder allocated this way is materialized by Register at the same
// path, or discarded with Drop.
func (r *Registry) ResolveOrAllocate(ctx context.Context, domainID, alias string, factory PathFactory, allocate bool) (string, bool) {
	_, l := r.Lock(ctx)
	defer l.Release()

	if domainID != "" {
		if p, ok := r.byDomainID[domainID]; ok {
			return p, true
		}
	}
	if alias != "" {
		// An alias held by an entity with a different domain id belongs to
		// another object that merely reused the name.
		if p, ok := r.byAlias[alias]; ok {
			if owner := r.objects[p].domainID; domainID == "" || owner == "" || owner == domainID {
				return p, true
			}
		}
	}
	if !allocate || factory == nil {
		return "", false
	}

	path := factory()
	if _, taken := r.objects[path]; taken {
		klog.Errorf("Path factory returned in-use path %s", path)
		return "", false
	}
	r.addLocked(path, nil, domainID, alias, false)
	klog.V(4).Infof("Allocated placeholder %s (id=%q alias=%q)", path, domainID, alias)
	return path, true
}

// Refresh re-derives every given object from the backing store and swaps
// the results in as one atomic unit. Objects whose backing entity is gone
// are unregistered. It returns the number of objects that changed.
func (r *Registry) Refresh(ctx context.Context, objs ...Object) (int, error) {
	ctx, l := r.Lock(ctx)
	defer l.Release()

	fresh := make([]Object, 0, len(objs))
	var gone []Object
	for _, obj := range objs {
		reloader, ok := obj.(Reloader)
		if !ok {
			continue
		}
		next, err := reloader.Reload(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to reload %s: %w", obj.Path(), err)
		}
		if next == nil {
			gone = append(gone, obj)
			continue
		}
		fresh = append(fresh, next)
	}

	for _, obj := range gone {
		if _, ok := r.objects[obj.Path()]; !ok {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, obj.Path())
		}
	}

	changed, err := r.Replace(ctx, fresh...)
	if err != nil {
		return 0, err
	}
	for _, obj := range gone {
		if err := r.Unregister(ctx, obj, true); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Replace swaps already-derived objects in for the ones registered at the
// same paths, preserving the paths, and emits a property change for the
// changed subset of each interface. It returns the number of objects with
// at least one changed property.
func (r *Registry) Replace(ctx context.Context, fresh ...Object) (int, error) {
	_, l := r.Lock(ctx)
	defer l.Release()

	// Validate everything before touching the index.
	for _, obj := range fresh {
		path := obj.Path()
		e, ok := r.objects[path]
		if !ok || e.obj == nil {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if e.domainID != "" && obj.DomainID() != e.domainID {
			klog.Errorf("Refusing to replace %s: domain id %q != %q", path, obj.DomainID(), e.domainID)
			return 0, fmt.Errorf("%w: %s changed identity", ErrInvariant, path)
		}
		if err := r.validateLocked(path); err != nil {
			return 0, err
		}
	}

	changed := 0
	for _, obj := range fresh {
		path := obj.Path()
		before := snapshotAll(r.objects[path].obj)

		r.addLocked(path, obj, obj.DomainID(), obj.Alias(), true)

		if r.emitChangesLocked(path, before, snapshotAll(obj)) {
			changed++
		}
	}
	return changed, nil
}

// Update runs mutate against a registered object and emits the resulting
// property changes.
func (r *Registry) Update(ctx context.Context, obj Object, mutate func() error) error {
	_, l := r.Lock(ctx)
	defer l.Release()

	path := obj.Path()
	e, ok := r.objects[path]
	if !ok || e.obj != obj {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	before := snapshotAll(obj)
	if err := mutate(); err != nil {
		return err
	}
	r.emitChangesLocked(path, before, snapshotAll(obj))
	return nil
}

// SetProperty writes one property of a registered object and emits the
// change for that single key.
func (r *Registry) SetProperty(ctx context.Context, path, iface, name string, value any) error {
	_, l := r.Lock(ctx)
	defer l.Release()

	b, err := r.boundLocked(path, iface)
	if err != nil {
		return err
	}
	if err := b.Set(name, value); err != nil {
		return err
	}
	current, err := b.Get(name)
	if err != nil {
		return err
	}
	r.emitter.PropertiesChanged(path, iface, props.Values{name: current})
	return nil
}

// Properties evaluates every property of one interface of a live object.
func (r *Registry) Properties(ctx context.Context, path, iface string) (props.Values, error) {
	_, l := r.Lock(ctx)
	defer l.Release()

	b, err := r.boundLocked(path, iface)
	if err != nil {
		return nil, err
	}
	return b.Snapshot(), nil
}

// Property evaluates a single property of a live object.
func (r *Registry) Property(ctx context.Context, path, iface, name string) (any, error) {
	_, l := r.Lock(ctx)
	defer l.Release()

	b, err := r.boundLocked(path, iface)
	if err != nil {
		return nil, err
	}
	return b.Get(name)
}

// Managed returns the full property set of every live object, keyed by path
// and interface.
func (r *Registry) Managed(ctx context.Context) map[string]map[string]props.Values {
	_, l := r.Lock(ctx)
	defer l.Release()

	out := make(map[string]map[string]props.Values, len(r.objects))
	for path, e := range r.objects {
		if e.obj != nil {
			out[path] = snapshotAll(e.obj)
		}
	}
	return out
}

func (r *Registry) boundLocked(path, iface string) (props.Bound, error) {
	e, ok := r.objects[path]
	if !ok || e.obj == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	b := boundInterface(e.obj, iface)
	if b == nil {
		return nil, fmt.Errorf("%w: %s does not implement %s", ErrNotFound, path, iface)
	}
	return b, nil
}

// Entries returns every index slot, placeholders included, ordered by path.
func (r *Registry) Entries(ctx context.Context) []Entry {
	_, l := r.Lock(ctx)
	defer l.Release()

	out := make([]Entry, 0, len(r.objects))
	for path, e := range r.objects {
		out = append(out, Entry{Path: path, DomainID: e.domainID, Alias: e.alias, Object: e.obj})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Objects returns every live object ordered by path.
func (r *Registry) Objects(ctx context.Context) []Object {
	var out []Object
	for _, e := range r.Entries(ctx) {
		if e.Object != nil {
			out = append(out, e.Object)
		}
	}
	return out
}

// Drop removes a placeholder slot. Live objects must go through Unregister.
func (r *Registry) Drop(ctx context.Context, path string) error {
	_, l := r.Lock(ctx)
	defer l.Release()

	e, ok := r.objects[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if e.obj != nil {
		return fmt.Errorf("%w: %s is not a placeholder", ErrAlreadyExists, path)
	}
	r.removeLocked(path)
	return nil
}

// Verify checks that the three indexes agree with each other.
func (r *Registry) Verify(ctx context.Context) error {
	_, l := r.Lock(ctx)
	defer l.Release()

	for path := range r.objects {
		if err := r.validateLocked(path); err != nil {
			return err
		}
	}
	for id, path := range r.byDomainID {
		if e, ok := r.objects[path]; !ok || e.domainID != id {
			return fmt.Errorf("%w: domain id %q points at %s", ErrInvariant, id, path)
		}
	}
	for alias, path := range r.byAlias {
		if e, ok := r.objects[path]; !ok || e.alias != alias {
			return fmt.Errorf("%w: alias %q points at %s", ErrInvariant, alias, path)
		}
	}
	return nil
}

// validateLocked checks the reverse entries of one path.
func (r *Registry) validateLocked(path string) error {
	e, ok := r.objects[path]
	if !ok {
		return nil
	}
	if e.domainID != "" && r.byDomainID[e.domainID] != path {
		klog.Errorf("Index mismatch for %s: domain id %q -> %q", path, e.domainID, r.byDomainID[e.domainID])
		return fmt.Errorf("%w: domain id of %s", ErrInvariant, path)
	}
	if e.alias != "" && r.byAlias[e.alias] != path {
		klog.Errorf("Index mismatch for %s: alias %q -> %q", path, e.alias, r.byAlias[e.alias])
		return fmt.Errorf("%w: alias of %s", ErrInvariant, path)
	}
	return nil
}

// addLocked indexes path. Anything previously indexed at path is removed
// first; a different path indexed under the same domain id is stale and is
// dropped entirely; a different path holding the same alias loses it.
func (r *Registry) addLocked(path string, obj Object, domainID, alias string, emit bool) {
	r.removeLocked(path)

	if domainID != "" {
		if other, ok := r.byDomainID[domainID]; ok && other != path {
			if stale := r.objects[other]; stale != nil && stale.obj != nil {
				klog.Warningf("Domain id %q moved from %s to %s", domainID, other, path)
				r.removeLocked(other)
				if emit {
					r.emitter.ObjectRemoved(other, interfaceNames(stale.obj))
				}
			} else {
				r.removeLocked(other)
			}
		}
		r.byDomainID[domainID] = path
	}
	if alias != "" {
		if other, ok := r.byAlias[alias]; ok && other != path {
			if prev := r.objects[other]; prev != nil {
				prev.alias = ""
			}
		}
		r.byAlias[alias] = path
	}
	r.objects[path] = &entry{obj: obj, domainID: domainID, alias: alias}
}

// removeLocked drops path and the reverse entries that still point at it.
func (r *Registry) removeLocked(path string) {
	e, ok := r.objects[path]
	if !ok {
		return
	}
	if e.domainID != "" && r.byDomainID[e.domainID] == path {
		delete(r.byDomainID, e.domainID)
	}
	if e.alias != "" && r.byAlias[e.alias] == path {
		delete(r.byAlias, e.alias)
	}
	delete(r.objects, path)
}

func (r *Registry) emitChangesLocked(path string, before, after map[string]props.Values) bool {
	changed := false
	names := make([]string, 0, len(after))
	for iface := range after {
		names = append(names, iface)
	}
	sort.Strings(names)
	for _, iface := range names {
		diff := props.Diff(before[iface], after[iface])
		if len(diff) == 0 {
			continue
		}
		changed = true
		r.emitter.PropertiesChanged(path, iface, diff)
	}
	return changed
}

func snapshotAll(obj Object) map[string]props.Values {
	out := make(map[string]props.Values)
	if obj == nil {
		return out
	}
	for _, b := range obj.Interfaces() {
		out[b.Interface()] = b.Snapshot()
	}
	return out
}

func interfaceNames(obj Object) []string {
	var names []string
	for _, b := range obj.Interfaces() {
		names = append(names, b.Interface())
	}
	return names
}

func boundInterface(obj Object, iface string) props.Bound {
	for _, b := range obj.Interfaces() {
		if b.Interface() == iface {
			return b
		}
	}
	return nil
}

// Interfaces returns the current property snapshot of every interface of obj.
func Interfaces(obj Object) map[string]props.Values {
	return snapshotAll(obj)
}

type nopEmitter struct{}

func (nopEmitter) ObjectAdded(string, map[string]props.Values) {}
func (nopEmitter) ObjectRemoved(string, []string) {}
func (nopEmitter) PropertiesChanged(string, string, props.Values) {}
