// SPDX-License-Identifier: Apache-2.0

// Package props publishes typed attribute sets for heterogeneous entity
// kinds from static per-kind tables, and computes minimal change sets
// between two snapshots of the same object.
package props

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

var (
	// ErrUnknownProperty indicates a property name that is not declared on the interface
	ErrUnknownProperty = errors.New("unknown property")

	// ErrReadOnly indicates a write to a property without a setter
	ErrReadOnly = errors.New("property is read-only")

	// ErrInvalidValue indicates a write whose value has the wrong type
	ErrInvalidValue = errors.New("invalid property value")
)

// Values maps property names to their current Go values.
type Values map[string]any

// Property declares one exposed attribute of entity kind T.
type Property[T any] struct {
	// Name is the wire name of the property.
	Name string
	// Type is the D-Bus signature of the value returned by Get.
	Type string
	// Get evaluates the property against the object.
	Get func(T) any
	// Set applies a new value. A nil Set makes the property read-only.
	Set func(T, any) error
	// Unordered marks list values whose order carries no meaning; they are
	// sorted before comparison so reordering is not reported as a change.
	Unordered bool
}

// Interface is the static property table of one named interface.
type Interface[T any] struct {
	name  string
	props []Property[T]
	index map[string]int
}

// NewInterface builds the table for interface name. Tables are declared at
// package init, so malformed declarations panic.
func NewInterface[T any](name string, props ...Property[T]) *Interface[T] {
	iface := &Interface[T]{
		name:  name,
		props: props,
		index: make(map[string]int, len(props)),
	}
	for i, p := range props {
		if _, dup := iface.index[p.Name]; dup {
			panic(fmt.Sprintf("props: duplicate property %s on %s", p.Name, name))
		}
		if _, err := dbus.ParseSignature(p.Type); err != nil {
			panic(fmt.Sprintf("props: property %s on %s: %v", p.Name, name, err))
		}
		if p.Get == nil {
			panic(fmt.Sprintf("props: property %s on %s has no getter", p.Name, name))
		}
		iface.index[p.Name] = i
	}
	return iface
}

// Name returns the interface name
func (i *Interface[T]) Name() string {
	return i.name
}

// Describe returns the introspection metadata for every declared property.
func (i *Interface[T]) Describe() []introspect.Property {
	out := make([]introspect.Property, 0, len(i.props))
	for _, p := range i.props {
		access := "read"
		if p.Set != nil {
			access = "readwrite"
		}
		out = append(out, introspect.Property{Name: p.Name, Type: p.Type, Access: access})
	}
	return out
}

// Bind attaches the table to a concrete object.
func (i *Interface[T]) Bind(obj T) Bound {
	return &bound[T]{iface: i, obj: obj}
}

func (i *Interface[T]) lookup(name string) (*Property[T], error) {
	idx, ok := i.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownProperty, i.name, name)
	}
	return &i.props[idx], nil
}

// Bound is an interface table bound to one object, with the object's type
// erased so callers can treat every entity kind alike.
type Bound interface {
	// Interface returns the interface name.
	Interface() string
	// Snapshot evaluates every declared property.
	Snapshot() Values
	// Get evaluates a single property.
	Get(name string) (any, error)
	// Set applies a new value through the property's setter.
	Set(name string, value any) error
	// Signature returns the declared wire type of a property.
	Signature(name string) (dbus.Signature, error)
	// Describe returns introspection metadata for the interface.
	Describe() []introspect.Property
}

type bound[T any] struct {
	iface *Interface[T]
	obj   T
}

func (b *bound[T]) Interface() string {
	return b.iface.name
}

func (b *bound[T]) Snapshot() Values {
	values := make(Values, len(b.iface.props))
	for i := range b.iface.props {
		p := &b.iface.props[i]
		values[p.Name] = canonical(p.Get(b.obj), p.Unordered)
	}
	return values
}

func (b *bound[T]) Get(name string) (any, error) {
	p, err := b.iface.lookup(name)
	if err != nil {
		return nil, err
	}
	return canonical(p.Get(b.obj), p.Unordered), nil
}

func (b *bound[T]) Set(name string, value any) error {
	p, err := b.iface.lookup(name)
	if err != nil {
		return err
	}
	if p.Set == nil {
		return fmt.Errorf("%w: %s.%s", ErrReadOnly, b.iface.name, name)
	}
	return p.Set(b.obj, value)
}

func (b *bound[T]) Signature(name string) (dbus.Signature, error) {
	p, err := b.iface.lookup(name)
	if err != nil {
		return dbus.Signature{}, err
	}
	return dbus.ParseSignatureMust(p.Type), nil
}

func (b *bound[T]) Describe() []introspect.Property {
	return b.iface.Describe()
}

// Diff returns the entries of next whose value differs from prev. Keys with
// equal values are omitted; keys missing from prev count as changed.
func Diff(prev, next Values) Values {
	changed := Values{}
	for k, v := range next {
		old, ok := prev[k]
		if !ok || !reflect.DeepEqual(old, v) {
			changed[k] = v
		}
	}
	return changed
}

// canonical normalizes a value for comparison: nil slices become empty and
// unordered string-like lists are sorted.
func canonical(v any, unordered bool) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return v
	}
	if rv.IsNil() {
		return reflect.MakeSlice(rv.Type(), 0, 0).Interface()
	}
	if !unordered || rv.Type().Elem().Kind() != reflect.String {
		return v
	}
	sorted := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
	reflect.Copy(sorted, rv)
	sort.SliceStable(sorted.Interface(), func(i, j int) bool {
		return sorted.Index(i).String() < sorted.Index(j).String()
	})
	return sorted.Interface()
}
