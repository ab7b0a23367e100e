package dbusapi

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5/introspect"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/vpodzime/lvm-dubstep/pkg/props"
)

// Standard interfaces every object carries.
var (
	propertiesData = introspect.Interface{
		Name: propertiesInterface,
		Methods: []introspect.Method{
			{Name: "Get", Args: []introspect.Arg{
				{Name: "interface_name", Type: "s", Direction: "in"},
				{Name: "property_name", Type: "s", Direction: "in"},
				{Name: "value", Type: "v", Direction: "out"},
			}},
			{Name: "GetAll", Args: []introspect.Arg{
				{Name: "interface_name", Type: "s", Direction: "in"},
				{Name: "props", Type: "a{sv}", Direction: "out"},
			}},
			{Name: "Set", Args: []introspect.Arg{
				{Name: "interface_name", Type: "s", Direction: "in"},
				{Name: "property_name", Type: "s", Direction: "in"},
				{Name: "value", Type: "v", Direction: "in"},
			}},
		},
		Signals: []introspect.Signal{
			{Name: "PropertiesChanged", Args: []introspect.Arg{
				{Name: "interface_name", Type: "s"},
				{Name: "changed_properties", Type: "a{sv}"},
				{Name: "invalidated_properties", Type: "as"},
			}},
		},
	}

	objectManagerData = introspect.Interface{
		Name: objectManagerInterface,
		Methods: []introspect.Method{
			{Name: "GetManagedObjects", Args: []introspect.Arg{
				{Name: "objects", Type: "a{oa{sa{sv}}}", Direction: "out"},
			}},
		},
		Signals: []introspect.Signal{
			{Name: "InterfacesAdded", Args: []introspect.Arg{
				{Name: "object_path", Type: "o"},
				{Name: "interfaces_and_properties", Type: "a{sa{sv}}"},
			}},
			{Name: "InterfacesRemoved", Args: []introspect.Arg{
				{Name: "object_path", Type: "o"},
				{Name: "interfaces", Type: "as"},
			}},
		},
	}
)

// introspector renders introspection XML. The interface descriptions of a
// given set of interfaces never change, so they are cached by the set.
type introspector struct {
	methods map[string][]introspect.Method
	cache   *lru.Cache[string, []introspect.Interface]
	mu      sync.Mutex
}

func newIntrospector(size int, methods map[string][]introspect.Method) (*introspector, error) {
	cache, err := lru.New[string, []introspect.Interface](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection cache: %w", err)
	}
	return &introspector{methods: methods, cache: cache}, nil
}

func (i *introspector) interfaces(bound []props.Bound, extra ...introspect.Interface) []introspect.Interface {
	names := make([]string, 0, len(bound)+len(extra))
	for _, b := range bound {
		names = append(names, b.Interface())
	}
	for _, e := range extra {
		names = append(names, e.Name)
	}
	key := strings.Join(names, ";")

	i.mu.Lock()
	cached, ok := i.cache.Get(key)
	i.mu.Unlock()
	if ok {
		klog.V(5).Infof("Introspection cache hit: %s", key)
		return cached
	}

	out := make([]introspect.Interface, 0, len(bound)+len(extra)+2)
	for _, b := range bound {
		out = append(out, introspect.Interface{
			Name:       b.Interface(),
			Methods:    i.methods[b.Interface()],
			Properties: b.Describe(),
		})
	}
	out = append(out, extra...)
	out = append(out, propertiesData, introspect.IntrospectData)

	i.mu.Lock()
	i.cache.Add(key, out)
	i.mu.Unlock()
	return out
}

// render builds the XML document for path.
func (i *introspector) render(path string, bound []props.Bound, children []string, extra ...introspect.Interface) (string, error) {
	node := &introspect.Node{
		Name:       path,
		Interfaces: i.interfaces(bound, extra...),
	}
	for _, c := range children {
		node.Children = append(node.Children, introspect.Node{Name: c})
	}
	out, err := xml.Marshal(node)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(introspect.IntrospectDeclarationString) + string(out), nil
}

// childNodes returns the immediate child names of parent among paths.
func childNodes(parent string, paths []string) []string {
	prefix := parent + "/"
	if parent == "/" {
		prefix = "/"
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		if !strings.HasPrefix(p, prefix) || p == parent {
			continue
		}
		name := strings.SplitN(p[len(prefix):], "/", 2)[0]
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
