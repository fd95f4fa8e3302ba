package schema

import (
	"fmt"
	"sort"

	"github.com/pixil98/go-entsync/internal/view"
	"github.com/pixil98/go-errors"
)

// Locator addresses one replicated property within a class. Locators start at
// 1 and follow declaration order; 0 is never a valid property.
type Locator uint16

// PropertyKind selects how a property value is decoded and stored.
type PropertyKind int

const (
	KindScalar PropertyKind = iota
	KindStruct
	KindArray
	KindObjectRef
)

func (k *PropertyKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "scalar":
		*k = KindScalar
	case "struct":
		*k = KindStruct
	case "array":
		*k = KindArray
	case "object_ref":
		*k = KindObjectRef
	default:
		return fmt.Errorf("unknown property kind: %s", text)
	}
	return nil
}

func (k PropertyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k PropertyKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindStruct:
		return "struct"
	case KindArray:
		return "array"
	case KindObjectRef:
		return "object_ref"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// GroupFilter decides which nodes receive a component.
type GroupFilter int

const (
	GroupStatic GroupFilter = iota
	GroupServerOnly
	GroupOwnerOnly
	GroupClient
)

func (g *GroupFilter) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "static":
		*g = GroupStatic
	case "server":
		*g = GroupServerOnly
	case "owner":
		*g = GroupOwnerOnly
	case "client":
		*g = GroupClient
	default:
		return fmt.Errorf("unknown group filter: %s", text)
	}
	return nil
}

func (g GroupFilter) MarshalText() ([]byte, error) {
	switch g {
	case GroupStatic:
		return []byte("static"), nil
	case GroupServerOnly:
		return []byte("server"), nil
	case GroupOwnerOnly:
		return []byte("owner"), nil
	case GroupClient:
		return []byte("client"), nil
	default:
		return nil, fmt.Errorf("unknown group filter: %d", int(g))
	}
}

// NodeType is the kind of simulation node consuming the view.
type NodeType int

const (
	NodeServer NodeType = iota
	NodeClient
)

func (n *NodeType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "server":
		*n = NodeServer
	case "client":
		*n = NodeClient
	default:
		return fmt.Errorf("unknown node type: %s", text)
	}
	return nil
}

func (n NodeType) String() string {
	if n == NodeClient {
		return "client"
	}
	return "server"
}

// Visible reports whether a node of type n sees components in the group.
func (g GroupFilter) Visible(n NodeType, owned bool) bool {
	switch g {
	case GroupStatic, GroupClient:
		return true
	case GroupServerOnly:
		return n == NodeServer
	case GroupOwnerOnly:
		return n == NodeServer || owned
	default:
		return false
	}
}

type PropertySpec struct {
	Name      string       `json:"name"`
	Kind      PropertyKind `json:"kind"`
	Element   PropertyKind `json:"element,omitempty"`
	RepNotify bool         `json:"rep_notify,omitempty"`
}

type ComponentSpec struct {
	Kind       view.ComponentKind `json:"kind"`
	Group      GroupFilter        `json:"group"`
	Properties []PropertySpec     `json:"properties"`
}

type SubObjectSpec struct {
	Name  string      `json:"name"`
	Class Ref[*Class] `json:"class"`
}

// Property is one row of a class's property table.
type Property struct {
	Locator   Locator
	Name      string
	Kind      PropertyKind
	Element   PropertyKind
	RepNotify bool
	Component view.ComponentKind
	Group     GroupFilter
}

// HoldsRefs reports whether values of the property can name other objects.
func (p *Property) HoldsRefs() bool {
	return p.Kind == KindObjectRef || (p.Kind == KindArray && p.Element == KindObjectRef)
}

// Class is the replicated shape of one object type.
type Class struct {
	Components []ComponentSpec `json:"components"`
	SubObjects []SubObjectSpec `json:"subobjects,omitempty"`

	name       string
	properties []*Property
	byName     map[string]*Property
}

func (c *Class) Validate() error {
	el := errors.NewErrorList()

	kinds := map[view.ComponentKind]bool{}
	for i, comp := range c.Components {
		if comp.Kind.IsReserved() {
			el.Add(fmt.Errorf("component %d: kind %d is reserved", i, comp.Kind))
		}
		if kinds[comp.Kind] {
			el.Add(fmt.Errorf("component %d: duplicate kind %d", i, comp.Kind))
		}
		kinds[comp.Kind] = true

		for j, p := range comp.Properties {
			if p.Name == "" {
				el.Add(fmt.Errorf("component %d property %d: name is required", i, j))
			}
			if p.Kind == KindArray && (p.Element == KindArray || p.Element == KindStruct) {
				el.Add(fmt.Errorf("property %q: unsupported array element kind %s", p.Name, p.Element))
			}
		}
	}

	names := map[string]bool{}
	for _, so := range c.SubObjects {
		if so.Name == "" {
			el.Add(fmt.Errorf("subobject name is required"))
		}
		if names[so.Name] {
			el.Add(fmt.Errorf("duplicate subobject %q", so.Name))
		}
		names[so.Name] = true
		el.Add(so.Class.Validate())
	}

	return el.Err()
}

// build assigns locators and indexes the property table.
func (c *Class) build(name string) error {
	c.name = name
	c.properties = nil
	c.byName = make(map[string]*Property)

	for _, comp := range c.Components {
		for _, spec := range comp.Properties {
			if _, ok := c.byName[spec.Name]; ok {
				return fmt.Errorf("class %s: duplicate property %q", name, spec.Name)
			}
			p := &Property{
				Locator:   Locator(len(c.properties) + 1),
				Name:      spec.Name,
				Kind:      spec.Kind,
				Element:   spec.Element,
				RepNotify: spec.RepNotify,
				Component: comp.Kind,
				Group:     comp.Group,
			}
			c.properties = append(c.properties, p)
			c.byName[p.Name] = p
		}
	}

	// Sub-object offsets follow name order so every node derives the same layout.
	sort.Slice(c.SubObjects, func(i, j int) bool {
		return c.SubObjects[i].Name < c.SubObjects[j].Name
	})

	return nil
}

func (c *Class) Name() string {
	return c.name
}

// Properties returns the property table in locator order.
func (c *Class) Properties() []*Property {
	return c.properties
}

func (c *Class) Property(name string) (*Property, bool) {
	p, ok := c.byName[name]
	return p, ok
}

// At returns the property for a locator.
func (c *Class) At(l Locator) (*Property, bool) {
	if l == 0 || int(l) > len(c.properties) {
		return nil, false
	}
	return c.properties[l-1], true
}

// ComponentProperties lists the properties carried by a component kind.
func (c *Class) ComponentProperties(k view.ComponentKind) []*Property {
	var props []*Property
	for _, p := range c.properties {
		if p.Component == k {
			props = append(props, p)
		}
	}
	return props
}

// ComponentKinds lists the class's component kinds in declaration order.
func (c *Class) ComponentKinds() []view.ComponentKind {
	kinds := make([]view.ComponentKind, 0, len(c.Components))
	for _, comp := range c.Components {
		kinds = append(kinds, comp.Kind)
	}
	return kinds
}

// ExpectedKinds is the set of component kinds a node of type n must see
// before an instance of the class is complete.
func (c *Class) ExpectedKinds(n NodeType, owned bool) map[view.ComponentKind]struct{} {
	exp := make(map[view.ComponentKind]struct{})
	for _, comp := range c.Components {
		if comp.Group.Visible(n, owned) {
			exp[comp.Kind] = struct{}{}
		}
	}
	return exp
}

// SubObjectOffset returns the static offset of a declared sub-object.
func (c *Class) SubObjectOffset(name string) (uint32, bool) {
	for i, so := range c.SubObjects {
		if so.Name == name {
			return uint32(i + 1), true
		}
	}
	return 0, false
}

// DynamicOffsetBase is the first offset free for sub-objects not declared by
// the class.
func (c *Class) DynamicOffsetBase() uint32 {
	return uint32(len(c.SubObjects) + 1)
}
