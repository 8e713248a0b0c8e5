package domain

import (
	"fmt"
	"sort"
)

// Topology is the aggregate of nodes and links making up one simulated
// fabric. It is not safe for concurrent use; the owning service serializes
// access. Every mutating method is atomic: on error the topology is
// unchanged.
type Topology struct {
	nodes map[string]*Node
	links map[string]*Link

	// occupied indexes which (node, port) pairs are link endpoints:
	// node name -> port -> link ID. Kept in lockstep with links.
	occupied map[string]map[int]string
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	return &Topology{
		nodes:    make(map[string]*Node),
		links:    make(map[string]*Link),
		occupied: make(map[string]map[int]string),
	}
}

// AddNode adds a node. A zero port count takes the kind's default.
func (t *Topology) AddNode(name string, kind NodeKind, ports int) (*Node, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if _, exists := t.nodes[name]; exists {
		return nil, fmt.Errorf("node %q: %w", name, ErrDuplicateName)
	}
	node, err := NewNode(name, kind, ports)
	if err != nil {
		return nil, err
	}
	t.nodes[name] = node
	return node, nil
}

// RenameNode changes a node's name and rewrites every referencing link so
// link identity stays consistent with the new endpoint name. Names are
// case-sensitive: a rename differing only in case from another node's name
// is still a duplicate only on an exact byte match.
func (t *Topology) RenameNode(oldName, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	node, ok := t.nodes[oldName]
	if !ok {
		return fmt.Errorf("node %q: %w", oldName, ErrNotFound)
	}
	if oldName == newName {
		return nil
	}
	if _, exists := t.nodes[newName]; exists {
		return fmt.Errorf("node %q: %w", newName, ErrDuplicateName)
	}

	delete(t.nodes, oldName)
	node.Name = newName
	t.nodes[newName] = node

	if ports, ok := t.occupied[oldName]; ok {
		delete(t.occupied, oldName)
		t.occupied[newName] = ports
	}

	// Rewrite endpoints and recompute the derived IDs.
	for _, l := range t.links {
		if !l.Touches(oldName) {
			continue
		}
		delete(t.links, l.ID)
		if l.Source == oldName {
			l.Source = newName
		}
		if l.Target == oldName {
			l.Target = newName
		}
		l.ID = l.GenerateID()
		t.links[l.ID] = l
	}
	t.reindex()
	return nil
}

// RemoveNode removes a node and cascades removal of every link touching it.
func (t *Topology) RemoveNode(name string) error {
	if _, ok := t.nodes[name]; !ok {
		return fmt.Errorf("node %q: %w", name, ErrNotFound)
	}
	delete(t.nodes, name)
	for id, l := range t.links {
		if l.Touches(name) {
			t.unoccupy(l)
			delete(t.links, id)
		}
	}
	delete(t.occupied, name)
	return nil
}

// ResizeNode changes a node's port count. Shrinking below a port that is a
// link endpoint fails with ErrPortInUse.
func (t *Topology) ResizeNode(name string, ports int) error {
	node, ok := t.nodes[name]
	if !ok {
		return fmt.Errorf("node %q: %w", name, ErrNotFound)
	}
	if ports < 1 {
		return fmt.Errorf("node %q: %d: %w", name, ports, ErrInvalidPortCount)
	}
	for port, linkID := range t.occupied[name] {
		if port > ports {
			return fmt.Errorf("node %q port %d is an endpoint of link %s: %w",
				name, port, linkID, ErrPortInUse)
		}
	}
	node.Ports = ports
	return nil
}

// AddLink cables srcPort on src to dstPort on dst.
func (t *Topology) AddLink(src string, srcPort int, dst string, dstPort int) (*Link, error) {
	if err := t.checkEndpoint(src, srcPort); err != nil {
		return nil, err
	}
	if err := t.checkEndpoint(dst, dstPort); err != nil {
		return nil, err
	}
	if src == dst {
		return nil, fmt.Errorf("node %q: %w", src, ErrSelfLink)
	}
	if id, used := t.portUsed(src, srcPort); used {
		return nil, fmt.Errorf("%s:%d occupied by link %s: %w", src, srcPort, id, ErrPortInUse)
	}
	if id, used := t.portUsed(dst, dstPort); used {
		return nil, fmt.Errorf("%s:%d occupied by link %s: %w", dst, dstPort, id, ErrPortInUse)
	}

	l := NewLink(src, srcPort, dst, dstPort)
	t.links[l.ID] = l
	t.occupy(l)
	return l, nil
}

// UpdateLink moves a link to new ports on its existing endpoints. The link's
// own prior occupancy is excluded from the exclusivity check.
func (t *Topology) UpdateLink(id string, newSrcPort, newDstPort int) error {
	l, ok := t.links[id]
	if !ok {
		return fmt.Errorf("link %q: %w", id, ErrNotFound)
	}
	src, dst := t.nodes[l.Source], t.nodes[l.Target]
	if !src.HasPort(newSrcPort) {
		return fmt.Errorf("%s:%d (node has %d ports): %w", src.Name, newSrcPort, src.Ports, ErrPortOutOfRange)
	}
	if !dst.HasPort(newDstPort) {
		return fmt.Errorf("%s:%d (node has %d ports): %w", dst.Name, newDstPort, dst.Ports, ErrPortOutOfRange)
	}
	if other, used := t.portUsed(l.Source, newSrcPort); used && other != id {
		return fmt.Errorf("%s:%d occupied by link %s: %w", l.Source, newSrcPort, other, ErrPortInUse)
	}
	if other, used := t.portUsed(l.Target, newDstPort); used && other != id {
		return fmt.Errorf("%s:%d occupied by link %s: %w", l.Target, newDstPort, other, ErrPortInUse)
	}

	t.unoccupy(l)
	delete(t.links, l.ID)
	l.SourcePort = newSrcPort
	l.TargetPort = newDstPort
	l.ID = l.GenerateID()
	t.links[l.ID] = l
	t.occupy(l)
	return nil
}

// RemoveLink removes a link by ID.
func (t *Topology) RemoveLink(id string) error {
	l, ok := t.links[id]
	if !ok {
		return fmt.Errorf("link %q: %w", id, ErrNotFound)
	}
	t.unoccupy(l)
	delete(t.links, id)
	return nil
}

// Node returns the named node, or nil.
func (t *Topology) Node(name string) *Node {
	return t.nodes[name]
}

// Link returns the link with the given ID, or nil.
func (t *Topology) Link(id string) *Link {
	return t.links[id]
}

// Nodes returns the nodes in canonical order: switches first, then host
// adapters, name-sorted within each group. This is the order the canonical
// file lists them in, which keeps serialization deterministic.
func (t *Topology) Nodes() []Node {
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == KindSwitch
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Links returns the links sorted by ID.
func (t *Topology) Links() []Link {
	out := make([]Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HostAdapters returns the names of all Hca nodes, sorted.
func (t *Topology) HostAdapters() []string {
	var out []string
	for name, n := range t.nodes {
		if n.Kind == KindHca {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// LinksOf returns the links touching the named node, sorted by the local
// port on that node.
func (t *Topology) LinksOf(name string) []Link {
	var out []Link
	for _, l := range t.links {
		if l.Touches(name) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return localPort(&out[i], name) < localPort(&out[j], name)
	})
	return out
}

// Clone returns a deep copy, used to hand callers a snapshot that cannot
// race with subsequent mutations.
func (t *Topology) Clone() *Topology {
	c := NewTopology()
	for name, n := range t.nodes {
		cp := *n
		c.nodes[name] = &cp
	}
	for id, l := range t.links {
		cp := *l
		c.links[id] = &cp
		c.occupy(&cp)
	}
	return c
}

// Equal reports structural equality: same nodes, same port counts, same
// links on the same ports.
func (t *Topology) Equal(other *Topology) bool {
	if len(t.nodes) != len(other.nodes) || len(t.links) != len(other.links) {
		return false
	}
	for name, n := range t.nodes {
		o := other.nodes[name]
		if o == nil || o.Kind != n.Kind || o.Ports != n.Ports {
			return false
		}
	}
	for id := range t.links {
		if other.links[id] == nil {
			return false
		}
	}
	return true
}

func localPort(l *Link, name string) int {
	if l.Source == name {
		return l.SourcePort
	}
	return l.TargetPort
}

func (t *Topology) checkEndpoint(name string, port int) error {
	node, ok := t.nodes[name]
	if !ok {
		return fmt.Errorf("node %q: %w", name, ErrNotFound)
	}
	if !node.HasPort(port) {
		return fmt.Errorf("%s:%d (node has %d ports): %w", name, port, node.Ports, ErrPortOutOfRange)
	}
	return nil
}

func (t *Topology) portUsed(name string, port int) (string, bool) {
	id, ok := t.occupied[name][port]
	return id, ok
}

func (t *Topology) occupy(l *Link) {
	if t.occupied[l.Source] == nil {
		t.occupied[l.Source] = make(map[int]string)
	}
	if t.occupied[l.Target] == nil {
		t.occupied[l.Target] = make(map[int]string)
	}
	t.occupied[l.Source][l.SourcePort] = l.ID
	t.occupied[l.Target][l.TargetPort] = l.ID
}

func (t *Topology) unoccupy(l *Link) {
	delete(t.occupied[l.Source], l.SourcePort)
	delete(t.occupied[l.Target], l.TargetPort)
}

func (t *Topology) reindex() {
	t.occupied = make(map[string]map[int]string)
	for _, l := range t.links {
		t.occupy(l)
	}
}
