package domain

import "fmt"

// NodeKind represents the kind of fabric node. The values match the node
// directives of the canonical topology file, so they round-trip verbatim.
type NodeKind string

const (
	KindSwitch NodeKind = "Switch"
	KindHca    NodeKind = "Hca"
)

// Default port counts per kind.
const (
	DefaultSwitchPorts = 32
	DefaultHcaPorts    = 2
)

// ParseKind converts a directive token to a NodeKind, rejecting anything
// outside the closed set.
func ParseKind(s string) (NodeKind, error) {
	switch NodeKind(s) {
	case KindSwitch, KindHca:
		return NodeKind(s), nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownKind)
	}
}

// DefaultPorts returns the default port count for the kind.
func (k NodeKind) DefaultPorts() int {
	if k == KindHca {
		return DefaultHcaPorts
	}
	return DefaultSwitchPorts
}

// ValidateName rejects names the canonical topology file cannot represent.
// Names are written between double quotes with no escape syntax, so a quote
// or control character would change meaning on the way back in.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("node name must not be empty: %w", ErrInvalidName)
	}
	for _, r := range name {
		if r == '"' || r < 0x20 || r == 0x7f {
			return fmt.Errorf("node name %q: %w", name, ErrInvalidName)
		}
	}
	return nil
}

// Node represents a switch or host channel adapter in the fabric.
type Node struct {
	Name  string   `json:"name"`
	Kind  NodeKind `json:"kind"`
	Ports int      `json:"ports"`
}

// NewNode creates a node, applying the kind's default port count when
// ports is zero.
func NewNode(name string, kind NodeKind, ports int) (*Node, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if ports == 0 {
		ports = kind.DefaultPorts()
	}
	if ports < 1 {
		return nil, fmt.Errorf("node %q: %d: %w", name, ports, ErrInvalidPortCount)
	}
	return &Node{Name: name, Kind: kind, Ports: ports}, nil
}

// HasPort reports whether p is a valid port number on this node.
func (n *Node) HasPort(p int) bool {
	return p >= 1 && p <= n.Ports
}
