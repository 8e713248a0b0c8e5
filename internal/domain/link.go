package domain

import "fmt"

// Link represents a cable between two specific ports on two distinct nodes.
type Link struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	SourcePort int    `json:"source_port"`
	Target     string `json:"target"`
	TargetPort int    `json:"target_port"`
}

// NewLink creates a link and assigns its deterministic ID.
func NewLink(source string, sourcePort int, target string, targetPort int) *Link {
	l := &Link{
		Source:     source,
		SourcePort: sourcePort,
		Target:     target,
		TargetPort: targetPort,
	}
	l.ID = l.GenerateID()
	return l
}

// GenerateID derives the link's identity from its endpoints. IDs are
// recomputed whenever an endpoint name or port changes, so identity always
// reflects the current endpoints.
func (l *Link) GenerateID() string {
	return fmt.Sprintf("%s:%d-%s:%d", l.Source, l.SourcePort, l.Target, l.TargetPort)
}

// Touches reports whether the named node is one of the link's endpoints.
func (l *Link) Touches(name string) bool {
	return l.Source == name || l.Target == name
}
