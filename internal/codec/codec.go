package codec

import (
	"io"

	"fabriclab/internal/domain"
)

// Importer parses an external topology description into a Topology.
type Importer interface {
	Parse(r io.Reader) (*domain.Topology, error)
	Format() string
}

// Exporter writes a Topology in an external format.
type Exporter interface {
	Serialize(t *domain.Topology, w io.Writer) error
	Format() string
}
