package codec

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fabriclab/internal/domain"
)

// NetCodec reads and writes the simulator's canonical line-oriented
// topology file. The grammar is:
//
//	# comment
//	Switch <ports> "<name>"
//	[<port>] "<remote>"[<remote port>]
//	Hca <ports> "<name>"
//
// Port lines attach to the most recent node line. Every link appears under
// both of its endpoints; the reverse line is deduplicated on parse. Any
// other leading directive is rejected.
type NetCodec struct{}

// NewNetCodec creates a net-file codec.
func NewNetCodec() *NetCodec {
	return &NetCodec{}
}

// Format returns the codec format identifier.
func (c *NetCodec) Format() string {
	return "ibsim-net"
}

type nodeDecl struct {
	line  int
	kind  domain.NodeKind
	ports int
	name  string
}

type portDecl struct {
	line       int
	owner      string
	local      int
	remote     string
	remotePort int
}

// Parse reads the canonical format into a fully validated Topology. Nodes
// may be referenced by port lines before their own declaration, so links
// are resolved after all nodes are known.
func (c *NetCodec) Parse(r io.Reader) (*domain.Topology, error) {
	var (
		nodes   []nodeDecl
		ports   []portDecl
		current string
		lineNo  int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if current == "" {
				return nil, &ParseError{Line: lineNo, Reason: "port line before any node definition"}
			}
			pd, err := parsePortLine(lineNo, line)
			if err != nil {
				return nil, err
			}
			pd.owner = current
			ports = append(ports, pd)
			continue
		}

		nd, err := parseNodeLine(lineNo, line)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, nd)
		current = nd.name
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}

	topo := domain.NewTopology()
	for _, nd := range nodes {
		if _, err := topo.AddNode(nd.name, nd.kind, nd.ports); err != nil {
			return nil, &ParseError{Line: nd.line, Reason: err.Error(), Err: err}
		}
	}
	for _, pd := range ports {
		fwd := domain.NewLink(pd.owner, pd.local, pd.remote, pd.remotePort)
		rev := domain.NewLink(pd.remote, pd.remotePort, pd.owner, pd.local)
		if topo.Link(fwd.ID) != nil || topo.Link(rev.ID) != nil {
			// Reverse side of an already-parsed link.
			continue
		}
		if _, err := topo.AddLink(pd.owner, pd.local, pd.remote, pd.remotePort); err != nil {
			return nil, &ParseError{Line: pd.line, Reason: err.Error(), Err: err}
		}
	}

	return topo, nil
}

// Serialize writes the topology in canonical form: switches first then host
// adapters, name-sorted; per node, port lines sorted by local port; every
// link written under both endpoints. Output is byte-identical across runs
// for equal topologies.
func (c *NetCodec) Serialize(t *domain.Topology, w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# Generated fabric topology")
	fmt.Fprintln(bw, "#")

	for _, n := range t.Nodes() {
		// Names are written raw between quotes: the grammar has no escape
		// syntax, and the model rejects names holding quotes or control
		// characters, so raw write and raw parse are exact inverses.
		fmt.Fprintf(bw, "%s\t%d\t\"%s\"\n", n.Kind, n.Ports, n.Name)
		for _, l := range t.LinksOf(n.Name) {
			local, remote, remotePort := l.SourcePort, l.Target, l.TargetPort
			if l.Target == n.Name {
				local, remote, remotePort = l.TargetPort, l.Source, l.SourcePort
			}
			fmt.Fprintf(bw, "[%d]\t\"%s\"[%d]\n", local, remote, remotePort)
		}
		fmt.Fprintln(bw)
	}

	return bw.Flush()
}

func parseNodeLine(lineNo int, line string) (nodeDecl, error) {
	fields := strings.Fields(line)
	kind, err := domain.ParseKind(fields[0])
	if err != nil {
		return nodeDecl{}, &UnsupportedDirectiveError{Line: lineNo, Directive: fields[0]}
	}
	if len(fields) < 3 {
		return nodeDecl{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf("%s line needs a port count and a quoted name", kind)}
	}
	ports, err := strconv.Atoi(fields[1])
	if err != nil {
		return nodeDecl{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf("invalid port count %q", fields[1])}
	}
	if ports < 1 {
		// The model would default a zero count; in a file that is a
		// malformed entity, not a request for the default.
		return nodeDecl{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf("port count %d must be at least 1", ports)}
	}
	name, err := quotedName(line)
	if err != nil {
		return nodeDecl{}, &ParseError{Line: lineNo, Reason: err.Error()}
	}
	return nodeDecl{line: lineNo, kind: kind, ports: ports, name: name}, nil
}

func parsePortLine(lineNo int, line string) (portDecl, error) {
	parts := strings.Split(line, `"`)
	if len(parts) < 3 {
		return portDecl{}, &ParseError{Line: lineNo, Reason: `port line must be of the form [port] "remote"[port]`}
	}
	local, err := bracketInt(strings.TrimSpace(parts[0]))
	if err != nil {
		return portDecl{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf("invalid local port: %v", err)}
	}
	remotePort, err := bracketInt(strings.TrimSpace(parts[2]))
	if err != nil {
		return portDecl{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf("invalid remote port: %v", err)}
	}
	remote := parts[1]
	if remote == "" {
		return portDecl{}, &ParseError{Line: lineNo, Reason: "empty remote node name"}
	}
	return portDecl{line: lineNo, local: local, remote: remote, remotePort: remotePort}, nil
}

// quotedName extracts the node name between the first pair of double quotes.
func quotedName(line string) (string, error) {
	parts := strings.Split(line, `"`)
	if len(parts) < 3 {
		return "", fmt.Errorf("node name must be double-quoted")
	}
	if parts[1] == "" {
		return "", fmt.Errorf("empty node name")
	}
	return parts[1], nil
}

// bracketInt parses a "[n]" token.
func bracketInt(s string) (int, error) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return 0, fmt.Errorf("%q is not a bracketed port number", s)
	}
	n, err := strconv.Atoi(s[1 : len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("%q is not a bracketed port number", s)
	}
	return n, nil
}
