// Package service is the orchestration façade: it owns the authoritative
// in-memory topology, persists it through the codec, and enforces the
// sequencing rules between the topology file and the supervised processes.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fabriclab/internal/codec"
	"fabriclab/internal/domain"
	"fabriclab/internal/repository/sqlite"
	"fabriclab/internal/supervisor"
)

// FabricService coordinates the topology model, the codec, and the process
// supervisor. Mutating topology operations are serialized by one mutex;
// process lifecycle operations are serialized inside the supervisor, and
// the façade never holds the topology lock across them.
type FabricService struct {
	mu   sync.Mutex
	topo *domain.Topology

	codec *codec.NetCodec
	sup   *supervisor.Supervisor
	repo  *sqlite.Repository
	bus   *EventBus

	netPath     string
	managerConf string

	// runMu guards the open-run table fed by supervisor transitions, which
	// arrive on supervisor goroutines.
	runMu sync.Mutex
	runs  map[string]string // target -> open run ID
}

// New creates the façade and wires it into the supervisor's callbacks.
// repo may be nil to disable run history.
func New(netPath, managerConf string, sup *supervisor.Supervisor, repo *sqlite.Repository, bus *EventBus) *FabricService {
	s := &FabricService{
		topo:        domain.NewTopology(),
		codec:       codec.NewNetCodec(),
		sup:         sup,
		repo:        repo,
		bus:         bus,
		netPath:     netPath,
		managerConf: managerConf,
		runs:        make(map[string]string),
	}
	sup.SetAdapterResolver(s.isHostAdapter)
	sup.SetTransitionFunc(s.onTransition)
	return s
}

// Load reads the canonical file into the in-memory topology. A missing
// file yields an empty topology; a malformed file keeps the prior topology
// and returns the parse error.
func (s *FabricService) Load() error {
	f, err := os.Open(s.netPath)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.topo = domain.NewTopology()
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("open topology file: %w", err)
	}
	defer f.Close()

	topo, err := s.codec.Parse(f)
	if err != nil {
		return fmt.Errorf("load %s: %w", s.netPath, err)
	}

	s.mu.Lock()
	s.topo = topo
	s.mu.Unlock()
	s.bus.Publish(Event{Type: EventTopologyReloaded})
	return nil
}

// Save validates nothing extra — the model cannot hold an invalid state —
// and writes the canonical file atomically: temp file, fsync, rename. The
// written bytes are also kept as a snapshot in the history store. A running
// simulation keeps using what it loaded; restarting it is an explicit,
// separate call.
func (s *FabricService) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

func (s *FabricService) saveLocked(ctx context.Context) error {
	var buf bytes.Buffer
	if err := s.codec.Serialize(s.topo, &buf); err != nil {
		return fmt.Errorf("serialize topology: %w", err)
	}

	dir := filepath.Dir(s.netPath)
	tmp, err := os.CreateTemp(dir, ".net-*")
	if err != nil {
		return fmt.Errorf("write topology file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write topology file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync topology file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close topology file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.netPath); err != nil {
		return fmt.Errorf("replace topology file: %w", err)
	}

	if s.repo != nil {
		id := uuid.NewString()
		if err := s.repo.SaveSnapshot(ctx, id, time.Now(), buf.Bytes()); err != nil {
			log.Printf("Failed to save topology snapshot: %v", err)
		}
	}

	s.bus.Publish(Event{Type: EventTopologySaved})
	return nil
}

// NetText returns the current in-memory topology in canonical form.
func (s *FabricService) NetText() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	if err := s.codec.Serialize(s.topo, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ImportText replaces the in-memory topology with the parsed text and
// saves it. On a parse error the prior topology is untouched.
func (s *FabricService) ImportText(ctx context.Context, text string) error {
	topo, err := s.codec.Parse(strings.NewReader(text))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.topo = topo
	if err := s.saveLocked(ctx); err != nil {
		return err
	}
	s.bus.Publish(Event{Type: EventTopologyReloaded})
	return nil
}

// Graph is the JSON view of the topology handed to the editor.
type Graph struct {
	Nodes []domain.Node `json:"nodes"`
	Links []domain.Link `json:"links"`
}

// GetGraph returns a snapshot of the current topology.
func (s *FabricService) GetGraph() Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Graph{Nodes: s.topo.Nodes(), Links: s.topo.Links()}
}

// AddNode adds a node to the in-memory topology.
func (s *FabricService) AddNode(name string, kind domain.NodeKind, ports int) (*domain.Node, error) {
	s.mu.Lock()
	node, err := s.topo.AddNode(name, kind, ports)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.bus.Publish(Event{Type: EventNodeAdded, Payload: map[string]string{"name": name}})
	return node, nil
}

// RenameNode renames a node, updating every referencing link.
func (s *FabricService) RenameNode(oldName, newName string) error {
	s.mu.Lock()
	err := s.topo.RenameNode(oldName, newName)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.bus.Publish(Event{Type: EventNodeRenamed, Payload: map[string]string{"old": oldName, "new": newName}})
	return nil
}

// UpdateNode applies a resize and/or rename as one atomic change: both are
// validated against a working copy and the live topology is only swapped on
// full success, so a single update request never half-applies.
func (s *FabricService) UpdateNode(name, newName string, ports int) error {
	s.mu.Lock()
	if s.topo.Node(name) == nil {
		s.mu.Unlock()
		return fmt.Errorf("node %q: %w", name, domain.ErrNotFound)
	}
	work := s.topo.Clone()
	if ports != 0 {
		if err := work.ResizeNode(name, ports); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	renamed := newName != "" && newName != name
	if renamed {
		if err := work.RenameNode(name, newName); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.topo = work
	s.mu.Unlock()

	if ports != 0 {
		s.bus.Publish(Event{Type: EventNodeResized, Payload: map[string]string{"name": name}})
	}
	if renamed {
		s.bus.Publish(Event{Type: EventNodeRenamed, Payload: map[string]string{"old": name, "new": newName}})
	}
	return nil
}

// RemoveNode removes a node and its links.
func (s *FabricService) RemoveNode(name string) error {
	s.mu.Lock()
	err := s.topo.RemoveNode(name)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.bus.Publish(Event{Type: EventNodeRemoved, Payload: map[string]string{"name": name}})
	return nil
}

// ResizeNode changes a node's port count.
func (s *FabricService) ResizeNode(name string, ports int) error {
	s.mu.Lock()
	err := s.topo.ResizeNode(name, ports)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.bus.Publish(Event{Type: EventNodeResized, Payload: map[string]string{"name": name}})
	return nil
}

// AddLink cables two ports together.
func (s *FabricService) AddLink(src string, srcPort int, dst string, dstPort int) (*domain.Link, error) {
	s.mu.Lock()
	link, err := s.topo.AddLink(src, srcPort, dst, dstPort)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.bus.Publish(Event{Type: EventLinkAdded, Payload: map[string]string{"id": link.ID}})
	return link, nil
}

// UpdateLink moves a link to new ports.
func (s *FabricService) UpdateLink(id string, newSrcPort, newDstPort int) error {
	s.mu.Lock()
	err := s.topo.UpdateLink(id, newSrcPort, newDstPort)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.bus.Publish(Event{Type: EventLinkUpdated, Payload: map[string]string{"id": id}})
	return nil
}

// RemoveLink removes a link.
func (s *FabricService) RemoveLink(id string) error {
	s.mu.Lock()
	err := s.topo.RemoveLink(id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.bus.Publish(Event{Type: EventLinkRemoved, Payload: map[string]string{"id": id}})
	return nil
}

// StartSimulator launches the simulator against the last-saved canonical
// file. Unsaved in-memory edits are deliberately not picked up.
func (s *FabricService) StartSimulator(ctx context.Context) error {
	return s.sup.StartSimulator(ctx, s.netPath)
}

// StopSimulator stops the simulator, stopping attached managers first.
func (s *FabricService) StopSimulator(ctx context.Context) error {
	return s.sup.StopSimulator(ctx)
}

// RestartSimulator applies the in-memory topology to a live simulation:
// stop every manager, stop the simulator, rewrite the canonical file, start
// the simulator again. Managers are not restarted — their adapter identity
// was only valid for the previous simulator generation, so reattaching is
// the operator's explicit call.
func (s *FabricService) RestartSimulator(ctx context.Context) error {
	if err := s.sup.StopSimulator(ctx); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		return fmt.Errorf("stop simulator: %w", err)
	}
	if err := s.Save(ctx); err != nil {
		return err
	}
	return s.sup.StartSimulator(ctx, s.netPath)
}

// StartManager launches one subnet-manager instance bound to a host
// adapter of the active topology.
func (s *FabricService) StartManager(ctx context.Context, id, adapter string) error {
	return s.sup.StartManager(ctx, id, adapter, s.managerConf)
}

// StopManager stops one manager instance.
func (s *FabricService) StopManager(ctx context.Context, id string) error {
	return s.sup.StopManager(ctx, id)
}

// Shutdown force-stops every supervised process.
func (s *FabricService) Shutdown(ctx context.Context) error {
	return s.sup.StopAll(ctx)
}

// Status reports the simulator and all manager instances.
type Status struct {
	Simulator supervisor.ProcessStatus   `json:"simulator"`
	Managers  []supervisor.ProcessStatus `json:"managers"`
}

// GetStatus returns a point-in-time status snapshot.
func (s *FabricService) GetStatus() Status {
	return Status{
		Simulator: s.sup.SimulatorStatus(),
		Managers:  s.sup.ManagerStatuses(),
	}
}

// ListRuns returns recent process runs from the history store.
func (s *FabricService) ListRuns(ctx context.Context, limit int) ([]sqlite.Run, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.ListRuns(ctx, limit)
}

// ReadManagerConf returns the opaque manager config file content, or ""
// when the file does not exist.
func (s *FabricService) ReadManagerConf() (string, error) {
	data, err := os.ReadFile(s.managerConf)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read manager config: %w", err)
	}
	return string(data), nil
}

// WriteManagerConf rewrites the opaque manager config file.
func (s *FabricService) WriteManagerConf(content string) error {
	if err := os.WriteFile(s.managerConf, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write manager config: %w", err)
	}
	return nil
}

// isHostAdapter is the supervisor's adapter resolver, bound to the current
// topology.
func (s *FabricService) isHostAdapter(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.topo.Node(name)
	return n != nil && n.Kind == domain.KindHca
}

// onTransition receives every supervisor state change: it is published to
// observers and folded into the run history (one run row per
// Stopped→Starting...terminal cycle).
func (s *FabricService) onTransition(tr supervisor.Transition) {
	s.bus.Publish(Event{Type: EventProcessTransition, Payload: tr})

	if s.repo == nil {
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	ctx := context.Background()

	if tr.To == supervisor.StateStarting {
		id := uuid.NewString()
		s.runs[tr.Target] = id
		if err := s.repo.RecordRunStart(ctx, id, tr.Target, tr.Adapter, tr.At); err != nil {
			log.Printf("Failed to record run start for %s: %v", tr.Target, err)
		}
		return
	}

	if tr.To == supervisor.StateStopped || tr.To == supervisor.StateFailed {
		id, ok := s.runs[tr.Target]
		if !ok {
			return
		}
		delete(s.runs, tr.Target)
		if err := s.repo.RecordRunEnd(ctx, id, tr.At, string(tr.To)); err != nil {
			log.Printf("Failed to record run end for %s: %v", tr.Target, err)
		}
	}
}
