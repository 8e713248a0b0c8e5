package domain

import (
	"errors"
	"testing"
)

func mustAddNode(t *testing.T, topo *Topology, name string, kind NodeKind, ports int) *Node {
	t.Helper()
	n, err := topo.AddNode(name, kind, ports)
	if err != nil {
		t.Fatalf("AddNode(%s): %v", name, err)
	}
	return n
}

func mustAddLink(t *testing.T, topo *Topology, src string, sp int, dst string, dp int) *Link {
	t.Helper()
	l, err := topo.AddLink(src, sp, dst, dp)
	if err != nil {
		t.Fatalf("AddLink(%s:%d-%s:%d): %v", src, sp, dst, dp, err)
	}
	return l
}

func TestAddNode(t *testing.T) {
	t.Run("applies kind defaults for zero port count", func(t *testing.T) {
		topo := NewTopology()
		sw := mustAddNode(t, topo, "sw-1", KindSwitch, 0)
		if sw.Ports != DefaultSwitchPorts {
			t.Errorf("expected %d ports, got %d", DefaultSwitchPorts, sw.Ports)
		}
		hca := mustAddNode(t, topo, "host-1", KindHca, 0)
		if hca.Ports != DefaultHcaPorts {
			t.Errorf("expected %d ports, got %d", DefaultHcaPorts, hca.Ports)
		}
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		topo := NewTopology()
		mustAddNode(t, topo, "sw-1", KindSwitch, 8)
		if _, err := topo.AddNode("sw-1", KindHca, 2); !errors.Is(err, ErrDuplicateName) {
			t.Errorf("expected ErrDuplicateName, got %v", err)
		}
	})

	t.Run("names are case-sensitive", func(t *testing.T) {
		topo := NewTopology()
		mustAddNode(t, topo, "sw-1", KindSwitch, 8)
		if _, err := topo.AddNode("SW-1", KindSwitch, 8); err != nil {
			t.Errorf("expected case-differing name to be allowed, got %v", err)
		}
	})

	t.Run("rejects negative port count", func(t *testing.T) {
		topo := NewTopology()
		if _, err := topo.AddNode("sw-1", KindSwitch, -4); !errors.Is(err, ErrInvalidPortCount) {
			t.Errorf("expected ErrInvalidPortCount, got %v", err)
		}
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		topo := NewTopology()
		if _, err := topo.AddNode("x", NodeKind("Router"), 4); !errors.Is(err, ErrUnknownKind) {
			t.Errorf("expected ErrUnknownKind, got %v", err)
		}
	})

	t.Run("rejects names the file format cannot carry", func(t *testing.T) {
		topo := NewTopology()
		for _, name := range []string{"", `sw"1`, "sw\t1", "sw\n1", "sw\x001"} {
			if _, err := topo.AddNode(name, KindSwitch, 8); !errors.Is(err, ErrInvalidName) {
				t.Errorf("AddNode(%q): expected ErrInvalidName, got %v", name, err)
			}
		}
		if len(topo.Nodes()) != 0 {
			t.Errorf("rejected names must not be added, have %d nodes", len(topo.Nodes()))
		}
	})
}

func TestAddLink(t *testing.T) {
	newPair := func(t *testing.T) *Topology {
		topo := NewTopology()
		mustAddNode(t, topo, "A", KindSwitch, 32)
		mustAddNode(t, topo, "B", KindSwitch, 32)
		return topo
	}

	t.Run("creates link with deterministic id", func(t *testing.T) {
		topo := newPair(t)
		l := mustAddLink(t, topo, "A", 1, "B", 1)
		if l.ID != "A:1-B:1" {
			t.Errorf("unexpected link ID %q", l.ID)
		}
	})

	t.Run("rejects unknown node", func(t *testing.T) {
		topo := newPair(t)
		if _, err := topo.AddLink("A", 1, "C", 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("rejects self link", func(t *testing.T) {
		topo := newPair(t)
		if _, err := topo.AddLink("A", 1, "A", 2); !errors.Is(err, ErrSelfLink) {
			t.Errorf("expected ErrSelfLink, got %v", err)
		}
	})

	t.Run("rejects out of range port", func(t *testing.T) {
		topo := newPair(t)
		if _, err := topo.AddLink("A", 33, "B", 1); !errors.Is(err, ErrPortOutOfRange) {
			t.Errorf("expected ErrPortOutOfRange, got %v", err)
		}
		if _, err := topo.AddLink("A", 1, "B", 0); !errors.Is(err, ErrPortOutOfRange) {
			t.Errorf("expected ErrPortOutOfRange, got %v", err)
		}
	})

	t.Run("enforces port exclusivity on either endpoint", func(t *testing.T) {
		topo := newPair(t)
		mustAddLink(t, topo, "A", 1, "B", 1)

		if _, err := topo.AddLink("A", 1, "B", 2); !errors.Is(err, ErrPortInUse) {
			t.Errorf("expected ErrPortInUse for source port, got %v", err)
		}
		if _, err := topo.AddLink("A", 2, "B", 1); !errors.Is(err, ErrPortInUse) {
			t.Errorf("expected ErrPortInUse for target port, got %v", err)
		}
		// Failure must not partially occupy anything.
		if _, err := topo.AddLink("A", 2, "B", 2); err != nil {
			t.Errorf("free ports should still be usable: %v", err)
		}
	})
}

func TestUpdateLink(t *testing.T) {
	setup := func(t *testing.T) (*Topology, *Link) {
		topo := NewTopology()
		mustAddNode(t, topo, "A", KindSwitch, 32)
		mustAddNode(t, topo, "B", KindSwitch, 32)
		l := mustAddLink(t, topo, "A", 1, "B", 1)
		return topo, l
	}

	t.Run("moves link and recomputes id", func(t *testing.T) {
		topo, l := setup(t)
		if err := topo.UpdateLink(l.ID, 3, 4); err != nil {
			t.Fatalf("UpdateLink: %v", err)
		}
		if topo.Link("A:1-B:1") != nil {
			t.Error("old link ID should be gone")
		}
		moved := topo.Link("A:3-B:4")
		if moved == nil {
			t.Fatal("expected link at new ID")
		}
		// Old ports are free again.
		if _, err := topo.AddLink("A", 1, "B", 1); err != nil {
			t.Errorf("old ports should be free: %v", err)
		}
	})

	t.Run("excludes own occupancy from exclusivity check", func(t *testing.T) {
		topo, l := setup(t)
		if err := topo.UpdateLink(l.ID, 1, 1); err != nil {
			t.Errorf("updating to own current ports should succeed: %v", err)
		}
	})

	t.Run("rejects ports held by another link", func(t *testing.T) {
		topo, l := setup(t)
		mustAddLink(t, topo, "A", 2, "B", 2)
		if err := topo.UpdateLink(l.ID, 2, 3); !errors.Is(err, ErrPortInUse) {
			t.Errorf("expected ErrPortInUse, got %v", err)
		}
		// Atomicity: the failed move must leave the link in place.
		if topo.Link(l.ID) == nil {
			t.Error("failed update must not move the link")
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		topo, _ := setup(t)
		if err := topo.UpdateLink("nope", 1, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRemoveNodeCascades(t *testing.T) {
	topo := NewTopology()
	mustAddNode(t, topo, "A", KindSwitch, 32)
	mustAddNode(t, topo, "B", KindSwitch, 32)
	mustAddNode(t, topo, "host-1", KindHca, 2)
	mustAddLink(t, topo, "A", 1, "B", 1)
	mustAddLink(t, topo, "A", 2, "host-1", 1)
	mustAddLink(t, topo, "B", 2, "host-1", 2)

	if err := topo.RemoveNode("A"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}

	for _, l := range topo.Links() {
		if l.Touches("A") {
			t.Errorf("link %s still references removed node", l.ID)
		}
	}
	if got := len(topo.Links()); got != 1 {
		t.Errorf("expected 1 surviving link, got %d", got)
	}
	// Ports formerly held by A's links are released on the survivors' side.
	if _, err := topo.AddLink("B", 1, "host-1", 1); err != nil {
		t.Errorf("cascade should release ports: %v", err)
	}
	if err := topo.RemoveNode("A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRenameNode(t *testing.T) {
	setup := func(t *testing.T) *Topology {
		topo := NewTopology()
		mustAddNode(t, topo, "Switch-1", KindSwitch, 32)
		mustAddNode(t, topo, "Switch-2", KindSwitch, 32)
		mustAddNode(t, topo, "host-1", KindHca, 2)
		mustAddLink(t, topo, "Switch-1", 1, "Switch-2", 1)
		mustAddLink(t, topo, "Switch-1", 2, "host-1", 1)
		return topo
	}

	t.Run("updates all referencing links", func(t *testing.T) {
		topo := setup(t)
		if err := topo.RenameNode("Switch-1", "Spine-1"); err != nil {
			t.Fatalf("RenameNode: %v", err)
		}
		if topo.Node("Switch-1") != nil {
			t.Error("old name still resolves")
		}
		if topo.Node("Spine-1") == nil {
			t.Fatal("new name does not resolve")
		}
		var touching int
		for _, l := range topo.Links() {
			if l.Touches("Switch-1") {
				t.Errorf("link %s still references old name", l.ID)
			}
			if l.Touches("Spine-1") {
				touching++
				if l.ID != l.GenerateID() {
					t.Errorf("link %s has stale ID", l.ID)
				}
			}
		}
		if touching != 2 {
			t.Errorf("expected 2 links on renamed node, got %d", touching)
		}
		// Occupancy must follow the rename.
		if _, err := topo.AddLink("Spine-1", 1, "host-1", 2); !errors.Is(err, ErrPortInUse) {
			t.Errorf("expected ErrPortInUse on renamed node's port, got %v", err)
		}
	})

	t.Run("rejects duplicate target name", func(t *testing.T) {
		topo := setup(t)
		if err := topo.RenameNode("Switch-1", "Switch-2"); !errors.Is(err, ErrDuplicateName) {
			t.Errorf("expected ErrDuplicateName, got %v", err)
		}
	})

	t.Run("rename to self is a no-op", func(t *testing.T) {
		topo := setup(t)
		if err := topo.RenameNode("Switch-1", "Switch-1"); err != nil {
			t.Errorf("expected no-op, got %v", err)
		}
	})

	t.Run("unknown node", func(t *testing.T) {
		topo := setup(t)
		if err := topo.RenameNode("nope", "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("rejects invalid target name", func(t *testing.T) {
		topo := setup(t)
		for _, name := range []string{"", `sw"1`, "sw\t1"} {
			if err := topo.RenameNode("Switch-1", name); !errors.Is(err, ErrInvalidName) {
				t.Errorf("RenameNode(%q): expected ErrInvalidName, got %v", name, err)
			}
		}
		// Even when the source node does not exist: the name check comes
		// first so both paths report the same sentinel.
		if err := topo.RenameNode("nope", `x"y`); !errors.Is(err, ErrInvalidName) {
			t.Errorf("expected ErrInvalidName, got %v", err)
		}
	})
}

func TestResizeNode(t *testing.T) {
	topo := NewTopology()
	mustAddNode(t, topo, "A", KindSwitch, 32)
	mustAddNode(t, topo, "B", KindSwitch, 32)
	mustAddLink(t, topo, "A", 8, "B", 1)

	t.Run("grows freely", func(t *testing.T) {
		if err := topo.ResizeNode("A", 64); err != nil {
			t.Errorf("ResizeNode: %v", err)
		}
	})

	t.Run("shrink below occupied port fails", func(t *testing.T) {
		if err := topo.ResizeNode("A", 4); !errors.Is(err, ErrPortInUse) {
			t.Errorf("expected ErrPortInUse, got %v", err)
		}
		if topo.Node("A").Ports != 64 {
			t.Error("failed resize must not change port count")
		}
	})

	t.Run("shrink to occupied boundary succeeds", func(t *testing.T) {
		if err := topo.ResizeNode("A", 8); err != nil {
			t.Errorf("ResizeNode: %v", err)
		}
	})
}

func TestDeterministicOrdering(t *testing.T) {
	topo := NewTopology()
	mustAddNode(t, topo, "host-b", KindHca, 2)
	mustAddNode(t, topo, "sw-2", KindSwitch, 8)
	mustAddNode(t, topo, "host-a", KindHca, 2)
	mustAddNode(t, topo, "sw-1", KindSwitch, 8)

	want := []string{"sw-1", "sw-2", "host-a", "host-b"}
	for i := 0; i < 3; i++ {
		nodes := topo.Nodes()
		for j, n := range nodes {
			if n.Name != want[j] {
				t.Fatalf("run %d: position %d = %s, want %s", i, j, n.Name, want[j])
			}
		}
	}
}

func TestClone(t *testing.T) {
	topo := NewTopology()
	mustAddNode(t, topo, "A", KindSwitch, 32)
	mustAddNode(t, topo, "B", KindSwitch, 32)
	mustAddLink(t, topo, "A", 1, "B", 1)

	clone := topo.Clone()
	if !topo.Equal(clone) {
		t.Fatal("clone should be structurally equal")
	}

	if err := clone.RemoveNode("A"); err != nil {
		t.Fatalf("RemoveNode on clone: %v", err)
	}
	if topo.Node("A") == nil || len(topo.Links()) != 1 {
		t.Error("mutating the clone must not touch the original")
	}
}
