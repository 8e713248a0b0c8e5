package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

// newTestSupervisor returns a supervisor whose simulator and manager
// binaries are long-lived shell scripts.
func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	sim := writeScript(t, dir, "fake-ibsim", `echo "simulator up"; exec sleep 60`)
	mgr := writeScript(t, dir, "fake-opensm", `echo "manager up on $SIM_HOST"; exec sleep 60`)
	s := New(Options{
		SimulatorBinary: sim,
		ManagerBinary:   mgr,
		GracePeriod:     2 * time.Second,
		KillWait:        2 * time.Second,
		StartupSettle:   50 * time.Millisecond,
	})
	t.Cleanup(func() { s.StopAll(context.Background()) })
	return s
}

func waitForState(t *testing.T, get func() ProcessStatus, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if get().State == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (last %s)", want, get().State)
}

func managerStatus(s *Supervisor, id string) func() ProcessStatus {
	return func() ProcessStatus {
		for _, st := range s.ManagerStatuses() {
			if st.Target == id {
				return st
			}
		}
		return ProcessStatus{Target: id, State: StateStopped}
	}
}

func TestSimulatorLifecycle(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	if got := s.SimulatorStatus().State; got != StateStopped {
		t.Fatalf("initial state %s, want stopped", got)
	}

	if err := s.StartSimulator(ctx, "net"); err != nil {
		t.Fatalf("StartSimulator: %v", err)
	}
	st := s.SimulatorStatus()
	if st.State != StateRunning {
		t.Fatalf("state after start %s, want running", st.State)
	}
	if st.PID == 0 {
		t.Error("running simulator should report a PID")
	}

	if err := s.StartSimulator(ctx, "net"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start: expected ErrAlreadyRunning, got %v", err)
	}

	if err := s.StopSimulator(ctx); err != nil {
		t.Fatalf("StopSimulator: %v", err)
	}
	if got := s.SimulatorStatus().State; got != StateStopped {
		t.Errorf("state after stop %s, want stopped", got)
	}

	if err := s.StopSimulator(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("stop when stopped: expected ErrNotRunning, got %v", err)
	}
}

func TestStartSimulatorSpawnFailure(t *testing.T) {
	s := New(Options{
		SimulatorBinary: "/nonexistent/ibsim",
		StartupSettle:   50 * time.Millisecond,
	})
	err := s.StartSimulator(context.Background(), "net")
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %T: %v", err, err)
	}
	if got := s.SimulatorStatus().State; got != StateFailed {
		t.Errorf("state %s, want failed", got)
	}
	// A failed start must not block a retry.
	if err := s.StartSimulator(context.Background(), "net"); !errors.As(err, &se) {
		t.Errorf("retry should reach spawn again, got %v", err)
	}
}

func TestManagerRequiresRunningSimulator(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	err := s.StartManager(ctx, "primary", "sm-primary", "")
	if !errors.Is(err, ErrSimulatorNotRunning) {
		t.Fatalf("expected ErrSimulatorNotRunning, got %v", err)
	}

	if err := s.StartSimulator(ctx, "net"); err != nil {
		t.Fatalf("StartSimulator: %v", err)
	}
	if err := s.StartManager(ctx, "primary", "sm-primary", ""); err != nil {
		t.Fatalf("StartManager after simulator up: %v", err)
	}
	waitForState(t, managerStatus(s, "primary"), StateRunning)
}

func TestManagerValidation(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()
	s.SetAdapterResolver(func(name string) bool { return name == "sm-primary" })

	if err := s.StartSimulator(ctx, "net"); err != nil {
		t.Fatalf("StartSimulator: %v", err)
	}

	t.Run("unknown adapter", func(t *testing.T) {
		err := s.StartManager(ctx, "x", "spine-1", "")
		if !errors.Is(err, ErrUnknownAdapter) {
			t.Errorf("expected ErrUnknownAdapter, got %v", err)
		}
	})

	t.Run("duplicate instance", func(t *testing.T) {
		if err := s.StartManager(ctx, "primary", "sm-primary", ""); err != nil {
			t.Fatalf("StartManager: %v", err)
		}
		err := s.StartManager(ctx, "primary", "sm-primary", "")
		if !errors.Is(err, ErrDuplicateInstance) {
			t.Errorf("expected ErrDuplicateInstance, got %v", err)
		}
	})

	t.Run("reserved id", func(t *testing.T) {
		if err := s.StartManager(ctx, SimulatorTarget, "sm-primary", ""); err == nil {
			t.Error("expected error for reserved instance id")
		}
	})

	t.Run("stop unknown instance", func(t *testing.T) {
		if err := s.StopManager(ctx, "ghost"); !errors.Is(err, ErrUnknownTarget) {
			t.Errorf("expected ErrUnknownTarget, got %v", err)
		}
	})
}

func TestStopSimulatorStopsManagersFirst(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	var mu sync.Mutex
	var stops []string
	s.SetTransitionFunc(func(tr Transition) {
		if tr.To == StateStopped {
			mu.Lock()
			stops = append(stops, tr.Target)
			mu.Unlock()
		}
	})

	if err := s.StartSimulator(ctx, "net"); err != nil {
		t.Fatalf("StartSimulator: %v", err)
	}
	if err := s.StartManager(ctx, "primary", "sm-primary", ""); err != nil {
		t.Fatalf("StartManager primary: %v", err)
	}
	if err := s.StartManager(ctx, "secondary", "sm-secondary", ""); err != nil {
		t.Fatalf("StartManager secondary: %v", err)
	}

	if err := s.StopSimulator(ctx); err != nil {
		t.Fatalf("StopSimulator: %v", err)
	}

	if got := s.SimulatorStatus().State; got != StateStopped {
		t.Errorf("simulator %s, want stopped", got)
	}
	for _, st := range s.ManagerStatuses() {
		if st.State != StateStopped {
			t.Errorf("manager %s in state %s, want stopped", st.Target, st.State)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stops) != 3 {
		t.Fatalf("expected 3 stop transitions, got %v", stops)
	}
	if stops[2] != SimulatorTarget {
		t.Errorf("simulator must stop last, order was %v", stops)
	}
}

func TestAbnormalExitBecomesFailed(t *testing.T) {
	dir := t.TempDir()
	sim := writeScript(t, dir, "crashing-ibsim", `echo "starting"; sleep 0.3; echo "fatal error"; exit 3`)
	s := New(Options{
		SimulatorBinary: sim,
		StartupSettle:   50 * time.Millisecond,
	})

	if err := s.StartSimulator(context.Background(), "net"); err != nil {
		t.Fatalf("StartSimulator: %v", err)
	}

	ch, cancel, err := s.Subscribe(SimulatorTarget)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	waitForState(t, s.SimulatorStatus, StateFailed)

	// The stream must end with a terminal marker and then close, without
	// hanging the subscriber.
	var lines []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				if len(lines) == 0 {
					t.Fatal("stream closed without any lines")
				}
				last := lines[len(lines)-1]
				if !strings.Contains(last, "exited") {
					t.Errorf("last line %q is not a terminal marker", last)
				}
				return
			}
			lines = append(lines, line)
		case <-timeout:
			t.Fatalf("log stream never terminated; got %v", lines)
		}
	}
}

func TestLogHistoryThenTail(t *testing.T) {
	dir := t.TempDir()
	sim := writeScript(t, dir, "chatty-ibsim", `echo "line one"; echo "line two"; sleep 0.4; echo "line three"; exec sleep 60`)
	s := New(Options{
		SimulatorBinary: sim,
		GracePeriod:     time.Second,
		StartupSettle:   50 * time.Millisecond,
	})
	t.Cleanup(func() { s.StopAll(context.Background()) })

	if err := s.StartSimulator(context.Background(), "net"); err != nil {
		t.Fatalf("StartSimulator: %v", err)
	}

	// Let the first lines land in the buffer before subscribing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h, _ := s.LogHistory(SimulatorTarget); len(h) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ch, cancel, err := s.Subscribe(SimulatorTarget)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	want := []string{"line one", "line two", "line three"}
	for i, w := range want {
		select {
		case got := <-ch:
			if got != w {
				t.Fatalf("line %d = %q, want %q", i, got, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for line %d", i)
		}
	}

	// A second subscriber gets the same history from the top.
	ch2, cancel2, err := s.Subscribe(SimulatorTarget)
	if err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
	defer cancel2()
	select {
	case got := <-ch2:
		if got != "line one" {
			t.Errorf("second subscriber first line = %q, want history replay", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second subscriber got nothing")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	dir := t.TempDir()
	// Ignores SIGTERM; only SIGKILL can take it down.
	sim := writeScript(t, dir, "stubborn-ibsim", `trap "" TERM; echo up; while true; do sleep 1; done`)
	s := New(Options{
		SimulatorBinary: sim,
		GracePeriod:     200 * time.Millisecond,
		KillWait:        3 * time.Second,
		StartupSettle:   50 * time.Millisecond,
	})

	if err := s.StartSimulator(context.Background(), "net"); err != nil {
		t.Fatalf("StartSimulator: %v", err)
	}

	start := time.Now()
	if err := s.StopSimulator(context.Background()); err != nil {
		t.Fatalf("StopSimulator: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("stop returned before the grace period elapsed (%v)", elapsed)
	}
	if got := s.SimulatorStatus().State; got != StateStopped {
		t.Errorf("state %s, want stopped", got)
	}
}

func TestSubscribeUnknownTarget(t *testing.T) {
	s := newTestSupervisor(t)
	if _, _, err := s.Subscribe("ghost"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("expected ErrUnknownTarget, got %v", err)
	}
}
