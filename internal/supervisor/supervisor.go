// Package supervisor owns the lifecycles of the external simulator process
// and any number of subnet-manager instances. It exposes state snapshots
// and per-process log streams; the orchestration façade layers the
// cross-process sequencing rules on top.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// SimulatorTarget is the stream/status identifier of the simulator process.
const SimulatorTarget = "simulator"

// AdapterResolver reports whether a name is a host adapter in the active
// topology. The façade binds it to the current topology generation.
type AdapterResolver func(name string) bool

// Transition describes one state change of a supervised process.
type Transition struct {
	Target  string    `json:"target"`
	Adapter string    `json:"adapter,omitempty"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
}

// TransitionFunc receives every state change, including those driven by the
// reaper when a child exits on its own.
type TransitionFunc func(tr Transition)

// Options configures the supervisor's external binaries and timing.
type Options struct {
	SimulatorBinary string        // default "ibsim"
	ManagerBinary   string        // default "opensm"
	ShimPath        string        // LD_PRELOAD shim handed to managers
	GracePeriod     time.Duration // SIGTERM wait before SIGKILL, default 5s
	KillWait        time.Duration // SIGKILL wait before StopTimeout, default 2s
	StartupSettle   time.Duration // delay before the liveness check, default 200ms
}

func (o *Options) applyDefaults() {
	if o.SimulatorBinary == "" {
		o.SimulatorBinary = "ibsim"
	}
	if o.ManagerBinary == "" {
		o.ManagerBinary = "opensm"
	}
	if o.GracePeriod == 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.KillWait == 0 {
		o.KillWait = 2 * time.Second
	}
	if o.StartupSettle == 0 {
		o.StartupSettle = 200 * time.Millisecond
	}
}

// Supervisor manages the process table. The table is created at
// construction and torn down by StopAll; it is never reachable as ambient
// state outside this type.
//
// Two locks: opMu serializes every lifecycle operation end to end
// (including bounded grace-period waits), mu guards the table itself so
// status reads and log subscriptions never wait behind a stop.
type Supervisor struct {
	opts Options

	opMu sync.Mutex

	mu       sync.RWMutex
	sim      *proc
	managers map[string]*proc
	adapters AdapterResolver

	onTransition TransitionFunc
}

// New creates a supervisor with an empty process table.
func New(opts Options) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		opts:     opts,
		managers: make(map[string]*proc),
	}
}

// SetAdapterResolver installs the adapter membership check used by
// StartManager.
func (s *Supervisor) SetAdapterResolver(r AdapterResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters = r
}

// SetTransitionFunc installs the state-change observer.
func (s *Supervisor) SetTransitionFunc(f TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = f
}

// StartSimulator launches the simulator against the given canonical
// topology file and waits for it to be confirmed alive.
func (s *Supervisor) StartSimulator(ctx context.Context, netPath string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.sim != nil && s.sim.state.active() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	p := newProc(SimulatorTarget, "")
	s.sim = p
	s.mu.Unlock()
	s.notify(p, StateStopped, StateStarting)

	abs, err := filepath.Abs(netPath)
	if err != nil {
		s.failBeforeStart(p, err)
		return &SpawnError{Target: p.target, Err: err}
	}

	cmd := exec.Command(s.opts.SimulatorBinary, "-s", abs)
	return s.spawn(p, cmd)
}

// StopSimulator stops the simulator, first stopping every attached manager
// instance: managers depend on the simulator's transport and cannot outlive
// it usefully.
func (s *Supervisor) StopSimulator(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopSimulatorLocked(ctx)
}

func (s *Supervisor) stopSimulatorLocked(ctx context.Context) error {
	var errs []error
	for _, p := range s.activeManagers() {
		if err := s.stopProc(ctx, p); err != nil {
			log.Printf("Stopping manager %s before simulator: %v", p.target, err)
			errs = append(errs, fmt.Errorf("manager %s: %w", p.target, err))
		}
	}

	s.mu.RLock()
	p := s.sim
	s.mu.RUnlock()
	if p == nil || !p.state.active() {
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		return ErrNotRunning
	}
	if err := s.stopProc(ctx, p); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StartManager launches one subnet-manager instance bound to the named
// host adapter. The binding contract is the umad2sim shim: LD_PRELOAD
// points at the shim and SIM_HOST names the adapter inside the live
// simulation.
func (s *Supervisor) StartManager(ctx context.Context, id, adapter, confPath string) error {
	if id == "" || id == SimulatorTarget {
		return fmt.Errorf("invalid manager instance id %q", id)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if existing := s.managers[id]; existing != nil && existing.state.active() {
		s.mu.Unlock()
		return fmt.Errorf("instance %q: %w", id, ErrDuplicateInstance)
	}
	if s.sim == nil || s.sim.state != StateRunning {
		s.mu.Unlock()
		return ErrSimulatorNotRunning
	}
	resolver := s.adapters
	s.mu.Unlock()

	if resolver != nil && !resolver(adapter) {
		return fmt.Errorf("adapter %q: %w", adapter, ErrUnknownAdapter)
	}

	p := newProc(id, adapter)
	s.mu.Lock()
	s.managers[id] = p
	s.mu.Unlock()
	s.notify(p, StateStopped, StateStarting)

	var args []string
	if confPath != "" {
		if _, err := os.Stat(confPath); err == nil {
			args = append(args, "-F", confPath)
		}
	}
	cmd := exec.Command(s.opts.ManagerBinary, args...)
	cmd.Env = append(os.Environ(),
		"LD_PRELOAD="+s.opts.ShimPath,
		"SIM_HOST="+adapter,
	)
	return s.spawn(p, cmd)
}

// StopManager stops one manager instance.
func (s *Supervisor) StopManager(ctx context.Context, id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	p := s.managers[id]
	s.mu.RUnlock()
	if p == nil || !p.state.active() {
		return fmt.Errorf("instance %q: %w", id, ErrUnknownTarget)
	}
	return s.stopProc(ctx, p)
}

// StopAll force-stops every child: managers first, then the simulator.
// Used on orchestrator shutdown.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := s.stopSimulatorLocked(ctx)
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// Subscribe attaches a log observer to a process. The channel delivers the
// buffered history first, then the live tail, and closes when the process
// reaches a terminal state. Subscribing to a stopped process replays the
// history and closes. The returned function detaches the observer.
func (s *Supervisor) Subscribe(target string) (<-chan string, func(), error) {
	p := s.lookup(target)
	if p == nil {
		return nil, nil, fmt.Errorf("%q: %w", target, ErrUnknownTarget)
	}
	ch, cancel := p.logs.Subscribe()
	return ch, cancel, nil
}

// LogHistory returns the buffered log lines of a process.
func (s *Supervisor) LogHistory(target string) ([]string, error) {
	p := s.lookup(target)
	if p == nil {
		return nil, fmt.Errorf("%q: %w", target, ErrUnknownTarget)
	}
	return p.logs.Lines(), nil
}

// ProcessStatus is a point-in-time snapshot of one supervised process.
type ProcessStatus struct {
	Target  string `json:"target"`
	Adapter string `json:"adapter,omitempty"`
	State   State  `json:"state"`
	PID     int    `json:"pid,omitempty"`
}

// SimulatorStatus reports the simulator's current state.
func (s *Supervisor) SimulatorStatus() ProcessStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sim == nil {
		return ProcessStatus{Target: SimulatorTarget, State: StateStopped}
	}
	return s.statusOf(s.sim)
}

// ManagerStatuses reports every known manager instance, sorted by ID.
// Stopped instances remain visible until replaced by a restart.
func (s *Supervisor) ManagerStatuses() []ProcessStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProcessStatus, 0, len(s.managers))
	for _, p := range s.managers {
		out = append(out, s.statusOf(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// RunningManagers returns the IDs of managers in an active state.
func (s *Supervisor) RunningManagers() []string {
	var out []string
	for _, p := range s.activeManagers() {
		out = append(out, p.target)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) statusOf(p *proc) ProcessStatus {
	st := ProcessStatus{Target: p.target, Adapter: p.adapter, State: p.state}
	if p.state.active() {
		st.PID = p.pid()
	}
	return st
}

func (s *Supervisor) lookup(target string) *proc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if target == SimulatorTarget {
		return s.sim
	}
	return s.managers[target]
}

func (s *Supervisor) activeManagers() []*proc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*proc
	for _, p := range s.managers {
		if p.state.active() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].target < out[j].target })
	return out
}

// spawn launches the command for p, wires the reaper, and confirms the
// process is alive before declaring it Running.
func (s *Supervisor) spawn(p *proc, cmd *exec.Cmd) error {
	if err := p.launch(cmd); err != nil {
		s.failBeforeStart(p, err)
		return &SpawnError{Target: p.target, Err: err}
	}
	go s.reap(p)

	// Readiness here means the OS process exists; the child's own protocol
	// readiness is opaque to this layer.
	time.Sleep(s.opts.StartupSettle)

	select {
	case <-p.done:
		return &SpawnError{Target: p.target, Err: errors.New("process exited during startup")}
	default:
	}

	alive, err := process.PidExists(int32(p.pid()))
	if err == nil && !alive {
		// Let the reaper settle the final state; report the spawn failure.
		return &SpawnError{Target: p.target, Err: errors.New("process not found after start")}
	}

	s.mu.Lock()
	if p.state != StateStarting {
		st := p.state
		s.mu.Unlock()
		return &SpawnError{Target: p.target, Err: fmt.Errorf("process exited during startup (state %s)", st)}
	}
	p.state = StateRunning
	s.mu.Unlock()
	s.notify(p, StateStarting, StateRunning)
	return nil
}

// stopProc runs the graceful-then-forceful ladder: SIGTERM to the process
// group, bounded grace wait, SIGKILL, bounded kill wait. A context
// cancellation skips straight to SIGKILL. Never blocks indefinitely.
func (s *Supervisor) stopProc(ctx context.Context, p *proc) error {
	s.mu.Lock()
	if !p.state.active() {
		s.mu.Unlock()
		return ErrNotRunning
	}
	from := p.state
	p.state = StateStopping
	p.stopRequested = true
	s.mu.Unlock()
	s.notify(p, from, StateStopping)

	p.signalGroup(syscall.SIGTERM)

	select {
	case <-p.done:
		return nil
	case <-time.After(s.opts.GracePeriod):
	case <-ctx.Done():
	}

	p.signalGroup(syscall.SIGKILL)

	select {
	case <-p.done:
		return nil
	case <-time.After(s.opts.KillWait):
		return &StopTimeoutError{Target: p.target}
	}
}

// reap waits for the process to exit, drains the log reader so the terminal
// marker lands after the last emitted line, settles the final state, and
// closes the log stream. An abnormal exit that nobody requested becomes
// Failed, never a stale Running.
func (s *Supervisor) reap(p *proc) {
	waitErr := p.cmd.Wait()
	<-p.readerDone

	s.mu.Lock()
	from := p.state
	var to State
	switch {
	case p.stopRequested:
		to = StateStopped
	case waitErr == nil:
		to = StateStopped
	default:
		to = StateFailed
	}
	p.state = to
	s.mu.Unlock()

	if waitErr != nil {
		p.logs.Append(fmt.Sprintf("*** %s exited: %v ***", p.target, waitErr))
	} else {
		p.logs.Append(fmt.Sprintf("*** %s exited ***", p.target))
	}
	p.logs.Close()
	// Observers are told before stop callers unblock on done, so a stop
	// sequence reports its transitions in the order they happened.
	s.notify(p, from, to)
	close(p.done)
}

// failBeforeStart settles a proc whose command never started.
func (s *Supervisor) failBeforeStart(p *proc, err error) {
	s.mu.Lock()
	from := p.state
	p.state = StateFailed
	s.mu.Unlock()

	p.logs.Append(fmt.Sprintf("*** %s failed to start: %v ***", p.target, err))
	p.logs.Close()
	close(p.done)
	s.notify(p, from, StateFailed)
}

func (s *Supervisor) notify(p *proc, from, to State) {
	log.Printf("Process %s: %s -> %s", p.target, from, to)
	s.mu.RLock()
	fn := s.onTransition
	s.mu.RUnlock()
	if fn != nil {
		fn(Transition{Target: p.target, Adapter: p.adapter, From: from, To: to, At: time.Now()})
	}
}
