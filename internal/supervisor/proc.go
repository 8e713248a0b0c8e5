package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// proc is one supervised child process: the simulator or a manager
// instance. State and stopRequested are guarded by the Supervisor's table
// mutex; everything else is set once at launch.
type proc struct {
	target  string // SimulatorTarget or the manager instance ID
	adapter string // bound adapter name, managers only
	state   State
	cmd     *exec.Cmd
	logs    *logBuffer

	stopRequested bool
	readerDone    chan struct{} // closed when the log reader hits EOF
	done          chan struct{} // closed once the process is reaped
}

func newProc(target, adapter string) *proc {
	return &proc{
		target:     target,
		adapter:    adapter,
		state:      StateStarting,
		logs:       newLogBuffer(),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (p *proc) pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// launch starts cmd in its own process group with stdout and stderr merged
// into the proc's log buffer. The process group lets a stop signal reach
// any children the binary forks.
func (p *proc) launch(cmd *exec.Cmd) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create log pipe: %w", err)
	}

	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return err
	}
	// The child holds its own copy of the write end.
	pw.Close()
	p.cmd = cmd

	go func() {
		defer close(p.readerDone)
		defer pr.Close()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			p.logs.Append(scanner.Text())
		}
	}()

	return nil
}

// signalGroup delivers sig to the whole process group.
func (p *proc) signalGroup(sig syscall.Signal) {
	if pid := p.pid(); pid > 0 {
		syscall.Kill(-pid, sig)
	}
}
