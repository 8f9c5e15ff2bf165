package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// killGrace is how long a worker process gets to exit after SIGTERM.
const killGrace = 3 * time.Second

// Process runs one local worker process per session. The command may use
// {port} which is replaced by a free loopback port; PORT is also exported.
type Process struct {
	command []string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewProcess creates a provisioner running command.
func NewProcess(command []string) (*Process, error) {
	if len(command) == 0 {
		return nil, errors.New("process provisioner needs a command")
	}
	return &Process{command: command, procs: make(map[string]*exec.Cmd)}, nil
}

// Name implements Provisioner.
func (p *Process) Name() string { return "process" }

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Provision starts the worker process.
func (p *Process) Provision(_ context.Context, spec Spec) (Instance, error) {
	port, err := freePort()
	if err != nil {
		return Instance{}, fmt.Errorf("allocating port: %w", err)
	}
	portStr := strconv.Itoa(port)
	args := make([]string, len(p.command))
	for i, a := range p.command {
		args[i] = strings.ReplaceAll(a, "{port}", portStr)
	}

	// Not bound to the request context: the worker outlives Provision.
	cmd := exec.Command(args[0], args[1:]...) //nolint:gosec // operator-configured command
	cmd.Env = append(os.Environ(), "PORT="+portStr, "DEEPINSIGHT_SESSION_ID="+spec.SessionID)
	configureProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return Instance{}, fmt.Errorf("starting %s: %w", args[0], err)
	}
	go func() { _ = cmd.Wait() }()

	id := strconv.Itoa(cmd.Process.Pid)
	p.mu.Lock()
	p.procs[id] = cmd
	p.mu.Unlock()
	return Instance{ID: id, Address: "http://127.0.0.1:" + portStr}, nil
}

// Teardown terminates the worker and every process it spawned.
func (p *Process) Teardown(ctx context.Context, inst Instance) error {
	p.mu.Lock()
	cmd, ok := p.procs[inst.ID]
	delete(p.procs, inst.ID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return terminateTree(ctx, int32(cmd.Process.Pid), killGrace)
}

// terminateTree sends SIGTERM to pid and its descendants, then kills
// whatever is still running after grace.
func terminateTree(ctx context.Context, pid int32, grace time.Duration) error {
	root, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	tree := append(descendants(ctx, root), root)

	for _, proc := range tree {
		_ = proc.TerminateWithContext(ctx)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyRunning(ctx, tree) {
			return nil
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(100 * time.Millisecond):
		}
	}

	var errs []error
	for _, proc := range tree {
		if running, _ := proc.IsRunningWithContext(ctx); running {
			if err := proc.KillWithContext(ctx); err != nil {
				errs = append(errs, fmt.Errorf("killing %d: %w", proc.Pid, err))
			}
		}
	}
	return errors.Join(errs...)
}

func descendants(ctx context.Context, p *process.Process) []*process.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, c := range children {
		out = append(out, descendants(ctx, c)...)
		out = append(out, c)
	}
	return out
}

func anyRunning(ctx context.Context, procs []*process.Process) bool {
	for _, p := range procs {
		if running, err := p.IsRunningWithContext(ctx); err == nil && running {
			return true
		}
	}
	return false
}
