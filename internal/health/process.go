package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// defaultStopGrace is how long a process gets to exit after SIGTERM.
const defaultStopGrace = 2 * time.Second

var errNotRunning = errors.New("process not running")

// ProcessService supervises a local child process.
type ProcessService struct {
	Path  string
	Args  []string
	Env   []string
	Grace time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

// NewProcessService returns a supervisor handle for path with args.
func NewProcessService(path string, args ...string) *ProcessService {
	return &ProcessService{Path: path, Args: args, Grace: defaultStopGrace}
}

// Start launches the process; starting a running process is a no-op.
// The process is not bound to ctx: it outlives the start call.
func (p *ProcessService) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runningLocked() {
		return nil
	}
	cmd := exec.Command(p.Path, p.Args...)
	cmd.Env = append(os.Environ(), p.Env...)
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan struct{})
	p.cmd, p.done, p.exitErr = cmd, done, nil
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		if p.cmd == cmd {
			p.exitErr = err
		}
		p.mu.Unlock()
		close(done)
	}()
	return nil
}

func (p *ProcessService) runningLocked() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// HealthCheck reports the process as healthy while it is running.
func (p *ProcessService) HealthCheck(context.Context) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return Result{}, errNotRunning
	}
	if !p.runningLocked() {
		if p.exitErr != nil {
			return Result{}, fmt.Errorf("%w: %v", errNotRunning, p.exitErr)
		}
		return Result{}, fmt.Errorf("%w: exited", errNotRunning)
	}
	return Result{Healthy: true, Detail: fmt.Sprintf("pid %d", p.cmd.Process.Pid)}, nil
}

// Stop sends SIGTERM and kills the process if it has not exited within the
// grace period or before ctx ends.
func (p *ProcessService) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	running := p.runningLocked()
	p.mu.Unlock()
	if !running {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	grace := p.Grace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-done
	return nil
}

// Pid returns the pid of the running process, or 0.
func (p *ProcessService) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.runningLocked() {
		return 0
	}
	return p.cmd.Process.Pid
}
