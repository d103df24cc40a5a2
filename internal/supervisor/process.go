package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Spec describes one worker launch.
type Spec struct {
	Role      string
	SessionID string
	Phase     string
	WorkDir   string
	Command   string
	Args      []string
	Env       []string
}

// Process is a running worker.
type Process interface {
	PID() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed.
	Err() error
	// Terminate asks the process to stop, waits up to grace, then kills it.
	Terminate(grace time.Duration) error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher runs workers as OS processes in their own process group, with
// stdout and stderr appended to worker.log in the work directory.
type ExecLauncher struct{}

func (ExecLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	if err := os.MkdirAll(spec.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(spec.WorkDir, "worker.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}

	// The worker outlives any single request context; StopRole owns its end.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env,
		"ROLERELAY_ROLE="+spec.Role,
		"ROLERELAY_SESSION="+spec.SessionID,
		"ROLERELAY_PHASE="+spec.Phase,
		"ROLERELAY_WORKDIR="+spec.WorkDir,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start worker %s: %w", spec.Role, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		logFile.Close()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	signalTerm(p.cmd)
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	forceKill(p.cmd)
	select {
	case <-p.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("worker %d did not exit after kill", p.PID())
	}
}
