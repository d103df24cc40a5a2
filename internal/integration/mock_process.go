// Package integration holds test doubles for worker processes and the
// end-to-end scenarios that drive the whole engine through them.
package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ytnobody/rolerelay/internal/supervisor"
)

// MockProcess implements supervisor.Process without an OS process.
type MockProcess struct {
	Spec supervisor.Spec

	pid        int
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	terminated bool
	err        error
}

func (p *MockProcess) PID() int              { return p.pid }
func (p *MockProcess) Done() <-chan struct{} { return p.done }

func (p *MockProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *MockProcess) Terminate(time.Duration) error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

// Crash makes the process exit with an error.
func (p *MockProcess) Crash() { p.exit(errors.New("exit status 1")) }

// Terminated reports whether the supervisor asked the process to stop.
func (p *MockProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *MockProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// MockLauncher records every launch and confirms readiness by writing the
// ready marker, as a well behaved worker would.
type MockLauncher struct {
	// ReadyFile and StatusFile default to the supervisor defaults.
	ReadyFile  string
	StatusFile string
	// Crash makes every launched process exit immediately.
	Crash bool

	mu    sync.Mutex
	procs []*MockProcess
}

func NewMockLauncher() *MockLauncher {
	return &MockLauncher{ReadyFile: ".ready", StatusFile: "status.yaml"}
}

func (l *MockLauncher) Launch(_ context.Context, spec supervisor.Spec) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &MockProcess{Spec: spec, pid: 2000 + len(l.procs), done: make(chan struct{})}
	l.procs = append(l.procs, p)
	if l.Crash {
		p.Crash()
		return p, nil
	}
	if err := os.WriteFile(filepath.Join(spec.WorkDir, l.ReadyFile), nil, 0644); err != nil {
		return nil, err
	}
	return p, nil
}

// Launches returns the specs of every launch in order.
func (l *MockLauncher) Launches() []supervisor.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]supervisor.Spec, len(l.procs))
	for i, p := range l.procs {
		out[i] = p.Spec
	}
	return out
}

// Roles returns the launched roles in order.
func (l *MockLauncher) Roles() []string {
	var out []string
	for _, s := range l.Launches() {
		out = append(out, s.Role)
	}
	return out
}

// Process returns the most recent process launched for role.
func (l *MockLauncher) Process(role string) (*MockProcess, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.procs) - 1; i >= 0; i-- {
		if l.procs[i].Spec.Role == role {
			return l.procs[i], true
		}
	}
	return nil, false
}

// Report writes a status record into the work directory of role's most
// recent process, the way a worker reports progress.
func (l *MockLauncher) Report(role string, st supervisor.Status) error {
	p, ok := l.Process(role)
	if !ok {
		return fmt.Errorf("no process launched for %s", role)
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.Spec.WorkDir, l.StatusFile), data, 0644)
}

var _ supervisor.Launcher = (*MockLauncher)(nil)
