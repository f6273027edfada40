package process

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/research41/stata-mcp/internal/errdefs"
)

// DefaultStopGrace is how long Stop waits after the polite signal before
// killing the process group.
const DefaultStopGrace = 3 * time.Second

// reapWait bounds how long Kill and Stop wait for the waiter after SIGKILL.
const reapWait = 2 * time.Second

// Process is a handle to one launched worker. It is released when the
// process exits; the exit is observable through Done.
type Process struct {
	id        string
	spec      LaunchSpec
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{}

	mu        sync.Mutex
	stopping  bool
	exitErr   error
	exitCode  int
	exitKnown bool
	stoppedAt time.Time
	stdout    io.WriteCloser
	stderr    io.WriteCloser
}

// Launch starts the worker described by spec. stdout and stderr receive the
// child's streams and are closed after the child exits; either may be nil.
func Launch(spec LaunchSpec, stdout, stderr io.WriteCloser) (*Process, error) {
	if spec.Python == "" {
		return nil, errdefs.New(errdefs.CodeLaunchFailed, "no interpreter configured for %s", spec.Name)
	}
	cmd := spec.BuildCommand()
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	if err := cmd.Start(); err != nil {
		closeQuietly(stdout)
		closeQuietly(stderr)
		return nil, errdefs.Wrap(errdefs.CodeLaunchFailed, err, "start %s", spec.CommandLine()).
			WithSuggestion("check that the Python runtime exists and the worker script path is correct")
	}
	p := &Process{
		id:        uuid.NewString(),
		spec:      spec,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		stdout:    stdout,
		stderr:    stderr,
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.stoppedAt = time.Now()
	if ps := p.cmd.ProcessState; ps != nil {
		// -1 means terminated by a signal
		if code := ps.ExitCode(); code >= 0 {
			p.exitCode, p.exitKnown = code, true
		}
	}
	out, errw := p.stdout, p.stderr
	p.stdout, p.stderr = nil, nil
	p.mu.Unlock()
	closeQuietly(out)
	closeQuietly(errw)
	close(p.done)
}

func (p *Process) ID() string           { return p.id }
func (p *Process) PID() int             { return p.cmd.Process.Pid }
func (p *Process) Spec() LaunchSpec     { return p.spec }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has exited and its streams are flushed.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the process has not exited yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code once exited. ok is false while running and
// when the process was terminated by a signal.
func (p *Process) ExitCode() (code int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitKnown
}

// StopRequested reports whether Stop or Kill was called on this handle.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Stop signals the process group politely and escalates to a kill after grace.
func (p *Process) Stop(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	p.markStopping()
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	pid := p.PID()
	if err := terminateGroup(pid); err != nil {
		return p.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	return p.Kill()
}

// Kill terminates the process group immediately and waits briefly for reaping.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	p.markStopping()
	if err := killGroup(p.PID()); err != nil && p.Alive() {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(reapWait):
		return errors.New("process did not exit after kill")
	}
}

func (p *Process) markStopping() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		ID:        p.id,
		Name:      p.spec.Name,
		PID:       p.cmd.Process.Pid,
		Running:   p.Alive(),
		StartedAt: p.startedAt,
		StoppedAt: p.stoppedAt,
		Strategy:  p.spec.Strategy.String(),
	}
	if p.exitKnown {
		code := p.exitCode
		s.ExitCode = &code
	}
	if p.exitErr != nil {
		s.ExitErr = p.exitErr.Error()
	}
	return s
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
