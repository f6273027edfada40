package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/internal/metrics"
)

// DefaultSettle is how long to wait after terminating an occupant before the
// port is assumed bindable again.
const DefaultSettle = 5 * time.Second

// Policy decides what to do with a process that already listens on the port.
type Policy int

const (
	PolicyRespect Policy = iota
	PolicyForce
)

func (p Policy) String() string {
	if p == PolicyForce {
		return "force"
	}
	return "respect"
}

// Occupant is a process listening on the contested port.
type Occupant struct {
	PID  int32  `json:"pid"`
	Name string `json:"name,omitempty"`
}

// Report describes what Reclaim observed and did.
type Report struct {
	Port      int        `json:"port"`
	Occupants []Occupant `json:"occupants,omitempty"`
	Killed    []int32    `json:"killed,omitempty"`
	Settled   bool       `json:"settled"`
}

// Finder lists the processes listening on a TCP port.
type Finder interface {
	Listeners(ctx context.Context, port int) ([]Occupant, error)
}

// Killer forcibly terminates a process.
type Killer func(ctx context.Context, pid int32) error

// Arbiter resolves conflicts over the service port.
type Arbiter struct {
	finder Finder
	kill   Killer
	settle time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	self   int32
	logger *slog.Logger
}

type Option func(*Arbiter)

func WithFinder(f Finder) Option { return func(a *Arbiter) { a.finder = f } }
func WithKiller(k Killer) Option { return func(a *Arbiter) { a.kill = k } }
func WithSettle(d time.Duration) Option { return func(a *Arbiter) { a.settle = d } }
func WithLogger(l *slog.Logger) Option { return func(a *Arbiter) { a.logger = l } }
func withSleep(s func(context.Context, time.Duration) error) Option {
	return func(a *Arbiter) { a.sleep = s }
}

func New(opts ...Option) *Arbiter {
	a := &Arbiter{
		finder: SystemFinder{},
		kill:   killProcess,
		settle: DefaultSettle,
		sleep:  sleepCtx,
		self:   int32(os.Getpid()),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("component", "arbiter")
	return a
}

// Reclaim inspects the listeners on host:port. Under PolicyRespect an occupant
// is only reported, as a PortConflict error. Under PolicyForce every occupant
// other than this process is killed and the call waits the settle interval
// before returning. No occupant is a no-op.
func (a *Arbiter) Reclaim(ctx context.Context, host string, port int, policy Policy) (Report, error) {
	rep := Report{Port: port}
	occ, err := a.finder.Listeners(ctx, port)
	if err != nil {
		return rep, fmt.Errorf("list listeners on port %d: %w", port, err)
	}
	rep.Occupants = occ
	if len(occ) == 0 {
		a.logger.Debug("port is free", "port", port)
		return rep, nil
	}

	if policy == PolicyRespect {
		a.logger.Warn("port is occupied", "host", host, "port", port, "occupants", occ)
		return rep, errdefs.New(errdefs.CodePortConflict, "port %d on %s is in use by %s", port, host, describe(occ)).
			WithSuggestion("stop the other process, choose another port, or enable force_port")
	}

	for _, o := range occ {
		if o.PID == a.self {
			a.logger.Warn("refusing to terminate own process", "pid", o.PID)
			continue
		}
		a.logger.Info("terminating process holding port", "port", port, "pid", o.PID, "name", o.Name)
		if err := a.kill(ctx, o.PID); err != nil {
			a.logger.Warn("failed to terminate process", "pid", o.PID, "error", err)
			continue
		}
		rep.Killed = append(rep.Killed, o.PID)
		metrics.IncPortReclaim(strconv.Itoa(port))
	}
	if len(rep.Killed) == 0 {
		return rep, errdefs.New(errdefs.CodePortConflict, "could not free port %d held by %s", port, describe(occ))
	}

	a.logger.Debug("waiting for port to settle", "port", port, "settle", a.settle)
	if err := a.sleep(ctx, a.settle); err != nil {
		return rep, err
	}
	rep.Settled = true
	if InUse(host, port) {
		a.logger.Warn("port still in use after reclaim", "port", port)
	}
	return rep, nil
}

// InUse reports whether binding host:port fails.
func InUse(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(bindHost(host), strconv.Itoa(port)))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

func bindHost(host string) string {
	if host == "" || strings.EqualFold(host, "localhost") {
		return "127.0.0.1"
	}
	return host
}

func describe(occ []Occupant) string {
	parts := make([]string, 0, len(occ))
	for _, o := range occ {
		if o.Name != "" {
			parts = append(parts, fmt.Sprintf("%s (pid %d)", o.Name, o.PID))
		} else {
			parts = append(parts, fmt.Sprintf("pid %d", o.PID))
		}
	}
	return strings.Join(parts, ", ")
}

// SystemFinder lists listeners through the operating system's connection table.
type SystemFinder struct{}

func (SystemFinder) Listeners(ctx context.Context, port int) ([]Occupant, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	seen := make(map[int32]bool)
	var out []Occupant
	for _, c := range conns {
		if int(c.Laddr.Port) != port || c.Status != "LISTEN" || c.Pid <= 0 || seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		o := Occupant{PID: c.Pid}
		if p, err := process.NewProcessWithContext(ctx, c.Pid); err == nil {
			o.Name, _ = p.NameWithContext(ctx)
		}
		out = append(out, o)
	}
	return out, nil
}

func killProcess(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	return p.KillWithContext(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
