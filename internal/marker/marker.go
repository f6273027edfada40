package marker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Marker file names inside the data directory.
const (
	RuntimePathFile   = ".python-path"
	RuntimeBackupFile = ".python-path.backup"
	InProgressFile    = ".setup-in-progress"
	ErrorFile         = ".setup-error"
	CompleteFile      = ".setup-complete"
	ToolPathFile      = ".uv-path"
)

// Defaults for marker freshness.
const (
	DefaultStaleAfter = 10 * time.Minute
	DefaultFreshFor   = 24 * time.Hour
)

// ErrInProgress is returned by Acquire when a fresh in-progress marker exists.
var ErrInProgress = errors.New("bootstrap already in progress")

type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseInProgress
	PhaseFailed
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseInProgress:
		return "in_progress"
	case PhaseFailed:
		return "failed"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// State is the persisted bootstrap state. Only the fields relevant to Phase are set.
type State struct {
	Phase       Phase
	StartedAt   time.Time
	Reason      string
	RuntimePath string
	CompletedAt time.Time
}

// Abandoned reports whether an in-progress state is older than staleAfter.
func (s State) Abandoned(now time.Time, staleAfter time.Duration) bool {
	if s.Phase != PhaseInProgress {
		return false
	}
	return s.StartedAt.IsZero() || now.Sub(s.StartedAt) > staleAfter
}

// Fresh reports whether a complete state finished within freshFor.
func (s State) Fresh(now time.Time, freshFor time.Duration) bool {
	if s.Phase != PhaseComplete || s.CompletedAt.IsZero() {
		return false
	}
	return now.Sub(s.CompletedAt) <= freshFor
}

// Store reads and writes marker files under a single directory.
// Writing one phase removes the markers of the other phases.
type Store struct {
	dir string
	now func() time.Time
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// Load returns the authoritative state. Precedence: in-progress, failed, complete.
// A complete marker without a readable runtime path is reported as not started.
func (s *Store) Load() (State, error) {
	if raw, ok, err := s.read(InProgressFile); err != nil {
		return State{}, err
	} else if ok {
		return State{Phase: PhaseInProgress, StartedAt: parseTime(raw)}, nil
	}
	if raw, ok, err := s.read(ErrorFile); err != nil {
		return State{}, err
	} else if ok {
		return State{Phase: PhaseFailed, Reason: raw}, nil
	}
	done, ok, err := s.read(CompleteFile)
	if err != nil {
		return State{}, err
	}
	if ok {
		rp, hasPath, err := s.read(RuntimePathFile)
		if err != nil {
			return State{}, err
		}
		if hasPath && rp != "" {
			return State{Phase: PhaseComplete, RuntimePath: rp, CompletedAt: parseTime(done)}, nil
		}
	}
	return State{Phase: PhaseNotStarted}, nil
}

// Acquire atomically creates the in-progress marker. A fresh marker held by
// someone else yields ErrInProgress; an abandoned one is replaced.
func (s *Store) Acquire(staleAfter time.Duration) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(s.path(InProgressFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(s.now().UTC().Format(time.RFC3339Nano))
			cerr := f.Close()
			if werr != nil {
				return werr
			}
			if cerr != nil {
				return cerr
			}
			_ = os.Remove(s.path(ErrorFile))
			_ = os.Remove(s.path(CompleteFile))
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
		raw, _, rerr := s.read(InProgressFile)
		if rerr != nil {
			return rerr
		}
		held := State{Phase: PhaseInProgress, StartedAt: parseTime(raw)}
		if !held.Abandoned(s.now(), staleAfter) {
			return fmt.Errorf("%w since %s", ErrInProgress, held.StartedAt.Format(time.RFC3339))
		}
		if err := os.Remove(s.path(InProgressFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return ErrInProgress
}

// MarkFailed records reason and clears the in-progress and complete markers.
func (s *Store) MarkFailed(reason string) error {
	if err := s.write(ErrorFile, reason); err != nil {
		return err
	}
	_ = os.Remove(s.path(InProgressFile))
	_ = os.Remove(s.path(CompleteFile))
	return nil
}

// MarkComplete records the runtime path. The previous path, if different, is kept as backup.
func (s *Store) MarkComplete(runtimePath string) error {
	if prev, ok, _ := s.read(RuntimePathFile); ok && prev != "" && prev != runtimePath {
		if err := s.write(RuntimeBackupFile, prev); err != nil {
			return err
		}
	}
	if err := s.write(RuntimePathFile, runtimePath); err != nil {
		return err
	}
	if err := s.write(CompleteFile, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	_ = os.Remove(s.path(InProgressFile))
	_ = os.Remove(s.path(ErrorFile))
	return nil
}

// Release removes the in-progress marker without recording an outcome.
func (s *Store) Release() error {
	err := os.Remove(s.path(InProgressFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// RuntimePath returns the recorded runtime path, falling back to the backup.
func (s *Store) RuntimePath() (string, bool) {
	for _, name := range []string{RuntimePathFile, RuntimeBackupFile} {
		if p, ok, _ := s.read(name); ok && p != "" {
			return p, true
		}
	}
	return "", false
}

// LastError returns the content of the error marker, if any.
func (s *Store) LastError() (string, bool) {
	raw, ok, _ := s.read(ErrorFile)
	return raw, ok && raw != ""
}

func (s *Store) ToolPath() (string, bool) {
	p, ok, _ := s.read(ToolPathFile)
	return p, ok && p != ""
}

func (s *Store) SetToolPath(p string) error { return s.write(ToolPathFile, p) }

func (s *Store) ClearToolPath() error {
	err := os.Remove(s.path(ToolPathFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) read(name string) (string, bool, error) {
	b, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(b)), true, nil
}

func (s *Store) write(name, content string) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return err
	}
	return os.WriteFile(s.path(name), []byte(content), 0o600)
}

// parseTime returns the zero time for unreadable timestamps, which makes an
// in-progress marker count as abandoned.
func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}
	}
	return t
}
