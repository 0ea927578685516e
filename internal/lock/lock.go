package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/geoip_updater/internal/logctx"
)

// FileName is the name of the lock file inside the OS temp directory.
const FileName = "geoip-update.lock"

const filePerm = 0o644

// corruptGrace is how long a lock file without a PID is treated as held: a
// competitor may have created it and not written its PID yet.
const corruptGrace = 5 * time.Second

// State is the lifecycle of a Manager.
type State int

const (
	Unlocked State = iota
	Acquiring
	Held
	Released
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// AlreadyRunningError is returned when the lock file names a live process.
type AlreadyRunningError struct {
	PID  int
	Path string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("another instance is already running (PID: %d, lock: %s)", e.PID, e.Path)
}

// Handle identifies a held lock.
type Handle struct {
	Path     string
	OwnerPID int
}

// Manager is a cross-process mutex backed by a PID file. Ownership is decided
// by PID equality so a lock left behind by a crashed process can be detected
// and replaced.
type Manager struct {
	path     string
	enabled  bool
	pid      int
	liveness Liveness

	mu    sync.Mutex
	state State
}

// Option configures a Manager.
type Option func(*Manager)

// WithPath overrides the lock file location.
func WithPath(path string) Option {
	return func(m *Manager) { m.path = path }
}

// WithLiveness overrides the process liveness check.
func WithLiveness(l Liveness) Option {
	return func(m *Manager) { m.liveness = l }
}

// WithPID overrides the PID written to the lock file.
func WithPID(pid int) Option {
	return func(m *Manager) { m.pid = pid }
}

// NewManager creates a lock manager. When enabled is false Acquire and
// Release never touch the filesystem.
func NewManager(enabled bool, opts ...Option) *Manager {
	m := &Manager{
		path:     filepath.Join(os.TempDir(), FileName),
		enabled:  enabled,
		pid:      os.Getpid(),
		liveness: ProcessTable{},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Path returns the lock file location.
func (m *Manager) Path() string {
	return m.path
}

// Acquire takes the lock. A lock owned by a live process fails immediately
// with AlreadyRunningError; a stale lock is removed and replaced.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Held {
		return &Handle{Path: m.path, OwnerPID: m.pid}, nil
	}

	if !m.enabled {
		m.state = Held

		return &Handle{OwnerPID: m.pid}, nil
	}

	logger := logctx.LoggerFromContext(ctx).With("lock", m.path)
	m.state = Acquiring

	// Two passes: the second one covers a competitor that recreated the lock
	// between our stale removal and our exclusive create.
	for pass := range 2 {
		owner, err := m.readOwner()
		switch {
		case err == nil && owner != m.pid && m.liveness.IsAlive(owner):
			m.state = Unlocked

			return nil, &AlreadyRunningError{PID: owner, Path: m.path}
		case errors.Is(err, errCorrupt) && (pass > 0 || m.recentlyCreated()):
			// A competitor created the file and has not written its PID yet.
			m.state = Unlocked

			return nil, &AlreadyRunningError{Path: m.path}
		case err == nil || errors.Is(err, errCorrupt):
			logger.WarnContext(ctx, "removing stale lock file", "pid", owner)

			if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				m.state = Unlocked

				return nil, fmt.Errorf("failed to remove stale lock: %w", err)
			}
		case !errors.Is(err, fs.ErrNotExist):
			m.state = Unlocked

			return nil, fmt.Errorf("failed to read lock file: %w", err)
		}

		created, err := m.create()
		if err != nil {
			m.state = Unlocked

			return nil, err
		}

		if created {
			m.state = Held
			logger.DebugContext(ctx, "lock acquired", "pid", m.pid)

			return &Handle{Path: m.path, OwnerPID: m.pid}, nil
		}
	}

	m.state = Unlocked

	owner, _ := m.readOwner()

	return nil, &AlreadyRunningError{PID: owner, Path: m.path}
}

// Release removes the lock file, but only while it still names this process.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Held {
		return nil
	}

	m.state = Released

	if !m.enabled {
		return nil
	}

	owner, err := m.readOwner()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("failed to read lock file: %w", err)
	}

	if owner != m.pid {
		logctx.LoggerFromContext(ctx).Warn("lock file now owned by another process, leaving it",
			"lock", m.path, "pid", owner)

		return nil
	}

	if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}

	return nil
}

var errCorrupt = errors.New("lock file does not contain a PID")

func (m *Manager) readOwner() (int, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errCorrupt
	}

	return pid, nil
}

func (m *Manager) recentlyCreated() bool {
	info, err := os.Stat(m.path)
	if err != nil {
		return false
	}

	return time.Since(info.ModTime()) < corruptGrace
}

// create writes the lock exclusively. It reports false when another process
// created the file first.
func (m *Manager) create() (bool, error) {
	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to create lock file: %w", err)
	}

	if _, err := f.WriteString(strconv.Itoa(m.pid)); err != nil {
		f.Close()
		os.Remove(m.path)

		return false, fmt.Errorf("failed to write lock file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(m.path)

		return false, fmt.Errorf("failed to write lock file: %w", err)
	}

	return true, nil
}
