package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// Guard is the host-local single-instance lock for one source database.
// The underlying advisory lock is released by the OS when the process dies,
// so a crashed instance can never block a restart.
type Guard struct {
	lock   *flock.Flock
	logger *zap.Logger
}

// ErrAlreadyLocked is returned when another process holds the lock.
type ErrAlreadyLocked struct {
	Path string
}

func (e *ErrAlreadyLocked) Error() string {
	return fmt.Sprintf("another replication instance is already running (lock file: %s)", e.Path)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Path returns the lock file path for a source database name inside dir.
func Path(dir, sourceDB string) string {
	name := unsafeNameChars.ReplaceAllString(strings.TrimSpace(sourceDB), "_")
	return filepath.Join(dir, fmt.Sprintf("tailsync_%s.lock", name))
}

// Acquire takes the exclusive lock for sourceDB, failing fast when another
// instance on this host already holds it. The lock is held for the process
// lifetime; cross-host exclusion is explicitly not provided.
func Acquire(dir, sourceDB string, logger *zap.Logger) (*Guard, error) {
	log := logger.Named("lockfile")
	path := Path(dir, sourceDB)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, &ErrAlreadyLocked{Path: path}
	}

	log.Info("Acquired single-instance lock",
		zap.String("path", path),
		zap.Int("pid", os.Getpid()),
	)
	return &Guard{lock: fl, logger: log}, nil
}

// Release unlocks and removes the lock file. Safe to call once at shutdown;
// if the process dies first, the OS releases the lock anyway.
func (g *Guard) Release() error {
	if g == nil || g.lock == nil {
		return nil
	}
	path := g.lock.Path()
	if err := g.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("Could not remove lock file", zap.String("path", path), zap.Error(err))
	}
	g.logger.Info("Released single-instance lock", zap.String("path", path))
	return nil
}
