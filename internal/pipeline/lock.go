package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrBusy is returned when another run holds the machine-wide lock.
var ErrBusy = errors.New("another pipeline run is in progress")

// acquireLock takes the run lock at path without waiting. An empty path
// disables locking.
func acquireLock(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	l := flock.New(path)
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock: %s)", ErrBusy, path)
	}
	return func() { _ = l.Unlock() }, nil
}
