//go:build !unix

package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

// LockFileName is the data directory lock file.
const LockFileName = "LOCK"

// dirLock approximates the unix flock with an exclusively created lock file.
// Unlike flock it does not survive a crashed owner; the stale file must be
// removed by hand.
type dirLock struct {
	path string
	file *os.File
}

func acquireDirLock(dir string) (*dirLock, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("engine: failed to create data directory: %w", err)
	}

	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if os.IsExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrConcurrencyConflict, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: failed to create lock file: %w", err)
	}
	return &dirLock{path: path, file: f}, nil
}

func (l *dirLock) release() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	return os.Remove(l.path)
}
