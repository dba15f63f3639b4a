package fsutil

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is an exclusive advisory lock on a lock file.
type FileLock struct {
	f *os.File
}

// Lock blocks until it holds an exclusive flock on path. The lock file is
// created when missing and is never removed.
func Lock(path string, owner *OwnerConfig) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	Chown(path, owner)

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}

	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return &FileLock{f: f}, nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		_ = l.f.Close()

		return fmt.Errorf("unlocking %s: %w", l.f.Name(), err)
	}

	return l.f.Close()
}
