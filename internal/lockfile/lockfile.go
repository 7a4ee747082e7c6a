// Package lockfile provides cross-process exclusive locking and atomic
// replacement for a single state file.
//
// Every on-disk resource (session table, notification queue, last-run table,
// brain) is guarded by its own lock scoped to the file's path. The lock is an
// advisory flock(2) on a "<path>.lock" sidecar, so independent processes (the
// bot front end and the scheduler daemon) serialize their read-modify-write
// cycles without any shared in-process state.
//
// Acquisition blocks indefinitely. A holder killed mid-section requires
// operator intervention; there is deliberately no timeout.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// With acquires the exclusive lock for path, runs fn, and releases the lock
// on every exit path (including panics, via defer).
func With(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open lock %s: %w", lockPath, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("flock %s: %w", lockPath, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

// Update is the read-modify-write cycle: it runs fn under the lock with the
// freshest on-disk content and, if fn returns replacement bytes, installs
// them atomically before the lock is released. A nil return from fn means
// "no write". A missing file is presented to fn as nil content.
func Update(path string, fn func(data []byte) ([]byte, error)) error {
	return With(path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			data = nil
		}
		out, err := fn(data)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		return WriteAtomic(path, out, 0o644)
	})
}

// Read runs fn under the lock with the current content of path. Reads go
// through the same exclusive lock as writes so a reader never observes a
// state mid-write from another process.
func Read(path string, fn func(data []byte) error) error {
	return With(path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			data = nil
		}
		return fn(data)
	})
}

// WriteAtomic replaces path with data via a temp file in the same directory
// plus rename, so no reader ever sees a partially written file. The temp file
// is removed on any failure before the rename.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
