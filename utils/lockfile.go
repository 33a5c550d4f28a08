package utils

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// LockError reports that a required exclusive lock could not be set up. A
// lock held by another live process is not a LockError: Lock blocks until
// the holder releases it. Waiting beats a split-brain write to the state
// file, so there is no timeout.
type LockError struct {
	Path string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("cannot lock %s: %v", e.Path, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// FileLock is an exclusive advisory lock on a path, taken with flock(2).
// The file is created if it does not exist and stays in place after Unlock;
// only the lock is released.
type FileLock struct {
	path string
	f    *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock opens the path and blocks until the exclusive lock is granted.
func (l *FileLock) Lock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return &LockError{Path: l.path, Err: err}
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return &LockError{Path: l.path, Err: err}
	}
	l.f = f
	return nil
}

// Unlock releases the lock and closes the file.
func (l *FileLock) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	if err != nil {
		return &LockError{Path: l.path, Err: err}
	}
	return nil
}

// File exposes the locked handle so callers can read or write through the
// same descriptor the lock is held on.
func (l *FileLock) File() *os.File { return l.f }
