// Package file holds small filesystem helpers.
package file

import (
	"fmt"
	"os"
	"syscall"
)

// Lock is an exclusive advisory lock on a file, used to keep two server
// processes from opening the same world directory.
type Lock struct {
	path string
	f    *os.File
}

// NewLock prepares a lock on the given path; nothing is acquired yet.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire takes the exclusive lock, creating the file when absent. It does
// not block: a held lock is reported as an error.
func (l *Lock) Acquire() error {
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return fmt.Errorf("%s is locked by another process", l.path)
	}
	l.f = f
	return nil
}

// Release drops the lock and closes the file.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	defer l.f.Close()
	return syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
}

// IsLocked reports whether another process currently holds the lock.
func IsLocked(path string) bool {
	l := NewLock(path)
	if err := l.Acquire(); err != nil {
		return true
	}
	_ = l.Release()
	return false
}
