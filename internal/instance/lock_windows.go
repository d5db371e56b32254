//go:build windows

// ABOUTME: Named-mutex Locker for Windows using the Global\ and Local\ kernel namespaces.
// ABOUTME: Owner records live in side files since a mutex cannot carry data.

package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// MutexLocker implements Locker with CreateMutex.
type MutexLocker struct {
	// OwnerDir holds the advisory owner records.
	OwnerDir string
}

// NewLocker returns the platform Locker.
func NewLocker() Locker {
	_, local := DefaultDirs()
	return &MutexLocker{OwnerDir: local}
}

func (l *MutexLocker) ownerPath(name string, scope Scope) string {
	return filepath.Join(l.OwnerDir, string(scope)+"."+fileBase(name)+".owner")
}

func (l *MutexLocker) TryLock(name string, scope Scope, owner Owner) (Handle, error) {
	ptr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}

	h, err := windows.CreateMutex(nil, false, ptr)
	switch {
	case errors.Is(err, windows.ERROR_ALREADY_EXISTS):
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, ErrLocked
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		if scope == ScopeGlobal {
			return nil, fmt.Errorf("%w: %v", ErrScopeUnavailable, err)
		}
		return nil, ErrLocked
	case err != nil:
		return nil, fmt.Errorf("CreateMutex %s: %w", name, err)
	}

	path := l.ownerPath(name, scope)
	if err := os.MkdirAll(l.OwnerDir, 0o700); err == nil {
		_ = writeOwner(path, owner)
	}
	return &mutexHandle{h: h, ownerPath: path}, nil
}

func (l *MutexLocker) Holder(name string, scope Scope) (Owner, bool) {
	return readOwner(l.ownerPath(name, scope))
}

type mutexHandle struct {
	h         windows.Handle
	ownerPath string
}

func (m *mutexHandle) Release() error {
	_ = os.Remove(m.ownerPath)
	return windows.CloseHandle(m.h)
}
