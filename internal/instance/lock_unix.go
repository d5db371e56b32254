//go:build unix

// ABOUTME: flock-based Locker: one lock file per name in the Global or Local directory.
// ABOUTME: An uncreatable Global lock is ErrScopeUnavailable; an existing unopenable one is held.

package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FileLocker implements Locker with flock(2).
type FileLocker struct {
	GlobalDir string
	LocalDir  string
}

// NewLocker returns the platform Locker using DefaultDirs.
func NewLocker() Locker {
	global, local := DefaultDirs()
	return &FileLocker{GlobalDir: global, LocalDir: local}
}

func (l *FileLocker) path(name string, scope Scope) string {
	dir := l.LocalDir
	if scope == ScopeGlobal {
		dir = l.GlobalDir
	}
	return filepath.Join(dir, fileBase(name)+".lock")
}

func (l *FileLocker) ensureDir(scope Scope) error {
	if scope == ScopeGlobal {
		if _, err := os.Stat(l.GlobalDir); errors.Is(err, fs.ErrNotExist) {
			if err := os.MkdirAll(l.GlobalDir, 0o755); err != nil {
				return err
			}
			// shared by every user on the machine; sticky so users cannot
			// remove each other's lock files
			return os.Chmod(l.GlobalDir, os.ModeSticky|0o777)
		}
		return nil
	}
	return os.MkdirAll(l.LocalDir, 0o700)
}

func (l *FileLocker) TryLock(name string, scope Scope, owner Owner) (Handle, error) {
	if err := l.ensureDir(scope); err != nil {
		return nil, scopeErr(scope, err)
	}

	path := l.path(name, scope)
	f, writable, err := openLockFile(path, scope)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// a read-only descriptor still holds the lock; only the advisory owner
	// record is skipped
	if writable {
		data, err := json.Marshal(owner)
		if err == nil {
			if err = f.Truncate(0); err == nil {
				_, err = f.WriteAt(data, 0)
			}
		}
		if err != nil {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			return nil, fmt.Errorf("recording lock owner: %w", err)
		}
	}
	return &fileHandle{f: f, writable: writable}, nil
}

// openLockFile opens path for locking. Global lock files are made world
// writable so every user contends on the same file. A file another user
// created that this user cannot open at all counts as held: falling back to
// another scope would allow a second owner.
func openLockFile(path string, scope Scope) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err == nil {
		if scope == ScopeGlobal {
			// umask strips group and other write bits; only the creator can chmod
			_ = f.Chmod(0o666)
		}
		return f, true, nil
	}
	if !errors.Is(err, fs.ErrPermission) {
		return nil, false, scopeErr(scope, err)
	}

	if _, statErr := os.Stat(path); statErr != nil {
		// the file does not exist and cannot be created here
		return nil, false, scopeErr(scope, err)
	}
	if ro, roErr := os.Open(path); roErr == nil {
		return ro, false, nil
	}
	return nil, false, fmt.Errorf("%w: %s exists but cannot be opened: %v", ErrLocked, path, err)
}

func (l *FileLocker) Holder(name string, scope Scope) (Owner, bool) {
	return readOwner(l.path(name, scope))
}

func scopeErr(scope Scope, err error) error {
	if scope == ScopeGlobal && (errors.Is(err, fs.ErrPermission) || errors.Is(err, unix.EROFS)) {
		return fmt.Errorf("%w: %v", ErrScopeUnavailable, err)
	}
	return err
}

type fileHandle struct {
	f        *os.File
	writable bool
}

func (h *fileHandle) Release() error {
	if h.writable {
		_ = h.f.Truncate(0)
	}
	if err := unix.Flock(int(h.f.Fd()), unix.LOCK_UN); err != nil {
		h.f.Close()
		return err
	}
	return h.f.Close()
}
