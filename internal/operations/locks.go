package operations

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TargetLocks is a set of per-target execution locks. Acquisition never
// blocks: a held lock means the caller skips.
//
// With a directory the lock also holds across processes through one
// O_EXCL lock file per target, so `bacli backup` and `bacli serve` never
// run the same target at once.
type TargetLocks struct {
	mu   sync.Mutex
	held map[string]struct{}

	dir string
	// stale is the age after which a lock file left by a crashed process
	// is taken over.
	stale time.Duration
}

// NewTargetLocks returns an in-process lock set.
func NewTargetLocks() *TargetLocks {
	return &TargetLocks{held: make(map[string]struct{})}
}

// NewFileTargetLocks returns a lock set backed by lock files in dir. A lock
// file older than stale is considered abandoned; zero never expires.
func NewFileTargetLocks(dir string, stale time.Duration) (*TargetLocks, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	l := NewTargetLocks()
	l.dir = dir
	l.stale = stale
	return l, nil
}

// TryAcquire takes the lock for id. When ok is false the lock is held by
// someone else and release is nil.
func (l *TargetLocks) TryAcquire(id string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return nil, false
	}
	var file string
	if l.dir != "" {
		file = l.path(id)
		if err := l.createLockFile(file); err != nil {
			return nil, false
		}
	}
	l.held[id] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, id)
			l.mu.Unlock()
			if file != "" {
				_ = os.Remove(file)
			}
		})
	}, true
}

// Held reports whether id is currently locked by this or another process.
func (l *TargetLocks) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return true
	}
	if l.dir == "" {
		return false
	}
	_, err := os.Stat(l.path(id))
	return err == nil
}

func (l *TargetLocks) path(id string) string {
	name := strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(id)
	return filepath.Join(l.dir, name+".lock")
}

func (l *TargetLocks) createLockFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640)
	if errors.Is(err, os.ErrExist) && l.stale > 0 {
		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) < l.stale {
			return err
		}
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return rmErr
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640)
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}
