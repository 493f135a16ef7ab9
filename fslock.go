package persist

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultLockRetry     = 50 * time.Millisecond
	defaultLockStaleness = 30 * time.Second
)

// FilesystemLock provides named mutual exclusion across processes sharing
// a root directory. Acquisition creates locks/<name>.lock with O_EXCL;
// while the file exists, other acquirers poll. A lock file older than the
// staleness window is treated as abandoned by a dead process and broken.
type FilesystemLock struct {
	dir       string
	name      string
	path      string
	retry     time.Duration
	staleness time.Duration
	held      bool
}

// NewFilesystemLock builds a lock handle for name under dir. Zero retry
// and staleness durations take the defaults.
func NewFilesystemLock(dir, name string, retry, staleness time.Duration) *FilesystemLock {
	if retry <= 0 {
		retry = defaultLockRetry
	}
	if staleness <= 0 {
		staleness = defaultLockStaleness
	}
	return &FilesystemLock{
		dir:       dir,
		name:      name,
		path:      filepath.Join(dir, url.PathEscape(name)+".lock"),
		retry:     retry,
		staleness: staleness,
	}
}

// Acquire blocks until the lock is held or ctx is done. Only EEXIST is
// retried; any other filesystem error propagates immediately.
func (l *FilesystemLock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			if cerr := f.Close(); cerr != nil {
				return cerr
			}
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire lock %s: %w", l.name, err)
		}

		l.breakIfStale()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// breakIfStale removes the lock file when its mtime is older than the
// staleness window. A concurrent removal is fine; the next OpenFile
// attempt settles who wins.
func (l *FilesystemLock) breakIfStale() {
	info, err := os.Stat(l.path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > l.staleness {
		_ = os.Remove(l.path)
	}
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *FilesystemLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	return nil
}

// WithLock runs fn while holding the named lock.
func (l *FilesystemLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
