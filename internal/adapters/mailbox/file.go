package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File stores each key as a file under a root directory. Reviewers can
// answer by dropping a JSON file in place; Watch reports such writes.
type File struct {
	root string

	mu      sync.Mutex
	watches []*fsnotify.Watcher
	closed  bool
}

// NewFile creates a directory mailbox rooted at dir.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating mailbox directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &File{root: abs}, nil
}

// Root returns the mailbox directory.
func (m *File) Root() string { return m.root }

func (m *File) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid mailbox key %q", key)
	}
	return filepath.Join(m.root, clean), nil
}

func (m *File) key(path string) (string, bool) {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if strings.HasPrefix(filepath.Base(rel), ".") || strings.HasSuffix(rel, ".tmp") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Put writes payload to the key's file atomically.
func (m *File) Put(_ context.Context, key string, payload []byte) error {
	path, err := m.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := atomicWriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Get reads the key's file.
func (m *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	path, err := m.path(key)
	if err != nil {
		return nil, false, err
	}
	payload, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	return payload, true, nil
}

// Delete removes the key's file.
func (m *File) Delete(_ context.Context, key string) error {
	path, err := m.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Watch reports the key of every file created or written under the root,
// including files in directories created after the watch started.
func (m *File) Watch(ctx context.Context) (<-chan string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	m.watches = append(m.watches, watcher)
	m.mu.Unlock()

	err = filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", m.root, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
				if key, ok := m.key(event.Name); ok {
					select {
					case out <- key:
					default:
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops all watches.
func (m *File) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, w := range m.watches {
		errs = append(errs, w.Close())
	}
	m.watches = nil
	return errors.Join(errs...)
}
