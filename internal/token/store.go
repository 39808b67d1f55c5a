// Package token persists the bearer credential that authenticates the chat
// socket and the assistant API, and reports changes to it, including changes
// made by other processes.
package token

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatlink/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const (
	dirPermissions  = 0700
	filePermissions = 0600

	// reloadDelay coalesces the burst of events a single write produces.
	reloadDelay = 50 * time.Millisecond
)

// Credential is an opaque bearer token. The zero value means anonymous.
type Credential string

// Present reports whether a credential is stored.
func (c Credential) Present() bool { return c != "" }

// Change describes a credential transition.
type Change struct {
	Old Credential
	New Credential
}

// SignedOut reports whether the change removed the credential.
func (c Change) SignedOut() bool { return c.Old.Present() && !c.New.Present() }

// Store is a file-backed credential slot.
type Store struct {
	path string

	mu     sync.RWMutex
	value  Credential
	subs   map[int]func(Change)
	nextID int

	// serializes read-compare-notify so subscribers see changes in order
	notifyMu sync.Mutex

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Open opens the slot dir/key, creating dir if needed, and loads the
// current value.
func Open(dir, key string) (*Store, error) {
	if key == "" {
		return nil, errors.New("token: empty key")
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("token: failed to create dir: %w", err)
	}

	s := &Store{
		path: filepath.Join(dir, key),
		subs: make(map[int]func(Change)),
	}

	value, err := s.read()
	if err != nil {
		return nil, err
	}
	s.value = value
	return s, nil
}

// Path returns the slot's file path.
func (s *Store) Path() string { return s.path }

// Get returns the stored credential.
func (s *Store) Get() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set stores c durably. An empty credential is the same as Clear.
func (s *Store) Set(c Credential) error {
	if !c.Present() {
		return s.Clear()
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".token-*")
	if err != nil {
		return fmt.Errorf("token: failed to write: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(string(c) + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("token: failed to write: %w", err)
	}
	if err := tmp.Chmod(filePermissions); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("token: failed to chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("token: failed to write: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("token: failed to replace slot: %w", err)
	}

	s.update(c)
	return nil
}

// Clear removes the stored credential.
func (s *Store) Clear() error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("token: failed to clear: %w", err)
	}
	s.update("")
	return nil
}

// Subscribe registers fn for every change. The returned func unsubscribes.
// Callbacks run synchronously on the goroutine that observed the change and
// must not call Set or Clear.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Reload re-reads the slot and notifies if it changed on disk.
func (s *Store) Reload() error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	value, err := s.read()
	if err != nil {
		return err
	}
	s.update(value)
	return nil
}

// update must be called with notifyMu held.
func (s *Store) update(value Credential) {
	s.mu.Lock()
	old := s.value
	if old == value {
		s.mu.Unlock()
		return
	}
	s.value = value
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	logging.Info("Credential changed", "authenticated", value.Present(), "path", logging.MaskPath(s.path))

	change := Change{Old: old, New: value}
	for _, fn := range subs {
		fn(change)
	}
}

func (s *Store) read() (Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("token: failed to read: %w", err)
	}
	return Credential(bytes.TrimSpace(data)), nil
}

// Watch starts observing the slot for changes made outside this Store. It
// returns immediately; the watcher stops when ctx is done or Close is
// called.
func (s *Store) Watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("token: failed to create watcher: %w", err)
	}
	// the directory, not the file: Set replaces the file by rename
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("token: failed to watch: %w", err)
	}

	s.watcher = w
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.watchLoop(ctx, w, s.stopCh, s.doneCh)
	logging.Debug("Watching credential slot", "path", logging.MaskPath(s.path))
	return nil
}

func (s *Store) watchLoop(ctx context.Context, w *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if err := s.Reload(); err != nil {
				logging.Warn("Failed to reload credential", "error", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logging.Warn("Credential watcher error", "error", err)
		}
	}
}

// Close stops the watcher, if running.
func (s *Store) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watcher == nil {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
