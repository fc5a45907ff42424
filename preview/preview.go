// Package preview keeps the most recent encoded recording on disk so it can
// be played back. At most one preview exists; it must be released before the
// next recording starts.
package preview

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"lexmic/bus"
	"lexmic/log"
)

type Store struct {
	dir     string
	ownsDir bool

	mu      sync.Mutex
	current string
	closed  bool
}

// NewStore writes previews into dir. An empty dir creates a private
// temporary directory that Close removes.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		d, err := os.MkdirTemp("", "lexmic-preview-")
		if err != nil {
			return nil, fmt.Errorf("creating preview dir: %w", err)
		}
		return &Store{dir: d, ownsDir: true}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating preview dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save stores wav as the current preview and returns its path. A preview
// that was never released is removed first.
func (s *Store) Save(id string, wav []byte) (string, error) {
	if err := s.Release(); err != nil {
		log.Warnf("preview: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("preview store closed")
	}
	path := filepath.Join(s.dir, fmt.Sprintf("recording-%s.wav", id))
	if err := os.WriteFile(path, wav, 0644); err != nil {
		return "", fmt.Errorf("writing preview: %w", err)
	}
	s.current = path
	return path, nil
}

// Current returns the path of the live preview, or "".
func (s *Store) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Release removes the live preview. Releasing with nothing held is a no-op.
// On failure the preview is forgotten anyway; the error reports the leak.
func (s *Store) Release() error {
	s.mu.Lock()
	path := s.current
	s.current = ""
	s.mu.Unlock()
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing preview %s: %w", path, err)
	}
	return nil
}

// Bind saves every audio query published on b. The returned func stops it.
func (s *Store) Bind(b bus.Subscriber) func() {
	return b.Subscribe(bus.TopicQuery, func(ev bus.Event) {
		q, ok := ev.Payload.(bus.Query)
		if !ok || q.IsText() {
			return
		}
		if _, err := s.Save(q.RecordingID, q.Audio); err != nil {
			log.Warnf("preview: %v", err)
		}
	})
}

func (s *Store) Close() error {
	err := s.Release()
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return nil
	}
	if s.ownsDir {
		if rmErr := os.RemoveAll(s.dir); rmErr != nil && err == nil {
			err = fmt.Errorf("removing preview dir: %w", rmErr)
		}
	}
	return err
}
