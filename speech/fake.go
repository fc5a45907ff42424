package speech

import (
	"context"
	"sync"
)

// Fake records spoken lines. When Hold is set each line blocks until
// Release is called.
type Fake struct {
	Hold bool
	Err  error

	mu      sync.Mutex
	lines   []string
	release chan struct{}
	started chan string
}

func NewFake(hold bool) *Fake {
	return &Fake{Hold: hold, release: make(chan struct{}), started: make(chan string, 16)}
}

func (f *Fake) Speak(ctx context.Context, text string) error {
	f.mu.Lock()
	f.lines = append(f.lines, text)
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- text:
		default:
		}
	}
	if f.Hold {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.Err
}

// Started delivers each line as it begins playing.
func (f *Fake) Started() <-chan string { return f.started }

// Release lets one held line finish.
func (f *Fake) Release() { f.release <- struct{}{} }

func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}
