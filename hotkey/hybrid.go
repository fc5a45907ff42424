package hotkey

import (
	"context"
	"sync/atomic"
	"time"
)

// Hybrid wraps a Hotkey to provide tap-to-toggle and hold-to-talk on the
// same key combination. A press always starts a recording; holding past
// longPress makes the release stop it, a shorter tap leaves it running
// until the next press is released.
type Hybrid struct {
	startCh chan struct{}
	stopCh  chan struct{}
	toggle  atomic.Bool
}

func NewHybrid(ctx context.Context, hk Hotkey, longPress time.Duration) *Hybrid {
	h := &Hybrid{
		startCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}, 1),
	}
	go h.run(ctx, hk, longPress)
	return h
}

func (h *Hybrid) Start() <-chan struct{} { return h.startCh }

func (h *Hybrid) StopChan() <-chan struct{} { return h.stopCh }

// IsToggle reports whether the current recording was started by a tap.
func (h *Hybrid) IsToggle() bool { return h.toggle.Load() }

func (h *Hybrid) run(ctx context.Context, hk Hotkey, longPress time.Duration) {
	wait := func(ch <-chan struct{}) bool {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	signal := func(ch chan struct{}) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	for {
		if !wait(hk.Keydown()) {
			return
		}
		h.toggle.Store(false)
		signal(h.startCh)

		timer := time.NewTimer(longPress)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			// held: release stops
			if !wait(hk.Keyup()) {
				return
			}
		case <-hk.Keyup():
			timer.Stop()
			h.toggle.Store(true)
			// tapped: the next press and release stops
			if !wait(hk.Keydown()) || !wait(hk.Keyup()) {
				return
			}
		}
		signal(h.stopCh)
	}
}
