// Package hotkey is the push-to-talk control: a global key combination whose
// press and release drive recording start and stop.
package hotkey

import (
	"context"
	"fmt"
	"strings"

	"lexmic/bus"
)

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

type Key string

const (
	KeySpace Key = "space"
	KeyF9    Key = "f9"
	KeyF10   Key = "f10"
	KeyF11   Key = "f11"
	KeyF12   Key = "f12"
)

// Combo is a key with its required modifiers.
type Combo struct {
	Ctrl  bool
	Shift bool
	Key   Key
}

func (c Combo) String() string {
	var parts []string
	if c.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if c.Shift {
		parts = append(parts, "Shift")
	}
	k := string(c.Key)
	if c.Key == KeySpace {
		k = "Space"
	} else {
		k = strings.ToUpper(k)
	}
	return strings.Join(append(parts, k), "+")
}

// ParseCombo reads combinations such as "ctrl+shift+space" or "f9".
func ParseCombo(s string) (Combo, error) {
	var c Combo
	for _, part := range strings.Split(strings.ToLower(strings.TrimSpace(s)), "+") {
		switch part = strings.TrimSpace(part); part {
		case "ctrl", "control":
			c.Ctrl = true
		case "shift":
			c.Shift = true
		case "space", "f9", "f10", "f11", "f12":
			if c.Key != "" {
				return Combo{}, fmt.Errorf("hotkey %q names more than one key", s)
			}
			c.Key = Key(part)
		default:
			return Combo{}, fmt.Errorf("hotkey %q: unsupported key %q", s, part)
		}
	}
	if c.Key == "" {
		return Combo{}, fmt.Errorf("hotkey %q has no key", s)
	}
	if c.Key == KeySpace && !c.Ctrl && !c.Shift {
		return Combo{}, fmt.Errorf("hotkey %q: space needs a modifier", s)
	}
	return c, nil
}

// Drive publishes mic.down on every press and mic.up on every release
// until ctx is done.
func Drive(ctx context.Context, hk Hotkey, p bus.Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hk.Keydown():
			p.Publish(bus.TopicMicDown, nil)
		case <-hk.Keyup():
			p.Publish(bus.TopicMicUp, nil)
		}
	}
}

// DriveHybrid is Drive for the tap-to-toggle controller.
func DriveHybrid(ctx context.Context, h *Hybrid, p bus.Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Start():
			p.Publish(bus.TopicMicDown, nil)
		case <-h.StopChan():
			p.Publish(bus.TopicMicUp, nil)
		}
	}
}
