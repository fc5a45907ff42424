// Package speech is the boundary to whatever voices the host's replies.
// Playback itself is external; Controller only tracks whether the host is
// currently talking so the microphone can stay closed meanwhile.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	cb "github.com/atotto/clipboard"

	"lexmic/log"
)

type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Console prints each line and holds for roughly the time it would take to
// say it aloud, so the speaking gate behaves like real playback.
type Console struct {
	W     io.Writer
	Voice string
	// WordsPerMinute paces playback; 0 returns immediately.
	WordsPerMinute int
}

func (c *Console) Speak(ctx context.Context, text string) error {
	voice := c.Voice
	if voice == "" {
		voice = "host"
	}
	if _, err := fmt.Fprintf(c.W, "[%s] %s\n", voice, text); err != nil {
		return err
	}
	if c.WordsPerMinute <= 0 {
		return nil
	}
	words := len(strings.Fields(text))
	d := time.Duration(words) * time.Minute / time.Duration(c.WordsPerMinute)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Clipboard copies each reply to the system clipboard.
type Clipboard struct{}

func (Clipboard) Speak(_ context.Context, text string) error {
	if err := cb.WriteAll(text); err != nil {
		return fmt.Errorf("clipboard: %w", err)
	}
	return nil
}

// Multi speaks through every speaker in order and joins their errors.
type Multi []Speaker

func (m Multi) Speak(ctx context.Context, text string) error {
	var errs []error
	for _, s := range m {
		if err := s.Speak(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Controller plays lines one at a time in the background.
type Controller struct {
	sp Speaker

	mu       sync.Mutex
	speaking bool
	queue    []string
	ctx      context.Context
	cancel   context.CancelFunc
	idle     *sync.Cond
	closed   bool
}

func NewController(sp Speaker) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{sp: sp, ctx: ctx, cancel: cancel}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Play queues text and returns immediately. The controller reports
// speaking from now until the queue drains.
func (c *Controller) Play(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, text)
	if !c.speaking {
		c.speaking = true
		go c.run()
	}
}

func (c *Controller) run() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.closed {
			c.queue = nil
			c.speaking = false
			c.idle.Broadcast()
			c.mu.Unlock()
			return
		}
		text := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.sp.Speak(c.ctx, text); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("speech: %v", err)
		}
	}
}

func (c *Controller) IsSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Wait blocks until nothing is queued or playing.
func (c *Controller) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.speaking {
		c.idle.Wait()
	}
}

// Close drops queued lines, interrupts the current one and waits.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
	c.cancel()
	c.Wait()
}
