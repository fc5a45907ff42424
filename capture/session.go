// Package capture owns the microphone for the lifetime of a session: it
// starts and stops recordings, enforces the recording length limit and hands
// every finalized recording to a single callback.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"lexmic/bus"
	"lexmic/log"
	"lexmic/metrics"
	"lexmic/recorder"
)

// DefaultMaxDuration keeps recordings one millisecond under the service's
// 15 second input limit.
const DefaultMaxDuration = 14999 * time.Millisecond

var (
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	ErrReleased          = errors.New("capture session released")
)

type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Recording is one finalized take. Chunks are in emission order.
type Recording struct {
	ID        string
	StartedAt time.Time
	StoppedAt time.Time
	Chunks    [][]byte
	TimedOut  bool
}

func (r Recording) Duration() time.Duration { return r.StoppedAt.Sub(r.StartedAt) }

func (r Recording) Size() int {
	n := 0
	for _, c := range r.Chunks {
		n += len(c)
	}
	return n
}

// StateEvent is published on bus.TopicState at every transition.
type StateEvent struct {
	State       string `json:"state"`
	RecordingID string `json:"recordingId,omitempty"`
	Device      string `json:"device,omitempty"`
}

// Releaser frees the playback preview of the previous recording.
type Releaser interface {
	Release() error
}

type Options struct {
	MaxDuration time.Duration
	Preview     Releaser
	// Busy reports whether the host is speaking; Start is ignored while true.
	Busy func() bool
	// OnFinalize receives every recording once its last chunk has arrived.
	// It runs after the session is back to Idle.
	OnFinalize func(Recording)
	Publisher  bus.Publisher
	Metrics    *metrics.Metrics
	NewID      func() string
}

type Session struct {
	dev  recorder.Device
	opts Options

	mu       sync.Mutex
	state    State
	released bool
	gen      uint64
	timer    *time.Timer
	current  *Recording
	unbind   []func()

	collectors sync.WaitGroup
	events     chan StateEvent
	notifyDone chan struct{}
}

// Open requests the input device and returns an idle session. Nothing is
// left behind when access is refused.
func Open(ctx context.Context, p recorder.Platform, opts Options) (*Session, error) {
	dev, err := p.RequestAccess(ctx)
	if err != nil {
		if opts.Metrics != nil {
			opts.Metrics.DeviceUnavailable.Inc()
		}
		log.Errorf("capture: microphone access failed: %v", err)
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if dev == nil {
		return nil, ErrDeviceUnavailable
	}
	return newSession(dev, opts), nil
}

func newSession(dev recorder.Device, opts Options) *Session {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	s := &Session{
		dev:        dev,
		opts:       opts,
		events:     make(chan StateEvent, 32),
		notifyDone: make(chan struct{}),
	}
	go s.notify()
	return s
}

// notify publishes state events in transition order, off the caller's lock.
func (s *Session) notify() {
	defer close(s.notifyDone)
	for ev := range s.events {
		if s.opts.Publisher != nil {
			s.opts.Publisher.Publish(bus.TopicState, ev)
		}
	}
}

func (s *Session) emitLocked(rec *Recording) {
	ev := StateEvent{State: s.state.String(), Device: s.dev.Name()}
	if rec != nil {
		ev.RecordingID = rec.ID
	}
	s.events <- ev
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) DeviceName() string { return s.dev.Name() }

// Start begins a recording. It is a no-op unless the session is Idle, and
// while the host is speaking.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrReleased
	}
	if s.state != StateIdle {
		return nil
	}
	if s.opts.Busy != nil && s.opts.Busy() {
		log.Info("capture: start ignored while speaking")
		return nil
	}

	if s.opts.Preview != nil {
		if err := s.opts.Preview.Release(); err != nil {
			log.Warnf("capture: %v", err)
			if s.opts.Metrics != nil {
				s.opts.Metrics.PreviewLeaks.Inc()
			}
		}
	}

	chunks, err := s.dev.Start()
	if err != nil {
		return fmt.Errorf("starting recording: %w", err)
	}

	s.gen++
	gen := s.gen
	rec := &Recording{ID: s.opts.NewID(), StartedAt: time.Now()}
	s.current = rec
	s.state = StateRecording
	s.timer = time.AfterFunc(s.opts.MaxDuration, func() { s.timeout(gen) })

	s.collectors.Add(1)
	go s.collect(gen, rec, chunks)

	log.RecordingStart(rec.ID, s.dev.Name())
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordingsStarted.Inc()
	}
	s.emitLocked(rec)
	return nil
}

// Stop asks the device to finalize. The recording is delivered to
// OnFinalize once the device confirms. Stop is a no-op unless Recording.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(false)
}

func (s *Session) stopLocked(timedOut bool) {
	if s.state != StateRecording {
		return
	}
	s.state = StateStopping
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.current.StoppedAt = time.Now()
	s.current.TimedOut = timedOut
	s.dev.Stop()
	s.emitLocked(s.current)
}

func (s *Session) timeout(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateRecording {
		return
	}
	log.Warnf("capture: recording %s reached %v, stopping", s.current.ID, s.opts.MaxDuration)
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordingsTimeout.Inc()
	}
	s.stopLocked(true)
}

func (s *Session) collect(gen uint64, rec *Recording, chunks <-chan []byte) {
	defer s.collectors.Done()

	for c := range chunks {
		rec.Chunks = append(rec.Chunks, c)
	}

	s.mu.Lock()
	if gen == s.gen && s.current == rec {
		if s.state == StateRecording {
			// The device ended the recording on its own.
			if s.timer != nil {
				s.timer.Stop()
				s.timer = nil
			}
			rec.StoppedAt = time.Now()
		}
		s.state = StateIdle
		s.current = nil
		s.emitLocked(rec)
	}
	final := *rec
	s.mu.Unlock()

	log.RecordingStop(final.ID, final.Duration(), len(final.Chunks), final.TimedOut)
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordingDuration.Observe(final.Duration().Seconds())
	}
	if s.opts.OnFinalize != nil {
		s.opts.OnFinalize(final)
	}
}

// Bind drives the session from push-to-talk events on b until Release.
func (s *Session) Bind(b bus.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.unbind = append(s.unbind,
		b.Subscribe(bus.TopicMicDown, func(bus.Event) {
			if err := s.Start(); err != nil {
				log.Errorf("capture: %v", err)
			}
		}),
		b.Subscribe(bus.TopicMicUp, func(bus.Event) { s.Stop() }),
	)
}

// Release force-stops any recording, waits for it to be delivered and
// disposes of the device. It must not be called from OnFinalize. Calling it
// again does nothing.
func (s *Session) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.stopLocked(false)
	unbind := s.unbind
	s.unbind = nil
	s.mu.Unlock()

	for _, u := range unbind {
		u()
	}

	err := s.dev.Close()
	s.collectors.Wait()

	s.mu.Lock()
	close(s.events)
	s.mu.Unlock()
	<-s.notifyDone

	if s.opts.Preview != nil {
		if perr := s.opts.Preview.Release(); perr != nil {
			log.Warnf("capture: %v", perr)
			if s.opts.Metrics != nil {
				s.opts.Metrics.PreviewLeaks.Inc()
			}
		}
	}
	if err != nil {
		return fmt.Errorf("closing device: %w", err)
	}
	return nil
}
