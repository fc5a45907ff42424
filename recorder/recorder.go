// Package recorder turns a raw capture device into the hardware resource the
// capture session drives: an ordered stream of encoded chunks followed by a
// finalize notification.
package recorder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"lexmic/audio"
	"lexmic/encoder"
	"lexmic/log"
)

var (
	ErrBusy   = errors.New("recorder busy")
	ErrClosed = errors.New("recorder closed")
)

// Device is the hardware handle owned by a capture session. Start returns a
// channel carrying chunks in emission order; the channel is closed once the
// recording has been finalized after Stop.
type Device interface {
	Start() (<-chan []byte, error)
	Stop()
	Close() error
	Name() string
}

// Platform grants access to an input device.
type Platform interface {
	RequestAccess(ctx context.Context) (Device, error)
}

// AudioPlatform opens devices from an audio.Context.
type AudioPlatform struct {
	Ctx        audio.Context
	DeviceName string // empty selects the system default
	Config     audio.CaptureConfig
}

func (p *AudioPlatform) RequestAccess(ctx context.Context) (Device, error) {
	type result struct {
		dev Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := p.open()
		ch <- result{dev, err}
	}()
	select {
	case r := <-ch:
		return r.dev, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.dev != nil {
				r.dev.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (p *AudioPlatform) open() (Device, error) {
	if p.Ctx == nil {
		return nil, fmt.Errorf("no audio backend")
	}
	var info *audio.DeviceInfo
	if p.DeviceName != "" {
		var err error
		info, err = audio.FindDevice(p.Ctx, p.DeviceName)
		if err != nil {
			return nil, fmt.Errorf("enumerating devices: %w", err)
		}
		if info == nil {
			return nil, fmt.Errorf("device %q not found", p.DeviceName)
		}
	}
	dev, err := p.Ctx.NewCapture(info, p.Config)
	if err != nil {
		return nil, fmt.Errorf("opening capture: %w", err)
	}
	return New(dev, int(p.Config.SampleRate), int(p.Config.Channels)), nil
}

// Recorder encodes captured PCM into FLAC frames of encoder.BlockSize
// samples. Each frame's bytes are emitted as one chunk.
type Recorder struct {
	dev      audio.CaptureDevice
	rate     int
	channels int

	mu      sync.Mutex
	running bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}

	pcmMu   sync.Mutex
	pending []int16
	wake    chan struct{}
}

func New(dev audio.CaptureDevice, sampleRate, channels int) *Recorder {
	if channels < 1 {
		channels = 1
	}
	return &Recorder{dev: dev, rate: sampleRate, channels: channels}
}

func (r *Recorder) Name() string { return r.dev.DeviceName() }

func (r *Recorder) Start() (<-chan []byte, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.running || r.finalizing() {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	stream, err := encoder.NewFlacStream(r.rate)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	out := make(chan []byte, 16)
	stop := make(chan struct{})
	done := make(chan struct{})
	wake := make(chan struct{}, 1)

	r.pcmMu.Lock()
	r.pending = r.pending[:0]
	r.wake = wake
	r.pcmMu.Unlock()

	r.running = true
	r.stop = stop
	r.done = done
	r.mu.Unlock()

	go r.encodeLoop(stream, out, wake, stop, done)

	// The device may deliver frames synchronously from Start, so no
	// recorder lock is held here.
	r.dev.SetCallback(r.onData)
	if err := r.dev.Start(); err != nil {
		r.dev.ClearCallback()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(stop)
		for range out {
		}
		return nil, fmt.Errorf("starting capture: %w", err)
	}
	return out, nil
}

func (r *Recorder) finalizing() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *Recorder) onData(data []byte, frameCount uint32) {
	stride := r.channels * audio.BytesPerSample
	r.pcmMu.Lock()
	for i := 0; i+audio.BytesPerSample <= len(data) && i/stride < int(frameCount); i += stride {
		r.pending = append(r.pending, int16(binary.LittleEndian.Uint16(data[i:])))
	}
	ready := len(r.pending) >= encoder.BlockSize
	wake := r.wake
	r.pcmMu.Unlock()
	if ready {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) takeBlock(final bool) []int16 {
	r.pcmMu.Lock()
	defer r.pcmMu.Unlock()
	n := encoder.BlockSize
	if len(r.pending) < n {
		if !final || len(r.pending) == 0 {
			return nil
		}
		n = len(r.pending)
	}
	block := make([]int16, n)
	copy(block, r.pending[:n])
	r.pending = append(r.pending[:0], r.pending[n:]...)
	return block
}

func (r *Recorder) encodeLoop(stream *encoder.FlacStream, out chan<- []byte, wake, stop <-chan struct{}, done chan<- struct{}) {
	defer close(out)
	defer close(done)

	flush := func(final bool) {
		for {
			block := r.takeBlock(final)
			if block == nil {
				return
			}
			if err := stream.EncodeBlock(block); err != nil {
				log.Warnf("recorder: %v", err)
				return
			}
			if b := stream.Drain(); len(b) > 0 {
				out <- b
			}
		}
	}

	for {
		select {
		case <-wake:
			flush(false)
		case <-stop:
			flush(true)
			if err := stream.Close(); err != nil {
				log.Warnf("recorder: closing flac stream: %v", err)
			}
			if b := stream.Drain(); len(b) > 0 {
				out <- b
			}
			return
		}
	}
}

// Stop returns immediately. The device is stopped, remaining samples are
// flushed and the chunk channel is closed in the background.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop := r.stop
	r.mu.Unlock()

	go func() {
		r.dev.Stop()
		r.dev.ClearCallback()
		close(stop)
	}()
}

// Close stops any recording in flight, waits for the device to halt and
// closes it. Chunks still buffered are delivered to whoever drains the
// channel. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.Stop()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stop := r.stop
	r.mu.Unlock()
	if stop != nil {
		<-stop
	}
	r.dev.Close()
	return nil
}
