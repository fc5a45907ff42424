package recorder

import (
	"context"
	"sync"
)

// FakePlatform hands out a FakeDevice, or Err when access is denied.
type FakePlatform struct {
	Err    error
	Device *FakeDevice

	mu       sync.Mutex
	requests int
}

func (p *FakePlatform) RequestAccess(ctx context.Context) (Device, error) {
	p.mu.Lock()
	p.requests++
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Device == nil {
		p.Device = &FakeDevice{}
	}
	return p.Device, nil
}

func (p *FakePlatform) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// FakeDevice emits Chunks at every Start. Unless HoldFinalize is set the
// chunk channel is closed as soon as Stop is called.
type FakeDevice struct {
	Chunks       [][]byte
	HoldFinalize bool
	StartErr     error

	mu     sync.Mutex
	out    chan []byte
	starts int
	stops  int
	closes int
}

func (d *FakeDevice) Name() string { return "fake" }

func (d *FakeDevice) Start() (<-chan []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closes > 0 {
		return nil, ErrClosed
	}
	if d.out != nil {
		return nil, ErrBusy
	}
	if d.StartErr != nil {
		return nil, d.StartErr
	}
	d.starts++
	d.out = make(chan []byte, len(d.Chunks)+64)
	for _, c := range d.Chunks {
		d.out <- c
	}
	return d.out, nil
}

// Emit pushes one more chunk while recording.
func (d *FakeDevice) Emit(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out != nil {
		d.out <- chunk
	}
}

func (d *FakeDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	if !d.HoldFinalize {
		d.finalizeLocked()
	}
}

// Finalize closes the chunk channel of a held recording.
func (d *FakeDevice) Finalize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalizeLocked()
}

func (d *FakeDevice) finalizeLocked() {
	if d.out != nil {
		close(d.out)
		d.out = nil
	}
}

func (d *FakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	d.finalizeLocked()
	return nil
}

func (d *FakeDevice) Counts() (starts, stops, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops, d.closes
}
