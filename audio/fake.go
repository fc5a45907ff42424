package audio

import (
	"encoding/binary"
	"sync"
	"time"
)

const fakeFrameSize = 1024

// FakeContext serves captures that replay a fixed PCM buffer. It stands in
// for the microphone in tests and in -file mode.
type FakeContext struct {
	pcm      []byte
	rate     uint32
	realtime bool

	// Err, when set, is returned by NewCapture (e.g. permission denied).
	Err error
}

// NewFakeContext replays samples captured at rate. In realtime mode frames
// are paced at the sample rate; otherwise every frame is delivered from
// within Start.
func NewFakeContext(samples []int16, rate uint32, realtime bool) *FakeContext {
	pcm := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return &FakeContext{pcm: pcm, rate: rate, realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return &FakeCapture{pcm: f.pcm, rate: f.rate, realtime: f.realtime}, nil
}

type FakeCapture struct {
	pcm      []byte
	rate     uint32
	realtime bool

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
	starts   int
	closed   bool
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

// Starts reports how many times Start has been called.
func (f *FakeCapture) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *FakeCapture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeCapture) feed(pos int) int {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	end := min(pos+fakeFrameSize*BytesPerSample, len(f.pcm))
	if cb != nil {
		chunk := make([]byte, end-pos)
		copy(chunk, f.pcm[pos:end])
		cb(chunk, uint32(len(chunk)/BytesPerSample))
	}
	return end
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	f.starts++
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	stop, done := f.stopCh, f.feedDone
	f.mu.Unlock()

	if !f.realtime {
		for pos := 0; pos < len(f.pcm); {
			pos = f.feed(pos)
		}
		close(done)
		return nil
	}

	rate := f.rate
	if rate == 0 {
		rate = 16000
	}
	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(rate)
	go func() {
		defer close(done)
		for pos := 0; pos < len(f.pcm); {
			pos = f.feed(pos)
			select {
			case <-stop:
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stop, done := f.stopCh, f.feedDone
	f.stopCh = nil
	f.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (f *FakeCapture) Close() {
	f.Stop()
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
