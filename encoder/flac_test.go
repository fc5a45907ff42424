package encoder

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/mewkiz/flac"
)

func TestFlacStreamChunksDecode(t *testing.T) {
	const rate = 48000
	n := BlockSize*3 + BlockSize/3
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16((i*37)%20000 - 10000)
	}

	enc, err := NewFlacStream(rate)
	if err != nil {
		t.Fatalf("NewFlacStream: %v", err)
	}

	var chunks [][]byte
	for i := 0; i < n; i += BlockSize {
		end := min(i+BlockSize, n)
		if err := enc.EncodeBlock(samples[i:end]); err != nil {
			t.Fatalf("EncodeBlock at %d: %v", i, err)
		}
		if c := enc.Drain(); c != nil {
			chunks = append(chunks, c)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c := enc.Drain(); c != nil {
		chunks = append(chunks, c)
	}

	if enc.TotalFrames() != uint64(n) {
		t.Errorf("TotalFrames = %d, want %d", enc.TotalFrames(), n)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}

	raw := bytes.Join(chunks, nil)
	if string(raw[:4]) != "fLaC" {
		t.Fatal("output does not start with FLAC magic")
	}

	stream, err := flac.New(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("flac.New: %v", err)
	}
	defer stream.Close()

	if stream.Info.SampleRate != rate {
		t.Errorf("SampleRate = %d, want %d", stream.Info.SampleRate, rate)
	}

	var got []int16
	for {
		f, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ParseNext: %v", err)
		}
		for _, s := range f.Subframes[0].Samples {
			got = append(got, int16(s))
		}
	}
	if len(got) != n {
		t.Fatalf("decoded %d samples, want %d", len(got), n)
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestFlacStreamEmpty(t *testing.T) {
	enc, err := NewFlacStream(16000)
	if err != nil {
		t.Fatalf("NewFlacStream: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close on empty stream: %v", err)
	}
	if enc.TotalFrames() != 0 {
		t.Errorf("TotalFrames = %d, want 0", enc.TotalFrames())
	}
	if err := enc.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := enc.EncodeBlock([]int16{1, 2, 3}); err == nil {
		t.Error("EncodeBlock after Close should fail")
	}
}

func TestNewFlacStreamInvalidRate(t *testing.T) {
	if _, err := NewFlacStream(0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}
