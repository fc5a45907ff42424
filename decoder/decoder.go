// Package decoder turns a recorded byte buffer into float samples.
//
// FLAC (the recorder's native stream) and RIFF/WAVE (16-bit PCM or 32-bit
// IEEE float) are recognised by their magic bytes. Only the first channel
// is kept.
package decoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/mewkiz/flac"

	"lexmic/encoder"
)

var ErrDecode = errors.New("decode error")

// Audio is decoded mono audio in the range [-1, 1].
type Audio struct {
	Samples    []float32
	SampleRate int
	Channels   int // channel count of the source; Samples holds channel 0
	Format     string
}

func (a *Audio) Duration() float64 {
	if a.SampleRate == 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

func Decode(raw []byte) (*Audio, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: %d bytes is too short to hold audio", ErrDecode, len(raw))
	}

	var (
		a   *Audio
		err error
	)
	switch string(raw[:4]) {
	case "fLaC":
		a, err = decodeFlac(raw)
	case "RIFF":
		a, err = decodeWAV(raw)
	default:
		return nil, fmt.Errorf("%w: unrecognised container magic %q", ErrDecode, raw[:4])
	}
	if err != nil {
		return nil, err
	}
	if len(a.Samples) == 0 {
		return nil, fmt.Errorf("%w: %s stream contains no audio", ErrDecode, a.Format)
	}
	return a, nil
}

func decodeFlac(raw []byte) (*Audio, error) {
	stream, err := flac.New(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: flac header: %v", ErrDecode, err)
	}
	defer stream.Close()

	info := stream.Info
	if info.SampleRate == 0 || info.BitsPerSample == 0 || info.BitsPerSample > 32 {
		return nil, fmt.Errorf("%w: flac stream info: rate %d, depth %d", ErrDecode, info.SampleRate, info.BitsPerSample)
	}
	scale := float64(int64(1) << (info.BitsPerSample - 1))

	a := &Audio{
		SampleRate: int(info.SampleRate),
		Channels:   int(info.NChannels),
		Format:     "flac",
	}
	if info.NSamples > 0 {
		a.Samples = make([]float32, 0, info.NSamples)
	}
	for {
		f, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: flac frame %d: %v", ErrDecode, len(a.Samples), err)
		}
		if len(f.Subframes) == 0 {
			continue
		}
		for _, s := range f.Subframes[0].Samples {
			if info.BitsPerSample == 16 {
				a.Samples = append(a.Samples, encoder.PCM16ToFloat(int16(s)))
				continue
			}
			a.Samples = append(a.Samples, float32(float64(s)/scale))
		}
	}
	return a, nil
}

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

const (
	wavPCM        = 1
	wavIEEEFloat  = 3
	wavExtensible = 0xFFFE
)

// decodeWAV walks RIFF chunks rather than assuming a 44-byte header so
// files with LIST or fact chunks decode too. The RIFF size field is not
// trusted: the legacy encoder writes it four bytes short.
func decodeWAV(raw []byte) (*Audio, error) {
	if len(raw) < 12 || string(raw[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing WAVE tag", ErrDecode)
	}

	var (
		fmtChunk *wavFormat
		data     []byte
	)
	for off := 12; off+8 <= len(raw); {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4:]))
		body := off + 8
		end := body + size
		if end > len(raw) || end < body {
			// Streams written before the length was known carry a bogus size.
			end = len(raw)
		}
		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too short (%d bytes)", ErrDecode, end-body)
			}
			b := raw[body:end]
			fmtChunk = &wavFormat{
				audioFormat:   binary.LittleEndian.Uint16(b[0:]),
				channels:      binary.LittleEndian.Uint16(b[2:]),
				sampleRate:    binary.LittleEndian.Uint32(b[4:]),
				bitsPerSample: binary.LittleEndian.Uint16(b[14:]),
			}
			if fmtChunk.audioFormat == wavExtensible && len(b) >= 26 {
				fmtChunk.audioFormat = binary.LittleEndian.Uint16(b[24:])
			}
		case "data":
			data = raw[body:end]
		}
		off = end + size%2
		if data != nil {
			break
		}
	}

	if fmtChunk == nil {
		return nil, fmt.Errorf("%w: missing fmt chunk", ErrDecode)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: missing data chunk", ErrDecode)
	}
	if fmtChunk.channels == 0 || fmtChunk.sampleRate == 0 {
		return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrDecode, fmtChunk.channels, fmtChunk.sampleRate)
	}

	a := &Audio{
		SampleRate: int(fmtChunk.sampleRate),
		Channels:   int(fmtChunk.channels),
		Format:     "wav",
	}

	switch {
	case fmtChunk.audioFormat == wavPCM && fmtChunk.bitsPerSample == 16:
		frame := 2 * int(fmtChunk.channels)
		a.Samples = make([]float32, 0, len(data)/frame)
		for i := 0; i+frame <= len(data); i += frame {
			v := int16(binary.LittleEndian.Uint16(data[i:]))
			a.Samples = append(a.Samples, encoder.PCM16ToFloat(v))
		}
	case fmtChunk.audioFormat == wavIEEEFloat && fmtChunk.bitsPerSample == 32:
		frame := 4 * int(fmtChunk.channels)
		a.Samples = make([]float32, 0, len(data)/frame)
		for i := 0; i+frame <= len(data); i += frame {
			a.Samples = append(a.Samples, math.Float32frombits(binary.LittleEndian.Uint32(data[i:])))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported wav encoding %d at %d bits", ErrDecode, fmtChunk.audioFormat, fmtChunk.bitsPerSample)
	}
	return a, nil
}
