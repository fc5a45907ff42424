package encoder

import "encoding/binary"

// WAV writes the 44-byte RIFF/WAVE container around mono 16-bit PCM.
//
// The RIFF size field has historically been written as 32+dataBytes, four
// bytes short of the canonical 36+dataBytes. Consumers built against the
// legacy payload depend on it, so it stays the default; set CanonicalSize
// to emit the standard value.
type WAV struct {
	CanonicalSize bool
}

// EncodeWAV encodes samples with the legacy header.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	return WAV{}.Encode(samples, sampleRate)
}

func (w WAV) Encode(samples []float32, sampleRate int) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, WAVHeaderSize+dataSize)

	riffSize := 32 + dataSize
	if w.CanonicalSize {
		riffSize = 36 + dataSize
	}

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(riffSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], Channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2) // block align
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	off := WAVHeaderSize
	for _, s := range samples {
		binary.LittleEndian.PutUint16(buf[off:], uint16(FloatToPCM16(s)))
		off += 2
	}
	return buf
}

// FloatToPCM16 clamps s to [-1, 1] and scales it asymmetrically: negative
// values by 32768, the rest by 32767, truncating toward zero.
func FloatToPCM16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s < -1:
		s = -1
	case s > 1:
		s = 1
	}
	if s < 0 {
		return int16(float64(s) * 32768)
	}
	return int16(float64(s) * 32767)
}

// PCM16ToFloat is the inverse scaling of FloatToPCM16.
func PCM16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}
