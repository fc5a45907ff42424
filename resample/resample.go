// Package resample converts mono float sample sequences to a lower sample
// rate by block averaging.
package resample

import (
	"errors"
	"fmt"
	"math"
)

// TargetRate is the rate the speech service accepts.
const TargetRate = 16000

var ErrInvalidRate = errors.New("invalid sample rate")

// Resample downsamples samples recorded at nativeRate to targetRate.
//
// Each output sample i is the mean of the input window
// [round(i*ratio), round((i+1)*ratio)) clamped to the input, where
// ratio = nativeRate/targetRate. Equal rates return samples unchanged.
// Upsampling is refused with ErrInvalidRate.
func Resample(samples []float32, targetRate, nativeRate int) ([]float32, error) {
	if targetRate <= 0 || nativeRate <= 0 {
		return nil, fmt.Errorf("%w: target %d Hz, native %d Hz", ErrInvalidRate, targetRate, nativeRate)
	}
	if targetRate == nativeRate {
		return samples, nil
	}
	if targetRate > nativeRate {
		return nil, fmt.Errorf("%w: target %d Hz exceeds native %d Hz", ErrInvalidRate, targetRate, nativeRate)
	}
	if len(samples) == 0 {
		return []float32{}, nil
	}

	ratio := float64(nativeRate) / float64(targetRate)
	n := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, n)

	start := 0
	for i := range out {
		// ratio > 1 keeps every window non-empty: consecutive bounds differ
		// by at least one, and the last start is below len(samples).
		end := min(int(math.Round(float64(i+1)*ratio)), len(samples))
		var sum float64
		for _, s := range samples[start:end] {
			sum += float64(s)
		}
		out[i] = float32(sum / float64(end-start))
		start = end
	}
	return out, nil
}
