// Package beep plays short cues when recording starts and stops and when a
// query fails.
package beep

import (
	"math"
	"sync/atomic"

	"lexmic/bus"
	"lexmic/capture"
)

var disabled atomic.Bool

func Disable() { disabled.Store(true) }

const (
	sampleRate = 44100

	// Start beep: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// End beep: medium pitch, slightly longer
	endFreq   = 900
	endVolume = 0.5
	endDecay  = 40

	// Error beep: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
)

// tick is a mono sine with an exponential decay envelope.
func tick(freq, duration, volume, decay float64) []int16 {
	n := int(sampleRate * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / sampleRate
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

func doubleBeep(freq, beepDur, gapDur, volume, decay float64) []int16 {
	b := tick(freq, beepDur, volume, decay)
	gap := make([]int16, int(sampleRate*gapDur))
	out := make([]int16, 0, 2*len(b)+len(gap))
	out = append(out, b...)
	out = append(out, gap...)
	return append(out, b...)
}

// Bind plays the start and end cues on recording state changes and the
// error cue on pipeline or query failures.
func Bind(b bus.Subscriber) func() {
	unsubs := []func(){
		b.Subscribe(bus.TopicState, func(ev bus.Event) {
			se, ok := ev.Payload.(capture.StateEvent)
			if !ok || disabled.Load() {
				return
			}
			switch se.State {
			case capture.StateRecording.String():
				PlayStart()
			case capture.StateStopping.String():
				PlayEnd()
			}
		}),
		b.Subscribe(bus.TopicPipelineError, onError),
		b.Subscribe(bus.TopicQueryError, onError),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func onError(bus.Event) {
	if !disabled.Load() {
		PlayError()
	}
}
