// Package pipeline converts a finalized recording into the payload the
// speech service accepts: assemble, decode, resample, encode, publish.
package pipeline

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"lexmic/bus"
	"lexmic/capture"
	"lexmic/decoder"
	"lexmic/encoder"
	"lexmic/log"
	"lexmic/metrics"
	"lexmic/resample"
)

type Stage string

const (
	StageAssemble Stage = "assemble"
	StageDecode   Stage = "decode"
	StageResample Stage = "resample"
	StageEncode   Stage = "encode"
	StagePublish  Stage = "publish"
)

// StageError is the single error event published for a failed recording.
type StageError struct {
	Stage       Stage
	RecordingID string
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline %s (recording %s): %v", e.Stage, e.RecordingID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type Config struct {
	TargetRate int // defaults to resample.TargetRate
	WAV        encoder.WAV
	Publisher  bus.Publisher
	Metrics    *metrics.Metrics
}

// Orchestrator runs one recording at a time; concurrent calls queue.
type Orchestrator struct {
	cfg Config
	mu  sync.Mutex
}

func New(cfg Config) *Orchestrator {
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = resample.TargetRate
	}
	return &Orchestrator{cfg: cfg}
}

// Process is the capture.Options.OnFinalize hook. Failures are published
// on bus.TopicPipelineError and never returned.
func (o *Orchestrator) Process(rec capture.Recording) {
	o.Run(rec)
}

// Run executes the chain for rec and returns the payload that was
// published. A panic inside any stage is recovered into a StageError.
func (o *Orchestrator) Run(rec capture.Recording) (payload []byte, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	m := log.PipelineMetrics{RecordingID: rec.ID, Chunks: len(rec.Chunks), CanonicalHdr: o.cfg.WAV.CanonicalSize}
	stage := StageAssemble

	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = &StageError{Stage: stage, RecordingID: rec.ID, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			o.fail(err.(*StageError))
			return
		}
		m.TotalMs = msSince(start)
		log.PipelineRun(m)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.PipelineRuns.WithLabelValues("ok").Inc()
			o.cfg.Metrics.PipelineDuration.Observe(time.Since(start).Seconds())
			o.cfg.Metrics.PayloadBytes.Observe(float64(len(payload)))
		}
	}()

	wrap := func(e error) error {
		return &StageError{Stage: stage, RecordingID: rec.ID, Err: e}
	}

	raw := bytes.Join(rec.Chunks, nil)
	if len(raw) == 0 {
		return nil, wrap(fmt.Errorf("%w: recording is empty", decoder.ErrDecode))
	}
	m.RawKB = float64(len(raw)) / 1024

	stage = StageDecode
	t := time.Now()
	decoded, derr := decoder.Decode(raw)
	if derr != nil {
		return nil, wrap(derr)
	}
	m.DecodeMs = msSince(t)
	m.NativeRate = decoded.SampleRate
	m.AudioS = decoded.Duration()

	stage = StageResample
	t = time.Now()
	samples, rerr := resample.Resample(decoded.Samples, o.cfg.TargetRate, decoded.SampleRate)
	if rerr != nil {
		return nil, wrap(fmt.Errorf("%d Hz to %d Hz: %w", decoded.SampleRate, o.cfg.TargetRate, rerr))
	}
	m.ResampleMs = msSince(t)
	m.Samples = len(samples)

	stage = StageEncode
	t = time.Now()
	payload = o.cfg.WAV.Encode(samples, o.cfg.TargetRate)
	m.EncodeMs = msSince(t)
	m.PayloadKB = float64(len(payload)) / 1024

	stage = StagePublish
	if o.cfg.Publisher != nil {
		o.cfg.Publisher.Publish(bus.TopicQuery, bus.Query{
			RecordingID: rec.ID,
			Audio:       payload,
			SampleRate:  o.cfg.TargetRate,
		})
	}
	return payload, nil
}

func (o *Orchestrator) fail(se *StageError) {
	log.PipelineFailure(se.RecordingID, string(se.Stage), se.Err)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.PipelineRuns.WithLabelValues(string(se.Stage)).Inc()
	}
	if o.cfg.Publisher == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("pipeline: publishing error event panicked: %v", r)
			}
		}()
		o.cfg.Publisher.Publish(bus.TopicPipelineError, se)
	}()
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
