package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"lexmic/audio"
	"lexmic/beep"
	"lexmic/bus"
	"lexmic/config"
	"lexmic/decoder"
	"lexmic/encoder"
	"lexmic/hotkey"
	"lexmic/lex"
	"lexmic/log"
	"lexmic/metrics"
	"lexmic/recorder"
)

const waitTimeout = 30 * time.Second

// loadSamples decodes a WAV or FLAC file into the int16 frames a fake
// microphone plays back.
func loadSamples(path string) ([]int16, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	a, err := decoder.Decode(data)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	samples := make([]int16, len(a.Samples))
	for i, s := range a.Samples {
		samples[i] = encoder.FloatToPCM16(s)
	}
	return samples, a.SampleRate, nil
}

// runHeadless drives a full session from line commands on in, with the
// microphone replaced by the contents of wavPath:
//
//	KEYDOWN | KEYUP | TEXT <utterance> | WAIT | SLEEP <ms> | QUIT
//
// WAIT blocks until the next response or failure. Without a configured bot
// a local fake answers.
func runHeadless(ctx context.Context, cfg *config.Config, wavPath string, in io.Reader, out io.Writer) error {
	beep.Disable()

	samples, rate, err := loadSamples(wavPath)
	if err != nil {
		return err
	}
	// the fake device records at the file's rate
	cfg.Audio.NativeRate = rate
	if cfg.Capture.TargetRate > rate {
		return fmt.Errorf("%s is %d Hz, below the %d Hz target", wavPath, rate, cfg.Capture.TargetRate)
	}

	m := metrics.New()
	q, err := newQuerier(ctx, cfg, m)
	if err != nil {
		return err
	}
	if q == nil {
		q = &lex.Fake{}
	}

	platform := &recorder.AudioPlatform{
		Ctx:    audio.NewFakeContext(samples, uint32(rate), true),
		Config: audio.CaptureConfig{SampleRate: uint32(rate), Channels: 1},
	}
	a, err := newApp(ctx, appOptions{Config: cfg, Platform: platform, Speaker: newSpeaker(cfg, out), Querier: q, Metrics: m})
	if err != nil {
		return err
	}
	defer a.close()
	log.SessionStart(a.session.DeviceName(), cfg.Lex.BotName, rate)
	defer func() { log.SessionEnd(int(a.queries.Load())) }()

	outcomes := bus.NewTap(a.bus, bus.TopicResponse, bus.TopicQueryError, bus.TopicPipelineError)
	defer outcomes.Close()
	seen := 0
	count := func() int {
		return len(outcomes.Events(bus.TopicResponse)) +
			len(outcomes.Events(bus.TopicQueryError)) +
			len(outcomes.Events(bus.TopicPipelineError))
	}

	hk := hotkey.NewFake()
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go hotkey.Drive(dctx, hk, a.bus)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(cmd) {
		case "":
		case "KEYDOWN":
			hk.SimKeydown()
		case "KEYUP":
			hk.SimKeyup()
		case "TEXT":
			a.bus.Publish(bus.TopicQuery, bus.Query{Text: arg})
		case "WAIT":
			deadline := time.Now().Add(waitTimeout)
			for count() <= seen {
				if time.Now().After(deadline) {
					return fmt.Errorf("WAIT: no outcome within %v", waitTimeout)
				}
				time.Sleep(10 * time.Millisecond)
			}
			seen++
			// replies are queued on the speech controller
			a.speech.Wait()
		case "SLEEP":
			ms, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("SLEEP %q: %w", arg, err)
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
		case "QUIT":
			return nil
		default:
			log.Warnf("headless: unknown command %q", line)
		}
	}
	return scanner.Err()
}
