package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"lexmic/audio"
	"lexmic/beep"
	"lexmic/bus"
	"lexmic/capture"
	"lexmic/config"
	"lexmic/encoder"
	"lexmic/hotkey"
	"lexmic/intent"
	"lexmic/log"
	"lexmic/metrics"
	"lexmic/pipeline"
	"lexmic/recorder"
	"lexmic/shutdown"
	"lexmic/speech"
)

var version = "dev"

type flags struct {
	config    string
	device    string
	setup     bool
	logPath   string
	file      string
	out       string
	tui       bool
	hybrid    bool
	version   bool
	test      bool
	testWAV   string
	profile   string
	logLevel  string
	noBeep    bool
	serverOff bool
}

func parseFlags(args []string) (*flags, error) {
	var f flags
	fs := flag.NewFlagSet("lexmic", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "YAML config file (defaults apply when empty)")
	fs.StringVar(&f.device, "device", "", "Use named microphone device")
	fs.BoolVar(&f.setup, "setup", false, "Select microphone device interactively")
	fs.StringVar(&f.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.StringVar(&f.file, "file", "", "Run a WAV or FLAC file through the pipeline instead of recording")
	fs.StringVar(&f.out, "out", "", "Where -file writes the 16 kHz payload (default: <file>.16k.wav)")
	fs.BoolVar(&f.tui, "tui", true, "Run with terminal UI")
	fs.BoolVar(&f.hybrid, "hybrid", false, "Enable hybrid tap+hold recording mode")
	fs.BoolVar(&f.version, "version", false, "Print version and exit")
	fs.BoolVar(&f.test, "test", false, "Test mode (headless, stdin-driven, audio from the WAV argument)")
	fs.StringVar(&f.profile, "profile", "", "Enable pprof profiling server (e.g., localhost:6060)")
	fs.StringVar(&f.logLevel, "loglevel", "", "Override log.level from the config")
	fs.BoolVar(&f.noBeep, "nobeep", false, "Disable start/stop cues")
	fs.BoolVar(&f.serverOff, "noserver", false, "Do not start the control server")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.test && fs.NArg() == 0 {
		return nil, errors.New("usage: lexmic -test <wav-file>")
	}
	if f.test {
		f.testWAV = fs.Arg(0)
	}
	return &f, nil
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, err
	}
	if f.device != "" {
		cfg.Audio.Device = f.device
	}
	if f.logPath != "" {
		cfg.Log.Path = f.logPath
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.hybrid {
		cfg.Hotkey.Hybrid = true
	}
	if f.serverOff {
		cfg.Server.Enabled = false
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	logPath, err := log.ResolveDir(cfg.Log.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve log directory: %w", err)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if err := log.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	return nil
}

func newSpeaker(cfg *config.Config, w io.Writer) speech.Speaker {
	console := &speech.Console{W: w, Voice: cfg.Speech.Voice, WordsPerMinute: cfg.Speech.WordsPerMinute}
	switch strings.ToLower(cfg.Speech.Output) {
	case "clipboard":
		return speech.Clipboard{}
	case "both":
		return speech.Multi{console, speech.Clipboard{}}
	default:
		return console
	}
}

func run() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if f.version {
		fmt.Printf("lexmic %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := setupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	if f.profile != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", f.profile)
			if err := http.ListenAndServe(f.profile, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}
	if f.noBeep {
		beep.Disable()
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	if f.file != "" && !f.test {
		if err := runFile(ctx, cfg, f.file, f.out, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			log.Close()
			os.Exit(1)
		}
		return
	}
	if f.test {
		if err := runHeadless(ctx, cfg, f.testWAV, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			log.Close()
			os.Exit(1)
		}
		return
	}

	if err := runLive(ctx, cfg, f); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		log.Close()
		os.Exit(1)
	}
}

func runLive(ctx context.Context, cfg *config.Config, f *flags) error {
	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		return fmt.Errorf("initializing audio context: %w", err)
	}
	defer actx.Close()

	if f.setup && f.device == "" {
		dev, err := audio.SelectDevice(actx)
		switch {
		case errors.Is(err, audio.ErrSelectionAborted):
			return nil
		case err != nil:
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\nFalling back to default device\n", err)
		case dev != nil:
			cfg.Audio.Device = dev.Name
		}
	}
	if audio.IsBluetooth(cfg.Audio.Device) {
		log.Warnf("%s looks like a bluetooth headset, expect narrowband audio", cfg.Audio.Device)
	}

	m := metrics.New()
	q, err := newQuerier(ctx, cfg, m)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if f.tui {
		// replies are shown by the TUI; the console speaker only paces them
		out = io.Discard
	}
	platform := &recorder.AudioPlatform{
		Ctx:        actx,
		DeviceName: cfg.Audio.Device,
		Config: audio.CaptureConfig{
			SampleRate: uint32(cfg.Audio.NativeRate),
			Channels:   uint32(cfg.Audio.Channels),
			Gain:       cfg.Audio.Gain,
		},
	}
	a, err := newApp(ctx, appOptions{Config: cfg, Platform: platform, Speaker: newSpeaker(cfg, out), Querier: q, Metrics: m})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Warnf("shutdown: %v", err)
		}
		log.SessionEnd(int(a.queries.Load()))
	}()
	log.SessionStart(a.session.DeviceName(), cfg.Lex.BotName, cfg.Audio.NativeRate)
	go beep.Init()

	if cfg.Server.Enabled {
		go func() {
			if err := a.server.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
				log.Errorf("%v", err)
			}
		}()
	}

	combo, err := hotkey.ParseCombo(cfg.Hotkey.Combo)
	if err != nil {
		return err
	}
	hk := hotkey.New(combo)
	if err := hk.Register(); err != nil {
		// the TUI and the control socket still work without it
		log.Warnf("hotkey register error: %v", err)
		fmt.Fprintf(os.Stderr, "Warning: global hotkey unavailable: %v\n", err)
	} else {
		defer hk.Unregister()
		if cfg.Hotkey.Hybrid {
			go hotkey.DriveHybrid(ctx, hotkey.NewHybrid(ctx, hk, cfg.Hotkey.LongPress), a.bus)
		} else {
			go hotkey.Drive(ctx, hk, a.bus)
		}
	}

	a.router.Greet()

	if !f.tui {
		fmt.Printf("lexmic %s: hold %s to talk, ctrl+c to quit\n", version, combo)
		<-ctx.Done()
		return nil
	}

	model := newTUIModel(a.bus, a.session.DeviceName(), cfg.Lex.BotName, combo.String(), cfg.Capture.MaxDuration)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	unbind := bindTUI(p.Send, a.bus)
	defer unbind()
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		log.Errorf("TUI error: %v", err)
		return err
	}
	return nil
}

// runFile sends one recorded file through the pipeline, writes the payload
// and, when a bot is configured, prints what it answered.
func runFile(ctx context.Context, cfg *config.Config, path, out string, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	m := metrics.New()
	orch := pipeline.New(pipeline.Config{
		TargetRate: cfg.Capture.TargetRate,
		WAV:        encoder.WAV{CanonicalSize: cfg.WAV.CanonicalSize},
		Metrics:    m,
	})
	now := time.Now()
	rec := capture.Recording{ID: uuid.NewString(), StartedAt: now, StoppedAt: now, Chunks: [][]byte{data}}
	payload, err := orch.Run(rec)
	if err != nil {
		return err
	}

	if out == "" {
		out = strings.TrimSuffix(path, filepath.Ext(path)) + ".16k.wav"
	}
	if err := os.WriteFile(out, payload, 0644); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	samples := (len(payload) - encoder.WAVHeaderSize) / 2
	fmt.Fprintf(w, "%s: %d samples at %d Hz (%.2fs) -> %s\n",
		path, samples, cfg.Capture.TargetRate, float64(samples)/float64(cfg.Capture.TargetRate), out)

	q, err := newQuerier(ctx, cfg, m)
	if err != nil || q == nil {
		return err
	}
	resp, err := q.PostContent(ctx, bus.Query{RecordingID: rec.ID, Audio: payload, SampleRate: cfg.Capture.TargetRate})
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	reply := intent.Reply(resp)
	log.Response(resp.IntentName, resp.InputTranscript, reply)
	fmt.Fprintf(w, "heard:  %s\nintent: %s (%s)\nreply:  %s\n", resp.InputTranscript, resp.IntentName, resp.DialogState, reply)
	return nil
}
