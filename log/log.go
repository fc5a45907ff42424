package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog      zerolog.Logger
	diagFile     *os.File
	responseFile *os.File
	logMu        sync.Mutex
	logReady     atomic.Bool
	pid          int
	dir          string
	level        = zerolog.InfoLevel
)

// PipelineMetrics describes one finished pipeline run.
type PipelineMetrics struct {
	RecordingID  string
	Chunks       int
	RawKB        float64
	NativeRate   int
	AudioS       float64
	Samples      int
	PayloadKB    float64
	DecodeMs     float64
	ResampleMs   float64
	EncodeMs     float64
	TotalMs      float64
	CanonicalHdr bool
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: LEXMIC_LOG_PATH environment variable
	if envPath := os.Getenv("LEXMIC_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

// SetLevel sets the minimum level written to the diagnostics log. Unknown
// names leave the level unchanged and return an error.
func SetLevel(name string) error {
	if name == "" {
		return nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	logMu.Lock()
	level = l
	if logReady.Load() {
		diagLog = diagLog.Level(l)
	}
	logMu.Unlock()
	return nil
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	responsePath := filepath.Join(dir, "responses_log.txt")
	responseFile, err = os.OpenFile(responsePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		diagFile = nil
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).Level(level).With().Timestamp().Int("pid", pid).Logger()

	logReady.Store(true)
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	logReady.Store(false)
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if responseFile != nil {
		responseFile.Close()
		responseFile = nil
	}
}

func Debugf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Info(msg string) {
	if logReady.Load() {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady.Load() {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady.Load() {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady.Load() {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func RecordingStart(id, device string) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().Str("id", id).Str("device", device).Msg("recording_start")
}

func RecordingStop(id string, dur time.Duration, chunks int, timedOut bool) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("id", id).
		Float64("duration_s", dur.Seconds()).
		Int("chunks", chunks).
		Bool("timed_out", timedOut).
		Msg("recording_stop")
}

func PipelineRun(m PipelineMetrics) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("id", m.RecordingID).
		Int("chunks", m.Chunks).
		Float64("raw_kb", m.RawKB).
		Int("native_rate", m.NativeRate).
		Float64("audio_s", m.AudioS).
		Int("samples", m.Samples).
		Float64("payload_kb", m.PayloadKB).
		Float64("decode_ms", m.DecodeMs).
		Float64("resample_ms", m.ResampleMs).
		Float64("encode_ms", m.EncodeMs).
		Float64("total_ms", m.TotalMs).
		Bool("canonical_header", m.CanonicalHdr).
		Msg("pipeline")
}

func PipelineFailure(id, stage string, err error) {
	if !logReady.Load() {
		return
	}
	diagLog.Error().Str("id", id).Str("stage", stage).Err(err).Msg("pipeline_failed")
}

// Response appends one recognized utterance to responses_log.txt.
func Response(intent, transcript, reply string) {
	if !logReady.Load() {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if responseFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\t%s\n",
		time.Now().Format("2006-01-02 15:04:05"), pid, intent, oneLine(transcript), oneLine(reply))
	responseFile.WriteString(line)
}

func oneLine(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(s)
}

func SessionStart(device, bot string, nativeRate int) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("device", device).
		Str("bot", bot).
		Int("native_rate", nativeRate).
		Msg("session_start")
}

func SessionEnd(count int) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Int("count", count).
		Msg("session_end")
}
