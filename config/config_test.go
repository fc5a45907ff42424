package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audio.NativeRate != 48000 || cfg.Capture.TargetRate != 16000 {
		t.Errorf("rates = %d/%d", cfg.Audio.NativeRate, cfg.Capture.TargetRate)
	}
	if cfg.Capture.MaxDuration != 14999*time.Millisecond {
		t.Errorf("max duration = %v", cfg.Capture.MaxDuration)
	}
	if cfg.Lex.BotAlias != "$LATEST" || cfg.Lex.Region != "us-east-1" {
		t.Errorf("lex defaults = %+v", cfg.Lex)
	}
	if cfg.Server.Addr != ":8890" || cfg.Hotkey.Combo != "ctrl+shift+space" || cfg.Hotkey.LongPress != 350*time.Millisecond {
		t.Errorf("server/hotkey defaults = %+v %+v", cfg.Server, cfg.Hotkey)
	}
	if cfg.WAV.CanonicalSize {
		t.Error("canonical WAV size enabled by default")
	}
}

func TestLoadFileWithEnv(t *testing.T) {
	t.Setenv("LEXMIC_TEST_BOT", "BookTrip")
	path := filepath.Join(t.TempDir(), "lexmic.yaml")
	data := `
audio:
  device: "USB Audio"
  native_rate: 44100
capture:
  max_duration: 10s
wav:
  canonical_size: true
lex:
  bot_name: ${LEXMIC_TEST_BOT}
  bot_alias: prod
  timeout: 3s
server:
  enabled: true
  addr: 127.0.0.1:9000
speech:
  output: both
hotkey:
  combo: ctrl+f9
  hybrid: true
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audio.Device != "USB Audio" || cfg.Audio.NativeRate != 44100 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Capture.MaxDuration != 10*time.Second {
		t.Errorf("max duration = %v", cfg.Capture.MaxDuration)
	}
	if !cfg.WAV.CanonicalSize {
		t.Error("canonical_size not read")
	}
	if cfg.Lex.BotName != "BookTrip" || cfg.Lex.BotAlias != "prod" || cfg.Lex.Timeout != 3*time.Second {
		t.Errorf("lex = %+v", cfg.Lex)
	}
	if !cfg.Server.Enabled || cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Speech.Output != "both" || cfg.Speech.Voice != "Matthew" {
		t.Errorf("speech = %+v", cfg.Speech)
	}
	if cfg.Hotkey.Combo != "ctrl+f9" || !cfg.Hotkey.Hybrid {
		t.Errorf("hotkey = %+v", cfg.Hotkey)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"upsampling", "audio:\n  native_rate: 8000\n", "only downsampling"},
		{"too long", "capture:\n  max_duration: 15s\n", "under 15s"},
		{"channels", "audio:\n  channels: 6\n", "channels"},
		{"gain", "audio:\n  gain: 100\n", "gain"},
		{"speech output", "speech:\n  output: polly\n", "speech.output"},
		{"bad yaml", "audio: [", "parsing config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
