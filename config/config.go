package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Audio   AudioConfig   `yaml:"audio"`
	Capture CaptureConfig `yaml:"capture"`
	WAV     WAVConfig     `yaml:"wav"`
	Lex     LexConfig     `yaml:"lex"`
	Server  ServerConfig  `yaml:"server"`
	Speech  SpeechConfig  `yaml:"speech"`
	Hotkey  HotkeyConfig  `yaml:"hotkey"`
	Log     LogConfig     `yaml:"log"`
}

type AudioConfig struct {
	Device     string `yaml:"device"`
	NativeRate int    `yaml:"native_rate"`
	Channels   int    `yaml:"channels"`
	Gain       int    `yaml:"gain"`
}

type CaptureConfig struct {
	MaxDuration time.Duration `yaml:"max_duration"`
	TargetRate  int           `yaml:"target_rate"`
	PreviewDir  string        `yaml:"preview_dir"`
}

type WAVConfig struct {
	// CanonicalSize writes 36+data in the RIFF size field instead of the
	// legacy 32+data.
	CanonicalSize bool `yaml:"canonical_size"`
}

type LexConfig struct {
	BotName  string        `yaml:"bot_name"`
	BotAlias string        `yaml:"bot_alias"`
	UserID   string        `yaml:"user_id"`
	Region   string        `yaml:"region"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type SpeechConfig struct {
	Voice          string `yaml:"voice"`
	Output         string `yaml:"output"`   // console, clipboard or both
	Greeting       string `yaml:"greeting"` // "" for the default, "-" for none
	WordsPerMinute int    `yaml:"words_per_minute"`
}

type HotkeyConfig struct {
	Combo     string        `yaml:"combo"`
	Hybrid    bool          `yaml:"hybrid"`
	LongPress time.Duration `yaml:"long_press"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// Load reads a YAML file, expanding ${VAR} references from the
// environment. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Audio.NativeRate == 0 {
		c.Audio.NativeRate = 48000
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.Gain == 0 {
		c.Audio.Gain = 1
	}
	if c.Capture.MaxDuration == 0 {
		c.Capture.MaxDuration = 14999 * time.Millisecond
	}
	if c.Capture.TargetRate == 0 {
		c.Capture.TargetRate = 16000
	}
	if c.Lex.BotAlias == "" {
		c.Lex.BotAlias = "$LATEST"
	}
	if c.Lex.Region == "" {
		c.Lex.Region = "us-east-1"
	}
	if c.Lex.UserID == "" {
		c.Lex.UserID = "lexmic"
	}
	if c.Lex.Timeout == 0 {
		c.Lex.Timeout = 10 * time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8890"
	}
	if c.Speech.Voice == "" {
		c.Speech.Voice = "Matthew"
	}
	if c.Speech.Output == "" {
		c.Speech.Output = "console"
	}
	if c.Hotkey.Combo == "" {
		c.Hotkey.Combo = "ctrl+shift+space"
	}
	if c.Hotkey.LongPress == 0 {
		c.Hotkey.LongPress = 350 * time.Millisecond
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.Audio.NativeRate < 0 || c.Capture.TargetRate < 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if c.Capture.TargetRate > c.Audio.NativeRate {
		return fmt.Errorf("target rate %d exceeds native rate %d: only downsampling is supported", c.Capture.TargetRate, c.Audio.NativeRate)
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Audio.Gain < 1 || c.Audio.Gain > 16 {
		return fmt.Errorf("audio.gain must be between 1 and 16, got %d", c.Audio.Gain)
	}
	if c.Capture.MaxDuration < 0 || c.Capture.MaxDuration >= 15*time.Second {
		return fmt.Errorf("capture.max_duration must be under 15s, got %v", c.Capture.MaxDuration)
	}
	switch strings.ToLower(c.Speech.Output) {
	case "console", "clipboard", "both":
	default:
		return fmt.Errorf("speech.output must be console, clipboard or both, got %q", c.Speech.Output)
	}
	return nil
}
