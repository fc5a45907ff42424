package preview

import (
	"os"
	"path/filepath"
	"testing"

	"lexmic/bus"
)

func TestSaveReleaseCycle(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	first, err := s.Save("a", []byte("RIFF1"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Current() != first {
		t.Errorf("Current = %q, want %q", s.Current(), first)
	}

	second, err := s.Save("b", []byte("RIFF2"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Errorf("unreleased preview %s still on disk", first)
	}

	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Errorf("released preview %s still on disk", second)
	}
	if err := s.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestReleaseFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	path, err := s.Save("x", []byte("RIFF"))
	if err != nil {
		t.Fatal(err)
	}
	// Replace the file with a non-empty directory so Remove fails.
	os.Remove(path)
	os.MkdirAll(filepath.Join(path, "child"), 0755)

	if err := s.Release(); err == nil {
		t.Fatal("expected release failure")
	}
	if s.Current() != "" {
		t.Error("failed preview still tracked")
	}
}

func TestBindSavesAudioQueries(t *testing.T) {
	b := bus.New()
	s, err := NewStore("")
	if err != nil {
		t.Fatal(err)
	}
	dir := s.Dir()
	unbind := s.Bind(b)

	b.Publish(bus.TopicQuery, bus.Query{Text: "hello"})
	if s.Current() != "" {
		t.Error("text query produced a preview")
	}

	b.Publish(bus.TopicQuery, bus.Query{RecordingID: "r1", Audio: []byte("RIFFdata")})
	data, err := os.ReadFile(s.Current())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "RIFFdata" {
		t.Errorf("preview = %q", data)
	}

	unbind()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("temporary preview dir not removed")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
