package speech

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestControllerSpeakingGate(t *testing.T) {
	f := NewFake(true)
	c := NewController(f)
	defer c.Close()

	if c.IsSpeaking() {
		t.Fatal("speaking before any line")
	}
	c.Play("Hello there")
	if !c.IsSpeaking() {
		t.Fatal("not speaking right after Play")
	}
	<-f.Started()
	f.Release()
	c.Wait()
	if c.IsSpeaking() {
		t.Error("still speaking after the line finished")
	}
}

func TestControllerPlaysInOrder(t *testing.T) {
	f := NewFake(false)
	c := NewController(f)
	c.Play("one")
	c.Play("two")
	c.Play("   ")
	c.Play("three")
	c.Wait()
	c.Close()

	if got := strings.Join(f.Lines(), ","); got != "one,two,three" {
		t.Errorf("lines = %s", got)
	}
	c.Play("after close")
	if len(f.Lines()) != 3 {
		t.Error("played after Close")
	}
}

func TestControllerCloseInterrupts(t *testing.T) {
	f := NewFake(true)
	c := NewController(f)
	c.Play("a long speech")
	c.Play("never spoken")
	<-f.Started()

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt playback")
	}
	if n := len(f.Lines()); n != 1 {
		t.Errorf("%d lines spoken, want 1", n)
	}
}

func TestConsoleSpeaker(t *testing.T) {
	var buf bytes.Buffer
	c := &Console{W: &buf, Voice: "Matthew"}
	if err := c.Speak(context.Background(), "Hi"); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "[Matthew] Hi\n" {
		t.Errorf("output = %q", buf.String())
	}

	paced := &Console{W: &buf, WordsPerMinute: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := paced.Speak(ctx, "slow words"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := NewFake(false)
	bad := NewFake(false)
	bad.Err = errors.New("no audio device")
	err := Multi{bad, ok}.Speak(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "no audio device") {
		t.Errorf("err = %v", err)
	}
	if len(ok.Lines()) != 1 {
		t.Error("second speaker skipped after the first failed")
	}
}
