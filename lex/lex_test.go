package lex

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"

	"lexmic/bus"
	"lexmic/encoder"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Settings{BotName: "BookTrip", Region: "us-west-2", Endpoint: srv.URL},
		WithCredentials(credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", "")),
		WithRetryConfig(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSettingsValidate(t *testing.T) {
	s, err := Settings{BotName: "BookTrip"}.Validate()
	if err != nil {
		t.Fatal(err)
	}
	if s.BotAlias != LatestAlias || s.Region != "us-east-1" || s.UserID == "" {
		t.Errorf("defaults not applied: %+v", s)
	}
	if _, err := (Settings{BotAlias: "prod"}).Validate(); !errors.Is(err, ErrBotName) {
		t.Errorf("err = %v, want ErrBotName", err)
	}
}

func TestNewResolvesEnvironmentCredentials(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIDFROMENV")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_SESSION_TOKEN", "")

	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("x-amz-lex-dialog-state", "Fulfilled")
	}))
	defer srv.Close()

	c, err := New(context.Background(), Settings{BotName: "BookTrip", Region: "eu-west-1", Endpoint: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.PostContent(context.Background(), bus.Query{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDFROMENV/") || !strings.Contains(auth, "/eu-west-1/lex/aws4_request") {
		t.Errorf("authorization = %q", auth)
	}
}

func TestNewWithoutBotName(t *testing.T) {
	if _, err := New(context.Background(), Settings{}); !errors.Is(err, ErrBotName) {
		t.Errorf("err = %v, want ErrBotName", err)
	}
}

func TestContentURL(t *testing.T) {
	s, _ := Settings{BotName: "BookTrip", UserID: "user 1", Region: "eu-west-1"}.Validate()
	want := "https://runtime.lex.eu-west-1.amazonaws.com/bot/BookTrip/alias/$LATEST/user/user%201/content"
	if got := s.contentURL(); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestPostContentAudio(t *testing.T) {
	wav := encoder.EncodeWAV([]float32{0, 0.5, -0.5, 0.25}, 16000)

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/bot/BookTrip/alias/$LATEST/user/lexmic/content" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != AudioContentType {
			t.Errorf("content type = %q", ct)
		}
		if a := r.Header.Get("Accept"); a != TextContentType {
			t.Errorf("accept = %q", a)
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/") || !strings.Contains(auth, "/us-west-2/lex/aws4_request") {
			t.Errorf("authorization = %q", auth)
		}
		if r.Header.Get("X-Amz-Date") == "" {
			t.Error("missing X-Amz-Date")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != string(wav[encoder.WAVHeaderSize:]) {
			t.Errorf("body is %d bytes, want the %d PCM bytes", len(body), len(wav)-encoder.WAVHeaderSize)
		}

		w.Header().Set("x-amz-lex-intent-name", "BookCar")
		w.Header().Set("x-amz-lex-dialog-state", "ElicitSlot")
		w.Header().Set("x-amz-lex-slot-to-elicit", "PickUpCity")
		w.Header().Set("x-amz-lex-encoded-message", base64.StdEncoding.EncodeToString([]byte("In what city do you need to rent a car?")))
		w.Header().Set("x-amz-lex-encoded-input-transcript", base64.StdEncoding.EncodeToString([]byte("book a car")))
		w.Header().Set("x-amz-lex-slots", base64.StdEncoding.EncodeToString([]byte(`{"PickUpCity":null,"CarType":"economy"}`)))
		w.Write([]byte("reply"))
	})

	resp, err := c.PostContent(context.Background(), bus.Query{RecordingID: "r1", Audio: wav, SampleRate: 16000})
	if err != nil {
		t.Fatal(err)
	}
	if resp.IntentName != "BookCar" || resp.DialogState != "ElicitSlot" || resp.SlotToElicit != "PickUpCity" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Message != "In what city do you need to rent a car?" || resp.InputTranscript != "book a car" {
		t.Errorf("message/transcript = %q/%q", resp.Message, resp.InputTranscript)
	}
	if resp.Slots["CarType"] != "economy" || len(resp.Slots) != 1 {
		t.Errorf("slots = %v", resp.Slots)
	}
	if resp.RecordingID != "r1" || string(resp.Audio) != "reply" {
		t.Errorf("recording/audio = %q/%q", resp.RecordingID, resp.Audio)
	}
}

func TestPostContentText(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != TextContentType {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "book a hotel" {
			t.Errorf("body = %q", body)
		}
		w.Header().Set("x-amz-lex-message", "Which city?")
	})

	resp, err := c.PostContent(context.Background(), bus.Query{Text: "book a hotel"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message != "Which city?" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestPostContentRejectsBadQueries(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request sent for an invalid query")
	})
	for _, q := range []bus.Query{{Text: "  "}, {Audio: []byte("short")}} {
		if _, err := c.PostContent(context.Background(), q); err == nil {
			t.Errorf("query %+v accepted", q)
		}
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("x-amz-lex-dialog-state", "Fulfilled")
	})

	resp, err := c.PostContent(context.Background(), bus.Query{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 || resp.DialogState != "Fulfilled" {
		t.Errorf("calls=%d state=%q", calls.Load(), resp.DialogState)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "BadRequestException", http.StatusBadRequest)
	})

	_, err := c.PostContent(context.Background(), bus.Query{Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	attempts := 0
	retries := 0
	err := WithRetry(context.Background(), RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		func(int, error) { retries++ },
		func() error { attempts++; return errors.New("flaky") })
	if err == nil || attempts != 3 || retries != 2 {
		t.Errorf("err=%v attempts=%d retries=%d", err, attempts, retries)
	}
}

func TestDispatcherPublishesResponses(t *testing.T) {
	b := bus.New()
	tap := bus.NewTap(b, bus.TopicResponse, bus.TopicQueryError)
	defer tap.Close()

	f := &Fake{Replies: map[string]*Response{"book a car": {IntentName: "BookCar", DialogState: "ElicitSlot", Message: "Where?"}}}
	d := NewDispatcher(b, f, nil, time.Second)

	b.Publish(bus.TopicQuery, bus.Query{Text: "book a car"})
	d.Close()

	evs := tap.Events(bus.TopicResponse)
	if len(evs) != 1 {
		t.Fatalf("%d responses, want 1", len(evs))
	}
	if r := evs[0].Payload.(*Response); r.IntentName != "BookCar" || r.Message != "Where?" {
		t.Errorf("unexpected response %+v", r)
	}

	b.Publish(bus.TopicQuery, bus.Query{Text: "after close"})
	if n := len(f.Queries()); n != 1 {
		t.Errorf("%d queries seen, want 1", n)
	}
}

func TestDispatcherPublishesErrors(t *testing.T) {
	b := bus.New()
	tap := bus.NewTap(b, bus.TopicResponse, bus.TopicQueryError)
	defer tap.Close()

	d := NewDispatcher(b, &Fake{Err: errors.New("throttled")}, nil, time.Second)
	b.Publish(bus.TopicQuery, bus.Query{RecordingID: "r9", Audio: []byte("RIFF")})
	d.Close()

	evs := tap.Events(bus.TopicQueryError)
	if len(evs) != 1 {
		t.Fatalf("%d errors, want 1", len(evs))
	}
	qe := evs[0].Payload.(*QueryError)
	if qe.RecordingID != "r9" || !strings.Contains(qe.Error(), "throttled") {
		t.Errorf("unexpected error %v", qe)
	}
	if len(tap.Events(bus.TopicResponse)) != 0 {
		t.Error("response published for a failed query")
	}
}

func TestDispatcherCloseWaitsForAcceptedQueries(t *testing.T) {
	b := bus.New()
	tap := bus.NewTap(b, bus.TopicResponse, bus.TopicQueryError)
	defer tap.Close()

	f := &Fake{Hold: make(chan struct{})}
	d := NewDispatcher(b, f, nil, 5*time.Second)
	b.Publish(bus.TopicQuery, bus.Query{Text: "last words"})

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a query was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(f.Hold)
	<-closed

	if n := len(tap.Events(bus.TopicResponse)); n != 1 {
		t.Fatalf("%d responses, want 1", n)
	}
	if n := len(tap.Events(bus.TopicQueryError)); n != 0 {
		t.Errorf("%d query errors, want 0", n)
	}
}

func TestDispatcherCloseCancelsAfterTimeout(t *testing.T) {
	b := bus.New()
	tap := bus.NewTap(b, bus.TopicQueryError)
	defer tap.Close()

	d := NewDispatcher(b, &Fake{Hold: make(chan struct{})}, nil, 20*time.Millisecond)
	// the query's own deadline matches the drain bound, so either may fire
	b.Publish(bus.TopicQuery, bus.Query{Text: "stuck"})
	d.Close()

	evs := tap.Events(bus.TopicQueryError)
	if len(evs) != 1 {
		t.Fatalf("%d query errors, want 1", len(evs))
	}
	if err := evs[0].Payload.(*QueryError); !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestDispatcherDropsQueriesAfterClose(t *testing.T) {
	b := bus.New()
	f := &Fake{}
	d := NewDispatcher(b, f, nil, time.Second)
	d.Close()
	d.Close()

	// a delivery that raced with Close
	d.onQuery(bus.Event{Topic: bus.TopicQuery, Payload: bus.Query{Text: "late"}})
	if n := len(f.Queries()); n != 0 {
		t.Errorf("%d queries sent after Close, want 0", n)
	}
}
