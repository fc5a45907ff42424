package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lexmic/bus"
	"lexmic/capture"
	"lexmic/lex"
	"lexmic/metrics"
	"lexmic/pipeline"
)

type staticState struct{ state capture.State }

func (s staticState) State() capture.State { return s.state }
func (staticState) DeviceName() string     { return "fake" }

type received struct {
	Type    string          `json:"type"`
	Request string          `json:"request"`
	Payload json.RawMessage `json:"payload"`
}

func start(t *testing.T, src StateSource) (*Server, *bus.Local, *httptest.Server) {
	t.Helper()
	b := bus.New()
	m := metrics.New()
	s := New(b, src, m)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, b, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestInitialStateAndStateRequest(t *testing.T) {
	_, _, ts := start(t, staticState{capture.StateRecording})
	conn := dial(t, ts)

	msg := read(t, conn)
	if msg.Type != "state" {
		t.Fatalf("first message type = %q, want state", msg.Type)
	}
	var se capture.StateEvent
	if err := json.Unmarshal(msg.Payload, &se); err != nil {
		t.Fatal(err)
	}
	if se.State != "recording" || se.Device != "fake" {
		t.Errorf("state = %+v", se)
	}

	send(t, conn, Command{Type: "control", Request: "state"})
	if msg := read(t, conn); msg.Type != "state" {
		t.Errorf("state reply type = %q", msg.Type)
	}
}

func TestPingPong(t *testing.T) {
	_, _, ts := start(t, nil)
	conn := dial(t, ts)
	read(t, conn)

	send(t, conn, Command{Type: "ping"})
	if msg := read(t, conn); msg.Type != "pong" {
		t.Errorf("type = %q, want pong", msg.Type)
	}
}

func TestControlPublishesOnBus(t *testing.T) {
	_, b, ts := start(t, nil)
	tap := bus.NewTap(b, bus.TopicMicDown, bus.TopicMicUp, bus.TopicQuery)
	defer tap.Close()
	conn := dial(t, ts)
	read(t, conn)

	send(t, conn, Command{Type: "control", Request: "mic-down"})
	send(t, conn, Command{Type: "control", Request: "mic-up"})
	send(t, conn, Command{Type: "control", Request: "text", Payload: json.RawMessage(`"book a hotel"`)})
	send(t, conn, Command{Type: "control", Request: "text", Payload: json.RawMessage(`{"text":"book a car"}`)})

	// commands are handled in order, so the queries arrive last
	evs, err := tap.Wait(bus.TopicQuery, 2, timeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(tap.Events(bus.TopicMicDown)) != 1 || len(tap.Events(bus.TopicMicUp)) != 1 {
		t.Errorf("mic events: down=%d up=%d", len(tap.Events(bus.TopicMicDown)), len(tap.Events(bus.TopicMicUp)))
	}
	for i, want := range []string{"book a hotel", "book a car"} {
		q := evs[i].Payload.(bus.Query)
		if !q.IsText() || q.Text != want {
			t.Errorf("query %d = %+v, want text %q", i, q, want)
		}
	}
}

func timeout(d time.Duration) <-chan struct{} {
	out := make(chan struct{})
	time.AfterFunc(d, func() { close(out) })
	return out
}

func TestInvalidCommands(t *testing.T) {
	_, _, ts := start(t, nil)
	conn := dial(t, ts)
	read(t, conn)

	for _, raw := range []string{
		`not json`,
		`{"type":"control","request":"explode"}`,
		`{"type":"control","request":"text"}`,
		`{"type":"control","request":"text","payload":""}`,
		`{"type":"dance"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatal(err)
		}
		msg := read(t, conn)
		if msg.Type != "error" {
			t.Errorf("%s: type = %q, want error", raw, msg.Type)
		}
	}
}

func TestBroadcastsBusEvents(t *testing.T) {
	s, b, ts := start(t, nil)
	a, c := dial(t, ts), dial(t, ts)
	read(t, a)
	read(t, c)
	if n := s.Clients(); n != 2 {
		t.Fatalf("clients = %d, want 2", n)
	}

	b.Publish(bus.TopicState, capture.StateEvent{State: "recording", RecordingID: "r1"})
	b.Publish(bus.TopicResponse, &lex.Response{RecordingID: "r1", IntentName: "BookCar", Message: "Where?"})
	b.Publish(bus.TopicPipelineError, &pipeline.StageError{Stage: pipeline.StageDecode, RecordingID: "r2", Err: errors.New("bad")})
	b.Publish(bus.TopicQueryError, &lex.QueryError{Text: "hi", Err: errors.New("timeout")})

	for _, conn := range []*websocket.Conn{a, c} {
		var types []string
		for range 4 {
			types = append(types, read(t, conn).Type)
		}
		if got := strings.Join(types, ","); got != "state,response,error,error" {
			t.Errorf("types = %s", got)
		}
	}

	// a late client sees the last published state
	late := dial(t, ts)
	var se capture.StateEvent
	json.Unmarshal(read(t, late).Payload, &se)
	if se.State != "recording" || se.RecordingID != "r1" {
		t.Errorf("late state = %+v", se)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	_, _, ts := start(t, nil)
	conn := dial(t, ts)
	read(t, conn)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "ok" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "lexmic_control_clients 1") {
		t.Errorf("metrics missing connected client gauge:\n%s", body)
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	s, b, ts := start(t, nil)
	conn := dial(t, ts)
	read(t, conn)

	s.Close()
	if n := b.Subscribers(bus.TopicState); n != 0 {
		t.Errorf("state subscribers after close = %d", n)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read after close succeeded")
	}
}
