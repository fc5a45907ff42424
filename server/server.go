// Package server exposes the push-to-talk controls and the bus events over a
// websocket, next to the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lexmic/bus"
	"lexmic/capture"
	"lexmic/lex"
	"lexmic/log"
	"lexmic/metrics"
	"lexmic/pipeline"
)

const (
	DefaultAddr = ":8890"

	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Command is a client request.
type Command struct {
	Type    string          `json:"type"`
	Request string          `json:"request"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is everything the server sends to clients.
type Message struct {
	Type    string `json:"type"`
	Request string `json:"request,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type ResponsePayload struct {
	RecordingID     string            `json:"recordingId,omitempty"`
	Intent          string            `json:"intent,omitempty"`
	DialogState     string            `json:"dialogState,omitempty"`
	Message         string            `json:"message,omitempty"`
	InputTranscript string            `json:"inputTranscript,omitempty"`
	Slots           map[string]string `json:"slots,omitempty"`
}

type ErrorPayload struct {
	Source      string `json:"source"`
	Stage       string `json:"stage,omitempty"`
	RecordingID string `json:"recordingId,omitempty"`
	Error       string `json:"error"`
}

// StateSource reports the capture state for clients that ask for it.
type StateSource interface {
	State() capture.State
	DeviceName() string
}

// client.send is only written to or closed while Server.mu is held and the
// client is still registered.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

type Server struct {
	bus      bus.Bus
	src      StateSource
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	last    capture.StateEvent
	closed  bool
	unsubs  []func()
}

// New subscribes to the state, response and error topics of b. src may be
// nil, in which case state requests answer with the last published state.
func New(b bus.Bus, src StateSource, m *metrics.Metrics) *Server {
	s := &Server{
		bus:     b,
		src:     src,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		last:    capture.StateEvent{State: capture.StateIdle.String()},
	}
	s.unsubs = []func(){
		b.Subscribe(bus.TopicState, s.onState),
		b.Subscribe(bus.TopicResponse, s.onResponse),
		b.Subscribe(bus.TopicPipelineError, s.onError),
		b.Subscribe(bus.TopicQueryError, s.onError),
	}
	return s
}

// Handler serves /ws, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// ListenAndServe blocks until ctx is done or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("control server listening on %s", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("control server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if err2 := <-errCh; !errors.Is(err2, http.ErrServerClosed) && err == nil {
		err = err2
	}
	return err
}

// Close unsubscribes from the bus and disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
		conns = append(conns, c.conn)
	}
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) onState(ev bus.Event) {
	se, ok := ev.Payload.(capture.StateEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	s.last = se
	s.mu.Unlock()
	s.broadcast(Message{Type: "state", Request: "mic", Payload: se})
}

func (s *Server) onResponse(ev bus.Event) {
	r, ok := ev.Payload.(*lex.Response)
	if !ok {
		return
	}
	s.broadcast(Message{Type: "response", Payload: ResponsePayload{
		RecordingID:     r.RecordingID,
		Intent:          r.IntentName,
		DialogState:     r.DialogState,
		Message:         r.Message,
		InputTranscript: r.InputTranscript,
		Slots:           r.Slots,
	}})
}

func (s *Server) onError(ev bus.Event) {
	var p ErrorPayload
	switch e := ev.Payload.(type) {
	case *pipeline.StageError:
		p = ErrorPayload{Source: "pipeline", Stage: string(e.Stage), RecordingID: e.RecordingID, Error: e.Error()}
	case *lex.QueryError:
		p = ErrorPayload{Source: "query", RecordingID: e.RecordingID, Error: e.Error()}
	case error:
		p = ErrorPayload{Source: string(ev.Topic), Error: e.Error()}
	default:
		return
	}
	s.broadcast(Message{Type: "error", Payload: p})
}

func (s *Server) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Errorf("server: encode %s: %v", m.Type, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			log.Warnf("server: client %s is not reading, dropping %s", c.conn.RemoteAddr(), m.Type)
		}
	}
}

func (s *Server) currentState() capture.StateEvent {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if s.src == nil {
		return last
	}
	st := capture.StateEvent{State: s.src.State().String(), Device: s.src.DeviceName()}
	if st.State == last.State {
		st.RecordingID = last.RecordingID
	}
	return st
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("server: upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ControlClients.Inc()
	}
	log.Infof("control client connected: %s", conn.RemoteAddr())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c)
	}()

	s.reply(c, Message{Type: "state", Request: "mic", Payload: s.currentState()})
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	c.close()
	s.mu.Unlock()
	<-writerDone
	conn.Close()
	if s.metrics != nil {
		s.metrics.ControlClients.Dec()
	}
	log.Infof("control client disconnected: %s", conn.RemoteAddr())
}

func (s *Server) writeLoop(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warnf("server: write: %v", err)
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (s *Server) reply(c *client, m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Errorf("server: encode %s: %v", m.Type, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) replyError(c *client, format string, args ...any) {
	s.reply(c, Message{Type: "error", Payload: ErrorPayload{Source: "control", Error: fmt.Sprintf(format, args...)}})
}

func (s *Server) readLoop(c *client) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("server: read: %v", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.replyError(c, "invalid command: %v", err)
			continue
		}
		s.handle(c, cmd)
	}
}

func (s *Server) handle(c *client, cmd Command) {
	switch cmd.Type {
	case "ping":
		s.reply(c, Message{Type: "pong"})
	case "control":
		switch cmd.Request {
		case "mic-down":
			s.bus.Publish(bus.TopicMicDown, nil)
		case "mic-up":
			s.bus.Publish(bus.TopicMicUp, nil)
		case "state":
			s.reply(c, Message{Type: "state", Request: "mic", Payload: s.currentState()})
		case "text":
			text, err := textPayload(cmd.Payload)
			if err != nil {
				s.replyError(c, "text request: %v", err)
				return
			}
			s.bus.Publish(bus.TopicQuery, bus.Query{Text: text})
		default:
			s.replyError(c, "unknown request %q", cmd.Request)
		}
	default:
		s.replyError(c, "unknown command type %q", cmd.Type)
	}
}

// textPayload accepts either a JSON string or {"text": "..."}.
func textPayload(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("missing payload")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("payload must be a string or {\"text\":...}")
		}
		text = obj.Text
	}
	if text == "" {
		return "", errors.New("empty text")
	}
	return text, nil
}
