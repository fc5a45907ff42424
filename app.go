package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"lexmic/beep"
	"lexmic/bus"
	"lexmic/capture"
	"lexmic/config"
	"lexmic/encoder"
	"lexmic/intent"
	"lexmic/lex"
	"lexmic/log"
	"lexmic/metrics"
	"lexmic/pipeline"
	"lexmic/preview"
	"lexmic/recorder"
	"lexmic/server"
	"lexmic/speech"
)

type appOptions struct {
	Config   *config.Config
	Platform recorder.Platform
	Speaker  speech.Speaker
	// Querier answers queries; nil leaves them unanswered.
	Querier lex.Querier
	Metrics *metrics.Metrics
}

// app is one wired capture session with everything that hangs off the bus.
type app struct {
	cfg      *config.Config
	bus      *bus.Local
	metrics  *metrics.Metrics
	preview  *preview.Store
	session  *capture.Session
	pipeline *pipeline.Orchestrator
	dispatch *lex.Dispatcher
	speech   *speech.Controller
	router   *intent.Router
	server   *server.Server
	unbind   []func()
	queries  atomic.Int64
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	b := bus.New()

	store, err := preview.NewStore(cfg.Capture.PreviewDir)
	if err != nil {
		return nil, err
	}
	sp := speech.NewController(opts.Speaker)
	orch := pipeline.New(pipeline.Config{
		TargetRate: cfg.Capture.TargetRate,
		WAV:        encoder.WAV{CanonicalSize: cfg.WAV.CanonicalSize},
		Publisher:  b,
		Metrics:    m,
	})

	sess, err := capture.Open(ctx, opts.Platform, capture.Options{
		MaxDuration: cfg.Capture.MaxDuration,
		Preview:     store,
		Busy:        sp.IsSpeaking,
		OnFinalize:  orch.Process,
		Publisher:   b,
		Metrics:     m,
	})
	if err != nil {
		sp.Close()
		store.Close()
		return nil, err
	}
	sess.Bind(b)

	a := &app{
		cfg:      cfg,
		bus:      b,
		metrics:  m,
		preview:  store,
		session:  sess,
		pipeline: orch,
		speech:   sp,
		router:   intent.NewRouter(sp, greeting(cfg.Speech.Greeting)),
	}
	a.unbind = append(a.unbind, store.Bind(b), beep.Bind(b), a.router.Bind(b),
		b.Subscribe(bus.TopicQuery, func(bus.Event) { a.queries.Add(1) }))

	if opts.Querier != nil {
		a.dispatch = lex.NewDispatcher(b, opts.Querier, m, cfg.Lex.Timeout)
	} else {
		a.unbind = append(a.unbind, b.Subscribe(bus.TopicQuery, func(ev bus.Event) {
			if q, ok := ev.Payload.(bus.Query); ok {
				log.Warnf("no bot configured, dropping query %s (%d bytes)", q.RecordingID, len(q.Audio))
			}
		}))
	}
	a.server = server.New(b, sess, m)
	return a, nil
}

// greeting maps the configured greeting: empty selects the default line and
// "-" turns it off.
func greeting(configured string) string {
	switch configured {
	case "":
		return intent.DefaultGreeting
	case "-":
		return ""
	}
	return configured
}

// newQuerier builds the service client from the lex section, or returns nil
// when no bot is configured.
func newQuerier(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (lex.Querier, error) {
	c, err := lex.New(ctx, lex.Settings{
		BotName:  cfg.Lex.BotName,
		BotAlias: cfg.Lex.BotAlias,
		UserID:   cfg.Lex.UserID,
		Region:   cfg.Lex.Region,
		Endpoint: cfg.Lex.Endpoint,
		Timeout:  cfg.Lex.Timeout,
	}, lex.WithMetrics(m))
	if errors.Is(err, lex.ErrBotName) {
		log.Warn("lex.bot_name is empty, queries will not be sent")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lex client: %w", err)
	}
	return c, nil
}

// close tears the app down in reverse order of construction.
func (a *app) close() error {
	a.server.Close()
	err := a.session.Release()
	if a.dispatch != nil {
		a.dispatch.Close()
	}
	for _, u := range a.unbind {
		u()
	}
	a.speech.Close()
	if perr := a.preview.Close(); perr != nil && err == nil {
		err = perr
	}
	return err
}
