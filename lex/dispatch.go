package lex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lexmic/bus"
	"lexmic/log"
	"lexmic/metrics"
)

// QueryError is published on bus.TopicQueryError when a query fails.
type QueryError struct {
	RecordingID string
	Text        string
	Err         error
}

func (e *QueryError) Error() string {
	if e.RecordingID != "" {
		return fmt.Sprintf("query for recording %s: %v", e.RecordingID, e.Err)
	}
	return fmt.Sprintf("query %q: %v", e.Text, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Dispatcher answers every query published on the bus in the background
// and publishes the result. Service failures stay on this side of the bus.
type Dispatcher struct {
	q       Querier
	b       bus.Bus
	metrics *metrics.Metrics
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(b bus.Bus, q Querier, m *metrics.Metrics, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{q: q, b: b, metrics: m, timeout: timeout, ctx: ctx, cancel: cancel}
	d.unsub = b.Subscribe(bus.TopicQuery, d.onQuery)
	return d
}

func (d *Dispatcher) onQuery(ev bus.Event) {
	q, ok := ev.Payload.(bus.Query)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// a publish already in flight when Close ran
	if d.closed {
		log.Warnf("lex: dispatcher closed, dropping query %s", q.RecordingID)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handle(q)
	}()
}

func (d *Dispatcher) handle(q bus.Query) {
	kind := "audio"
	if q.IsText() {
		kind = "text"
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	resp, err := d.q.PostContent(ctx, q)
	if err != nil {
		log.Errorf("lex: %s query failed: %v", kind, err)
		if d.metrics != nil {
			d.metrics.QueryRequests.WithLabelValues(kind, "error").Inc()
		}
		d.b.Publish(bus.TopicQueryError, &QueryError{RecordingID: q.RecordingID, Text: q.Text, Err: err})
		return
	}
	if d.metrics != nil {
		d.metrics.QueryRequests.WithLabelValues(kind, "ok").Inc()
	}
	log.Infof("lex: intent=%q state=%s transcript=%q", resp.IntentName, resp.DialogState, resp.InputTranscript)
	d.b.Publish(bus.TopicResponse, resp)
}

// Close stops accepting queries and lets the ones already accepted finish.
// Queries still running after the per-query timeout are cancelled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.unsub()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.timeout):
		log.Warn("lex: queries still running at shutdown, cancelling")
		d.cancel()
		<-done
	}
	d.cancel()
}
