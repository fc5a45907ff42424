package lex

import (
	"context"
	"sync"

	"lexmic/bus"
)

// Fake answers text queries from Replies (keyed by utterance) and audio
// queries with Audio. Err fails every query. When Hold is set, answers wait
// until it is closed or the query's context ends.
type Fake struct {
	Replies map[string]*Response
	Audio   *Response
	Err     error
	Hold    chan struct{}

	mu      sync.Mutex
	queries []bus.Query
}

func (f *Fake) PostContent(ctx context.Context, q bus.Query) (*Response, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	if f.Hold != nil {
		select {
		case <-f.Hold:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	var r *Response
	if q.IsText() {
		r = f.Replies[q.Text]
		if r == nil {
			r = &Response{DialogState: "ElicitIntent", Message: "Sorry, can you please repeat that?", InputTranscript: q.Text}
		}
	} else {
		r = f.Audio
		if r == nil {
			r = &Response{DialogState: "ElicitIntent"}
		}
	}
	out := *r
	out.RecordingID = q.RecordingID
	return &out, nil
}

func (f *Fake) Queries() []bus.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.Query(nil), f.queries...)
}
