// Package bus is the in-process publish/subscribe substrate that connects
// controls, the capture session, the pipeline and the service client.
// Nothing in it is global: every component receives the bus it talks to.
package bus

import (
	"fmt"
	"sync"

	"lexmic/log"
)

type Topic string

const (
	TopicMicDown       Topic = "mic.down"
	TopicMicUp         Topic = "mic.up"
	TopicState         Topic = "state"
	TopicQuery         Topic = "query"
	TopicPipelineError Topic = "pipeline.error"
	TopicResponse      Topic = "response"
	TopicQueryError    Topic = "query.error"
)

type Event struct {
	Topic   Topic
	Payload any
}

type Handler func(Event)

type Publisher interface {
	Publish(topic Topic, payload any)
}

type Subscriber interface {
	// Subscribe registers h for topic and returns a func that removes it.
	Subscribe(topic Topic, h Handler) (unsubscribe func())
}

type Bus interface {
	Publisher
	Subscriber
}

// Query is the outbound request for the speech-understanding service: either
// an encoded recording or a typed utterance.
type Query struct {
	RecordingID string
	Audio       []byte // WAV container, nil for text queries
	SampleRate  int
	Text        string
}

func (q Query) IsText() bool { return q.Audio == nil }

type subscription struct {
	id int
	h  Handler
}

// Local delivers events synchronously, in subscription order, on the
// publisher's goroutine. A panicking handler is logged and does not stop
// delivery to the others.
type Local struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID int
}

func New() *Local {
	return &Local{subs: make(map[Topic][]subscription)}
}

func (b *Local) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[topic]
			for i, s := range subs {
				if s.id == id {
					b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

func (b *Local) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload}
	for _, s := range subs {
		deliver(s.h, ev)
	}
}

// Subscribers reports how many handlers are registered for topic.
func (b *Local) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("bus: handler for %s panicked: %v", ev.Topic, r)
		}
	}()
	h(ev)
}

// Tap records every event published on the topics it watches.
type Tap struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
	unsub  []func()
}

func NewTap(b Subscriber, topics ...Topic) *Tap {
	t := &Tap{notify: make(chan struct{}, 1)}
	for _, topic := range topics {
		t.unsub = append(t.unsub, b.Subscribe(topic, t.record))
	}
	return t
}

func (t *Tap) record(ev Event) {
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *Tap) Events(topic Topic) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Event
	for _, ev := range t.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

// Wait blocks until at least n events have been seen on topic or done fires.
func (t *Tap) Wait(topic Topic, n int, done <-chan struct{}) ([]Event, error) {
	for {
		if evs := t.Events(topic); len(evs) >= n {
			return evs, nil
		}
		select {
		case <-t.notify:
		case <-done:
			return t.Events(topic), fmt.Errorf("saw %d %s events, want %d", len(t.Events(topic)), topic, n)
		}
	}
}

func (t *Tap) Close() {
	for _, u := range t.unsub {
		u()
	}
}
