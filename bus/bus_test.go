package bus

import (
	"testing"
	"time"
)

func TestPublishReachesSubscribersInOrder(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(TopicMicDown, func(Event) { got = append(got, "first") })
	b.Subscribe(TopicMicDown, func(Event) { got = append(got, "second") })
	b.Subscribe(TopicMicUp, func(Event) { got = append(got, "other") })

	b.Publish(TopicMicDown, nil)

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("got %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.Subscribe(TopicQuery, func(Event) { calls++ })
	keep := 0
	b.Subscribe(TopicQuery, func(Event) { keep++ })

	b.Publish(TopicQuery, Query{Text: "hi"})
	unsub()
	unsub()
	b.Publish(TopicQuery, Query{Text: "again"})

	if calls != 1 {
		t.Errorf("unsubscribed handler called %d times, want 1", calls)
	}
	if keep != 2 {
		t.Errorf("remaining handler called %d times, want 2", keep)
	}
	if n := b.Subscribers(TopicQuery); n != 1 {
		t.Errorf("Subscribers = %d, want 1", n)
	}
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	b := New()
	b.Subscribe(TopicResponse, func(Event) { panic("boom") })
	reached := false
	b.Subscribe(TopicResponse, func(Event) { reached = true })

	b.Publish(TopicResponse, "x")

	if !reached {
		t.Error("second handler not reached after a panic")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	var unsub func()
	calls := 0
	unsub = b.Subscribe(TopicState, func(Event) {
		calls++
		unsub()
	})
	b.Publish(TopicState, nil)
	b.Publish(TopicState, nil)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestTapWait(t *testing.T) {
	b := New()
	tap := NewTap(b, TopicQuery, TopicPipelineError)
	defer tap.Close()

	go func() {
		b.Publish(TopicQuery, Query{Audio: []byte{1}})
		b.Publish(TopicQuery, Query{Text: "book a car"})
	}()

	done := make(chan struct{})
	time.AfterFunc(2*time.Second, func() { close(done) })
	evs, err := tap.Wait(TopicQuery, 2, done)
	if err != nil {
		t.Fatal(err)
	}
	if evs[0].Payload.(Query).IsText() || !evs[1].Payload.(Query).IsText() {
		t.Errorf("unexpected payloads: %+v", evs)
	}
	if len(tap.Events(TopicPipelineError)) != 0 {
		t.Error("unexpected error events")
	}

	tap.Close()
	b.Publish(TopicQuery, Query{})
	if len(tap.Events(TopicQuery)) != 2 {
		t.Error("tap recorded after Close")
	}
}
