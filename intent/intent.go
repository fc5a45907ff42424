// Package intent turns bot replies into the lines the host speaks.
package intent

import (
	"lexmic/bus"
	"lexmic/lex"
	"lexmic/log"
)

const (
	DefaultGreeting = "Hello! I am the TravisBot3000. How are you today? Ask me about Programming. Or Ask me to tell a joke."

	carConfirmed   = "Congratulations your Car booking is confirmed"
	hotelConfirmed = "Congratulations your Hotel Booking is confirmed"
	notUnderstood  = "Sorry, I did not catch that."
	readyToFulfill = "ReadyForFulfillment"
)

// Reply picks what the host says for r. Confirmed bookings get a fixed
// line; everything else repeats the bot's own message.
func Reply(r *lex.Response) string {
	if r.DialogState == readyToFulfill {
		switch r.IntentName {
		case "BookCar":
			return carConfirmed
		case "BookHotel":
			return hotelConfirmed
		}
	}
	return r.Message
}

type Player interface {
	Play(text string)
}

type Router struct {
	p        Player
	greeting string
}

func NewRouter(p Player, greeting string) *Router {
	return &Router{p: p, greeting: greeting}
}

// Greet speaks the greeting; call it once at startup.
func (r *Router) Greet() {
	if r.greeting != "" {
		r.p.Play(r.greeting)
	}
}

// Bind speaks every response and query failure published on b.
func (r *Router) Bind(b bus.Subscriber) func() {
	unsubResp := b.Subscribe(bus.TopicResponse, func(ev bus.Event) {
		resp, ok := ev.Payload.(*lex.Response)
		if !ok {
			return
		}
		line := Reply(resp)
		log.Response(resp.IntentName, resp.InputTranscript, line)
		r.p.Play(line)
	})
	unsubErr := b.Subscribe(bus.TopicQueryError, func(bus.Event) {
		r.p.Play(notUnderstood)
	})
	return func() {
		unsubResp()
		unsubErr()
	}
}
