package realtime

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// event names
const (
	EventMessage = "message"
	EventTyping  = "typing"
	EventSeen    = "seen"
)

type (
	// Event is the wire format of every websocket frame.
	Event struct {
		Name string          `json:"event"`
		Data json.RawMessage `json:"data"`
	}

	// TypingIn is sent by a client to tell a peer it is typing.
	TypingIn struct {
		To string `json:"to"`
	}

	// TypingOut is relayed to every connection of TypingIn.To.
	TypingOut struct {
		From string `json:"from"`
	}

	// Envelope is what travels on the Bus: an event and the users it is for.
	Envelope struct {
		To    []string `json:"to"`
		Event Event    `json:"event"`
	}
)

func NewEvent(name string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, errors.Wrapf(err, "encoding %s event", name)
	}
	return Event{Name: name, Data: raw}, nil
}
