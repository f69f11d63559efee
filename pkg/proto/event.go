// Package proto defines the inbound events and outbound push payloads exchanged with the
// negotiation interface.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// EventType identifies an inbound interface event.
type EventType string

const (
	EventPing    EventType = "ping"
	EventInitial EventType = "initial"
	EventChat    EventType = "chat"
	EventPropose EventType = "propose"
	EventAccept  EventType = "accept"
)

// ErrInvalidEvent is returned for events that fail validation.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one inbound action of the human party.
type Event struct {
	Type    EventType `json:"type"`
	Price   *float64  `json:"price,omitempty"`
	Quality *int      `json:"quality,omitempty"`
	Body    string    `json:"body,omitempty"`
}

// Validate checks that the event carries what its type needs. Terms of a proposal are
// not range-checked here; out-of-range offers are a classifier outcome.
func (e Event) Validate() error {
	switch e.Type {
	case EventPing, EventInitial:
		return nil
	case EventChat:
		if strings.TrimSpace(e.Body) == "" {
			return fmt.Errorf("%w: chat without body", ErrInvalidEvent)
		}
		return nil
	case EventPropose:
		if e.Price == nil && e.Quality == nil {
			return fmt.Errorf("%w: proposal without terms", ErrInvalidEvent)
		}
		return nil
	case EventAccept:
		if e.Price == nil || e.Quality == nil {
			return fmt.Errorf("%w: accept needs price and quality", ErrInvalidEvent)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
}

// DecodeEvent reads and validates one JSON event.
func DecodeEvent(r io.Reader) (Event, error) {
	var e Event
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Speaker is the author of a chat turn.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerBot  Speaker = "assistant"
)

// ChatTurn is one message of the transcript.
type ChatTurn struct {
	Speaker   Speaker   `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"stamp"`
}
