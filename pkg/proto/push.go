package proto

import (
	"negotiator/pkg/offer"
)

// Push is one outbound payload. Exactly the fields relevant to the update are set.
type Push struct {
	Chat         []ChatTurn    `json:"chat,omitempty"`
	Offers       []offer.Offer `json:"offers,omitempty"`
	Interactions []ChatTurn    `json:"interactions,omitempty"`
	Finished     bool          `json:"finished,omitempty"`
	Unblock      bool          `json:"unblock,omitempty"`
	Trail        string        `json:"trail,omitempty"`
	Pong         bool          `json:"pong,omitempty"`
}

// ChatPush delivers new chat lines.
func ChatPush(turns ...ChatTurn) Push {
	return Push{Chat: turns}
}

// OffersPush delivers the full offer list.
func OffersPush(offers []offer.Offer) Push {
	return Push{Offers: offers}
}

// InteractionsPush delivers the full transcript.
func InteractionsPush(turns []ChatTurn) Push {
	return Push{Interactions: turns}
}

// FinishedPush tells the interface the deal is closed.
func FinishedPush() Push {
	return Push{Finished: true}
}

// UnblockPush releases the interface after an abandoned turn.
func UnblockPush() Push {
	return Push{Unblock: true}
}

// Terminal reports whether the interface depends on receiving p to leave a waiting state.
func (p Push) Terminal() bool {
	return p.Finished || p.Unblock
}

// TrailPush carries the debug trace of the bot's decisions.
func TrailPush(trail string) Push {
	return Push{Trail: trail}
}

// PongPush answers a ping.
func PongPush() Push {
	return Push{Pong: true}
}
