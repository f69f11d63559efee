package persistence

import (
	"errors"
	"time"

	"negotiator/pkg/offer"
)

var (
	// ErrSessionNotFound is returned when no session has the requested id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyFinished is returned when a deal is finalized twice.
	ErrAlreadyFinished = errors.New("session already finished")
)

// SessionRecord is the stored state of one bot negotiation in one round.
type SessionRecord struct {
	CreatedAt         time.Time    `json:"created_at"`
	FinishedAt        *time.Time   `json:"finished_at,omitempty"`
	ConstraintUser    *float64     `json:"constraint_user,omitempty"`
	InitialConstraint *int         `json:"initial_constraint,omitempty"`
	Deal              *offer.Offer `json:"deal,omitempty"`
	ID                string       `json:"id"`
	SessionCode       string       `json:"session_code"`
	BotRole           offer.Role   `json:"bot_role"`
	Round             int          `json:"round"`
	ConstraintBot     float64      `json:"constraint_bot"`
}

// Finished reports whether a deal was closed.
func (r *SessionRecord) Finished() bool {
	return r.FinishedAt != nil
}
