// Package negotiation runs the bot's side of a bargaining session: it turns inbound
// interface events into offers, evaluates them against the bot's fair-bargain target and
// answers with phrased counter-offers or an acceptance.
package negotiation

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"negotiator/pkg/hostpool"
	"negotiator/pkg/offer"
	"negotiator/pkg/proto"
)

// UserIndex is the party index of the human.
const UserIndex = 1

// State is a negotiation state.
type State string

const (
	StateInitial             State = "INITIAL"
	StateElicitingConstraint State = "ELICITING_CONSTRAINT"
	StateAwaitingUserReply   State = "AWAITING_USER_REPLY"
	StateEvaluating          State = "EVALUATING"
	StateCounterOffering     State = "COUNTER_OFFERING"
	StateAccepted            State = "ACCEPTED"
)

var (
	// ErrInvalidTransition is returned for a transition missing from ValidTransitions.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrSessionFinished is returned for events on a closed negotiation.
	ErrSessionFinished = errors.New("negotiation already finished")
)

// ValidTransitions lists the states reachable from each state. Evaluating may fall back
// to AwaitingUserReply when the backend cannot be reached mid-turn.
//
//nolint:gochecknoglobals // transition table
var ValidTransitions = map[State][]State{
	StateInitial:             {StateAwaitingUserReply, StateElicitingConstraint, StateEvaluating, StateAccepted},
	StateElicitingConstraint: {StateElicitingConstraint, StateAwaitingUserReply},
	StateAwaitingUserReply:   {StateAwaitingUserReply, StateElicitingConstraint, StateEvaluating, StateAccepted},
	StateEvaluating:          {StateAccepted, StateCounterOffering, StateAwaitingUserReply},
	StateCounterOffering:     {StateAwaitingUserReply},
	StateAccepted:            {},
}

// IsValidTransition reports whether from → to is allowed.
func IsValidTransition(from, to State) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Session is the bot's state for one negotiation. It is not safe for concurrent use;
// the Runner serializes turns per session.
type Session struct {
	ID                string
	Round             hostpool.RoundKey
	BotRole           offer.Role
	ConstraintBot     float64
	ConstraintUser    *float64
	InitialConstraint *int
	Transcript        []proto.ChatTurn
	Offers            *offer.List
	Deal              *offer.Offer
	State             State

	trail strings.Builder
}

// NewSession creates a session in StateInitial.
func NewSession(id string, round hostpool.RoundKey, botRole offer.Role, constraintBot float64) *Session {
	return &Session{
		ID:            id,
		Round:         round,
		BotRole:       botRole,
		ConstraintBot: constraintBot,
		Offers:        offer.NewList(),
		State:         StateInitial,
	}
}

// UserRole is the role of the human.
func (s *Session) UserRole() offer.Role {
	return s.BotRole.Opposite()
}

// ConstraintKnown reports whether the user's constraint has been settled.
func (s *Session) ConstraintKnown() bool {
	return s.ConstraintUser != nil
}

// Finished reports whether a deal was closed.
func (s *Session) Finished() bool {
	return s.State == StateAccepted
}

// UserTurns counts the user's chat turns.
func (s *Session) UserTurns() int {
	n := 0
	for _, t := range s.Transcript {
		if t.Speaker == proto.SpeakerUser {
			n++
		}
	}
	return n
}

// Trail is the debug trace of the bot's decisions so far.
func (s *Session) Trail() string {
	return s.trail.String()
}

func (s *Session) tracef(format string, args ...any) {
	fmt.Fprintf(&s.trail, format, args...)
}

func (s *Session) transitionTo(to State) error {
	if !IsValidTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return nil
}

// abandonTurn returns a session left mid-turn to AwaitingUserReply.
func (s *Session) abandonTurn() {
	if s.State == StateEvaluating || s.State == StateCounterOffering {
		s.State = StateAwaitingUserReply
	}
}

// restoreState derives the state of a session loaded from storage.
func (s *Session) restoreState() {
	switch {
	case s.Deal != nil:
		s.State = StateAccepted
	case len(s.Transcript) == 0:
		s.State = StateInitial
	case !s.ConstraintKnown() && s.UserTurns() > 0:
		s.State = StateElicitingConstraint
	default:
		s.State = StateAwaitingUserReply
	}
}

func termString(p *float64, q *int) (string, string) {
	price, quality := "None", "None"
	if p != nil {
		price = fmt.Sprintf("%.2f", *p)
	}
	if q != nil {
		quality = fmt.Sprintf("%d", *q)
	}
	return price, quality
}
