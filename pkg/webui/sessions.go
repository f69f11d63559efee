package webui

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"negotiator/pkg/hostpool"
	"negotiator/pkg/offer"
	"negotiator/pkg/persistence"
	"negotiator/pkg/proto"
)

// CreateSessionRequest starts a negotiation against the bot.
type CreateSessionRequest struct {
	ConstraintBot *float64   `json:"constraint_bot,omitempty"`
	SessionCode   string     `json:"session_code"`
	BotRole       offer.Role `json:"bot_role"`
	Round         int        `json:"round"`
}

// CreateSessionResponse identifies the created session.
type CreateSessionResponse struct {
	ID      string     `json:"id"`
	Round   string     `json:"round"`
	BotRole offer.Role `json:"bot_role"`
}

// handleCreateSession implements POST /api/sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	req.BotRole = parseRole(string(req.BotRole))
	if strings.TrimSpace(req.SessionCode) == "" || req.Round < 1 || !req.BotRole.Valid() {
		http.Error(w, "session_code, round >= 1 and bot_role (Supplier or Buyer) are required", http.StatusBadRequest)
		return
	}

	constraint := s.botConstraint(req.BotRole)
	if req.ConstraintBot != nil {
		if *req.ConstraintBot <= 0 {
			http.Error(w, "constraint_bot must be positive", http.StatusBadRequest)
			return
		}
		constraint = *req.ConstraintBot
	}

	round := hostpool.RoundKey{Session: req.SessionCode, Round: req.Round}
	session, err := s.sessions.CreateSession(r.Context(), round, req.BotRole, constraint)
	if err != nil {
		s.logger.Error("Failed to create session for %s: %v", round, err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, CreateSessionResponse{ID: session.ID, Round: round.String(), BotRole: session.BotRole})
}

// parseRole accepts a role name in any case.
func parseRole(name string) offer.Role {
	for _, role := range []offer.Role{offer.RoleSupplier, offer.RoleBuyer} {
		if strings.EqualFold(name, string(role)) {
			return role
		}
	}
	return offer.Role(name)
}

// botConstraint draws the private value of a bot playing role from the role's range.
func (s *Server) botConstraint(role offer.Role) float64 {
	lo, hi := s.ranges.MarketPriceLow, s.ranges.MarketPriceHigh
	if role == offer.RoleSupplier {
		lo, hi = s.ranges.ProductionCostLow, s.ranges.ProductionCostHigh
	}
	s.drawMu.Lock()
	defer s.drawMu.Unlock()
	return s.draw(role, lo, hi)
}

// handleSnapshot implements GET /api/sessions/{id}.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleEvent implements POST /api/sessions/{id}/events. The turn runs in the
// background; its results arrive on the stream.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := proto.DecodeEvent(r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sessions.Submit(r.Context(), r.PathValue("id"), ev); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleEndRound implements DELETE /api/rounds/{code}/{round}. It tears down the host
// pool of the round; sessions of the round stay readable.
func (s *Server) handleEndRound(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	n, err := strconv.Atoi(r.PathValue("round"))
	if strings.TrimSpace(code) == "" || err != nil || n < 1 {
		http.Error(w, "round must be a positive integer", http.StatusBadRequest)
		return
	}
	s.sessions.EndRound(hostpool.RoundKey{Session: code, Round: n})
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, proto.ErrInvalidEvent):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, persistence.ErrSessionNotFound):
		http.Error(w, "Session not found", http.StatusNotFound)
	default:
		s.logger.Error("Request failed: %v", err)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
	}
}
