package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"negotiator/pkg/offer"
	"negotiator/pkg/proto"
)

// Store reads and writes negotiation sessions.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSession inserts rec, assigning an id when it has none.
func (s *Store) CreateSession(ctx context.Context, rec *SessionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if !rec.BotRole.Valid() {
		return fmt.Errorf("create session %s: invalid bot role %q", rec.ID, rec.BotRole)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, session_code, round, bot_role, constraint_bot, constraint_user, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionCode, rec.Round, string(rec.BotRole), rec.ConstraintBot,
		nullFloat(rec.ConstraintUser), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", rec.ID, err)
	}
	return nil
}

// GetSession loads the session with id.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var (
		rec                        SessionRecord
		role                       string
		constraintUser, price      sql.NullFloat64
		profitBot, profitUser      sql.NullFloat64
		initialConstraint, quality sql.NullInt64
		finishedAt                 sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_code, round, bot_role, constraint_bot, constraint_user, initial_constraint,
		       created_at, finished_at, deal_price, deal_quality, deal_profit_bot, deal_profit_user
		FROM sessions WHERE id = ?`, id).Scan(
		&rec.ID, &rec.SessionCode, &rec.Round, &role, &rec.ConstraintBot, &constraintUser,
		&initialConstraint, &rec.CreatedAt, &finishedAt, &price, &quality, &profitBot, &profitUser,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	rec.BotRole = offer.Role(role)
	if constraintUser.Valid {
		rec.ConstraintUser = offer.Float(constraintUser.Float64)
	}
	if initialConstraint.Valid {
		rec.InitialConstraint = offer.Int(int(initialConstraint.Int64))
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
		deal := offer.Offer{Index: offer.BotIndex, Origin: offer.OriginInterface, Timestamp: t}
		if price.Valid {
			deal.Price = offer.Float(price.Float64)
		}
		if quality.Valid {
			deal.Quality = offer.Int(int(quality.Int64))
		}
		deal.ProfitBot = profitBot.Float64
		deal.ProfitUser = profitUser.Float64
		rec.Deal = &deal
	}
	return &rec, nil
}

// GetProfitRoleConstraints returns the bot's role and both constraints of a session.
// The user constraint is nil until it has been settled.
func (s *Store) GetProfitRoleConstraints(ctx context.Context, sessionID string) (offer.Role, float64, *float64, error) {
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return "", 0, nil, err
	}
	return rec.BotRole, rec.ConstraintBot, rec.ConstraintUser, nil
}

// ListRound returns every session of one round of one experiment session, oldest first.
func (s *Store) ListRound(ctx context.Context, sessionCode string, round int) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE session_code = ? AND round = ? ORDER BY created_at, id`,
		sessionCode, round)
	if err != nil {
		return nil, fmt.Errorf("failed to list round %s_%d: %w", sessionCode, round, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to close rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	out := make([]*SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SetInitialConstraint records the constraint the user first stated.
func (s *Store) SetInitialConstraint(ctx context.Context, sessionID string, value int) error {
	return s.update(ctx, sessionID, "initial constraint",
		`UPDATE sessions SET initial_constraint = ? WHERE id = ?`, value, sessionID)
}

// SetUserConstraint records the settled user constraint.
func (s *Store) SetUserConstraint(ctx context.Context, sessionID string, value float64) error {
	return s.update(ctx, sessionID, "user constraint",
		`UPDATE sessions SET constraint_user = ? WHERE id = ?`, value, sessionID)
}

// FinalizeDeal closes the session on the terms of deal. A session can be finalized once.
func (s *Store) FinalizeDeal(ctx context.Context, sessionID string, deal offer.Offer) error {
	if !deal.IsComplete() {
		return fmt.Errorf("finalize %s: deal %s is incomplete", sessionID, deal)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET finished_at = ?, deal_price = ?, deal_quality = ?, deal_profit_bot = ?, deal_profit_user = ?
		WHERE id = ? AND finished_at IS NULL`,
		time.Now().UTC(), *deal.Price, *deal.Quality, deal.ProfitBot, deal.ProfitUser, sessionID)
	if err != nil {
		return fmt.Errorf("failed to finalize session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, sessionID)
	}
	return nil
}

func (s *Store) update(ctx context.Context, sessionID, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to set %s of %s: %w", what, sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// RecordOffer appends o to the session's offers.
func (s *Store) RecordOffer(ctx context.Context, sessionID string, o offer.Offer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offers (id, session_id, idx, origin, price, quality, profit_bot, profit_user, enhanced, stamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, o.Index, string(o.Origin), nullFloat(o.Price), nullInt(o.Quality),
		o.ProfitBot, o.ProfitUser, o.Enhanced, o.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record offer for %s: %w", sessionID, err)
	}
	return nil
}

// Offers loads the session's offers in timestamp order.
func (s *Store) Offers(ctx context.Context, sessionID string) (*offer.List, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, origin, price, quality, profit_bot, profit_user, enhanced, stamp
		FROM offers WHERE session_id = ? ORDER BY stamp, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	list := offer.NewList()
	for rows.Next() {
		var (
			o       offer.Offer
			origin  string
			price   sql.NullFloat64
			quality sql.NullInt64
		)
		if err := rows.Scan(&o.Index, &origin, &price, &quality, &o.ProfitBot, &o.ProfitUser, &o.Enhanced, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		o.Origin = offer.Origin(origin)
		if price.Valid {
			o.Price = offer.Float(price.Float64)
		}
		if quality.Valid {
			o.Quality = offer.Int(int(quality.Int64))
		}
		list.Append(o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate offers: %w", err)
	}
	return list, nil
}

// RecordChatTurn appends turn to the session transcript.
func (s *Store) RecordChatTurn(ctx context.Context, sessionID string, turn proto.ChatTurn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_turns (session_id, role, content, stamp) VALUES (?, ?, ?, ?)`,
		sessionID, string(turn.Speaker), turn.Content, turn.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record chat turn for %s: %w", sessionID, err)
	}
	return nil
}

// ChatTurns loads the session transcript in order.
func (s *Store) ChatTurns(ctx context.Context, sessionID string) ([]proto.ChatTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, stamp FROM chat_turns WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat turns for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var turns []proto.ChatTurn
	for rows.Next() {
		var (
			turn    proto.ChatTurn
			speaker string
		)
		if err := rows.Scan(&speaker, &turn.Content, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan chat turn: %w", err)
		}
		turn.Speaker = proto.Speaker(speaker)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat turns: %w", err)
	}
	return turns, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
