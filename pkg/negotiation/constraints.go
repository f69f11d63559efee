package negotiation

import (
	"context"
	"fmt"
	"math/rand/v2"

	"negotiator/pkg/extract"
	"negotiator/pkg/llm"
	"negotiator/pkg/logx"
	"negotiator/pkg/offer"
)

// ConstantDraw assigns the value least favourable to the user: the lowest production
// cost of a supplier or the highest market price of a buyer.
func ConstantDraw(userRole offer.Role, lo, hi float64) float64 {
	if userRole == offer.RoleSupplier {
		return lo
	}
	return hi
}

// UniformDraw draws a whole-euro constraint uniformly from [lo, hi] using r.
func UniformDraw(r *rand.Rand) DrawFunc {
	return func(_ offer.Role, lo, hi float64) float64 {
		if hi <= lo {
			return lo
		}
		return lo + float64(r.IntN(int(hi-lo)+1))
	}
}

// rangeFor is the allowed constraint range of a user playing role.
func (r Ranges) rangeFor(role offer.Role) (float64, float64) {
	if role == offer.RoleSupplier {
		return r.ProductionCostLow, r.ProductionCostHigh
	}
	return r.MarketPriceLow, r.MarketPriceHigh
}

// elicit settles the user's constraint over two chat turns. The first stated value is
// echoed for confirmation; the second is kept when it lies in the role's range, otherwise
// an assigned value is used.
func (p *Protocol) elicit(ctx context.Context, s *Session, client llm.Client, text string) error {
	value, ok, err := p.interpretConstraint(ctx, client, text)
	if err != nil {
		return err
	}

	if s.UserTurns() <= 1 {
		if err := s.transitionTo(StateElicitingConstraint); err != nil {
			return err
		}
		if !ok {
			return p.say(ctx, s, ConstraintClarify(s.UserRole()))
		}
		if err := p.deps.Store.SetInitialConstraint(ctx, s.ID, value); err != nil {
			return fmt.Errorf("store initial constraint: %w", err)
		}
		s.InitialConstraint = &value
		return p.say(ctx, s, ConstraintConfirm(value, s.UserRole()))
	}

	lo, hi := p.deps.Ranges.rangeFor(s.UserRole())
	final, message := float64(value), ConstraintFinal()
	if !ok || final < lo || final > hi {
		final, message = p.deps.Draw(s.UserRole(), lo, hi), ConstraintPersisting()
		p.logger.InfoCtx(ctx, "constraint %d (read %t) outside [%g, %g], assigned %g", value, ok, lo, hi, final)
	}

	if err := p.deps.Store.SetUserConstraint(ctx, s.ID, final); err != nil {
		return fmt.Errorf("store user constraint: %w", err)
	}
	s.ConstraintUser = &final
	if err := s.transitionTo(StateAwaitingUserReply); err != nil {
		return err
	}
	return p.say(ctx, s, message)
}

// interpretConstraint reads the amount stated in message with the constraint model.
func (p *Protocol) interpretConstraint(ctx context.Context, client llm.Client, message string) (int, bool, error) {
	req := llm.NewCompletionRequest(llm.NewUserMessage(ConstraintReaderPrompt(message))).
		WithModel(p.deps.Models.Constraint)
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return 0, false, err //nolint:wrapcheck // typed backend error is inspected by Handle
	}

	value, ok := extract.ParseConstraint(resp.Content)
	result := "None"
	if ok {
		result = fmt.Sprintf("%d", value)
	}
	logx.DebugToFile(ctx, "constraints", p.deps.ConstraintsFile, "%s;%s;%s",
		extract.Flatten(message), extract.Flatten(resp.Content), result)
	return value, ok, nil
}
