package bargain

import (
	"errors"

	"negotiator/pkg/offer"
)

// Evaluation is the classifier outcome for an incoming offer.
type Evaluation int

const (
	Accept Evaluation = iota
	NotProfitable
	OfferPriceOnly
	OfferQualityOnly
	TooUnfavourable
	InvalidOffer
	NotOffer
)

// ErrUnmappedOffer is returned when an offer matches no classification branch.
// The branch set is total, so this signals a defect.
var ErrUnmappedOffer = errors.New("offer matches no classification branch")

func (e Evaluation) String() string {
	switch e {
	case Accept:
		return "accept"
	case NotProfitable:
		return "not_profitable"
	case OfferPriceOnly:
		return "offer_price"
	case OfferQualityOnly:
		return "offer_quality"
	case TooUnfavourable:
		return "too_unfavourable"
	case InvalidOffer:
		return "invalid_offer"
	case NotOffer:
		return "not_offer"
	default:
		return "unknown"
	}
}

// Evaluate classifies o on the default market.
func Evaluate(o offer.Offer, constraintBot, constraintUser float64) (Evaluation, error) {
	return DefaultMarket.Evaluate(o, constraintBot, constraintUser)
}

// Evaluate classifies o against the Nash target of the constraint pair. Profits must
// already be populated on o. Profitability is checked before completeness.
func (m Market) Evaluate(o offer.Offer, constraintBot, constraintUser float64) (Evaluation, error) {
	target := m.Nash(constraintBot, constraintUser)

	feasible := func(ok Evaluation) Evaluation {
		if !m.ValidatePartial(o, constraintBot, constraintUser) {
			return TooUnfavourable
		}
		return ok
	}

	switch {
	case o.ProfitBot >= target.Profit:
		return Accept, nil
	case o.Price == nil && o.QualityInRange():
		return feasible(OfferQualityOnly), nil
	case o.Quality == nil && o.PriceInRange():
		return feasible(OfferPriceOnly), nil
	case o.IsValid():
		return feasible(NotProfitable), nil
	case o.Price != nil && !o.PriceInRange(), o.Quality != nil && !o.QualityInRange():
		return InvalidOffer, nil
	case o.Price == nil && o.Quality == nil:
		return NotOffer, nil
	default:
		return NotOffer, ErrUnmappedOffer
	}
}
