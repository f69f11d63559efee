package bargain

import (
	"negotiator/pkg/offer"
)

// priceFeasible reports whether some legal quality lets the bot reach target at price.
func (m Market) priceFeasible(price float64, t Target) bool {
	var best float64
	if t.BotSupplier {
		if price <= 0 {
			return false
		}
		qBest := m.clampQuality(m.DemandMax - t.ProductionCost*(m.DemandMax-m.DemandMin)/price)
		best = price*m.expectedDemand(qBest) - t.ProductionCost*qBest
	} else {
		best = (t.MarketPrice - price) * m.expectedDemand(m.DemandMax)
	}
	return best >= t.Profit
}

// qualityFeasible reports whether some price lets the bot reach target at quality without
// leaving the (production cost, market price) bargaining interval.
func (m Market) qualityFeasible(quality float64, t Target) bool {
	es := m.expectedDemand(quality)
	if es <= 0 {
		// Nothing is sold; only a non-positive target is reachable.
		if t.BotSupplier {
			return -t.ProductionCost*quality >= t.Profit
		}
		return t.Profit <= 0
	}

	if t.BotSupplier {
		required := (t.Profit + t.ProductionCost*quality) / es
		return required >= 0 && required < t.MarketPrice
	}
	maxAcceptable := t.MarketPrice - t.Profit/es
	return maxAcceptable >= t.ProductionCost
}

// ValidatePartial reports whether the terms present on o leave the bot any way to reach
// its Nash floor for the constraint pair.
func ValidatePartial(o offer.Offer, constraintBot, constraintUser float64) bool {
	return DefaultMarket.ValidatePartial(o, constraintBot, constraintUser)
}

// ValidatePartial is the market-specific form of ValidatePartial.
func (m Market) ValidatePartial(o offer.Offer, constraintBot, constraintUser float64) bool {
	t := m.Nash(constraintBot, constraintUser)
	if o.Quality != nil && !m.qualityFeasible(float64(*o.Quality), t) {
		return false
	}
	if o.Price != nil && !m.priceFeasible(*o.Price, t) {
		return false
	}
	return true
}
