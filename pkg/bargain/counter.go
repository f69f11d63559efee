package bargain

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"negotiator/pkg/offer"
)

// profitTolerance absorbs float noise when comparing a candidate's profit to the target.
const profitTolerance = 1e-6

// ErrUnmappedEvaluation is returned by Propose for an evaluation it has no rule for.
var ErrUnmappedEvaluation = errors.New("no counter-offer rule for evaluation")

// Counter is a concrete counter-proposal.
type Counter struct {
	Price   float64
	Quality int
}

// String renders the counter-offer in the bracketed form the backend is asked to use.
func (c Counter) String() string {
	return FormatCounter(c)
}

// FormatCounter renders c as "[price, quality]" with the price in cents.
func FormatCounter(c Counter) string {
	return fmt.Sprintf("[%.2f, %d]", c.Price, c.Quality)
}

// QuantityForFixedPrice finds the integer quality that keeps the bot at its target at
// price while giving the counterpart the most profit. ok is false when no quality works.
func QuantityForFixedPrice(price, constraintBot, constraintUser float64) (int, bool) {
	return DefaultMarket.QuantityForFixedPrice(price, constraintBot, constraintUser)
}

// QuantityForFixedPrice is the market-specific form of QuantityForFixedPrice.
func (m Market) QuantityForFixedPrice(price, constraintBot, constraintUser float64) (int, bool) {
	t := m.Nash(constraintBot, constraintUser)
	span := m.DemandMax - m.DemandMin
	if span <= 0 {
		return 0, false
	}

	// Interior branch of E(q): (-q²/2 + dmax·q - dmin²/2) / span.
	var scale, linear float64
	var vertex float64
	if t.BotSupplier {
		scale = price / span
		linear = -t.ProductionCost
		vertex = m.DemandMax
		if price > 0 {
			vertex = m.DemandMax - t.ProductionCost*span/price
		}
	} else {
		scale = (t.MarketPrice - price) / span
		vertex = m.DemandMax
	}
	a := -scale / 2
	b := scale*m.DemandMax + linear
	c := -scale*m.DemandMin*m.DemandMin/2 - t.Profit

	candidates := map[int]struct{}{
		int(m.DemandMin): {},
		int(m.DemandMax): {},
	}
	addAround := func(x float64, radius int) {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return
		}
		lo, hi := int(math.Floor(x))-radius, int(math.Ceil(x))+radius
		for q := lo; q <= hi; q++ {
			candidates[q] = struct{}{}
		}
	}
	for _, root := range quadraticRoots(a, b, c) {
		addAround(root, 2)
	}
	addAround(vertex, 3)

	qualities := make([]int, 0, len(candidates))
	for q := range candidates {
		if float64(q) < m.DemandMin || float64(q) > m.DemandMax {
			continue
		}
		qualities = append(qualities, q)
	}
	sort.Ints(qualities)

	best, found := 0, false
	var bestUser, bestTotal float64
	for _, q := range qualities {
		qf := float64(q)
		bot := m.botProfit(t.BotSupplier, price, qf, t.MarketPrice, t.ProductionCost)
		if bot < t.Profit-profitTolerance {
			continue
		}
		user := m.userProfit(t.BotSupplier, price, qf, t.MarketPrice, t.ProductionCost)
		total := bot + user
		if !found || user > bestUser || (user == bestUser && total > bestTotal) {
			best, bestUser, bestTotal, found = q, user, total, true
		}
	}
	return best, found
}

// quadraticRoots returns the real roots of a·x² + b·x + c = 0.
func quadraticRoots(a, b, c float64) []float64 {
	if a == 0 {
		if b == 0 {
			return nil
		}
		return []float64{-c / b}
	}
	disc := b*b - 4*a*c
	if disc < 0 {
		return nil
	}
	sq := math.Sqrt(disc)
	return []float64{(-b + sq) / (2 * a), (-b - sq) / (2 * a)}
}

// PriceForFixedQuality inverts the bot's profit at quality for the price that reaches its
// target, rounded in the bot's favour to cents. ok is false when no positive price works.
func PriceForFixedQuality(quality int, constraintBot, constraintUser float64) (float64, bool) {
	return DefaultMarket.PriceForFixedQuality(quality, constraintBot, constraintUser)
}

// PriceForFixedQuality is the market-specific form of PriceForFixedQuality.
func (m Market) PriceForFixedQuality(quality int, constraintBot, constraintUser float64) (float64, bool) {
	t := m.Nash(constraintBot, constraintUser)
	qf := float64(quality)
	es := m.expectedDemand(qf)
	if es <= 0 {
		return 0, false
	}

	var price float64
	if t.BotSupplier {
		price = ceilCents((t.Profit + t.ProductionCost*qf) / es)
	} else {
		price = floorCents(t.MarketPrice - t.Profit/es)
	}
	if price <= 0 {
		return 0, false
	}
	return price, true
}

// NashFallback returns the Nash target terms as a counter-offer.
func NashFallback(constraintBot, constraintUser float64) Counter {
	return DefaultMarket.NashFallback(constraintBot, constraintUser)
}

// NashFallback is the market-specific form of NashFallback.
func (m Market) NashFallback(constraintBot, constraintUser float64) Counter {
	t := m.Nash(constraintBot, constraintUser)
	return Counter{Price: t.Price, Quality: t.Quality}
}

// Propose selects the counter-offer for an evaluated offer on the default market.
func Propose(e Evaluation, o offer.Offer, constraintBot, constraintUser float64) (Counter, bool, error) {
	return DefaultMarket.Propose(e, o, constraintBot, constraintUser)
}

// Propose selects the counter-offer for an evaluated offer. ok is false when the
// evaluation calls for no numeric counter-offer (Accept, InvalidOffer). An anchored solve
// without solution falls back to the Nash terms.
func (m Market) Propose(e Evaluation, o offer.Offer, constraintBot, constraintUser float64) (Counter, bool, error) {
	switch e {
	case Accept, InvalidOffer:
		return Counter{}, false, nil
	case OfferPriceOnly:
		if o.Price != nil {
			if q, ok := m.QuantityForFixedPrice(*o.Price, constraintBot, constraintUser); ok {
				return Counter{Price: *o.Price, Quality: q}, true, nil
			}
		}
		return m.NashFallback(constraintBot, constraintUser), true, nil
	case OfferQualityOnly, NotProfitable:
		if o.Quality != nil {
			if p, ok := m.PriceForFixedQuality(*o.Quality, constraintBot, constraintUser); ok {
				return Counter{Price: p, Quality: *o.Quality}, true, nil
			}
		}
		if o.Price != nil {
			if q, ok := m.QuantityForFixedPrice(*o.Price, constraintBot, constraintUser); ok {
				return Counter{Price: *o.Price, Quality: q}, true, nil
			}
		}
		return m.NashFallback(constraintBot, constraintUser), true, nil
	case TooUnfavourable, NotOffer:
		return m.NashFallback(constraintBot, constraintUser), true, nil
	default:
		return Counter{}, false, fmt.Errorf("%w: %s", ErrUnmappedEvaluation, e)
	}
}
