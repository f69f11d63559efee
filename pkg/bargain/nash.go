// Package bargain implements the bot's economic decisions: the Nash bargaining target for a
// pair of constraints, classification of incoming offers against it, and counter-offers
// that keep the bot at or above its target profit.
package bargain

import (
	"math"

	"gonum.org/v1/gonum/floats/scalar"

	"negotiator/pkg/offer"
)

// Market is the demand range the profit functions are evaluated on.
type Market struct {
	DemandMin float64
	DemandMax float64
}

// DefaultMarket uses the demand range of the offer model.
var DefaultMarket = Market{DemandMin: offer.DemandMin, DemandMax: offer.DemandMax} //nolint:gochecknoglobals

// Target is the fair-bargain outcome for a constraint pair.
type Target struct {
	Profit         float64 // bot-side profit at the target terms, floored to cents
	Price          float64
	Quality        int
	MarketPrice    float64
	ProductionCost float64
	BotSupplier    bool
}

// sides orders a constraint pair into market price and production cost. The bot is the
// supplier when its constraint is the production cost; equal constraints count as supplier.
func sides(constraintBot, constraintUser float64) (marketPrice, productionCost float64, botSupplier bool) {
	marketPrice = math.Max(constraintBot, constraintUser)
	productionCost = math.Min(constraintBot, constraintUser)
	return marketPrice, productionCost, constraintBot == productionCost
}

// Nash computes the target on the default market.
func Nash(constraintBot, constraintUser float64) Target {
	return DefaultMarket.Nash(constraintBot, constraintUser)
}

// Nash computes the fair-bargain target for the constraint pair. The price target is
// rounded to cents; the integer quality is whichever of floor/ceil of the continuous
// optimum yields the larger total profit, floor winning ties.
func (m Market) Nash(constraintBot, constraintUser float64) Target {
	marketPrice, productionCost, botSupplier := sides(constraintBot, constraintUser)
	target := Target{
		MarketPrice:    marketPrice,
		ProductionCost: productionCost,
		BotSupplier:    botSupplier,
	}
	if marketPrice <= 0 {
		return target
	}

	demandRange := m.DemandMax - m.DemandMin
	qTilde := demandRange * (marketPrice - productionCost) / marketPrice
	price := roundCents(marketPrice * (marketPrice + 3*productionCost) / (2 * (marketPrice + productionCost)))

	quality := m.clampQuality(math.Floor(qTilde))
	best := m.totalProfit(price, quality, marketPrice, productionCost)
	if upper := m.clampQuality(math.Ceil(qTilde)); upper != quality {
		if total := m.totalProfit(price, upper, marketPrice, productionCost); total > best {
			quality = upper
		}
	}

	target.Price = price
	target.Quality = int(quality)
	target.Profit = floorCents(m.botProfit(botSupplier, price, quality, marketPrice, productionCost))
	return target
}

func (m Market) supplierProfit(price, quality, productionCost float64) float64 {
	return offer.ProfitSupplier(price, quality, productionCost, m.DemandMin, m.DemandMax)
}

func (m Market) buyerProfit(price, quality, marketPrice float64) float64 {
	return offer.ProfitBuyer(price, quality, marketPrice, m.DemandMin, m.DemandMax)
}

func (m Market) totalProfit(price, quality, marketPrice, productionCost float64) float64 {
	return m.supplierProfit(price, quality, productionCost) + m.buyerProfit(price, quality, marketPrice)
}

// botProfit and userProfit pick the role-specific profit of each side.
func (m Market) botProfit(botSupplier bool, price, quality, marketPrice, productionCost float64) float64 {
	if botSupplier {
		return m.supplierProfit(price, quality, productionCost)
	}
	return m.buyerProfit(price, quality, marketPrice)
}

func (m Market) userProfit(botSupplier bool, price, quality, marketPrice, productionCost float64) float64 {
	return m.botProfit(!botSupplier, price, quality, marketPrice, productionCost)
}

func (m Market) expectedDemand(quality float64) float64 {
	return offer.ExpectedDemand(quality, m.DemandMin, m.DemandMax)
}

func (m Market) clampQuality(q float64) float64 {
	return math.Min(math.Max(q, m.DemandMin), m.DemandMax)
}

func roundCents(x float64) float64 {
	return scalar.Round(x, 2)
}

func floorCents(x float64) float64 {
	return math.Floor(x*100) / 100
}

func ceilCents(x float64) float64 {
	return math.Ceil(x*100) / 100
}
