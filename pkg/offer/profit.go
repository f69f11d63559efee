package offer

// ExpectedDemand returns the expected units sold for a supplied quantity when demand is
// uniformly distributed on [dmin, dmax]. Units above the realized demand are wasted.
func ExpectedDemand(quality, dmin, dmax float64) float64 {
	if quality <= dmin {
		return quality
	}
	if quality >= dmax {
		return (dmin + dmax) / 2
	}
	return ((quality*quality-dmin*dmin)/2 + quality*(dmax-quality)) / (dmax - dmin)
}

// ProfitSupplier is the supplier's expected profit at the given terms.
func ProfitSupplier(price, quality, cost, dmin, dmax float64) float64 {
	return price*ExpectedDemand(quality, dmin, dmax) - cost*quality
}

// ProfitBuyer is the buyer's expected profit at the given terms.
func ProfitBuyer(price, quality, marketPrice, dmin, dmax float64) float64 {
	return (marketPrice - price) * ExpectedDemand(quality, dmin, dmax)
}
