package offer

import (
	"sort"

	"gonum.org/v1/gonum/floats"
)

// List is an append-only sequence of offers ordered by timestamp.
type List struct {
	offers []Offer
}

// NewList builds a list from offers, sorting them by timestamp.
func NewList(offers ...Offer) *List {
	l := &List{offers: make([]Offer, 0, len(offers))}
	for _, o := range offers {
		l.Append(o)
	}
	return l
}

// Append inserts o after every offer with a timestamp not later than its own.
func (l *List) Append(o Offer) {
	i := sort.Search(len(l.offers), func(i int) bool {
		return l.offers[i].Timestamp.After(o.Timestamp)
	})
	l.offers = append(l.offers, Offer{})
	copy(l.offers[i+1:], l.offers[i:])
	l.offers[i] = o.clone()
}

// Len returns the number of offers.
func (l *List) Len() int {
	return len(l.offers)
}

// All returns a copy of the offers in order.
func (l *List) All() []Offer {
	out := make([]Offer, len(l.offers))
	for i := range l.offers {
		out[i] = l.offers[i].clone()
	}
	return out
}

// Latest returns the most recent offer.
func (l *List) Latest() (Offer, bool) {
	if len(l.offers) == 0 {
		return Offer{}, false
	}
	return l.offers[len(l.offers)-1].clone(), true
}

// LatestFrom returns the most recent offer of party index.
func (l *List) LatestFrom(index int) (Offer, bool) {
	for i := len(l.offers) - 1; i >= 0; i-- {
		if l.offers[i].Index == index {
			return l.offers[i].clone(), true
		}
	}
	return Offer{}, false
}

func (l *List) userBotProfits() []float64 {
	profits := make([]float64, 0, len(l.offers))
	for i := range l.offers {
		if !l.offers[i].IsBot() {
			profits = append(profits, l.offers[i].ProfitBot)
		}
	}
	return profits
}

// MaxUserProfit is the highest bot profit among the user's offers, 0 when there are none.
func (l *List) MaxUserProfit() float64 {
	profits := l.userBotProfits()
	if len(profits) == 0 {
		return 0
	}
	return floats.Max(profits)
}

// MinUserProfit is the lowest bot profit among the user's offers, 0 when there are none.
func (l *List) MinUserProfit() float64 {
	profits := l.userBotProfits()
	if len(profits) == 0 {
		return 0
	}
	return floats.Min(profits)
}

// Recompute refreshes the profits of every offer for the given constraints.
func (l *List) Recompute(botRole Role, constraintBot, constraintUser *float64) {
	for i := range l.offers {
		l.offers[i] = l.offers[i].WithProfits(botRole, constraintBot, constraintUser)
	}
}
