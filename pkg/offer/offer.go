// Package offer defines the price/quality proposal exchanged during a negotiation,
// the expected-demand profit functions of both market roles, and the ordered offer list.
package offer

import (
	"fmt"
	"time"
)

// Role is a market role in the bargaining game.
type Role string

const (
	RoleSupplier Role = "Supplier"
	RoleBuyer    Role = "Buyer"
)

// Opposite returns the counterpart role.
func (r Role) Opposite() Role {
	if r == RoleSupplier {
		return RoleBuyer
	}
	return RoleSupplier
}

// Valid reports whether r is one of the two market roles.
func (r Role) Valid() bool {
	return r == RoleSupplier || r == RoleBuyer
}

// Origin records how an offer entered the negotiation.
type Origin string

const (
	// OriginInterface is a structured proposal made through the interface.
	OriginInterface Origin = "interface"
	// OriginChat is an offer interpreted from free text.
	OriginChat Origin = "chat"
)

// BotIndex is the party index reserved for the automated agent.
const BotIndex = -1

// Market bounds.
const (
	PriceMin   = 3.0
	PriceMax   = 12.0
	QualityMin = 0
	QualityMax = 100
	DemandMin  = 0
	DemandMax  = 100
)

// Sentinel profits stored on offers that cannot be evaluated.
const (
	InvalidProfitBot  = -11
	InvalidProfitUser = -10
)

// Offer is a (price, quality) proposal. Price and Quality are nil when absent.
// Offers are values: methods that change fields return a modified copy.
type Offer struct {
	Timestamp  time.Time `json:"stamp"`
	Price      *float64  `json:"price"`
	Quality    *int      `json:"quality"`
	Origin     Origin    `json:"origin"`
	Enhanced   string    `json:"enhanced,omitempty"`
	Index      int       `json:"idx"`
	ProfitBot  float64   `json:"profit_bot"`
	ProfitUser float64   `json:"profit_user"`
}

// New creates an offer stamped with the current time.
func New(index int, origin Origin, price *float64, quality *int) Offer {
	return Offer{
		Index:     index,
		Origin:    origin,
		Price:     copyFloat(price),
		Quality:   copyInt(quality),
		Timestamp: time.Now().UTC(),
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IsBot reports whether the offer was made by the automated agent.
func (o Offer) IsBot() bool {
	return o.Index == BotIndex
}

// IsComplete reports whether both price and quality are present.
func (o Offer) IsComplete() bool {
	return o.Price != nil && o.Quality != nil
}

// PriceInRange reports whether a price is present and within [PriceMin, PriceMax].
func (o Offer) PriceInRange() bool {
	return o.Price != nil && *o.Price >= PriceMin && *o.Price <= PriceMax
}

// QualityInRange reports whether a quality is present and within [QualityMin, QualityMax].
func (o Offer) QualityInRange() bool {
	return o.Quality != nil && *o.Quality >= QualityMin && *o.Quality <= QualityMax
}

// IsValid reports whether the offer is complete and both terms are in range.
func (o Offer) IsValid() bool {
	return o.IsComplete() && o.PriceInRange() && o.QualityInRange()
}

// WithProfits returns a copy carrying the bot and user profits for this offer.
// A nil constraint means the value is not known yet.
func (o Offer) WithProfits(botRole Role, constraintBot, constraintUser *float64) Offer {
	out := o.clone()
	if !o.IsValid() || constraintBot == nil || constraintUser == nil {
		out.ProfitBot = InvalidProfitBot
		out.ProfitUser = InvalidProfitUser
		return out
	}

	price, quality := *o.Price, float64(*o.Quality)
	if botRole == RoleSupplier {
		out.ProfitBot = ProfitSupplier(price, quality, *constraintBot, DemandMin, DemandMax)
		out.ProfitUser = ProfitBuyer(price, quality, *constraintUser, DemandMin, DemandMax)
	} else {
		out.ProfitBot = ProfitBuyer(price, quality, *constraintBot, DemandMin, DemandMax)
		out.ProfitUser = ProfitSupplier(price, quality, *constraintUser, DemandMin, DemandMax)
	}
	return out
}

// WithZeroProfits returns a copy with both profits set to zero.
func (o Offer) WithZeroProfits() Offer {
	out := o.clone()
	out.ProfitBot = 0
	out.ProfitUser = 0
	return out
}

func (o Offer) clone() Offer {
	out := o
	out.Price = copyFloat(o.Price)
	out.Quality = copyInt(o.Quality)
	return out
}

// String renders the offer terms and profits for traces.
func (o Offer) String() string {
	price, quality := "None", "None"
	if o.Price != nil {
		price = fmt.Sprintf("%.2f", *o.Price)
	}
	if o.Quality != nil {
		quality = fmt.Sprintf("%d", *o.Quality)
	}
	return fmt.Sprintf("P+Q = %s + %s ; PROF = %.2f + %.2f", price, quality, o.ProfitBot, o.ProfitUser)
}
