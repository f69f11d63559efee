package bargain

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"negotiator/pkg/offer"
)

var constraintPairs = [][2]float64{
	{4, 11},
	{11, 4},
	{3, 12},
	{12, 3},
	{5, 9},
	{9, 5},
	{7, 7},
	{6, 10},
}

func withProfits(o offer.Offer, cb, cu float64) offer.Offer {
	role := offer.RoleBuyer
	if cb <= cu {
		role = offer.RoleSupplier
	}
	return o.WithProfits(role, offer.Float(cb), offer.Float(cu))
}

func TestNashScenario(t *testing.T) {
	target := Nash(4, 11)

	assert.Equal(t, 8.43, target.Price)
	assert.Equal(t, 64, target.Quality)
	assert.Equal(t, 110.87, target.Profit)
	assert.True(t, target.BotSupplier)
	assert.Equal(t, 11.0, target.MarketPrice)
	assert.Equal(t, 4.0, target.ProductionCost)
}

func TestRoundCents(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{8.125, 8.13},
		{110.8666, 110.87},
		{8.4349, 8.43},
		{3, 3},
		{-8.125, -8.13},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, roundCents(tt.in), "roundCents(%v)", tt.in)
	}
}

func TestNashRoleSymmetry(t *testing.T) {
	for _, pair := range constraintPairs {
		a, b := pair[0], pair[1]
		ab := Nash(a, b)
		ba := Nash(b, a)

		if ab.Price != ba.Price || ab.Quality != ba.Quality {
			t.Errorf("Nash(%v,%v) terms %v/%d differ from Nash(%v,%v) %v/%d",
				a, b, ab.Price, ab.Quality, b, a, ba.Price, ba.Quality)
		}
		if a == b {
			continue
		}
		if ab.BotSupplier == ba.BotSupplier {
			t.Errorf("bot side should swap for (%v,%v)", a, b)
		}

		q := float64(ab.Quality)
		supplier := math.Floor(offer.ProfitSupplier(ab.Price, q, ab.ProductionCost, offer.DemandMin, offer.DemandMax)*100) / 100
		buyer := math.Floor(offer.ProfitBuyer(ab.Price, q, ab.MarketPrice, offer.DemandMin, offer.DemandMax)*100) / 100
		if ab.BotSupplier {
			assert.Equal(t, supplier, ab.Profit)
			assert.Equal(t, buyer, ba.Profit)
		} else {
			assert.Equal(t, buyer, ab.Profit)
			assert.Equal(t, supplier, ba.Profit)
		}
	}
}

func TestNashQualityPicksBestTotal(t *testing.T) {
	m := DefaultMarket
	for _, pair := range constraintPairs {
		target := m.Nash(pair[0], pair[1])
		mp, pc := target.MarketPrice, target.ProductionCost
		qTilde := (m.DemandMax - m.DemandMin) * (mp - pc) / mp
		lo, hi := math.Floor(qTilde), math.Ceil(qTilde)

		chosen := m.totalProfit(target.Price, float64(target.Quality), mp, pc)
		assert.GreaterOrEqual(t, chosen, m.totalProfit(target.Price, lo, mp, pc))
		assert.GreaterOrEqual(t, chosen, m.totalProfit(target.Price, hi, mp, pc))
		assert.Contains(t, []int{int(lo), int(hi)}, target.Quality)
	}
}

func TestEvaluateScenarios(t *testing.T) {
	tests := []struct {
		name    string
		price   *float64
		quality *int
		want    Evaluation
	}{
		{"profitable complete offer", offer.Float(9), offer.Int(64), Accept},
		{"complete but unprofitable", offer.Float(9), offer.Int(30), NotProfitable},
		{"complete offer that cannot reach target", offer.Float(8), offer.Int(60), TooUnfavourable},
		{"quality only", nil, offer.Int(40), OfferQualityOnly},
		{"quality only infeasible", nil, offer.Int(5), TooUnfavourable},
		{"price only", offer.Float(9), nil, OfferPriceOnly},
		{"price only infeasible", offer.Float(8), nil, TooUnfavourable},
		{"price out of range", offer.Float(15), offer.Int(40), InvalidOffer},
		{"quality out of range", nil, offer.Int(150), InvalidOffer},
		{"price out of range alone", offer.Float(1), nil, InvalidOffer},
		{"nothing usable", nil, nil, NotOffer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := withProfits(offer.New(1, offer.OriginChat, tt.price, tt.quality), 4, 11)
			got, err := Evaluate(o, 4, 11)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}

func TestEvaluateUsesPopulatedProfit(t *testing.T) {
	o := offer.New(1, offer.OriginInterface, offer.Float(8), offer.Int(60))
	o.ProfitBot = 200

	got, err := Evaluate(o, 4, 11)
	require.NoError(t, err)
	assert.Equal(t, Accept, got)
}

func TestEvaluateIsTotal(t *testing.T) {
	prices := []*float64{nil}
	for p := 0.0; p <= 20; p += 0.5 {
		prices = append(prices, offer.Float(p))
	}
	qualities := []*int{nil}
	for q := -5; q <= 150; q += 5 {
		qualities = append(qualities, offer.Int(q))
	}

	for _, pair := range constraintPairs {
		for _, p := range prices {
			for _, q := range qualities {
				o := withProfits(offer.New(1, offer.OriginChat, p, q), pair[0], pair[1])
				e, err := Evaluate(o, pair[0], pair[1])
				if err != nil {
					t.Fatalf("unmapped offer %s for %v: %v", o, pair, err)
				}
				if e < Accept || e > NotOffer {
					t.Fatalf("out of range evaluation %d", e)
				}
			}
		}
	}
}

func TestPriceForFixedQualityRoundTrip(t *testing.T) {
	const eps = 1e-6
	for _, pair := range constraintPairs {
		cb, cu := pair[0], pair[1]
		target := Nash(cb, cu)
		for q := 0; q <= 100; q++ {
			price, ok := PriceForFixedQuality(q, cb, cu)
			if !ok {
				continue
			}
			var profit float64
			if target.BotSupplier {
				profit = offer.ProfitSupplier(price, float64(q), target.ProductionCost, offer.DemandMin, offer.DemandMax)
			} else {
				profit = offer.ProfitBuyer(price, float64(q), target.MarketPrice, offer.DemandMin, offer.DemandMax)
			}
			if profit < target.Profit-eps {
				t.Errorf("pair %v quality %d: price %.2f gives %.4f < target %.2f", pair, q, price, profit, target.Profit)
			}
		}
	}
}

func TestPriceForFixedQualityScenario(t *testing.T) {
	price, ok := PriceForFixedQuality(40, 4, 11)
	require.True(t, ok)
	assert.Equal(t, 8.47, price)

	price, ok = PriceForFixedQuality(40, 11, 4)
	require.True(t, ok)
	assert.Equal(t, 7.50, price)

	_, ok = PriceForFixedQuality(0, 4, 11)
	assert.False(t, ok, "nothing is sold at quality 0")
}

func TestQuantityForFixedPriceInRange(t *testing.T) {
	for _, pair := range constraintPairs {
		for p := 3.0; p <= 12; p += 0.25 {
			q, ok := QuantityForFixedPrice(p, pair[0], pair[1])
			if !ok {
				continue
			}
			if q < offer.DemandMin || q > offer.DemandMax {
				t.Errorf("pair %v price %.2f: quality %d outside demand range", pair, p, q)
			}
		}
	}
}

func TestQuantityForFixedPriceScenarios(t *testing.T) {
	q, ok := QuantityForFixedPrice(9, 4, 11)
	require.True(t, ok)
	assert.Equal(t, 80, q)

	q, ok = QuantityForFixedPrice(8, 11, 4)
	require.True(t, ok)
	assert.Equal(t, 50, q)

	_, ok = QuantityForFixedPrice(8, 4, 11)
	assert.False(t, ok, "supplier bot cannot reach its target at price 8")
}

func TestQuantityForFixedPriceMeetsTarget(t *testing.T) {
	for _, pair := range constraintPairs {
		target := Nash(pair[0], pair[1])
		for p := 3.0; p <= 12; p += 0.5 {
			q, ok := QuantityForFixedPrice(p, pair[0], pair[1])
			if !ok {
				continue
			}
			bot := DefaultMarket.botProfit(target.BotSupplier, p, float64(q), target.MarketPrice, target.ProductionCost)
			assert.GreaterOrEqual(t, bot, target.Profit-profitTolerance)
		}
	}
}

func TestPropose(t *testing.T) {
	tests := []struct {
		name    string
		eval    Evaluation
		offer   offer.Offer
		want    Counter
		wantOK  bool
		wantErr error
	}{
		{"quality only", OfferQualityOnly, offer.New(1, offer.OriginChat, nil, offer.Int(40)), Counter{8.47, 40}, true, nil},
		{"price only", OfferPriceOnly, offer.New(1, offer.OriginChat, offer.Float(9), nil), Counter{9, 80}, true, nil},
		{"not profitable anchors quality", NotProfitable, offer.New(1, offer.OriginChat, offer.Float(9), offer.Int(30)), Counter{9.06, 30}, true, nil},
		{"price only without solution", OfferPriceOnly, offer.New(1, offer.OriginChat, offer.Float(8), nil), Counter{8.43, 64}, true, nil},
		{"too unfavourable", TooUnfavourable, offer.New(1, offer.OriginChat, offer.Float(8), offer.Int(60)), Counter{8.43, 64}, true, nil},
		{"not an offer", NotOffer, offer.New(1, offer.OriginChat, nil, nil), Counter{8.43, 64}, true, nil},
		{"accept", Accept, offer.New(1, offer.OriginChat, offer.Float(9), offer.Int(64)), Counter{}, false, nil},
		{"invalid", InvalidOffer, offer.New(1, offer.OriginChat, offer.Float(15), nil), Counter{}, false, nil},
		{"unmapped", Evaluation(42), offer.New(1, offer.OriginChat, nil, nil), Counter{}, false, ErrUnmappedEvaluation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Propose(tt.eval, tt.offer, 4, 11)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCounterString(t *testing.T) {
	assert.Equal(t, "[8.43, 64]", Counter{Price: 8.43, Quality: 64}.String())
}

func TestEvaluationString(t *testing.T) {
	assert.Equal(t, "offer_quality", OfferQualityOnly.String())
	assert.Equal(t, "unknown", Evaluation(99).String())
}
