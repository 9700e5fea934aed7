package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeterm/edgeterm/internal/models"
)

func TestKalshiFeeFormula(t *testing.T) {
	t.Run("taker fee rounds up to the cent", func(t *testing.T) {
		// 0.07 * 10 * 0.42 * 0.58 = 0.17052 -> $0.18
		fee, err := Fee(models.ExchangeKalshi, 10, 42, false)
		require.NoError(t, err)
		assert.True(t, fee.Equal(decimal.NewFromFloat(0.18)), "got %s", fee)
	})

	t.Run("maker rate is a quarter of taker", func(t *testing.T) {
		// 0.0175 * 10 * 0.42 * 0.58 = 0.042630 -> $0.05
		fee, err := Fee(models.ExchangeKalshi, 10, 42, true)
		require.NoError(t, err)
		assert.True(t, fee.Equal(decimal.NewFromFloat(0.05)), "got %s", fee)
	})

	t.Run("capped at two cents per contract", func(t *testing.T) {
		// Mid prices on large size would exceed the cap without it.
		fee, err := Fee(models.ExchangeKalshi, 1000, 50, false)
		require.NoError(t, err)
		assert.True(t, fee.Equal(decimal.NewFromFloat(20.00)), "got %s", fee)
	})

	t.Run("zero outside the valid domain", func(t *testing.T) {
		for _, tc := range []struct {
			contracts, price int
		}{
			{0, 50}, {-1, 50}, {10, 0}, {10, 100}, {10, -5},
		} {
			fee, err := Fee(models.ExchangeKalshi, tc.contracts, tc.price, false)
			require.NoError(t, err)
			assert.True(t, fee.IsZero(), "contracts=%d price=%d", tc.contracts, tc.price)
		}
	})

	t.Run("bounded by cap across the price range", func(t *testing.T) {
		for p := 1; p <= 99; p++ {
			fee, err := Fee(models.ExchangeKalshi, 25, p, false)
			require.NoError(t, err)
			assert.True(t, fee.GreaterThan(decimal.Zero))
			assert.True(t, fee.LessThanOrEqual(decimal.NewFromFloat(0.50)), "price %d fee %s", p, fee)
		}
	})

	t.Run("polymarket charges nothing", func(t *testing.T) {
		fee, err := Fee(models.ExchangePolymarket, 10, 42, false)
		require.NoError(t, err)
		assert.True(t, fee.IsZero())
	})

	t.Run("unknown venue errors", func(t *testing.T) {
		_, err := Fee(models.Exchange("cme"), 10, 42, false)
		assert.Error(t, err)
	})
}

func TestBestAndDepth(t *testing.T) {
	t.Run("array of pairs", func(t *testing.T) {
		book := map[string]any{
			"orderbook": map[string]any{
				"yes": []any{
					[]any{float64(40), float64(120)},
					[]any{float64(42), float64(75)},
				},
			},
		}
		price, depth, ok := BestAndDepth(book, models.SideYes)
		require.True(t, ok)
		assert.Equal(t, 42, price)
		assert.Equal(t, 75, depth)
	})

	t.Run("array of objects", func(t *testing.T) {
		book := map[string]any{
			"no": []any{
				map[string]any{"price": float64(61), "size": float64(30)},
				map[string]any{"price": float64(59), "count": float64(200)},
			},
		}
		price, depth, ok := BestAndDepth(book, models.SideNo)
		require.True(t, ok)
		assert.Equal(t, 61, price)
		assert.Equal(t, 30, depth)
	})

	t.Run("missing side", func(t *testing.T) {
		_, depth, ok := BestAndDepth(map[string]any{"yes": []any{}}, models.SideNo)
		assert.False(t, ok)
		assert.Zero(t, depth)
	})
}

func TestDepthConcern(t *testing.T) {
	book := map[string]any{
		"yes": []any{[]any{float64(42), float64(5)}},
	}
	assert.Contains(t, DepthConcern(book, models.SideYes, 10), "only 5 contracts")
	assert.Empty(t, DepthConcern(book, models.SideYes, 5))
	assert.Contains(t, DepthConcern(book, models.SideNo, 5), "no resting")
}

func bracketLegs(priceA, priceB int) []models.RecommendationLeg {
	return []models.RecommendationLeg{
		{Exchange: models.ExchangeKalshi, MarketID: "A", Action: models.ActionBuy, Side: models.SideYes, Quantity: 10, PriceCents: priceA, IsMaker: true},
		{Exchange: models.ExchangeKalshi, MarketID: "B", Action: models.ActionBuy, Side: models.SideYes, Quantity: 10, PriceCents: priceB},
	}
}

func TestComputeEdgeBracket(t *testing.T) {
	// 42 + 55 = 97c per set against a guaranteed 100c payout.
	res, err := ComputeEdge(bracketLegs(42, 55), 10, "bracket", 0)
	require.NoError(t, err)

	assert.True(t, res.GrossEdgeUSD.Equal(decimal.NewFromFloat(0.30)), "gross %s", res.GrossEdgeUSD)
	assert.True(t, res.DeployedUSD.Equal(decimal.NewFromFloat(9.70)))
	assert.True(t, res.TotalFeesUSD.GreaterThan(decimal.Zero))
	assert.Less(t, res.NetEdgePct, 3.1)
	assert.Greater(t, res.NetEdgePct, 1.0)
}

func TestComputeEdgeDirectionalUsesEstimate(t *testing.T) {
	legs := []models.RecommendationLeg{
		{Exchange: models.ExchangeKalshi, MarketID: "A", Action: models.ActionBuy, Side: models.SideYes, Quantity: 20, PriceCents: 30},
	}
	res, err := ComputeEdge(legs, 20, "directional", 8.0)
	require.NoError(t, err)

	// Gross is the estimate applied to deployed capital, fees netted off.
	assert.True(t, res.DeployedUSD.Equal(decimal.NewFromFloat(6.00)))
	assert.True(t, res.GrossEdgeUSD.Equal(decimal.NewFromFloat(0.48)))
	assert.Less(t, res.NetEdgePct, 8.0)
}

func TestComputeEdgeSellLegUsesComplementPrice(t *testing.T) {
	legs := []models.RecommendationLeg{
		{Exchange: models.ExchangePolymarket, MarketID: "A", Action: models.ActionSell, Side: models.SideYes, Quantity: 10, PriceCents: 60},
	}
	res, err := ComputeEdge(legs, 10, "directional", 5.0)
	require.NoError(t, err)
	// Selling yes at 60 deploys the 40c complement per contract.
	assert.True(t, res.DeployedUSD.Equal(decimal.NewFromFloat(4.00)))
}

func TestComputeEdgeRejectsEmptyInput(t *testing.T) {
	_, err := ComputeEdge(nil, 10, "bracket", 0)
	assert.Error(t, err)
	_, err = ComputeEdge(bracketLegs(42, 55), 0, "bracket", 0)
	assert.Error(t, err)
}

func intPtr(v int) *int { return &v }

func TestHypotheticalPnL(t *testing.T) {
	t.Run("no settlements means zero", func(t *testing.T) {
		legs := bracketLegs(42, 55)
		legs[0].FillPriceCents, legs[0].FillQuantity = intPtr(42), intPtr(10)
		assert.Zero(t, HypotheticalPnL(legs))
	})

	t.Run("settled bracket", func(t *testing.T) {
		legs := bracketLegs(42, 55)
		legs[0].FillPriceCents, legs[0].FillQuantity = intPtr(42), intPtr(10)
		legs[0].SettlementValue = intPtr(100)
		legs[1].FillPriceCents, legs[1].FillQuantity = intPtr(55), intPtr(10)
		legs[1].SettlementValue = intPtr(0)

		// (100-42)*10/100 + (0-55)*10/100 = 5.80 - 5.50 = 0.30, minus fees:
		// maker leg at 42 = $0.05, taker leg at 55 = $0.18.
		got := HypotheticalPnL(legs)
		assert.InDelta(t, 0.30-0.05-0.18, got, 1e-9)
	})

	t.Run("no side inverts settlement", func(t *testing.T) {
		legs := []models.RecommendationLeg{{
			Exchange: models.ExchangePolymarket, Action: models.ActionBuy, Side: models.SideNo,
			Quantity: 10, PriceCents: 30,
			FillPriceCents: intPtr(30), FillQuantity: intPtr(10), SettlementValue: intPtr(0),
		}}
		// Market settled 0, so the no side pays 100: (100-30)*10/100 = 7.00.
		assert.InDelta(t, 7.00, HypotheticalPnL(legs), 1e-9)
	})

	t.Run("sell leg sign", func(t *testing.T) {
		legs := []models.RecommendationLeg{{
			Exchange: models.ExchangePolymarket, Action: models.ActionSell, Side: models.SideYes,
			Quantity: 10, PriceCents: 60,
			FillPriceCents: intPtr(60), FillQuantity: intPtr(10), SettlementValue: intPtr(0),
		}}
		// Sold at 60, settled 0: profit (0-60)*10/100 negated = 6.00.
		assert.InDelta(t, 6.00, HypotheticalPnL(legs), 1e-9)
	})
}
