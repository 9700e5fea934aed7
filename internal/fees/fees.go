// Package fees holds the pure pricing math of the trading core: venue fee
// formulas, orderbook best-and-depth extraction, net edge for balanced
// groups, depth warnings, and hypothetical P&L for settled groups.
//
// Nothing here performs I/O. All dollar amounts are computed with
// shopspring/decimal and returned as float64 dollars at the boundary.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/edgeterm/edgeterm/internal/models"
)

// Kalshi charges ceil(rate * contracts * p * (1-p)) rounded up to the cent,
// capped at two cents per contract. Rates per the published fee schedule.
var (
	kalshiTakerRate = decimal.NewFromFloat(0.07)
	kalshiMakerRate = decimal.NewFromFloat(0.0175)
	kalshiFeeCap    = decimal.NewFromFloat(0.02) // dollars per contract
)

// Fee returns the trading fee in dollars for an order of contracts at
// priceCents on the given venue. Prices outside [1, 99] or non-positive
// counts yield a zero fee. Unknown venues are an error.
func Fee(ex models.Exchange, contracts int, priceCents int, maker bool) (decimal.Decimal, error) {
	switch ex {
	case models.ExchangeKalshi:
		return kalshiFee(contracts, priceCents, maker), nil
	case models.ExchangePolymarket:
		// Polymarket charges no trading fee on the CLOB.
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("no fee schedule for exchange %q", ex)
	}
}

func kalshiFee(contracts int, priceCents int, maker bool) decimal.Decimal {
	if contracts <= 0 || priceCents < 1 || priceCents > 99 {
		return decimal.Zero
	}

	rate := kalshiTakerRate
	if maker {
		rate = kalshiMakerRate
	}

	p := decimal.New(int64(priceCents), -2) // cents -> dollars
	n := decimal.NewFromInt(int64(contracts))

	fee := rate.Mul(n).Mul(p).Mul(decimal.NewFromInt(1).Sub(p))
	fee = fee.Mul(decimal.NewFromInt(100)).Ceil().Div(decimal.NewFromInt(100))

	cap := kalshiFeeCap.Mul(n)
	if fee.GreaterThan(cap) {
		fee = cap
	}
	return fee
}

// BestAndDepth extracts (best price in cents, contracts available at best)
// for the requested side of a normalized orderbook. Both encodings seen on
// the wire are accepted: array-of-pairs [[price, qty], ...] and
// array-of-objects [{"price": p, "quantity"|"count"|"size": q}, ...].
// A missing or empty side returns ok=false with zero depth.
func BestAndDepth(book map[string]any, side models.Side) (priceCents int, depth int, ok bool) {
	if book == nil {
		return 0, 0, false
	}
	// Kalshi nests the sides under "orderbook".
	if inner, isMap := book["orderbook"].(map[string]any); isMap {
		book = inner
	}

	levels, isList := book[string(side)].([]any)
	if !isList || len(levels) == 0 {
		return 0, 0, false
	}

	best, bestDepth, found := 0, 0, false
	for _, raw := range levels {
		price, qty, parsed := parseLevel(raw)
		if !parsed {
			continue
		}
		// Book levels for a side are resting bids; the best is the highest.
		if !found || price > best {
			best, bestDepth, found = price, qty, true
		}
	}
	return best, bestDepth, found
}

func parseLevel(raw any) (price, qty int, ok bool) {
	switch level := raw.(type) {
	case []any:
		if len(level) < 2 {
			return 0, 0, false
		}
		p, pok := asInt(level[0])
		q, qok := asInt(level[1])
		return p, q, pok && qok
	case map[string]any:
		p, pok := asInt(level["price"])
		if !pok {
			return 0, 0, false
		}
		for _, key := range []string{"quantity", "count", "size"} {
			if q, qok := asInt(level[key]); qok {
				return p, q, true
			}
		}
		return 0, 0, false
	default:
		return 0, 0, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

// DepthConcern compares a leg's requested quantity against the depth at the
// best price on its side and returns a display warning when the book is too
// thin. Returns "" when depth is adequate or the side has a best price.
func DepthConcern(book map[string]any, side models.Side, quantity int) string {
	price, depth, ok := BestAndDepth(book, side)
	if !ok {
		return fmt.Sprintf("no resting %s liquidity", side)
	}
	if depth < quantity {
		return fmt.Sprintf("only %d contracts at best %s price %dc, need %d", depth, side, price, quantity)
	}
	return ""
}

// EdgeResult is the fee-adjusted economics of a balanced group.
type EdgeResult struct {
	GrossEdgeUSD decimal.Decimal
	TotalFeesUSD decimal.Decimal
	NetEdgeUSD   decimal.Decimal
	NetEdgePct   float64
	DeployedUSD  decimal.Decimal
}

// deterministicPayout strategies pay $1 per set at settlement regardless of
// outcome: a bracket on mutually-exclusive binaries, or the same contract
// bought and sold across venues.
func deterministicPayout(strategy string) bool {
	switch strategy {
	case "bracket", "cross_venue_arb":
		return true
	default:
		return false
	}
}

// ComputeEdge evaluates a balanced group (every leg carries contracts
// contracts) at the supplied per-leg prices. For deterministic-payout
// strategies the edge follows from prices alone; for directional groups the
// agent's estimate supplies the expected gross edge and fees are netted off.
func ComputeEdge(legs []models.RecommendationLeg, contracts int, strategy string, estimatedEdgePct float64) (EdgeResult, error) {
	if len(legs) == 0 || contracts <= 0 {
		return EdgeResult{}, fmt.Errorf("edge requires at least one leg and a positive contract count")
	}

	costPerSetCents := decimal.Zero
	totalFees := decimal.Zero
	for _, leg := range legs {
		price := leg.PriceCents
		if leg.Action == models.ActionSell {
			// Selling at p is buying the opposite side at 100-p.
			price = 100 - price
		}
		costPerSetCents = costPerSetCents.Add(decimal.NewFromInt(int64(price)))

		fee, err := Fee(leg.Exchange, contracts, leg.PriceCents, leg.IsMaker)
		if err != nil {
			return EdgeResult{}, err
		}
		totalFees = totalFees.Add(fee)
	}

	n := decimal.NewFromInt(int64(contracts))
	deployed := costPerSetCents.Mul(n).Div(decimal.NewFromInt(100))
	if deployed.LessThanOrEqual(decimal.Zero) {
		return EdgeResult{}, fmt.Errorf("group deploys no capital")
	}

	var gross decimal.Decimal
	if deterministicPayout(strategy) {
		payoutPerSetCents := decimal.NewFromInt(100)
		gross = payoutPerSetCents.Sub(costPerSetCents).Mul(n).Div(decimal.NewFromInt(100))
	} else {
		gross = deployed.Mul(decimal.NewFromFloat(estimatedEdgePct)).Div(decimal.NewFromInt(100))
	}

	net := gross.Sub(totalFees)
	pct, _ := net.Div(deployed).Mul(decimal.NewFromInt(100)).Float64()

	return EdgeResult{
		GrossEdgeUSD: gross,
		TotalFeesUSD: totalFees,
		NetEdgeUSD:   net,
		NetEdgePct:   pct,
		DeployedUSD:  deployed,
	}, nil
}

// HypotheticalPnL computes the settled profit of a group in dollars from
// each leg's recorded fill and settlement value (0 or 100 on a binary).
// Legs without a settlement or a fill are skipped. Realized fees on filled
// legs are subtracted. All groups take this unified per-leg path, including
// historical bracket groups.
func HypotheticalPnL(legs []models.RecommendationLeg) float64 {
	total := decimal.Zero
	for _, leg := range legs {
		if leg.SettlementValue == nil || leg.FillPriceCents == nil || leg.FillQuantity == nil {
			continue
		}

		settlement := *leg.SettlementValue
		if leg.Side == models.SideNo {
			settlement = 100 - settlement
		}

		qty := decimal.NewFromInt(int64(*leg.FillQuantity))
		move := decimal.NewFromInt(int64(settlement - *leg.FillPriceCents))
		pnl := move.Mul(qty).Div(decimal.NewFromInt(100))
		if leg.Action == models.ActionSell {
			pnl = pnl.Neg()
		}
		total = total.Add(pnl)

		fee, err := Fee(leg.Exchange, *leg.FillQuantity, *leg.FillPriceCents, leg.IsMaker)
		if err == nil {
			total = total.Sub(fee)
		}
	}
	out, _ := total.Float64()
	return out
}
