package engine

import (
	"fmt"
	"time"

	"github.com/edgeterm/edgeterm/internal/fees"
	"github.com/edgeterm/edgeterm/internal/models"
)

// Config carries the execution policy. All caps are in dollars; slippage in
// cents against the proposed leg price.
type Config struct {
	MaxSlippageCents int
	MinEdgePct       float64
	MaxPositionUSD   map[models.Exchange]float64
	PortfolioCapUSD  float64
	MakerFillTimeout time.Duration
	TakerFillTimeout time.Duration
}

// ValidateExecution re-applies the policy caps to a group immediately before
// any order is placed. Pure: no I/O, no clock. The returned error is
// human-readable and shown verbatim in the TUI.
func ValidateExecution(legs []models.RecommendationLeg, cfg Config) error {
	total := 0.0
	for _, leg := range legs {
		notional := float64(leg.PriceCents) * float64(leg.Quantity) / 100

		fee, err := fees.Fee(leg.Exchange, leg.Quantity, leg.PriceCents, leg.IsMaker)
		if err != nil {
			return fmt.Errorf("leg %d: %w", leg.LegIndex, err)
		}
		feeUSD, _ := fee.Float64()

		if limit, ok := cfg.MaxPositionUSD[leg.Exchange]; ok && notional+feeUSD > limit {
			return fmt.Errorf("leg %d on %s needs $%.2f including fees, above the $%.2f per-venue limit",
				leg.LegIndex, leg.Exchange, notional+feeUSD, limit)
		}
		total += notional + feeUSD
	}

	if cfg.PortfolioCapUSD > 0 && total > cfg.PortfolioCapUSD {
		return fmt.Errorf("group deploys $%.2f, above the $%.2f portfolio cap", total, cfg.PortfolioCapUSD)
	}
	return nil
}
