package journal

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgeterm/edgeterm/internal/models"
)

// SessionContext is the typed bundle injected into a fresh agent session's
// system prompt: what the last session concluded, what is still awaiting
// review, and which orders never reconciled.
type SessionContext struct {
	PreviousSummary    string
	PendingGroups      []models.RecommendationGroup
	UnreconciledTrades []models.Trade
}

// BuildSessionContext collates the context for the given session from the
// journal. Pending groups from the current session are included; trades
// are capped to the most recent twenty.
func (s *Store) BuildSessionContext(ctx context.Context, currentSessionID int64) (*SessionContext, error) {
	summary, err := s.LatestSummaryBefore(ctx, currentSessionID)
	if err != nil {
		return nil, err
	}

	pending, err := s.GetPendingGroups(ctx)
	if err != nil {
		return nil, err
	}

	trades, err := s.UnreconciledTrades(ctx, 20)
	if err != nil {
		return nil, err
	}

	return &SessionContext{
		PreviousSummary:    summary,
		PendingGroups:      pending,
		UnreconciledTrades: trades,
	}, nil
}

// Render produces the prompt-suffix text form of the context. Rendering
// lives here and nowhere else.
func (c *SessionContext) Render() string {
	var b strings.Builder

	if c.PreviousSummary != "" {
		b.WriteString("## Previous session summary\n\n")
		b.WriteString(c.PreviousSummary)
		b.WriteString("\n\n")
	}

	if len(c.PendingGroups) > 0 {
		b.WriteString("## Pending recommendation groups\n\n")
		for _, g := range c.PendingGroups {
			fmt.Fprintf(&b, "- group %d (%s): %s — est. edge %.1f%%, expires %s\n",
				g.ID, g.Strategy, g.Thesis, g.EstimatedEdgePct, g.ExpiresAt.Format("2006-01-02 15:04 MST"))
		}
		b.WriteString("\n")
	}

	if len(c.UnreconciledTrades) > 0 {
		b.WriteString("## Unreconciled trades\n\n")
		for _, t := range c.UnreconciledTrades {
			fmt.Fprintf(&b, "- trade %d: %s %s %d x %s @ %dc (order %s, still %s)\n",
				t.ID, t.Action, t.Side, t.Quantity, t.MarketID, t.PriceCents,
				t.ExchangeOrderID, t.Status)
		}
		b.WriteString("\n")
	}

	if b.Len() == 0 {
		return "No prior session context."
	}
	return strings.TrimRight(b.String(), "\n")
}
