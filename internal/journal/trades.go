package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/edgeterm/edgeterm/internal/models"
)

// LogTrade journals one exchange order operation before its outcome is
// known and returns the trade id. Rows are append-only: only the status
// and raw response are ever updated afterwards.
func (s *Store) LogTrade(ctx context.Context, t models.Trade) (int64, error) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades
			(session_id, leg_id, exchange, ts, market_id, action, side, quantity,
			 price_cents, order_type, exchange_order_id, status, raw_response)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.LegID, t.Exchange, t.Timestamp, t.MarketID, t.Action, t.Side,
		t.Quantity, t.PriceCents, t.OrderType, t.ExchangeOrderID, t.Status, t.RawResponse)
	if err != nil {
		return 0, fmt.Errorf("log trade: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTradeStatus sets a trade's terminal status and result blob.
func (s *Store) UpdateTradeStatus(ctx context.Context, tradeID int64, status models.TradeStatus, rawResponse string) error {
	var err error
	if rawResponse != "" {
		_, err = s.db.ExecContext(ctx,
			"UPDATE trades SET status = ?, raw_response = ? WHERE id = ?",
			status, rawResponse, tradeID)
	} else {
		_, err = s.db.ExecContext(ctx,
			"UPDATE trades SET status = ? WHERE id = ?", status, tradeID)
	}
	if err != nil {
		return fmt.Errorf("update trade status: %w", err)
	}
	return nil
}

// TradesForGroup returns the audit rows for every leg of a group.
func (s *Store) TradesForGroup(ctx context.Context, groupID int64) ([]models.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.session_id, t.leg_id, t.exchange, t.ts, t.market_id, t.action,
		       t.side, t.quantity, t.price_cents, t.order_type, t.exchange_order_id,
		       t.status, t.raw_response
		FROM trades t
		JOIN recommendation_legs l ON l.id = t.leg_id
		WHERE l.group_id = ?
		ORDER BY t.id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("trades for group: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// UnreconciledTrades returns trades still in the placed state, i.e. orders
// whose terminal outcome was never recorded. Surfaced in session context.
func (s *Store) UnreconciledTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, leg_id, exchange, ts, market_id, action, side,
		       quantity, price_cents, order_type, exchange_order_id, status, raw_response
		FROM trades WHERE status = 'placed'
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("unreconciled trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]models.Trade, error) {
	var out []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.SessionID, &t.LegID, &t.Exchange, &t.Timestamp,
			&t.MarketID, &t.Action, &t.Side, &t.Quantity, &t.PriceCents, &t.OrderType,
			&t.ExchangeOrderID, &t.Status, &t.RawResponse); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
