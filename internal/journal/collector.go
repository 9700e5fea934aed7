package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/edgeterm/edgeterm/internal/models"
)

// InsertMarketSnapshot appends one collector capture.
func (s *Store) InsertMarketSnapshot(ctx context.Context, snap models.MarketSnapshot) error {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_snapshots
			(exchange, market_id, event_id, title, yes_bid_cents, yes_ask_cents,
			 volume, open_time, close_time, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Exchange, snap.MarketID, snap.EventID, snap.Title,
		snap.YesBidCents, snap.YesAskCents, snap.Volume,
		snap.OpenTime, snap.CloseTime, snap.CapturedAt)
	if err != nil {
		return fmt.Errorf("insert market snapshot: %w", err)
	}
	return nil
}

// UpsertEvent inserts or refreshes an event row keyed by (market, exchange).
func (s *Store) UpsertEvent(ctx context.Context, e models.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (market_id, exchange, event_id, title, category, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (market_id, exchange) DO UPDATE SET
			event_id = excluded.event_id,
			title = excluded.title,
			category = excluded.category,
			updated_at = excluded.updated_at`,
		e.MarketID, e.Exchange, e.EventID, e.Title, e.Category, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

// UpsertDailyBar records one EOD candle, replacing any earlier backfill of
// the same (exchange, market, date).
func (s *Store) UpsertDailyBar(ctx context.Context, bar models.DailyBar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_bars (exchange, market_id, date, open_cents, high_cents, low_cents, close_cents, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange, market_id, date) DO UPDATE SET
			open_cents = excluded.open_cents,
			high_cents = excluded.high_cents,
			low_cents = excluded.low_cents,
			close_cents = excluded.close_cents,
			volume = excluded.volume`,
		bar.Exchange, bar.MarketID, bar.Date, bar.OpenCents, bar.HighCents,
		bar.LowCents, bar.CloseCents, bar.Volume)
	if err != nil {
		return fmt.Errorf("upsert daily bar: %w", err)
	}
	return nil
}

// UpsertMarketMeta inserts or refreshes slow-moving market attributes.
func (s *Store) UpsertMarketMeta(ctx context.Context, m models.MarketMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_meta (exchange, market_id, tick_size, close_time, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange, market_id) DO UPDATE SET
			tick_size = excluded.tick_size,
			close_time = excluded.close_time,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		m.Exchange, m.MarketID, m.TickSize, m.CloseTime, m.Source, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert market meta: %w", err)
	}
	return nil
}

// TrackedMarkets returns the market ids with meta rows on a venue, the set
// the backfill pulls daily bars for.
func (s *Store) TrackedMarkets(ctx context.Context, ex models.Exchange) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT market_id FROM market_meta WHERE exchange = ? ORDER BY market_id", ex)
	if err != nil {
		return nil, fmt.Errorf("tracked markets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tracked market: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LegsAwaitingSettlement returns filled legs with no recorded settlement,
// matched by the backfill against the venue's settlement feed.
func (s *Store) LegsAwaitingSettlement(ctx context.Context) ([]models.RecommendationLeg, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+legColumns+` FROM recommendation_legs
		 WHERE fill_price_cents IS NOT NULL AND settlement_value IS NULL
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("legs awaiting settlement: %w", err)
	}
	defer rows.Close()

	var legs []models.RecommendationLeg
	for rows.Next() {
		var l models.RecommendationLeg
		if err := rows.Scan(&l.ID, &l.GroupID, &l.LegIndex, &l.Exchange, &l.MarketID,
			&l.Action, &l.Side, &l.Quantity, &l.PriceCents, &l.IsMaker, &l.OrderType,
			&l.Status, &l.ExchangeOrderID, &l.FillPriceCents, &l.FillQuantity,
			&l.OrderbookSnapshot, &l.SettlementValue, &l.SettledAt,
			&l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan leg: %w", err)
		}
		legs = append(legs, l)
	}
	return legs, rows.Err()
}
