package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/edgeterm/edgeterm/internal/models"
)

// LegInput is one proposed leg as received from the recommend_trade tool.
// LegIndex is assigned from list position at insert time.
type LegInput struct {
	Exchange          models.Exchange
	MarketID          string
	Action            models.Action
	Side              models.Side
	Quantity          int
	PriceCents        int
	IsMaker           bool
	OrderType         models.OrderType
	OrderbookSnapshot string
}

func (l LegInput) validate(index int) error {
	if l.MarketID == "" {
		return fmt.Errorf("leg %d: market id required", index)
	}
	if l.PriceCents < 1 || l.PriceCents > 99 {
		return fmt.Errorf("leg %d: price %dc outside [1, 99]", index, l.PriceCents)
	}
	if l.Quantity < 1 {
		return fmt.Errorf("leg %d: quantity %d below 1", index, l.Quantity)
	}
	switch l.Action {
	case models.ActionBuy, models.ActionSell:
	default:
		return fmt.Errorf("leg %d: unknown action %q", index, l.Action)
	}
	switch l.Side {
	case models.SideYes, models.SideNo:
	default:
		return fmt.Errorf("leg %d: unknown side %q", index, l.Side)
	}
	return nil
}

// CreateGroupParams carries everything recommend_trade persists.
type CreateGroupParams struct {
	SessionID        int64
	Thesis           string
	EquivalenceNotes string
	Strategy         string
	EstimatedEdgePct float64
	Legs             []LegInput
	TTL              time.Duration
}

// CreateRecommendationGroup inserts the group and all its legs in one
// transaction; either everything commits or nothing does. Returns the
// stored group with server-assigned ids and timestamps.
func (s *Store) CreateRecommendationGroup(ctx context.Context, p CreateGroupParams) (*models.RecommendationGroup, []models.RecommendationLeg, error) {
	if len(p.Legs) == 0 {
		return nil, nil, fmt.Errorf("group requires at least one leg")
	}
	for i, leg := range p.Legs {
		if err := leg.validate(i); err != nil {
			return nil, nil, err
		}
	}

	now := time.Now().UTC()
	expiresAt := now.Add(p.TTL)

	exposure := 0.0
	for _, leg := range p.Legs {
		exposure += float64(leg.PriceCents) * float64(leg.Quantity) / 100
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin create group: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO recommendation_groups
			(session_id, created_at, thesis, equivalence_notes, strategy, status,
			 estimated_edge_pct, total_exposure_usd, expires_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
		p.SessionID, now, p.Thesis, p.EquivalenceNotes, p.Strategy,
		p.EstimatedEdgePct, exposure, expiresAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert group: %w", err)
	}
	groupID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("group id: %w", err)
	}

	legs := make([]models.RecommendationLeg, 0, len(p.Legs))
	for i, in := range p.Legs {
		orderType := in.OrderType
		if orderType == "" {
			orderType = models.OrderTypeLimit
		}
		legRes, err := tx.ExecContext(ctx, `
			INSERT INTO recommendation_legs
				(group_id, leg_index, exchange, market_id, action, side, quantity,
				 price_cents, is_maker, order_type, status, orderbook_snapshot,
				 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
			groupID, i, in.Exchange, in.MarketID, in.Action, in.Side, in.Quantity,
			in.PriceCents, in.IsMaker, orderType, in.OrderbookSnapshot, now, now)
		if err != nil {
			return nil, nil, fmt.Errorf("insert leg %d: %w", i, err)
		}
		legID, err := legRes.LastInsertId()
		if err != nil {
			return nil, nil, fmt.Errorf("leg %d id: %w", i, err)
		}
		legs = append(legs, models.RecommendationLeg{
			ID: legID, GroupID: groupID, LegIndex: i,
			Exchange: in.Exchange, MarketID: in.MarketID,
			Action: in.Action, Side: in.Side,
			Quantity: in.Quantity, PriceCents: in.PriceCents,
			IsMaker: in.IsMaker, OrderType: orderType,
			Status: models.LegPending, OrderbookSnapshot: in.OrderbookSnapshot,
			CreatedAt: now, UpdatedAt: now,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit create group: %w", err)
	}

	group := &models.RecommendationGroup{
		ID: groupID, SessionID: p.SessionID, CreatedAt: now,
		Thesis: p.Thesis, EquivalenceNotes: p.EquivalenceNotes,
		Strategy: p.Strategy, Status: models.GroupPending,
		EstimatedEdgePct: p.EstimatedEdgePct, TotalExposureUSD: exposure,
		ExpiresAt: expiresAt,
	}
	s.log.Info().
		Int64("group_id", groupID).
		Int("legs", len(legs)).
		Str("strategy", p.Strategy).
		Msg("Recommendation group created")
	return group, legs, nil
}

const groupColumns = `id, session_id, created_at, thesis, equivalence_notes, strategy,
	status, estimated_edge_pct, computed_edge_pct, computed_fees_usd,
	total_exposure_usd, expires_at, reviewed_at, executed_at, hypothetical_pnl_usd`

func scanGroup(row interface{ Scan(...any) error }) (*models.RecommendationGroup, error) {
	var g models.RecommendationGroup
	err := row.Scan(&g.ID, &g.SessionID, &g.CreatedAt, &g.Thesis, &g.EquivalenceNotes,
		&g.Strategy, &g.Status, &g.EstimatedEdgePct, &g.ComputedEdgePct,
		&g.ComputedFeesUSD, &g.TotalExposureUSD, &g.ExpiresAt, &g.ReviewedAt,
		&g.ExecutedAt, &g.HypotheticalPnLUSD)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGroup fetches a group with its legs ordered by leg index.
func (s *Store) GetGroup(ctx context.Context, groupID int64) (*models.RecommendationGroup, []models.RecommendationLeg, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+groupColumns+" FROM recommendation_groups WHERE id = ?", groupID)
	group, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get group: %w", err)
	}

	legs, err := s.getLegs(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	return group, legs, nil
}

const legColumns = `id, group_id, leg_index, exchange, market_id, action, side,
	quantity, price_cents, is_maker, order_type, status, exchange_order_id,
	fill_price_cents, fill_quantity, orderbook_snapshot, settlement_value,
	settled_at, created_at, updated_at`

func (s *Store) getLegs(ctx context.Context, groupID int64) ([]models.RecommendationLeg, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+legColumns+" FROM recommendation_legs WHERE group_id = ? ORDER BY leg_index", groupID)
	if err != nil {
		return nil, fmt.Errorf("get legs: %w", err)
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

// GroupFilter narrows ListGroups. Zero values match everything.
type GroupFilter struct {
	SessionID int64
	Status    models.GroupStatus
	Limit     int
}

// ListGroups returns groups matching the filter, newest first.
func (s *Store) ListGroups(ctx context.Context, f GroupFilter) ([]models.RecommendationGroup, error) {
	query := "SELECT " + groupColumns + " FROM recommendation_groups WHERE 1=1"
	args := []any{}
	if f.SessionID > 0 {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []models.RecommendationGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// GetPendingGroups returns all non-terminal groups, oldest first.
func (s *Store) GetPendingGroups(ctx context.Context) ([]models.RecommendationGroup, error) {
	groups, err := s.ListGroups(ctx, GroupFilter{Status: models.GroupPending})
	if err != nil {
		return nil, err
	}
	// ListGroups is newest-first; pending review reads oldest-first.
	for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
		groups[i], groups[j] = groups[j], groups[i]
	}
	return groups, nil
}

// UpdateGroupStatus transitions a group out of pending, stamping
// reviewed_at on rejection and executed_at on executed or partial.
// Transitions from a terminal state return ErrTerminalGroup.
func (s *Store) UpdateGroupStatus(ctx context.Context, groupID int64, status models.GroupStatus) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch status {
	case models.GroupExecuted, models.GroupPartial:
		res, err = s.db.ExecContext(ctx,
			"UPDATE recommendation_groups SET status = ?, executed_at = ? WHERE id = ? AND status = 'pending'",
			status, now, groupID)
	case models.GroupRejected:
		res, err = s.db.ExecContext(ctx,
			"UPDATE recommendation_groups SET status = ?, reviewed_at = ? WHERE id = ? AND status = 'pending'",
			status, now, groupID)
	default:
		return fmt.Errorf("invalid group status transition to %q", status)
	}
	if err != nil {
		return fmt.Errorf("update group status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update group status: %w", err)
	}
	if affected == 0 {
		return ErrTerminalGroup
	}
	return nil
}

// UpdateGroupComputedFields persists the engine's revalidated edge and fees.
func (s *Store) UpdateGroupComputedFields(ctx context.Context, groupID int64, netEdgePct, feesUSD float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE recommendation_groups SET computed_edge_pct = ?, computed_fees_usd = ? WHERE id = ?",
		netEdgePct, feesUSD, groupID)
	if err != nil {
		return fmt.Errorf("update group computed fields: %w", err)
	}
	return nil
}

// UpdateGroupPnL records the hypothetical P&L of a settled group.
func (s *Store) UpdateGroupPnL(ctx context.Context, groupID int64, pnlUSD float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE recommendation_groups SET hypothetical_pnl_usd = ? WHERE id = ?", pnlUSD, groupID)
	if err != nil {
		return fmt.Errorf("update group pnl: %w", err)
	}
	return nil
}

// DeleteGroup removes a group and its legs. SQLite FK enforcement is off,
// so child deletion happens here in code, inside one transaction.
func (s *Store) DeleteGroup(ctx context.Context, groupID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete group: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM recommendation_legs WHERE group_id = ?", groupID); err != nil {
		return fmt.Errorf("delete legs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM recommendation_groups WHERE id = ?", groupID); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return tx.Commit()
}

// UpdateLegStatus updates a leg's lifecycle status and, when provided, its
// exchange order id. updated_at is stamped automatically.
func (s *Store) UpdateLegStatus(ctx context.Context, legID int64, status models.LegStatus, orderID *string) error {
	var err error
	if orderID != nil {
		_, err = s.db.ExecContext(ctx,
			"UPDATE recommendation_legs SET status = ?, exchange_order_id = ?, updated_at = ? WHERE id = ?",
			status, *orderID, time.Now().UTC(), legID)
	} else {
		_, err = s.db.ExecContext(ctx,
			"UPDATE recommendation_legs SET status = ?, updated_at = ? WHERE id = ?",
			status, time.Now().UTC(), legID)
	}
	if err != nil {
		return fmt.Errorf("update leg status: %w", err)
	}
	return nil
}

// UpdateLegPrice adopts a refreshed best price on a leg before placement,
// so the journal and the venue order agree on the limit price.
func (s *Store) UpdateLegPrice(ctx context.Context, legID int64, priceCents int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE recommendation_legs SET price_cents = ?, updated_at = ? WHERE id = ?",
		priceCents, time.Now().UTC(), legID)
	if err != nil {
		return fmt.Errorf("update leg price: %w", err)
	}
	return nil
}

// UpdateLegFill records an observed fill on a leg.
func (s *Store) UpdateLegFill(ctx context.Context, legID int64, fillPriceCents, fillQty int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE recommendation_legs SET fill_price_cents = ?, fill_quantity = ?, updated_at = ? WHERE id = ?",
		fillPriceCents, fillQty, time.Now().UTC(), legID)
	if err != nil {
		return fmt.Errorf("update leg fill: %w", err)
	}
	return nil
}

// UpdateLegSettlement records a settlement value (0 or 100) for a leg's
// market, written by the EOD backfill.
func (s *Store) UpdateLegSettlement(ctx context.Context, legID int64, value int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE recommendation_legs SET settlement_value = ?, settled_at = ?, updated_at = ? WHERE id = ?",
		value, time.Now().UTC(), time.Now().UTC(), legID)
	if err != nil {
		return fmt.Errorf("update leg settlement: %w", err)
	}
	return nil
}
