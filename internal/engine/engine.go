// Package engine drives a recommendation group through leg-in execution:
// refresh and revalidate, post the maker leg on the thinnest book, wait for
// its fill, then take the remaining legs, unwinding the maker if a taker
// fails. Every fact is journaled before the matching progress event is
// emitted, so the UI can never show state the database does not yet hold.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgeterm/edgeterm/internal/exchange"
	"github.com/edgeterm/edgeterm/internal/fees"
	"github.com/edgeterm/edgeterm/internal/fillmonitor"
	"github.com/edgeterm/edgeterm/internal/journal"
	"github.com/edgeterm/edgeterm/internal/metrics"
	"github.com/edgeterm/edgeterm/internal/models"
)

// Leg result statuses. LegResult.Status is a superset of the persisted leg
// status: unwind entries describe the reversal order, not a group leg.
const (
	ResultExecuted     = "executed"
	ResultRejected     = "rejected"
	ResultFailed       = "failed"
	ResultUnwindPlaced = "unwind_placed"
	ResultUnwindFailed = "unwind_failed"
)

// Progress tokens, forwarded opaquely to the TUI.
const (
	TokenRecomputingEdge  = "recomputing_edge"
	TokenPlacingMaker     = "placing_maker"
	TokenWaitingMakerFill = "waiting_for_maker_fill"
	TokenMakerFilled      = "maker_filled"
	TokenPlacingTaker     = "placing_taker"
	tokenCompletePrefix   = "complete:"
)

// Progress is one observable step of a group execution. Fill is set on the
// events that carry an execution report.
type Progress struct {
	Token    string
	LegIndex int // -1 when the step is not leg-specific
	Fill     *fillmonitor.Fill
}

// ProgressFunc receives progress events in emission order. May be nil.
type ProgressFunc func(Progress)

// LegResult is the caller-visible outcome of one leg (or unwind order).
type LegResult struct {
	LegIndex  int    `json:"leg_index"`
	MarketID  string `json:"market_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	FillPrice int    `json:"fill_price_cents,omitempty"`
	FillQty   int    `json:"fill_quantity,omitempty"`
}

// FillWaiter is the slice of the fill monitor the engine depends on.
type FillWaiter interface {
	WaitForFill(ctx context.Context, orderID string, timeout time.Duration, marketHint string) (*fillmonitor.Fill, error)
	Close()
}

// Engine executes confirmed recommendation groups.
type Engine struct {
	store    *journal.Store
	clients  map[models.Exchange]exchange.Client
	monitors map[models.Exchange]FillWaiter
	cfg      Config
	log      zerolog.Logger
}

func New(store *journal.Store, clients map[models.Exchange]exchange.Client, monitors map[models.Exchange]FillWaiter, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		clients:  clients,
		monitors: monitors,
		cfg:      cfg,
		log:      log.With().Str("component", "engine").Logger(),
	}
}

// execution is the per-group working state.
type execution struct {
	group      *models.RecommendationGroup
	legs       []models.RecommendationLeg // sorted by ascending depth at best
	depths     map[int64]int              // leg id -> depth at best
	results    []LegResult
	onProgress ProgressFunc
}

func (x *execution) emit(p Progress) {
	if x.onProgress != nil {
		x.onProgress(p)
	}
}

// ExecuteGroup runs the full state machine for one pending group. It never
// returns an error: every failure is reflected in the per-leg results and
// the group's terminal status. An unknown group id yields an empty slice.
func (e *Engine) ExecuteGroup(ctx context.Context, groupID int64, onProgress ProgressFunc) []LegResult {
	started := time.Now()

	group, legs, err := e.store.GetGroup(ctx, groupID)
	if err != nil {
		e.log.Error().Err(err).Int64("group_id", groupID).Msg("Group lookup failed")
		return nil
	}
	if group.Status != models.GroupPending {
		e.log.Warn().Int64("group_id", groupID).Str("status", string(group.Status)).Msg("Group is already terminal")
		return nil
	}

	x := &execution{group: group, legs: legs, depths: make(map[int64]int), onProgress: onProgress}
	log := e.log.With().Int64("group_id", groupID).Logger()

	status := e.run(ctx, x, log)
	metrics.GroupOutcomes.WithLabelValues(string(status)).Inc()
	metrics.GroupExecutionSeconds.Observe(time.Since(started).Seconds())

	x.emit(Progress{Token: tokenCompletePrefix + string(status), LegIndex: -1})
	e.closeMonitors(x.legs)
	return x.results
}

func (e *Engine) run(ctx context.Context, x *execution, log zerolog.Logger) models.GroupStatus {
	x.emit(Progress{Token: TokenRecomputingEdge, LegIndex: -1})
	if reason := e.refreshAndValidate(ctx, x); reason != "" {
		log.Warn().Str("reason", reason).Msg("Group rejected before placement")
		return e.rejectAll(ctx, x, reason)
	}

	// Maker first: the shallowest book is the hardest fill, so it is posted
	// and waited on before capital is committed anywhere else.
	sortLegsByDepth(x)
	maker := &x.legs[0]

	makerFill, reason := e.placeAndAwaitMaker(ctx, x, maker)
	if reason != "" {
		log.Warn().Str("reason", reason).Msg("Maker leg failed")
		return e.rejectAll(ctx, x, reason)
	}

	for i := 1; i < len(x.legs); i++ {
		taker := &x.legs[i]
		if ok := e.placeAndAwaitTaker(ctx, x, taker); !ok {
			e.unwind(ctx, x, maker, makerFill)
			_ = e.store.UpdateGroupStatus(ctx, x.group.ID, models.GroupPartial)
			return models.GroupPartial
		}
	}

	if err := e.store.UpdateGroupStatus(ctx, x.group.ID, models.GroupExecuted); err != nil {
		log.Error().Err(err).Msg("Failed to mark group executed")
	}
	return models.GroupExecuted
}

// refreshAndValidate refetches every leg's orderbook, applies the slippage,
// edge and cap policies, adopts the refreshed best price on each leg, and
// persists the recomputed economics. Returns a rejection reason, or "" to
// proceed.
func (e *Engine) refreshAndValidate(ctx context.Context, x *execution) string {
	for i := range x.legs {
		leg := &x.legs[i]
		client, ok := e.clients[leg.Exchange]
		if !ok {
			return fmt.Sprintf("no client configured for %s", leg.Exchange)
		}

		book, err := client.GetOrderbook(ctx, leg.MarketID, 10)
		if err != nil {
			return fmt.Sprintf("orderbook fetch failed for %s: %v", leg.MarketID, err)
		}

		best, depth, found := fees.BestAndDepth(book, leg.Side)
		if !found {
			return fmt.Sprintf("no resting %s liquidity on %s", leg.Side, leg.MarketID)
		}
		x.depths[leg.ID] = depth

		moved := best - leg.PriceCents
		if moved < 0 {
			moved = -moved
		}
		if moved > e.cfg.MaxSlippageCents {
			return fmt.Sprintf("Price moved %dc on %s (proposed %dc, best now %dc)",
				moved, leg.MarketID, leg.PriceCents, best)
		}

		// Adopt the refreshed best as the limit price: orders are placed at
		// it, so the leg row must agree with what goes to the venue.
		if best != leg.PriceCents {
			if err := e.store.UpdateLegPrice(ctx, leg.ID, best); err != nil {
				return fmt.Sprintf("persisting refreshed price failed: %v", err)
			}
			leg.PriceCents = best
		}
	}

	edge, err := fees.ComputeEdge(x.legs, x.legs[0].Quantity, x.group.Strategy, x.group.EstimatedEdgePct)
	if err != nil {
		return fmt.Sprintf("edge recomputation failed: %v", err)
	}
	if edge.NetEdgePct < e.cfg.MinEdgePct {
		return fmt.Sprintf("recomputed net edge %.2f%% is below the %.2f%% floor", edge.NetEdgePct, e.cfg.MinEdgePct)
	}

	if err := ValidateExecution(x.legs, e.cfg); err != nil {
		return err.Error()
	}

	feesUSD, _ := edge.TotalFeesUSD.Float64()
	if err := e.store.UpdateGroupComputedFields(ctx, x.group.ID, edge.NetEdgePct, feesUSD); err != nil {
		return fmt.Sprintf("persisting recomputed edge failed: %v", err)
	}
	return ""
}

func sortLegsByDepth(x *execution) {
	legs, depths := x.legs, x.depths
	for i := 1; i < len(legs); i++ {
		for j := i; j > 0 && depths[legs[j].ID] < depths[legs[j-1].ID]; j-- {
			legs[j], legs[j-1] = legs[j-1], legs[j]
		}
	}
}

// placeAndAwaitMaker posts the maker leg and blocks for its fill. Returns
// the fill, or a rejection reason. A timed-out maker order is cancelled
// best-effort before rejecting.
func (e *Engine) placeAndAwaitMaker(ctx context.Context, x *execution, maker *models.RecommendationLeg) (*fillmonitor.Fill, string) {
	x.emit(Progress{Token: TokenPlacingMaker, LegIndex: maker.LegIndex})

	orderID, tradeID, err := e.placeOrder(ctx, x, maker, "maker")
	if err != nil {
		return nil, fmt.Sprintf("maker order on %s failed: %v", maker.MarketID, err)
	}
	x.emit(Progress{Token: TokenWaitingMakerFill, LegIndex: maker.LegIndex})

	fill, err := e.waitForFill(ctx, maker, orderID, e.cfg.MakerFillTimeout)
	if err != nil {
		e.cancelOrder(ctx, maker, orderID, tradeID)
		return nil, fmt.Sprintf("Maker leg timed out after %.0fs", e.cfg.MakerFillTimeout.Seconds())
	}

	e.recordFill(ctx, x, maker, tradeID, fill)
	x.emit(Progress{Token: TokenMakerFilled, LegIndex: maker.LegIndex, Fill: fill})
	return fill, ""
}

// placeAndAwaitTaker posts one taker leg and waits the taker window for its
// fill. Returns false when the leg must trigger the unwind path.
func (e *Engine) placeAndAwaitTaker(ctx context.Context, x *execution, taker *models.RecommendationLeg) bool {
	x.emit(Progress{Token: TokenPlacingTaker, LegIndex: taker.LegIndex})

	orderID, tradeID, err := e.placeOrder(ctx, x, taker, "taker")
	if err != nil {
		x.results = append(x.results, LegResult{
			LegIndex: taker.LegIndex, MarketID: taker.MarketID,
			Status: ResultFailed, Reason: fmt.Sprintf("taker order failed: %v", err),
		})
		return false
	}

	fill, err := e.waitForFill(ctx, taker, orderID, e.cfg.TakerFillTimeout)
	if err != nil {
		e.cancelOrder(ctx, taker, orderID, tradeID)
		x.results = append(x.results, LegResult{
			LegIndex: taker.LegIndex, MarketID: taker.MarketID, OrderID: orderID,
			Status: ResultFailed, Reason: fmt.Sprintf("no taker fill within %s", e.cfg.TakerFillTimeout),
		})
		return false
	}

	e.recordFill(ctx, x, taker, tradeID, fill)
	return true
}

// placeOrder translates a leg into a venue order, journals the trade, and
// marks the leg placed. The trade row is written as soon as the venue
// acknowledges, before any fill is known.
func (e *Engine) placeOrder(ctx context.Context, x *execution, leg *models.RecommendationLeg, role string) (orderID string, tradeID int64, err error) {
	client := e.clients[leg.Exchange]

	resp, err := client.CreateOrder(ctx, exchange.OrderRequest{
		MarketID:        leg.MarketID,
		Action:          leg.Action,
		Side:            leg.Side,
		Count:           leg.Quantity,
		Type:            leg.OrderType,
		LimitPriceCents: leg.PriceCents,
	})
	if err != nil {
		return "", 0, err
	}
	metrics.OrdersPlaced.WithLabelValues(string(leg.Exchange), role).Inc()

	orderID = extractOrderID(resp)
	raw, _ := json.Marshal(resp)

	tradeID, err = e.store.LogTrade(ctx, models.Trade{
		SessionID:       x.group.SessionID,
		LegID:           &leg.ID,
		Exchange:        leg.Exchange,
		MarketID:        leg.MarketID,
		Action:          leg.Action,
		Side:            leg.Side,
		Quantity:        leg.Quantity,
		PriceCents:      leg.PriceCents,
		OrderType:       leg.OrderType,
		ExchangeOrderID: orderID,
		Status:          models.TradePlaced,
		RawResponse:     string(raw),
	})
	if err != nil {
		return "", 0, fmt.Errorf("journal trade: %w", err)
	}

	if err := e.store.UpdateLegStatus(ctx, leg.ID, models.LegExecuted, &orderID); err != nil {
		return "", 0, fmt.Errorf("journal leg placement: %w", err)
	}
	leg.ExchangeOrderID = &orderID
	return orderID, tradeID, nil
}

func (e *Engine) waitForFill(ctx context.Context, leg *models.RecommendationLeg, orderID string, timeout time.Duration) (*fillmonitor.Fill, error) {
	monitor, ok := e.monitors[leg.Exchange]
	if !ok {
		return nil, fmt.Errorf("no fill monitor for %s", leg.Exchange)
	}
	fill, err := monitor.WaitForFill(ctx, orderID, timeout, leg.MarketID)
	if err != nil {
		metrics.FillTimeouts.WithLabelValues(string(leg.Exchange)).Inc()
		return nil, err
	}
	metrics.FillsObserved.WithLabelValues(string(leg.Exchange)).Inc()
	return fill, nil
}

// recordFill journals the fill on the leg and trade, then appends the
// executed result entry.
func (e *Engine) recordFill(ctx context.Context, x *execution, leg *models.RecommendationLeg, tradeID int64, fill *fillmonitor.Fill) {
	if err := e.store.UpdateLegFill(ctx, leg.ID, fill.PriceCents, fill.Quantity); err != nil {
		e.log.Error().Err(err).Int64("leg_id", leg.ID).Msg("Failed to journal fill")
	}
	raw, _ := json.Marshal(fill)
	if err := e.store.UpdateTradeStatus(ctx, tradeID, models.TradeFilled, string(raw)); err != nil {
		e.log.Error().Err(err).Int64("trade_id", tradeID).Msg("Failed to journal trade fill")
	}

	x.results = append(x.results, LegResult{
		LegIndex:  leg.LegIndex,
		MarketID:  leg.MarketID,
		Status:    ResultExecuted,
		OrderID:   fill.OrderID,
		FillPrice: fill.PriceCents,
		FillQty:   fill.Quantity,
	})
}

// cancelOrder is best-effort: a failed cancel leaves the order resting on
// the venue, which the operator reconciles from the unreconciled-trades
// view. It never fails the execution flow.
func (e *Engine) cancelOrder(ctx context.Context, leg *models.RecommendationLeg, orderID string, tradeID int64) {
	client := e.clients[leg.Exchange]
	if _, err := client.CancelOrder(ctx, orderID); err != nil {
		e.log.Error().Err(err).Str("order_id", orderID).Msg("Cancel failed, order may rest on venue")
		return
	}
	if err := e.store.UpdateTradeStatus(ctx, tradeID, models.TradeCancelled, ""); err != nil {
		e.log.Error().Err(err).Int64("trade_id", tradeID).Msg("Failed to journal cancel")
	}
}

// unwind reverses the filled maker leg with an opposite-action order at the
// fill price. Fire-and-forget: the order is journaled but not waited on,
// and its failure cannot change the group's (already partial) outcome.
func (e *Engine) unwind(ctx context.Context, x *execution, maker *models.RecommendationLeg, makerFill *fillmonitor.Fill) {
	client := e.clients[maker.Exchange]

	resp, err := client.CreateOrder(ctx, exchange.OrderRequest{
		MarketID:        maker.MarketID,
		Action:          maker.Action.Opposite(),
		Side:            maker.Side,
		Count:           makerFill.Quantity,
		Type:            maker.OrderType,
		LimitPriceCents: makerFill.PriceCents,
	})
	if err != nil {
		metrics.Unwinds.WithLabelValues("failed").Inc()
		e.log.Error().Err(err).Str("market_id", maker.MarketID).Msg("Unwind order failed, exposure is open")
		x.results = append(x.results, LegResult{
			LegIndex: maker.LegIndex, MarketID: maker.MarketID,
			Status: ResultUnwindFailed, Reason: err.Error(),
		})
		return
	}
	metrics.OrdersPlaced.WithLabelValues(string(maker.Exchange), "unwind").Inc()
	metrics.Unwinds.WithLabelValues("placed").Inc()

	orderID := extractOrderID(resp)
	raw, _ := json.Marshal(resp)
	if _, err := e.store.LogTrade(ctx, models.Trade{
		SessionID:       x.group.SessionID,
		LegID:           &maker.ID,
		Exchange:        maker.Exchange,
		MarketID:        maker.MarketID,
		Action:          maker.Action.Opposite(),
		Side:            maker.Side,
		Quantity:        makerFill.Quantity,
		PriceCents:      makerFill.PriceCents,
		OrderType:       maker.OrderType,
		ExchangeOrderID: orderID,
		Status:          models.TradePlaced,
		RawResponse:     string(raw),
	}); err != nil {
		e.log.Error().Err(err).Msg("Failed to journal unwind trade")
	}

	x.results = append(x.results, LegResult{
		LegIndex: maker.LegIndex, MarketID: maker.MarketID,
		Status: ResultUnwindPlaced, OrderID: orderID,
	})
}

// rejectAll marks every leg and the group rejected with the shared reason.
func (e *Engine) rejectAll(ctx context.Context, x *execution, reason string) models.GroupStatus {
	for i := range x.legs {
		leg := &x.legs[i]
		if err := e.store.UpdateLegStatus(ctx, leg.ID, models.LegRejected, nil); err != nil {
			e.log.Error().Err(err).Int64("leg_id", leg.ID).Msg("Failed to mark leg rejected")
		}
		x.results = append(x.results, LegResult{
			LegIndex: leg.LegIndex, MarketID: leg.MarketID,
			Status: ResultRejected, Reason: reason,
		})
	}
	if err := e.store.UpdateGroupStatus(ctx, x.group.ID, models.GroupRejected); err != nil {
		e.log.Error().Err(err).Int64("group_id", x.group.ID).Msg("Failed to mark group rejected")
	}
	return models.GroupRejected
}

func (e *Engine) closeMonitors(legs []models.RecommendationLeg) {
	seen := make(map[models.Exchange]bool)
	for _, leg := range legs {
		if seen[leg.Exchange] {
			continue
		}
		seen[leg.Exchange] = true
		if monitor, ok := e.monitors[leg.Exchange]; ok {
			monitor.Close()
		}
	}
}

// extractOrderID probes the common shapes of a create-order response.
func extractOrderID(resp map[string]any) string {
	if order, ok := resp["order"].(map[string]any); ok {
		resp = order
	}
	for _, key := range []string{"order_id", "orderID", "id"} {
		if v, ok := resp[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
