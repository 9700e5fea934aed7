package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeterm/edgeterm/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func bracketParams(sessionID int64) CreateGroupParams {
	return CreateGroupParams{
		SessionID:        sessionID,
		Thesis:           "NYC high temp bracket is underpriced",
		Strategy:         "bracket",
		EstimatedEdgePct: 3.0,
		TTL:              30 * time.Minute,
		Legs: []LegInput{
			{Exchange: models.ExchangeKalshi, MarketID: "KXHIGHNY-B54", Action: models.ActionBuy, Side: models.SideYes, Quantity: 10, PriceCents: 42, IsMaker: true},
			{Exchange: models.ExchangeKalshi, MarketID: "KXHIGHNY-B56", Action: models.ActionBuy, Side: models.SideYes, Quantity: 10, PriceCents: 55},
		},
	}
}

func TestCreateGroupRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx)
	require.NoError(t, err)

	group, legs, err := store.CreateRecommendationGroup(ctx, bracketParams(sessionID))
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, models.GroupPending, group.Status)
	assert.WithinDuration(t, group.CreatedAt.Add(30*time.Minute), group.ExpiresAt, time.Second)

	got, gotLegs, err := store.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, gotLegs, 2)

	assert.Equal(t, group.ID, got.ID)
	assert.Equal(t, "bracket", got.Strategy)
	assert.InDelta(t, 10*0.42+10*0.55, got.TotalExposureUSD, 1e-9)

	// Leg order and content survive the round trip; indexes follow list position.
	for i, leg := range gotLegs {
		assert.Equal(t, i, leg.LegIndex)
		assert.NotZero(t, leg.ID)
		assert.Equal(t, models.LegPending, leg.Status)
	}
	assert.Equal(t, "KXHIGHNY-B54", gotLegs[0].MarketID)
	assert.True(t, gotLegs[0].IsMaker)
	assert.Equal(t, "KXHIGHNY-B56", gotLegs[1].MarketID)
	assert.False(t, gotLegs[1].IsMaker)
}

func TestCreateGroupValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID, _ := store.CreateSession(ctx)

	t.Run("no legs", func(t *testing.T) {
		p := bracketParams(sessionID)
		p.Legs = nil
		_, _, err := store.CreateRecommendationGroup(ctx, p)
		assert.Error(t, err)
	})

	t.Run("price out of range", func(t *testing.T) {
		for _, price := range []int{0, 100, -3} {
			p := bracketParams(sessionID)
			p.Legs[1].PriceCents = price
			_, _, err := store.CreateRecommendationGroup(ctx, p)
			assert.Error(t, err, "price %d", price)
		}
	})

	t.Run("zero quantity", func(t *testing.T) {
		p := bracketParams(sessionID)
		p.Legs[0].Quantity = 0
		_, _, err := store.CreateRecommendationGroup(ctx, p)
		assert.Error(t, err)
	})

	t.Run("bad leg aborts whole group", func(t *testing.T) {
		p := bracketParams(sessionID)
		p.Legs[1].Side = models.Side("maybe")
		_, _, err := store.CreateRecommendationGroup(ctx, p)
		require.Error(t, err)

		groups, err := store.ListGroups(ctx, GroupFilter{SessionID: sessionID})
		require.NoError(t, err)
		assert.Empty(t, groups, "partial inserts must not survive")
	})
}

func TestGroupStatusMonotonicity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID, _ := store.CreateSession(ctx)
	group, _, err := store.CreateRecommendationGroup(ctx, bracketParams(sessionID))
	require.NoError(t, err)

	require.NoError(t, store.UpdateGroupStatus(ctx, group.ID, models.GroupExecuted))

	got, _, err := store.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)
	assert.Nil(t, got.ReviewedAt)

	// Terminal groups refuse further transitions.
	err = store.UpdateGroupStatus(ctx, group.ID, models.GroupRejected)
	assert.ErrorIs(t, err, ErrTerminalGroup)

	again, _, err := store.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupExecuted, again.Status)
}

func TestRejectedGroupStampsReviewedAt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID, _ := store.CreateSession(ctx)
	group, _, _ := store.CreateRecommendationGroup(ctx, bracketParams(sessionID))

	require.NoError(t, store.UpdateGroupStatus(ctx, group.ID, models.GroupRejected))
	got, _, err := store.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReviewedAt)
	assert.Nil(t, got.ExecutedAt)
}

func TestLegUpdates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID, _ := store.CreateSession(ctx)
	_, legs, _ := store.CreateRecommendationGroup(ctx, bracketParams(sessionID))

	orderID := "ord-abc"
	require.NoError(t, store.UpdateLegStatus(ctx, legs[0].ID, models.LegExecuted, &orderID))
	require.NoError(t, store.UpdateLegFill(ctx, legs[0].ID, 42, 10))

	_, gotLegs, err := store.GetGroup(ctx, legs[0].GroupID)
	require.NoError(t, err)

	maker := gotLegs[0]
	assert.Equal(t, models.LegExecuted, maker.Status)
	require.NotNil(t, maker.ExchangeOrderID)
	assert.Equal(t, "ord-abc", *maker.ExchangeOrderID)
	require.NotNil(t, maker.FillPriceCents)
	assert.Equal(t, 42, *maker.FillPriceCents)
	require.NotNil(t, maker.FillQuantity)
	assert.Equal(t, 10, *maker.FillQuantity)

	// Second leg untouched.
	assert.Nil(t, gotLegs[1].FillPriceCents)
}

func TestTradeJournal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID, _ := store.CreateSession(ctx)
	group, legs, _ := store.CreateRecommendationGroup(ctx, bracketParams(sessionID))

	tradeID, err := store.LogTrade(ctx, models.Trade{
		SessionID: sessionID, LegID: &legs[0].ID,
		Exchange: models.ExchangeKalshi, MarketID: legs[0].MarketID,
		Action: legs[0].Action, Side: legs[0].Side,
		Quantity: 10, PriceCents: 42, OrderType: models.OrderTypeLimit,
		ExchangeOrderID: "ord-abc", Status: models.TradePlaced,
	})
	require.NoError(t, err)

	unreconciled, err := store.UnreconciledTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unreconciled, 1)
	assert.Equal(t, tradeID, unreconciled[0].ID)

	require.NoError(t, store.UpdateTradeStatus(ctx, tradeID, models.TradeFilled, `{"fill":"full"}`))

	unreconciled, err = store.UnreconciledTrades(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unreconciled)

	forGroup, err := store.TradesForGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, forGroup, 1)
	assert.Equal(t, models.TradeFilled, forGroup[0].Status)
	assert.Equal(t, `{"fill":"full"}`, forGroup[0].RawResponse)
}

func TestUnloggedSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, _ := store.CreateSession(ctx)
	second, _ := store.CreateSession(ctx)

	_, err := store.LogSessionSummary(ctx, first, "Reviewed weather brackets, no trades.")
	require.NoError(t, err)

	unlogged, err := store.GetUnloggedSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unlogged, 1)
	assert.Equal(t, second, unlogged[0].ID)

	has, err := store.HasSessionLog(ctx, first)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestBuildSessionContext(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	prior, _ := store.CreateSession(ctx)
	_, err := store.LogSessionSummary(ctx, prior, "Sold the 2pm CPI overreaction.")
	require.NoError(t, err)

	current, _ := store.CreateSession(ctx)
	_, _, err = store.CreateRecommendationGroup(ctx, bracketParams(current))
	require.NoError(t, err)
	_, err = store.LogTrade(ctx, models.Trade{
		SessionID: current, Exchange: models.ExchangeKalshi, MarketID: "KXCPI-UP",
		Action: models.ActionBuy, Side: models.SideYes, Quantity: 5, PriceCents: 30,
		OrderType: models.OrderTypeLimit, ExchangeOrderID: "ord-z", Status: models.TradePlaced,
	})
	require.NoError(t, err)

	sc, err := store.BuildSessionContext(ctx, current)
	require.NoError(t, err)
	assert.Equal(t, "Sold the 2pm CPI overreaction.", sc.PreviousSummary)
	require.Len(t, sc.PendingGroups, 1)
	require.Len(t, sc.UnreconciledTrades, 1)

	rendered := sc.Render()
	assert.Contains(t, rendered, "Previous session summary")
	assert.Contains(t, rendered, "KXCPI-UP")
}

func TestQueryGuard(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID, _ := store.CreateSession(ctx)
	_, _, err := store.CreateRecommendationGroup(ctx, bracketParams(sessionID))
	require.NoError(t, err)

	t.Run("select passes", func(t *testing.T) {
		rows, err := store.Query(ctx, "SELECT id, strategy FROM recommendation_groups")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "bracket", rows[0]["strategy"])
	})

	t.Run("with passes", func(t *testing.T) {
		_, err := store.Query(ctx, "WITH g AS (SELECT * FROM recommendation_groups) SELECT COUNT(*) AS n FROM g")
		require.NoError(t, err)

		_, err = store.Query(ctx, "WITH a AS (SELECT 1 AS n), b AS (SELECT 2 AS n) SELECT a.n, b.n FROM a, b")
		require.NoError(t, err)
	})

	t.Run("mutations rejected", func(t *testing.T) {
		for _, q := range []string{
			"DELETE FROM trades",
			"UPDATE recommendation_groups SET status='executed'",
			"INSERT INTO sessions (started_at) VALUES (CURRENT_TIMESTAMP)",
			"DROP TABLE trades",
			"-- sneaky\nDELETE FROM trades",
			"SELECT 1; DELETE FROM trades",
		} {
			_, err := store.Query(ctx, q)
			assert.Error(t, err, q)
		}
	})

	t.Run("cte-fronted mutations rejected", func(t *testing.T) {
		for _, q := range []string{
			"WITH doomed AS (SELECT 1) DELETE FROM sessions",
			"WITH doomed AS (SELECT 1) UPDATE recommendation_groups SET status='executed'",
			"WITH doomed AS (SELECT 1) INSERT INTO sessions (started_at) VALUES (CURRENT_TIMESTAMP)",
			"WITH RECURSIVE doomed(n) AS (SELECT 1) DELETE FROM sessions",
			"with doomed as (select 'it''s') delete from sessions",
		} {
			_, err := store.Query(ctx, q)
			assert.Error(t, err, q)
		}

		// Nothing slipped through behind the WITH prefix.
		rows, err := store.Query(ctx, "SELECT COUNT(*) AS n FROM sessions")
		require.NoError(t, err)
		assert.EqualValues(t, 1, rows[0]["n"])
	})
}

func TestBackupAndPrune(t *testing.T) {
	store := openTestStore(t)
	dir := t.TempDir()

	cfg := BackupConfig{Dir: dir, Lookback: time.Hour, Retain: 2}
	path, err := store.Backup(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	// Within the lookback the second call is a no-op.
	skipped, err := store.Backup(cfg)
	require.NoError(t, err)
	assert.Empty(t, skipped)

	// Force extra copies, then prune down to the retention count.
	for _, name := range []string{"journal-20250101-000000.db", "journal-20250102-000000.db"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("old"), 0o644))
	}
	require.NoError(t, store.Prune(cfg))

	names, err := backupNames(dir)
	require.NoError(t, err)
	assert.Len(t, names, 2)
	assert.NotContains(t, names, "journal-20250101-000000.db")
}

func TestCollectorTables(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEvent(ctx, models.Event{
		MarketID: "KXHIGHNY-B54", Exchange: models.ExchangeKalshi,
		EventID: "KXHIGHNY", Title: "NYC high temperature",
	}))
	// Composite key: same market id on another exchange is a distinct row.
	require.NoError(t, store.UpsertEvent(ctx, models.Event{
		MarketID: "KXHIGHNY-B54", Exchange: models.ExchangePolymarket,
		EventID: "nyc-temp", Title: "NYC high temperature",
	}))
	// Re-upsert updates in place rather than duplicating.
	require.NoError(t, store.UpsertEvent(ctx, models.Event{
		MarketID: "KXHIGHNY-B54", Exchange: models.ExchangeKalshi,
		EventID: "KXHIGHNY", Title: "NYC high temperature (updated)",
	}))

	rows, err := store.Query(ctx, "SELECT COUNT(*) AS n FROM events")
	require.NoError(t, err)
	assert.EqualValues(t, 2, rows[0]["n"])

	require.NoError(t, store.UpsertDailyBar(ctx, models.DailyBar{
		Exchange: models.ExchangeKalshi, MarketID: "KXHIGHNY-B54", Date: "2026-08-23",
		OpenCents: 40, HighCents: 45, LowCents: 38, CloseCents: 42, Volume: 1200,
	}))
	require.NoError(t, store.InsertMarketSnapshot(ctx, models.MarketSnapshot{
		Exchange: models.ExchangeKalshi, MarketID: "KXHIGHNY-B54",
		YesBidCents: 41, YesAskCents: 43, Volume: 5000,
	}))
}

func TestTrackedMarkets(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMarketMeta(ctx, models.MarketMeta{
		Exchange: models.ExchangeKalshi, MarketID: "KXHIGHNY-B54", TickSize: 1, Source: "collector",
	}))
	require.NoError(t, store.UpsertMarketMeta(ctx, models.MarketMeta{
		Exchange: models.ExchangeKalshi, MarketID: "KXCPI-UP", TickSize: 1, Source: "collector",
	}))
	require.NoError(t, store.UpsertMarketMeta(ctx, models.MarketMeta{
		Exchange: models.ExchangePolymarket, MarketID: "0xabc", TickSize: 1, Source: "collector",
	}))

	ids, err := store.TrackedMarkets(ctx, models.ExchangeKalshi)
	require.NoError(t, err)
	assert.Equal(t, []string{"KXCPI-UP", "KXHIGHNY-B54"}, ids)

	ids, err = store.TrackedMarkets(ctx, models.ExchangePolymarket)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xabc"}, ids)
}

func TestSessionUpstreamIDSetOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateSession(ctx)

	require.NoError(t, store.UpdateSessionUpstreamID(ctx, id, "up-1"))
	require.NoError(t, store.UpdateSessionUpstreamID(ctx, id, "up-2"))

	sess, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess.UpstreamSessionID)
	assert.Equal(t, "up-1", *sess.UpstreamSessionID, "upstream id is never mutated once set")
}
