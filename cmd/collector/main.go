// Market-listing collector: walks paginated listings on the configured
// venues into the journal's snapshot tables for offline analysis.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/edgeterm/edgeterm/internal/config"
	"github.com/edgeterm/edgeterm/internal/exchange"
	"github.com/edgeterm/edgeterm/internal/journal"
	"github.com/edgeterm/edgeterm/internal/models"
	"github.com/edgeterm/edgeterm/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	venue := flag.String("exchange", "kalshi", "venue to collect")
	status := flag.String("status", "open", "market status filter")
	limit := flag.Int("limit", 200, "page size")
	maxPages := flag.Int("max-pages", 50, "stop after this many pages")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("collector")

	if err := run(cfg, log, *venue, *status, *limit, *maxPages); err != nil {
		log.Error().Err(err).Msg("Collection failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger, venue, status string, limit, maxPages int) error {
	ex, ok := cfg.Exchanges[strings.ToLower(venue)]
	if !ok || !ex.Enabled {
		return fmt.Errorf("exchange %q is not configured", venue)
	}

	store, err := journal.Open(cfg.Journal.Path, log)
	if err != nil {
		return err
	}
	defer store.Close()

	limiter := ratelimit.New(ex.ReadsPerSec, ex.WritesPerSec)
	var client exchange.Client
	switch strings.ToLower(venue) {
	case string(models.ExchangeKalshi):
		client = exchange.NewKalshiClient(ex.BaseURL, limiter, exchange.NoopSigner(), log)
	case string(models.ExchangePolymarket):
		client = exchange.NewPolymarketClient(ex.BaseURL, limiter, exchange.NoopSigner(), log)
	default:
		return fmt.Errorf("unknown venue %q", venue)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	total := 0
	cursor := ""
	for page := 0; page < maxPages; page++ {
		resp, err := client.SearchMarkets(ctx, exchange.SearchParams{
			Status: status,
			Limit:  limit,
			Cursor: cursor,
		})
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}

		markets, _ := resp["markets"].([]any)
		for _, raw := range markets {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if err := record(ctx, store, client.Exchange(), m); err != nil {
				return err
			}
			total++
		}

		cursor, _ = resp["cursor"].(string)
		log.Info().Int("page", page).Int("markets", len(markets)).Msg("Page collected")
		if cursor == "" || len(markets) == 0 {
			break
		}
	}

	log.Info().Int("total", total).Msg("Collection complete")
	return nil
}

// record writes one listing entry: an append-only snapshot plus the
// event/meta upserts.
func record(ctx context.Context, store *journal.Store, venue models.Exchange, m map[string]any) error {
	marketID := str(m, "ticker", "id", "market_id")
	if marketID == "" {
		return nil
	}

	snap := models.MarketSnapshot{
		Exchange:    venue,
		MarketID:    marketID,
		EventID:     str(m, "event_ticker", "event_id"),
		Title:       str(m, "title", "question"),
		YesBidCents: num(m, "yes_bid", "best_bid"),
		YesAskCents: num(m, "yes_ask", "best_ask"),
		Volume:      int64(num(m, "volume")),
		OpenTime:    ts(m, "open_time"),
		CloseTime:   ts(m, "close_time", "end_date_iso"),
	}
	if err := store.InsertMarketSnapshot(ctx, snap); err != nil {
		return err
	}

	if snap.EventID != "" {
		err := store.UpsertEvent(ctx, models.Event{
			MarketID: marketID,
			Exchange: venue,
			EventID:  snap.EventID,
			Title:    str(m, "event_title", "title"),
			Category: str(m, "category"),
		})
		if err != nil {
			return err
		}
	}

	return store.UpsertMarketMeta(ctx, models.MarketMeta{
		Exchange:  venue,
		MarketID:  marketID,
		TickSize:  max(num(m, "tick_size"), 1),
		CloseTime: snap.CloseTime,
		Source:    str(m, "settlement_source", "rules_primary"),
	})
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func num(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return int(f)
		}
	}
	return 0
}

func ts(m map[string]any, keys ...string) *time.Time {
	for _, k := range keys {
		s, ok := m[k].(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return &t
		}
	}
	return nil
}
