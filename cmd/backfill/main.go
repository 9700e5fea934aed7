// EOD backfill: records daily bars for tracked markets and matches venue
// settlements against filled legs that have not settled yet.
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
	"golang.org/x/sync/errgroup"

	"github.com/edgeterm/edgeterm/internal/config"
	"github.com/edgeterm/edgeterm/internal/exchange"
	"github.com/edgeterm/edgeterm/internal/journal"
	"github.com/edgeterm/edgeterm/internal/models"
	"github.com/edgeterm/edgeterm/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dateFlag := flag.String("date", "", "trading date to backfill (YYYY-MM-DD, default yesterday)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("backfill")

	date := *dateFlag
	if date == "" {
		date = time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --date %q: %v\n", date, err)
		os.Exit(1)
	}

	if err := run(cfg, log, date); err != nil {
		log.Error().Err(err).Msg("Backfill failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger, date string) error {
	store, err := journal.Open(cfg.Journal.Path, log)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		g.Go(func() error {
			client, err := buildClient(name, ex, log)
			if err != nil {
				return err
			}
			if err := backfillBars(ctx, store, client, date, log); err != nil {
				return fmt.Errorf("%s bars: %w", name, err)
			}
			if err := backfillSettlements(ctx, store, client, log); err != nil {
				return fmt.Errorf("%s settlements: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func buildClient(name string, ex config.ExchangeConfig, log zerolog.Logger) (exchange.Client, error) {
	signer := exchange.Signer(exchange.NoopSigner())
	if ex.KeyID != "" && ex.PrivateKey != "" {
		pemKey, err := exchange.LoadPEM(ex.PrivateKey)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(name) {
		case string(models.ExchangeKalshi):
			signer, err = exchange.NewRSAPSSSigner(ex.KeyID, pemKey)
		case string(models.ExchangePolymarket):
			signer, err = exchange.NewEd25519Signer(ex.KeyID, pemKey)
		}
		if err != nil {
			return nil, err
		}
	}

	limiter := ratelimit.New(ex.ReadsPerSec, ex.WritesPerSec)
	switch strings.ToLower(name) {
	case string(models.ExchangeKalshi):
		return exchange.NewKalshiClient(ex.BaseURL, limiter, signer, log), nil
	case string(models.ExchangePolymarket):
		return exchange.NewPolymarketClient(ex.BaseURL, limiter, signer, log), nil
	}
	return nil, fmt.Errorf("unknown venue %q", name)
}

// backfillBars pulls one daily candle for every tracked market on the venue.
func backfillBars(ctx context.Context, store *journal.Store, client exchange.Client, date string, log zerolog.Logger) error {
	markets, err := store.TrackedMarkets(ctx, client.Exchange())
	if err != nil {
		return err
	}

	day, _ := time.Parse("2006-01-02", date)
	start := day.Unix()
	end := day.AddDate(0, 0, 1).Unix()

	filled := 0
	for _, marketID := range markets {
		resp, err := client.GetCandlesticks(ctx, exchange.CandlestickParams{
			MarketID:       marketID,
			StartTs:        start,
			EndTs:          end,
			PeriodInterval: 1440,
		})
		if err != nil {
			log.Warn().Err(err).Str("market_id", marketID).Msg("No candles for market")
			continue
		}

		candles, _ := resp["candlesticks"].([]any)
		for _, raw := range candles {
			c, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			bar := models.DailyBar{
				Exchange:   client.Exchange(),
				MarketID:   marketID,
				Date:       date,
				OpenCents:  price(c, "open"),
				HighCents:  price(c, "high"),
				LowCents:   price(c, "low"),
				CloseCents: price(c, "close"),
				Volume:     int64(price(c, "volume")),
			}
			if err := store.UpsertDailyBar(ctx, bar); err != nil {
				return err
			}
			filled++
		}
	}
	log.Info().Str("date", date).Int("bars", filled).Msg("Daily bars backfilled")
	return nil
}

// backfillSettlements matches the venue's settlement feed against filled
// legs that have no recorded settlement.
func backfillSettlements(ctx context.Context, store *journal.Store, client exchange.Client, log zerolog.Logger) error {
	legs, err := store.LegsAwaitingSettlement(ctx)
	if err != nil {
		return err
	}
	pending := make(map[string][]models.RecommendationLeg)
	for _, leg := range legs {
		if leg.Exchange == client.Exchange() {
			pending[leg.MarketID] = append(pending[leg.MarketID], leg)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	resp, err := client.GetSettlements(ctx)
	if err != nil {
		return err
	}

	settled := 0
	entries, _ := resp["settlements"].([]any)
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		marketID, _ := entry["ticker"].(string)
		if marketID == "" {
			marketID, _ = entry["market_id"].(string)
		}
		result, _ := entry["market_result"].(string)

		for _, leg := range pending[marketID] {
			// A contract settles at 100c when the result matches its side.
			value := 0
			if strings.EqualFold(result, string(leg.Side)) {
				value = 100
			}
			if err := store.UpdateLegSettlement(ctx, leg.ID, value); err != nil {
				return err
			}
			settled++
		}
	}
	log.Info().Int("legs", settled).Msg("Settlements recorded")
	return nil
}

// price reads a candle field that venues emit either flat or nested under
// "price".
func price(c map[string]any, key string) int {
	if f, ok := c[key].(float64); ok {
		return int(f)
	}
	if nested, ok := c["price"].(map[string]any); ok {
		if f, ok := nested[key].(float64); ok {
			return int(f)
		}
	}
	return 0
}
