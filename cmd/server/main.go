// Session server daemon: opens the journal, wires the venue clients and the
// execution engine, bridges the upstream agent, and serves the TUI WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/edgeterm/edgeterm/internal/config"
	"github.com/edgeterm/edgeterm/internal/engine"
	"github.com/edgeterm/edgeterm/internal/exchange"
	"github.com/edgeterm/edgeterm/internal/fillmonitor"
	"github.com/edgeterm/edgeterm/internal/journal"
	"github.com/edgeterm/edgeterm/internal/metrics"
	"github.com/edgeterm/edgeterm/internal/models"
	"github.com/edgeterm/edgeterm/internal/ratelimit"
	"github.com/edgeterm/edgeterm/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to ./configs/config.yaml)")
	flag.Parse()

	// Credentials come from the environment; a .env file is a convenience.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("server")
	log.Info().Str("environment", cfg.App.Environment).Msg("Starting edgeterm session server")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	store, err := journal.Open(cfg.Journal.Path, log)
	if err != nil {
		return err
	}
	defer store.Close()

	stopBackups, err := store.ScheduleBackups(journal.BackupConfig{
		Dir:      cfg.Journal.BackupDir,
		Schedule: cfg.Journal.BackupSchedule,
		Lookback: time.Duration(cfg.Journal.BackupLookback) * time.Minute,
		Retain:   cfg.Journal.BackupRetain,
	})
	if err != nil {
		return fmt.Errorf("schedule backups: %w", err)
	}
	defer stopBackups()

	clients, monitors, perVenueCaps, err := buildVenues(cfg, log)
	if err != nil {
		return err
	}

	eng := engine.New(store, clients, monitors, engine.Config{
		MaxSlippageCents: cfg.Trading.MaxSlippageCents,
		MinEdgePct:       cfg.Trading.MinEdgePct,
		MaxPositionUSD:   perVenueCaps,
		PortfolioCapUSD:  cfg.Trading.PortfolioCapUSD,
		MakerFillTimeout: time.Duration(cfg.Trading.MakerTimeoutSecs) * time.Second,
		TakerFillTimeout: time.Duration(cfg.Trading.TakerTimeoutSecs) * time.Second,
	}, log)

	tools := session.NewTools(store, clients, time.Duration(cfg.Trading.GroupTTLMinutes)*time.Minute, log)

	gateway := newMCPGateway(cfg.Server.Addr(), log)
	factory := newAgentCLIFactory(gateway, log)

	srv := session.NewServer(store, tools, factory, eng, session.Config{
		WrapUpTimeout: cfg.Agent.GetWrapUpTimeout(),
		SessionLogDir: cfg.Journal.SessionLogDir,
		UnloggedGrace: time.Minute,
		ConfirmWrites: true,
		AgentOptions:  agentOptions(cfg),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	mux.Handle("/mcp/", gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if cfg.Monitoring.EnableMetrics {
		metrics.RegisterHandlers(mux)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("Listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.GetWrapUpTimeout()+5*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	for _, m := range monitors {
		m.Close()
	}
	return httpSrv.Shutdown(shutdownCtx)
}

// buildVenues constructs a signed REST client and a fill monitor per enabled
// exchange, each behind its own dual-bucket rate limiter.
func buildVenues(cfg *config.Config, log zerolog.Logger) (map[models.Exchange]exchange.Client, map[models.Exchange]engine.FillWaiter, map[models.Exchange]float64, error) {
	clients := make(map[models.Exchange]exchange.Client)
	monitors := make(map[models.Exchange]engine.FillWaiter)
	caps := make(map[models.Exchange]float64)

	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}

		signer, err := buildSigner(name, ex)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("exchanges.%s: %w", name, err)
		}
		limiter := ratelimit.New(ex.ReadsPerSec, ex.WritesPerSec)

		switch strings.ToLower(name) {
		case string(models.ExchangeKalshi):
			clients[models.ExchangeKalshi] = exchange.NewKalshiClient(ex.BaseURL, limiter, signer, log)
			monitors[models.ExchangeKalshi] = fillmonitor.New(fillmonitor.KalshiConfig(ex.WSURL, signer), log)
			caps[models.ExchangeKalshi] = ex.MaxPositionUSD
		case string(models.ExchangePolymarket):
			clients[models.ExchangePolymarket] = exchange.NewPolymarketClient(ex.BaseURL, limiter, signer, log)
			monitors[models.ExchangePolymarket] = fillmonitor.New(fillmonitor.PolymarketConfig(ex.WSURL, signer), log)
			caps[models.ExchangePolymarket] = ex.MaxPositionUSD
		default:
			return nil, nil, nil, fmt.Errorf("exchanges.%s: unknown venue", name)
		}
		log.Info().Str("exchange", name).Str("base_url", ex.BaseURL).Msg("Venue configured")
	}
	return clients, monitors, caps, nil
}

func buildSigner(name string, ex config.ExchangeConfig) (exchange.Signer, error) {
	if ex.KeyID == "" || ex.PrivateKey == "" {
		// Read-only venue access still works unsigned.
		return exchange.NoopSigner(), nil
	}

	pemKey, err := exchange.LoadPEM(ex.PrivateKey)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(name) {
	case string(models.ExchangeKalshi):
		return exchange.NewRSAPSSSigner(ex.KeyID, pemKey)
	case string(models.ExchangePolymarket):
		return exchange.NewEd25519Signer(ex.KeyID, pemKey)
	}
	return nil, fmt.Errorf("no signer for venue %s", name)
}
