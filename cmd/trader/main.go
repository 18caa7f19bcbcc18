package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	polymarket "github.com/GoPolymarket/polymarket-go-sdk"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"

	"github.com/GoPolymarket/polymarket-trader/internal/api"
	"github.com/GoPolymarket/polymarket-trader/internal/app"
	"github.com/GoPolymarket/polymarket-trader/internal/config"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		log.Printf("warning: config file: %v, using defaults", err)
		cfg = config.Default()
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.PrivateKey == "" || cfg.APIKey == "" {
		log.Fatal("POLYMARKET_PK and POLYMARKET_API_KEY are required")
	}

	log.Printf("polymarket-trader starting (dry_run=%t, mode=%s)", cfg.DryRun, cfg.TradingMode)

	signer, err := auth.NewPrivateKeySigner(strings.TrimSpace(cfg.PrivateKey), 137)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	apiKey := &auth.APIKey{
		Key:        strings.TrimSpace(cfg.APIKey),
		Secret:     strings.TrimSpace(cfg.APISecret),
		Passphrase: strings.TrimSpace(cfg.APIPassphrase),
	}

	sdkClient := polymarket.NewClient()
	clobClient := sdkClient.CLOB.WithAuth(signer, apiKey)

	if cfg.BuilderKey != "" && cfg.BuilderSecret != "" {
		clobClient = clobClient.WithBuilderConfig(&auth.BuilderConfig{
			Local: &auth.BuilderCredentials{
				Key:        strings.TrimSpace(cfg.BuilderKey),
				Secret:     strings.TrimSpace(cfg.BuilderSecret),
				Passphrase: strings.TrimSpace(cfg.BuilderPassphrase),
			},
		})
		log.Println("builder attribution enabled")
	}

	wsClient := sdkClient.CLOBWS.Authenticate(signer, apiKey)

	// gammaClient, dataClient, and rtdsClient are left nil: this deployment
	// runs the CLOB maker/taker loop plus the portfolio state engine, which
	// talks to the Data/Gamma REST APIs directly (see internal/portfolio)
	// rather than through the SDK clients.
	a := app.New(cfg, clobClient, wsClient, signer, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.API.Enabled {
		addr := cfg.API.Addr
		if addr == "" {
			addr = ":8080"
		}
		// a.Portfolio/a.BuilderTracker are typed *struct nils when disabled;
		// pass them through an explicit nil-interface conversion so
		// PortfolioProvider/BuilderProvider stay truly nil rather than a
		// non-nil interface wrapping a nil pointer.
		var portfolioProvider api.PortfolioProvider
		if a.Portfolio != nil {
			portfolioProvider = a.Portfolio
		}
		var builderProvider api.BuilderProvider
		if a.BuilderTracker != nil {
			builderProvider = a.BuilderTracker
		}
		server := api.NewServer(addr, a, portfolioProvider, builderProvider)
		if err := server.Start(ctx); err != nil {
			log.Fatalf("api server: %v", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("trading loop stopped: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	a.Shutdown(shutdownCtx)

	orders, fills, pnl := a.Stats()
	log.Printf("session complete: orders=%d fills=%d pnl=%.2f", orders, fills, pnl)
}
