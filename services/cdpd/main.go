package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	engineconfig "stblengine/config"
	"stblengine/core/events"
	"stblengine/integrations/webhooks"
	"stblengine/native/cdp"
	nativecommon "stblengine/native/common"
	"stblengine/native/token"
	"stblengine/observability"
	"stblengine/observability/logging"
	telemetry "stblengine/observability/otel"
	"stblengine/services/cdpd/adapters"
	"stblengine/services/cdpd/config"
	"stblengine/services/cdpd/journal"
	"stblengine/services/cdpd/oracle"
	"stblengine/services/cdpd/server"
	"stblengine/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/cdpd/config.yaml", "path to cdpd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("STBL_ENV"))
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service:    "cdpd",
		Env:        env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "cdpd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}.WithEnvDefaults())
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	registry, err := engineconfig.LoadEngine(cfg.Engine.Path)
	if err != nil {
		log.Fatalf("load engine registry: %v", err)
	}
	engineKey, err := registry.EngineKey()
	if err != nil {
		log.Fatalf("engine key: %v", err)
	}
	engineAddr := engineKey.PubKey().Address()
	admin, err := registry.Admin()
	if err != nil {
		log.Fatalf("admin address: %v", err)
	}
	if admin.IsZero() {
		logger.Warn("no admin address configured; collateral tokens cannot be funded")
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.Storage.DataDir, "state"))
	if err != nil {
		log.Fatalf("open state: %v", err)
	}
	defer db.Close()

	stable, err := token.NewLedger(db, registry.Stable.Symbol, registry.Stable.Decimals, engineAddr)
	if err != nil {
		log.Fatalf("stable token: %v", err)
	}
	collateral := make([]*token.Ledger, 0, len(registry.CollateralTokens))
	directory := make(cdp.TokenMap, len(registry.CollateralTokens))
	for _, tok := range registry.CollateralTokens {
		ledger, err := token.NewLedger(db, tok.Symbol, tok.Decimals, admin)
		if err != nil {
			log.Fatalf("collateral token %s: %v", tok.Symbol, err)
		}
		collateral = append(collateral, ledger)
		directory[ledger.Address()] = ledger
	}

	feeds := make([]*oracle.RoundFeed, 0, len(registry.PriceFeeds))
	sources := make([]cdp.PriceSource, 0, len(registry.PriceFeeds))
	for _, symbol := range registry.PriceFeeds {
		decimals := uint8(8)
		if feedCfg, ok := cfg.Oracle.Feed(symbol); ok {
			decimals = feedCfg.Decimals
		}
		feed := oracle.NewRoundFeed(symbol, decimals)
		feeds = append(feeds, feed)
		sources = append(sources, feed)
	}

	store, err := journal.Open(cfg.Journal.DSN, logger)
	if err != nil {
		log.Fatalf("open journal %s: %v", logging.MaskDSN(cfg.Journal.DSN), err)
	}
	defer store.Close()

	metrics := observability.CDP()
	hub := server.NewHub(logger)
	pauses := nativecommon.NewPauseSwitch()
	emitter := events.MultiEmitter{store, observability.Events(), hub}
	if cfg.Webhook.URL != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.URL, []byte(cfg.Webhook.Secret), cfg.Webhook.Events,
			webhooks.WithLogger(logger))
		if err != nil {
			log.Fatalf("webhook: %v", err)
		}
		defer dispatcher.Close()
		emitter = append(emitter, dispatcher)
	}

	engine, err := cdp.NewEngine(cdp.Config{
		EngineAddress:    engineAddr,
		CollateralTokens: registry.CollateralAssets(),
		PriceFeeds:       sources,
		Tokens:           directory,
		Stable:           stable,
		Store:            cdp.NewStore(db),
		Emitter:          emitter,
		Pauses:           pauses,
		Logger:           logger,
	})
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	recorder := roundRecorder(store, metrics, telemetry.Tracer("cdpd/oracle"))
	manager, err := buildOracle(cfg.Oracle, feeds, recorder, logger)
	if err != nil {
		log.Fatalf("build oracle: %v", err)
	}

	srv, err := server.New(server.Config{
		Engine:     engine,
		Stable:     stable,
		Collateral: collateral,
		Feeds:      feeds,
		Pauses:     pauses,
		Journal:    store,
		Recorder:   recorder,
		Hub:        hub,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.JWTSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			AdminScope: cfg.Auth.AdminScope,
			ClockSkew:  cfg.Auth.ClockSkew,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf("build server: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			log.Fatalf("plaintext cdpd mode is restricted to loopback listeners or dev environment")
		}
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.TLS.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle manager stopped", "error", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("cdpd listening",
			"address", cfg.ListenAddress,
			"engine", engineAddr.String(),
			"collateral", len(collateral),
			"journal", logging.MaskDSN(cfg.Journal.DSN))
		if cfg.TLS.Enabled() {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}

func buildOracle(cfg config.OracleConfig, feeds []*oracle.RoundFeed, recorder oracle.Recorder, logger *slog.Logger) (*oracle.Manager, error) {
	factory := adapters.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		source, err := factory.Build(src.Name, src.Type, src.Endpoint, src.Assets)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		sources = append(sources, source)
	}
	return oracle.New(sources, feeds, cfg.Interval, cfg.MaxAge, cfg.MinFeeds,
		oracle.WithLogger(logger),
		oracle.WithRecorder(recorder),
	)
}

// roundRecorder journals each published round and tracks its freshness.
func roundRecorder(store *journal.Journal, metrics *observability.CDPMetrics, tracer trace.Tracer) oracle.Recorder {
	return oracle.RecorderFunc(func(ctx context.Context, round oracle.Round) error {
		ctx, span := tracer.Start(ctx, "oracle.round", trace.WithAttributes(
			attribute.String("oracle.symbol", round.Symbol),
			attribute.Int64("oracle.round_id", int64(round.RoundID)),
		))
		defer span.End()
		metrics.RecordRound(round.Symbol)
		metrics.ObserveRoundAge(round.Symbol, time.Since(round.UpdatedAt))
		if err := store.RecordRound(ctx, round); err != nil {
			span.RecordError(err)
			return err
		}
		return nil
	})
}
