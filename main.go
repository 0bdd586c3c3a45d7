// Command ttv-presence polls which viewers sit in which live chats and merges
// the sightings into continuous presence sessions. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Builds the crawl pipeline (Helix follow graph + anonymous IRC rosters)
//     and the session reconciler, then starts a poll loop per tracked channel.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics and
//     tracker control endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/joho/godotenv"

	"github.com/onnwee/ttv-presence/chat"
	"github.com/onnwee/ttv-presence/config"
	"github.com/onnwee/ttv-presence/crawl"
	"github.com/onnwee/ttv-presence/db"
	"github.com/onnwee/ttv-presence/server"
	"github.com/onnwee/ttv-presence/session"
	"github.com/onnwee/ttv-presence/telemetry"
	"github.com/onnwee/ttv-presence/tracker"
	"github.com/onnwee/ttv-presence/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateCrawlReady(); err != nil {
		slog.Error("missing twitch credentials", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("ttv-presence", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Migrations: versioned (golang-migrate) first, embedded SQL as fallback
	// for deployments predating the schema_migrations table.
	slog.Info("running database migrations")
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL", slog.Any("err", err))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Crawl pipeline: Helix client for the follow graph and liveness,
	// anonymous IRC for chat rosters.
	helix := &twitchapi.Client{
		TokenSource:    twitchapi.NewAppTokenSource(cfg.TwitchClientID, cfg.TwitchClientSecret, twitchapi.DefaultTokenURL, nil),
		ClientID:       cfg.TwitchClientID,
		Limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1),
		RequestTimeout: cfg.RequestTimeout,
	}
	source := &crawl.PlatformSource{
		Helix:  helix,
		Roster: &chat.Roster{Settle: cfg.RosterSettle},
	}
	reconciler := &session.Reconciler{DB: database, Tolerance: cfg.DisconnectTolerance}

	registry := tracker.NewRegistry(func(channel string) *tracker.Tracker {
		return &tracker.Tracker{
			Channel:  channel,
			Interval: cfg.PollInterval,
			Crawl: func(cctx context.Context, ch string, progress func(int)) ([]session.Observation, error) {
				c := &crawl.Crawler{Source: source, Concurrency: cfg.CrawlConcurrency, OnProgress: progress}
				return c.Crawl(cctx, ch)
			},
			Reconciler: reconciler,
			OnCycle: func(cctx context.Context, s tracker.Status) {
				summary, err := json.Marshal(s)
				if err != nil {
					return
				}
				if err := db.SetKV(cctx, database, "last_crawl:"+s.Channel, string(summary)); err != nil {
					telemetry.LoggerWithCorr(cctx).Warn("failed to record last crawl", slog.Any("err", err))
				}
			},
		}
	})
	defer registry.StopAll()

	if cfg.Autostart {
		for _, ch := range cfg.TrackChannels {
			if err := registry.Start(ctx, ch); err != nil {
				slog.Error("failed to start tracker", slog.String("channel", ch), slog.Any("err", err))
			}
		}
	}
	slog.Info("trackers configured", slog.Int("channels", len(cfg.TrackChannels)), slog.Bool("autostart", cfg.Autostart))

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/control)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, registry, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
