package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/api"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/cache"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/client"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/compliance"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/config"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/events"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/monitor"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/queue"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/ratelimit"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/repo"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/scheduler"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/service"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/session"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.Level}))
	slog.SetDefault(logger)

	slog.Info("delivery service starting",
		"addr", cfg.Server.Address,
		"timezone", cfg.Compliance.Location.String(),
		"min_delay", cfg.Pacing.MinDelay.String(),
		"human_pacing", cfg.Pacing.HumanPacing,
		"redis", cfg.Redis.Enabled,
		"amqp", cfg.AMQP.Enabled,
	)

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(startCtx); err != nil {
		log.Fatalf("postgres: %v", err)
	}
	if cfg.Database.Migrate {
		if err := repo.Migrate(startCtx, db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}
	cancelStart()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)

	observers := events.Fanout{events.NewLogger(logger)}
	if cfg.AMQP.Enabled {
		pub, err := events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			log.Fatal(err)
		}
		defer pub.Close()
		observers = append(observers, pub)
	}

	outcomes := repo.NewPostgresOutcomeRepo(db)
	directory := repo.NewPostgresRecipientDirectory(db)
	tracker := session.NewTracker(repo.NewPostgresSessionStore(db), cfg.Session.Window)

	var transport client.Transport = client.NewWebhookClient(cfg.Webhook.URL).WithTimeout(cfg.Webhook.Timeout)
	if cfg.Breaker.Enabled {
		bc := client.DefaultBreakerConfig()
		bc.Timeout = cfg.Breaker.Timeout
		bc.MinRequests = uint32(cfg.Breaker.MinRequests)
		bc.FailureRatio = cfg.Breaker.FailureRatio
		transport = client.NewBreakerTransport(transport, bc, logger)
	}

	gc := gateConfig(cfg)
	lc := ratelimit.Config{
		MinDelay:                  cfg.Pacing.MinDelay,
		HumanPacing:               cfg.Pacing.HumanPacing,
		MaxPerRecipientPerDay:     cfg.Limits.PerRecipientPerDay,
		MaxPerMinute:              cfg.Limits.PerMinute,
		MaxPerHour:                cfg.Limits.PerHour,
		MaxNewConversationsPerDay: cfg.Limits.NewConversationsPerDay,
		Location:                  cfg.Compliance.Location,
	}
	if gc.WarmingHard {
		lc.UniqueRecipientCap = gc.WarmingCap
	}
	limiter := ratelimit.NewLimiter(lc, ratelimit.NewState())

	mon := monitor.New(monitor.Config{
		FailureRateThreshold: cfg.Emergency.FailureRate,
		BlockRateThreshold:   cfg.Emergency.BlockRate,
		MinSamples:           cfg.Emergency.MinSamples,
		PauseDuration:        cfg.Emergency.PauseDuration,
	}, metrics, logger).WithObserver(observers)

	gate, err := compliance.NewGate(gc, mon, tracker, directory, limiter, logger)
	if err != nil {
		log.Fatal(err)
	}

	sender := service.NewSender(transport, tracker)
	var receipts api.SentLookup
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		rc := cache.NewRedisCache(rdb, cfg.Redis.TTL)
		receipts = rc
		sender.WithHooks(
			func(ctx context.Context, item *model.QueueItem, remoteMessageID string, sentAt time.Time) error {
				if err := rc.StoreSent(ctx, item.ID, remoteMessageID, sentAt); err != nil {
					slog.Warn("cache store failed", "item_id", item.ID, "err", err)
				}
				return nil
			},
			nil,
		)
	}

	q, err := queue.New(queue.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		HumanPacing: cfg.Pacing.HumanPacing,
		JitterMin:   cfg.Pacing.JitterMin,
		JitterMax:   cfg.Pacing.JitterMax,
	}, queue.Deps{
		Gate:       gate,
		Limiter:    limiter,
		Dispatcher: sender,
		Monitor:    mon,
		Outcomes:   outcomes,
		Observer:   observers,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		log.Fatal(err)
	}

	midnight, err := scheduler.New("daily-reset", scheduler.AtMidnight(cfg.Compliance.Location), func(ctx context.Context) {
		limiter.ResetDaily(time.Now())
		mon.Reset()
	})
	if err != nil {
		log.Fatal(err)
	}

	stats, err := scheduler.New("delivery-stats", scheduler.Every(cfg.Stats.Interval), func(ctx context.Context) {
		s := mon.Snapshot()
		l := limiter.Snapshot(time.Now())
		slog.Info("delivery stats",
			"depth", q.Len(),
			"sent_today", l.SentToday,
			"failed_today", l.FailedToday,
			"blocked_today", l.BlockedToday,
			"unique_recipients", l.UniqueRecipients,
			"failure_rate", s.FailureRate,
			"block_rate", s.BlockRate,
			"paused", s.Paused,
		)
	})
	if err != nil {
		log.Fatal(err)
	}

	h := api.NewHandler(api.Deps{
		Queue:    q,
		Sessions: tracker,
		Monitor:  mon,
		Limiter:  limiter,
		Outcomes: outcomes,
		Receipts: receipts,
		Activity: directory,
		Gatherer: reg,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	q.Start()
	midnight.Start()
	stats.Start()

	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}

	stats.Stop()
	midnight.Stop()
	q.Stop()
}

func gateConfig(cfg *config.Config) compliance.Config {
	gc := compliance.DefaultConfig()
	gc.ActiveDays = cfg.Compliance.ActiveDays
	gc.StartHour = cfg.Compliance.StartHour
	gc.EndHour = cfg.Compliance.EndHour
	gc.Location = cfg.Compliance.Location
	if len(cfg.Compliance.ProhibitedTerms) > 0 {
		gc.ProhibitedTerms = cfg.Compliance.ProhibitedTerms
	}
	gc.MaxLength = cfg.Compliance.MaxLength
	gc.MaxURLs = cfg.Compliance.MaxURLs
	gc.RequirePersonalization = cfg.Compliance.RequirePersonalization
	gc.InactivityCeiling = time.Duration(cfg.Compliance.InactivityDays) * 24 * time.Hour

	gc.IdentityCreatedAt = cfg.Warming.IdentityCreatedAt
	gc.WarmingPeriodDays = cfg.Warming.PeriodDays
	gc.WarmingSteadyLimit = cfg.Warming.SteadyLimit
	gc.WarmingHard = cfg.Warming.Hard
	gc.WarmingTiers = make([]compliance.WarmingTier, 0, len(cfg.Warming.Tiers))
	for _, t := range cfg.Warming.Tiers {
		gc.WarmingTiers = append(gc.WarmingTiers, compliance.WarmingTier{UpToDay: t.UpToDay, Limit: t.Limit})
	}
	return gc
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
