package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"companion-voice/internal/agent"
	"companion-voice/internal/audit"
	"companion-voice/internal/auth"
	"companion-voice/internal/billing"
	"companion-voice/internal/bridge"
	"companion-voice/internal/calls"
	"companion-voice/internal/config"
	"companion-voice/internal/encryption"
	"companion-voice/internal/insights"
	"companion-voice/internal/memories"
	"companion-voice/internal/notify"
	"companion-voice/internal/ratelimit"
	"companion-voice/internal/safety"
	"companion-voice/internal/schedule"
	"companion-voice/internal/store"
	"companion-voice/internal/telephony"
	"companion-voice/internal/tools"
	"companion-voice/internal/webhooks"
	"companion-voice/pkg/logger"
	"companion-voice/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	svc, err := buildServices(cfg, db, rdb, log)
	if err != nil {
		log.Error("service init failed", "err", err)
		os.Exit(1)
	}

	go svc.scheduler.Run(rootCtx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, cfg, db, svc)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

// services groups the long-lived handlers main hands to the router.
type services struct {
	webhook   telephony.WebhookHandler
	media     *bridge.Handler
	internal  *webhooks.Handler
	toolAPI   *tools.HTTPHandler
	scheduler *schedule.Worker
}

func buildServices(cfg config.Config, db *sql.DB, rdb *redis.Client, log *slog.Logger) (services, error) {
	lineStore := store.NewLineStore(db)
	callStore := store.NewCallStore(db)
	reminderStore := store.NewReminderStore(db)
	scheduleStore := store.NewScheduleStore(db)
	memoryStore := store.NewMemoryStore(db)
	insightStore := store.NewInsightStore(db)
	auditStore := store.NewAuditStore(db)
	keyStore := store.NewKeyStore(db)

	enc, err := encryption.NewService(cfg.KEK(), keyStore)
	if err != nil {
		return services{}, err
	}

	tokens, err := auth.NewStreamTokens(cfg.Secure.StreamTokenSecret, cfg.Secure.StreamTokenTTL)
	if err != nil {
		return services{}, err
	}

	auditSvc := audit.NewService(auditStore)

	limiter := ratelimit.New(ratelimit.NewRedisStore(rdb), ratelimit.Config{
		Phone:      ratelimit.Rule{Limit: cfg.Limits.PerPhonePerHour, Window: time.Hour},
		IP:         ratelimit.Rule{Limit: cfg.Limits.PerIPPerHour, Window: time.Hour},
		Account:    ratelimit.Rule{Limit: cfg.Limits.PerAccountPerHour, Window: time.Hour},
		Session:    ratelimit.Rule{Limit: cfg.Limits.RemindersPerCall, Window: time.Hour},
		Production: cfg.IsProduction(),
	}, auditSvc, log)

	callMgr := calls.NewManager(callStore, log)
	guard := calls.NewRedisLineGuard(rdb, 0)

	memSvc := memories.NewService(memoryStore, enc, log)
	insSvc := insights.NewService(insightStore, enc, callStore, log)

	callMgr.OnComplete = func(ctx context.Context, s calls.Session) {
		if s.TestCall {
			return
		}
		if _, err := insSvc.RecomputeBaseline(ctx, s.LineID); err != nil {
			log.Warn("baseline recompute failed", "line_id", s.LineID, "err", err)
		}
	}

	registry := safety.NewRegistry()

	// The collaborator constructors return nil when unconfigured; assign
	// through a typed check so the interfaces stay nil too.
	var sms notify.SMSSender
	if c := notify.NewSMSClient(cfg.SMS); c != nil {
		sms = c
	}
	var email notify.EmailSender
	if c := notify.NewEmailClient(cfg.Email); c != nil {
		email = c
	}

	notifier := notify.NewNotifier(notify.NotifierParams{
		Lines: lineStore,
		SMS:   sms,
		Email: email,
		Audit: auditSvc,
		Log:   log,
	})

	billingSvc := billing.NewService(billing.ServiceParams{
		Checkout:      billing.NewStripeCheckout(cfg.Billing.StripeAPIKey),
		SMS:           sms,
		Email:         email,
		PublicBaseURL: cfg.App.PublicBaseURL,
		Log:           log,
	})

	dispatcher := tools.NewDispatcher(tools.DispatcherParams{
		Calls:     callMgr,
		Lines:     lineStore,
		Reminders: reminderStore,
		Memories:  memSvc,
		Insights:  insSvc,
		Safety:    registry,
		Limiter:   limiter,
		Audit:     auditSvc,
		Notifier:  notifier,
		Upgrades:  billingSvc,
		Config: tools.Config{
			MinReminderLead:    cfg.Calls.MinReminderLead,
			SnoozesPerReminder: cfg.Limits.SnoozesPerReminder,
			DefaultTimezone:    cfg.App.DefaultTimezone,
		},
		Log: log,
	})

	var extract bridge.InsightExtractor
	if cfg.Agent.CompletionsURL != "" {
		extract = insights.NewExtractor(&insights.HTTPCompleter{
			Endpoint: cfg.Agent.CompletionsURL,
			APIKey:   cfg.Agent.APIKey,
		}, insSvc, log)
	}

	media := bridge.NewHandler(bridge.HandlerParams{
		Calls:     callMgr,
		Lines:     lineStore,
		Memories:  memSvc,
		Reminders: reminderStore,
		Tools:     dispatcher,
		Safety:    registry,
		Guard:     guard,
		Audit:     auditSvc,
		Tokens:    tokens,
		Dialer: bridge.DialAgent(agent.Config{
			URL:            cfg.Agent.RealtimeURL,
			APIKey:         cfg.Agent.APIKey,
			ConnectTimeout: cfg.Agent.ConnectTimeout,
		}, log),
		Extract:     extract,
		GraceWindow: cfg.Calls.TrialGraceWindow,
	})

	gate := telephony.NewGate(telephony.GateParams{
		Lines:   lineStore,
		Limiter: limiter,
		Calls:   callMgr,
		Guard:   guard,
		Tokens:  tokens,
		Log:     log,
	})

	carrier := telephony.NewCarrier(cfg.Carrier, cfg.App.PublicBaseURL, cfg.Calls.OriginationTimeout)

	scheduler := schedule.NewWorker(schedule.WorkerParams{
		Schedules: scheduleStore,
		Reminders: reminderStore,
		Lines:     lineStore,
		Calls:     callMgr,
		Origin:    carrier,
		Guard:     guard,
		Audit:     auditSvc,
		Log:       log,
		Interval:  cfg.Calls.SchedulerInterval,
		DefaultTZ: cfg.App.DefaultTimezone,
	})

	internal := webhooks.NewHandler(webhooks.HandlerParams{
		Lines:              lineStore,
		Sessions:           callStore,
		Schedules:          scheduleStore,
		Insights:           insSvc,
		Upgrades:           billingSvc,
		Email:              email,
		Audit:              auditSvc,
		AnomalyCallsPerDay: cfg.Limits.AnomalyCallsPerDay,
	})

	return services{
		webhook: telephony.WebhookHandler{
			Gate:          gate,
			AuthToken:     cfg.Carrier.AuthToken,
			PublicBaseURL: cfg.App.PublicBaseURL,
			StreamURL:     cfg.App.StreamURL,
			Disclosure:    disclosureFor,
		},
		media:     media,
		internal:  internal,
		toolAPI:   tools.NewHTTPHandler(dispatcher),
		scheduler: scheduler,
	}, nil
}

// disclosureFor returns the legal call-recording disclosure spoken before
// the media stream connects.
func disclosureFor(language string) string {
	switch language {
	case "es-ES", "es-MX":
		return "Esta llamada puede ser grabada para su seguridad y calidad."
	default:
		return "This call may be recorded for your safety and quality."
	}
}
