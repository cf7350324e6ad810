package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/sqlflow/agent/pkg/llm"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	"github.com/malbeclabs/sqlflow/api/config"
	"github.com/malbeclabs/sqlflow/api/handlers"
	"github.com/malbeclabs/sqlflow/api/metrics"
	slackbot "github.com/malbeclabs/sqlflow/slack/bot"
	"github.com/malbeclabs/sqlflow/utils/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown is set when a shutdown signal is received so readiness
	// fails immediately.
	shuttingDown atomic.Bool
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
	resumeDelay        = 5 * time.Second
)

func main() {
	verboseFlag := flag.Bool("verbose", false, "Enable debug logging")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	flag.Parse()

	// godotenv doesn't override existing env vars, so later files don't overwrite earlier ones
	_ = godotenv.Load()
	_ = godotenv.Load("api/.env")

	if v := os.Getenv("VERBOSE"); v == "true" || v == "1" {
		*verboseFlag = true
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		*metricsAddrFlag = v
	}

	log := logger.New(*verboseFlag)
	slog.SetDefault(log)
	log.Info("starting sqlflow-api", "version", version, "commit", commit, "date", date)
	handlers.SetBuildInfo(version, commit, date)

	if err := run(log, *metricsAddrFlag); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, metricsAddr string) error {
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		initSentry(log, sentryDSN)
		defer sentry.Flush(2 * time.Second)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	defer func() { _ = config.Close() }()

	serverID := os.Getenv("SERVER_ID")
	if serverID == "" {
		host, _ := os.Hostname()
		serverID = host + "-" + uuid.NewString()[:8]
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStartup()

	stores, err := config.OpenStores(startupCtx, log, cfg, serverID)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	target, err := config.OpenTarget(log, cfg, metrics.RecordQuery)
	if err != nil {
		return err
	}
	defer func() { _ = target.Close() }()

	llmCfg := cfg.LLM
	llmCfg.Logger = log
	llmCfg.Observer = metrics.RecordLLMCall
	client, err := llm.New(llmCfg)
	if err != nil {
		return err
	}

	engineConfig := workflow.Config{
		Logger:              log,
		LLM:                 client,
		Database:            target,
		Checkpoints:         stores.Checkpoints,
		Memory:              stores.Memory,
		Contexts:            stores.Contexts,
		Limits:              cfg.Limits,
		EnableVisualization: cfg.EnableVisualization,
		Dialect:             cfg.Target.Dialect(),
		OnStage:             metrics.RecordStage,
		Threads:             workflow.NewThreadLocks(),
	}
	engine, err := workflow.New(engineConfig)
	if err != nil {
		return err
	}
	defer engine.Close()

	var metricsServer *http.Server
	if metricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		metricsServer = startMetricsServer(log, metricsAddr)
	}

	// Runs are bound to serverCtx rather than request contexts so they
	// survive client disconnects.
	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	manager := handlers.NewWorkflowManager(serverCtx, engine, log, serverID)
	api := &handlers.API{
		Engine:   engine,
		Manager:  manager,
		Catalog:  target,
		Contexts: stores.Contexts,
		Log:      log,
		Dialect:  cfg.Target.Dialect(),
	}

	r := newRouter(log, sentryDSN != "", cfg.AuthSecret, api, target)

	var slackHandler *slackbot.EventHandler
	if os.Getenv("SLACK_BOT_TOKEN") != "" {
		slackHandler = startSlackBot(serverCtx, log, r, engineConfig)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled for SSE streaming endpoints
		IdleTimeout:  60 * time.Second,
		// Cancelling serverCtx closes SSE connections during shutdown;
		// http.Server.Shutdown does not cancel request contexts.
		BaseContext: func(net.Listener) context.Context { return serverCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if stores.Claimer != nil {
		go func() {
			if n := manager.ResumeIncomplete(serverCtx, stores.Claimer, resumeDelay); n > 0 {
				log.Info("resumed interrupted workflows", "count", n)
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		log.Info("received signal, shutting down gracefully", "signal", sig)
	case err := <-serveErr:
		return err
	}
	shuttingDown.Store(true)

	if slackHandler != nil {
		log.Info("stopping Slack bot")
		waitSlack := slackHandler.StopAcceptingNew()
		done := make(chan struct{})
		go func() {
			waitSlack()
			close(done)
		}()
		select {
		case <-done:
			log.Info("Slack bot stopped gracefully")
		case <-time.After(30 * time.Second):
			log.Warn("Slack bot shutdown timed out")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Interrupted runs keep their checkpoints and are resumed by the next server.
	manager.Shutdown(ctx)
	serverCancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown error", "error", err)
	} else {
		log.Info("server stopped gracefully")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error("metrics server shutdown error", "error", err)
		}
	}
	return nil
}

func initSentry(log *slog.Logger, dsn string) {
	env := os.Getenv("SENTRY_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	release := version
	if commit != "none" {
		release = version + "-" + commit
	}
	// 1.0 for development, 10% otherwise
	tracesSampleRate := 0.1
	if env == "development" {
		tracesSampleRate = 1.0
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		Release:          release,
		EnableTracing:    true,
		TracesSampleRate: tracesSampleRate,
	})
	if err != nil {
		log.Warn("sentry initialization failed", "error", err)
		return
	}
	log.Info("sentry initialized", "env", env, "release", release)
}

func startMetricsServer(log *slog.Logger, addr string) *http.Server {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start prometheus metrics server listener", "error", err)
		return nil
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

type pinger interface {
	Ping(ctx context.Context) error
}

func newRouter(log *slog.Logger, withSentry bool, authSecret string, api *handlers.API, target pinger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	// Before Recoverer so panics are captured
	if withSentry {
		sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
		r.Use(sentryHandler.Handle)
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if txn := sentry.TransactionFromContext(r.Context()); txn != nil {
					txn.Name = r.Method + " " + r.URL.Path
					if rctx := chi.RouteContext(r.Context()); rctx != nil {
						if pattern := rctx.RoutePattern(); pattern != "" {
							txn.Name = r.Method + " " + pattern
						}
					}
				}
				next.ServeHTTP(w, r)
			})
		})
	}

	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	corsOrigins := []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-Thread-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := target.Ping(ctx); err != nil {
			log.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database connection failed"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(handlers.RequireSecret(authSecret))
		api.Routes(r)
		mcpHandler := api.MCPHandler(version)
		r.Handle("/mcp", mcpHandler)
		r.Handle("/mcp/*", mcpHandler)
	})
	return r
}

func startSlackBot(ctx context.Context, log *slog.Logger, r chi.Router, engineConfig workflow.Config) *slackbot.EventHandler {
	cfg, err := slackbot.LoadFromEnv()
	if err != nil {
		log.Error("slack bot config error, bot will not start", "error", err)
		return nil
	}

	// Slack gets its own engine so answers are formatted for Slack mrkdwn. It
	// shares the API engine's thread locks: both write the same checkpoints.
	prompts, err := workflow.LoadPrompts()
	if err != nil {
		log.Error("failed to load prompts, slack bot will not start", "error", err)
		return nil
	}
	engineConfig.FormatContext = prompts.GetPrompt(workflow.PromptSlack)
	engineConfig.Prompts = prompts
	engine, err := workflow.New(engineConfig)
	if err != nil {
		log.Error("failed to create slack engine, bot will not start", "error", err)
		return nil
	}
	go func() {
		<-ctx.Done()
		engine.Close()
	}()

	client := slackbot.NewClient(cfg.BotToken, cfg.AppToken, log)
	botUserID, err := client.Initialize(ctx)
	if err != nil {
		log.Warn("slack auth test failed, continuing anyway", "error", err)
	}
	cfg.BotUserID = botUserID

	processor := slackbot.NewProcessor(engine, log)
	handler := slackbot.NewEventHandler(client, processor, log, cfg.AllowedTeamIDs)
	handler.StartCleanup(ctx)

	switch cfg.Mode {
	case slackbot.ModeSocket:
		socket := client.SocketMode()
		go func() {
			if err := socket.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("slack socket mode client error", "error", err)
			}
		}()
		go func() {
			if err := handler.HandleSocketMode(ctx, socket); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("slack socket mode handler stopped", "error", err)
			}
		}()
		log.Info("slack bot started in socket mode")
	default:
		r.Post("/slack/events", func(w http.ResponseWriter, r *http.Request) {
			handler.HandleHTTP(w, r, cfg.SigningSecret)
		})
		log.Info("slack bot started in HTTP mode", "route", "/slack/events")
	}
	return handler
}
