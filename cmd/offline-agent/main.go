package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	offlineagent "github.com/always-cache/offline-agent"
	"github.com/always-cache/offline-agent/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	dbFilenameFlag     string
	redisURLFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "YAML config file (defaults are used if not set)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&originFlag, "origin", "", "Application origin URL (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory storage)")
	flag.StringVar(&redisURLFlag, "redis", "", "Redis URL, use redis storage (overrides db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := config.Load(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg)

	agentConfig, err := cfg.AgentConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	storage, err := cfg.Storage.NewStorage()
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("Could not open storage")
	}
	defer storage.Close()
	agentConfig.Storage = storage
	agentConfig.Logger = &log.Logger

	agent := offlineagent.CreateAgent(agentConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// requests are passed through until registration completes
	if err := agent.Register(ctx); err != nil {
		log.Warn().Err(err).Msg("Serving without offline support")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: newRouter(agent, log.Logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Serving %s on port %v (scope %s, storage %s)", cfg.Origin, portFlag, agent.Scope(), cfg.Storage.Driver)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		panic(err)
	}
}

// applyFlags overrides the loaded config with the flags that were set.
func applyFlags(cfg *config.Config) {
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if dbFilenameFlag == "memory" {
		cfg.Storage.Driver = config.DriverMemory
	} else if dbFilenameFlag != "" {
		cfg.Storage.Driver = config.DriverSQLite
		cfg.Storage.DB = dbFilenameFlag
	}
	if redisURLFlag != "" {
		cfg.Storage.Driver = config.DriverRedis
		cfg.Storage.RedisURL = redisURLFlag
	}
}

// newRouter mounts the agent at its scope, next to the operations endpoints.
func newRouter(agent *offlineagent.Agent, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request served")
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !agent.Controlling() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "not controlling")
			return
		}
		fmt.Fprintln(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/_agent/stores", func(w http.ResponseWriter, r *http.Request) {
		stores, err := agent.Stores(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not list stores")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stores)
	})

	r.Handle(strings.TrimSuffix(agent.Scope(), "/")+"/*", agent)
	return r
}
