// Command flowengine runs the Flow Engine's public HTTP API and its internal
// per-shard actor protocol side by side, following the flag-parsing and
// graceful-shutdown shape of the rest of this codebase's entrypoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flowengine/core/infrastructure/logging"
	"github.com/flowengine/core/infrastructure/metrics"
	"github.com/flowengine/core/infrastructure/middleware"
	"github.com/flowengine/core/infrastructure/ratelimit"
	"github.com/flowengine/core/internal/flow/events"
	"github.com/flowengine/core/internal/flow/executor"
	"github.com/flowengine/core/internal/flow/httpapi"
	"github.com/flowengine/core/internal/flow/registry"
	"github.com/flowengine/core/internal/flow/store"
	"github.com/flowengine/core/internal/flow/store/actorhttp"
	"github.com/flowengine/core/pkg/config"
	"github.com/flowengine/core/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "public HTTP listen address (defaults to config or :8080)")
	actorAddr := flag.String("actor-addr", ":8081", "internal actor-protocol listen address")
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		cfg, err = config.LoadFile(trimmed)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logging.New("flowengine", cfg.Logging.Level, cfg.Logging.Format)
	eventLog := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	st := store.New(store.Config{
		ShardCount:          cfg.Flow.ShardCount,
		DefaultTTL:          cfg.Flow.TTL(),
		IdempotencyCapacity: cfg.Flow.MaxProcessedRequestIDs,
	})
	reg := registry.New(nil)

	dispatcher := events.NewDispatcher(events.DispatcherConfig{
		Before: events.NewHookRegistry(),
		After:  events.NewHookRegistry(),
		Logger: eventLog,
	})
	ex := executor.New(reg, st).WithDispatcher(dispatcher)

	svcMetrics := metrics.New("flowengine")
	publicLimiter := ratelimit.New(ratelimit.DefaultConfig())

	publicHandler := wrapPublic(httpapi.NewHandler(ex), appLog, svcMetrics, publicLimiter)
	actorHandler := actorhttp.NewHandler(st, cfg.Auth.Tokens...)

	publicAddr := determineAddr(*addr, cfg)
	publicSrv := &http.Server{
		Addr:         publicAddr,
		Handler:      publicHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	actorSrv := &http.Server{
		Addr:         *actorAddr,
		Handler:      actorHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Errorf("public http server error: %v", err)
		}
	}()
	go func() {
		if err := actorSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Errorf("actor http server error: %v", err)
		}
	}()
	appLog.Infof("flow engine listening: public=%s actor=%s", publicAddr, *actorAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := publicSrv.Shutdown(shutdownCtx); err != nil {
		appLog.Errorf("public http shutdown: %v", err)
	}
	if err := actorSrv.Shutdown(shutdownCtx); err != nil {
		appLog.Errorf("actor http shutdown: %v", err)
	}
}

// wrapPublic applies a coarse process-wide flood guard, then CORS, then
// panic recovery, then metrics instrumentation around the Flow HTTP API.
// Order matters: the flood guard must see a request before anything else
// does any work, and metrics must wrap the innermost handler to time the
// actual request processing. This is a transport-level safety net,
// independent of the Executor's own per-session submit rate limit (spec
// §4.5), which guards the domain-level submit budget instead.
func wrapPublic(next http.Handler, log *logging.Logger, m *metrics.Metrics, limiter *ratelimit.RateLimiter) http.Handler {
	instrumented := middleware.MetricsMiddleware("flowengine", m)(next)
	recovery := middleware.NewRecoveryMiddleware(log)
	cors := middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: []string{"*"}})
	withFlood := floodGuard(limiter, cors.Handler(recovery.Handler(instrumented)))
	return withFlood
}

// floodGuard rejects requests once the process-wide token bucket is
// exhausted, ahead of any per-request work.
func floodGuard(limiter *ratelimit.RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	if cfg != nil {
		host := strings.TrimSpace(cfg.Server.Host)
		port := cfg.Server.Port
		if port != 0 {
			if host == "" {
				host = "0.0.0.0"
			}
			return fmt.Sprintf("%s:%d", host, port)
		}
	}
	return ":8080"
}
