package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/v4ler11/gateway/internal/handlers"
	"github.com/v4ler11/gateway/internal/realtime"
	"github.com/v4ler11/gateway/internal/registry"
	"github.com/v4ler11/gateway/internal/trace"
	"github.com/v4ler11/gateway/internal/upstream/llmagent"
	"github.com/v4ler11/gateway/internal/upstream/llmhttp"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	reg, err := registry.LoadFile(cfg.modelsConfig)
	if err != nil {
		slog.Error("model config load failed", "path", cfg.modelsConfig, "error", err)
		os.Exit(1)
	}
	slog.Info("model registry loaded", "path", cfg.modelsConfig, "models", len(reg.List()))

	llmClient := llmhttp.New(cfg.llmPoolSize)
	agentEngine := llmagent.New(cfg.llmMaxTokens)
	traceStore := trace.NewStore(cfg.traceSessions)

	prober := &upstreamProber{llm: llmClient}
	health := registry.NewHealthWorker(reg, prober, prober)

	healthCtx, stopHealth := context.WithCancel(context.Background())
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		health.Run(healthCtx)
	}()

	api := handlers.New(handlers.Deps{
		Registry:   reg,
		LLM:        llmClient,
		FFmpegPath: cfg.ffmpegPath,
	})
	realtimeWS := realtime.NewHandler(realtime.Config{
		Registry:   reg,
		LLM:        realtime.NewAgentStreamer(agentEngine),
		FFmpegPath: cfg.ffmpegPath,
		Store:      traceStore,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		api:        api,
		realtimeWS: realtimeWS,
		traceStore: traceStore,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go awaitShutdown(srv, stopHealth, healthDone)

	slog.Info("gateway starting", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}

// awaitShutdown blocks until SIGINT/SIGTERM, then stops the health worker
// and drains in-flight requests.
func awaitShutdown(srv *http.Server, stopHealth context.CancelFunc, healthDone <-chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopHealth()
	<-healthDone

	srv.Shutdown(ctx)
}
