package main

import (
	"os"
	"strconv"

	"github.com/v4ler11/gateway/internal/env"
)

type config struct {
	port          string
	modelsConfig  string
	ffmpegPath    string
	llmPoolSize   int
	llmMaxTokens  int
	traceSessions int
}

func loadConfig() config {
	return config{
		port:          env.Str("GATEWAY_PORT", "8000"),
		modelsConfig:  env.Str("MODELS_CONFIG", "models.yaml"),
		ffmpegPath:    env.Str("FFMPEG_PATH", "ffmpeg"),
		llmPoolSize:   envInt("LLM_POOL_SIZE", 100),
		llmMaxTokens:  envInt("LLM_MAX_TOKENS", 2048),
		traceSessions: envInt("TRACE_SESSIONS", 256),
	}
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
