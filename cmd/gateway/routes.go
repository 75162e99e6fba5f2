package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/v4ler11/gateway/internal/handlers"
	"github.com/v4ler11/gateway/internal/realtime"
	"github.com/v4ler11/gateway/internal/trace"
)

const defaultTraceSessionLimit = 50

type deps struct {
	api        *handlers.Handlers
	realtimeWS *realtime.Handler
	traceStore *trace.Store
}

func registerRoutes(mux *http.ServeMux, d deps) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v0/models", d.api.Models)
	mux.HandleFunc("GET /oai/v1/models", d.api.OAIModels)
	mux.HandleFunc("POST /oai/v1/chat/completions", d.api.ChatCompletions)
	mux.HandleFunc("POST /oai/v1/audio/speech", d.api.Speech)
	mux.HandleFunc("POST /oai/v1/audio/transcriptions", d.api.Transcriptions)
	mux.Handle("GET /oai/v1/realtime", d.realtimeWS)

	registerTraceRoutes(mux, d.traceStore)
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /v0/traces", func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", defaultTraceSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /v0/traces/{id}", func(w http.ResponseWriter, r *http.Request) {
		sess, turns, err := store.GetSession(r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"session": sess, "turns": turns})
	})

	mux.HandleFunc("GET /v0/traces/{id}/turns/{ref}", func(w http.ResponseWriter, r *http.Request) {
		turn, spans, err := store.GetTurn(r.PathValue("id"), r.PathValue("ref"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"turn": turn, "spans": spans})
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
