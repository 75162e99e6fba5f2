package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/v4ler11/gateway/internal/registry"
)

type modelEntry struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Status  registry.Snapshot `json:"status"`
}

// Models serves GET /v0/models: every configured model with its live
// health status.
func (h *Handlers) Models(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	out := make([]modelEntry, 0)
	for _, m := range h.deps.Registry.List() {
		out = append(out, modelEntry{
			ID:      m.Record.ResolveName,
			Object:  "model",
			Created: now,
			Status:  m.Status.Get(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type oaiModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type oaiModelList struct {
	Object string     `json:"object"`
	Data   []oaiModel `json:"data"`
}

// OAIModels serves GET /oai/v1/models: the running subset in OpenAI format.
func (h *Handlers) OAIModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	list := oaiModelList{Object: "list", Data: make([]oaiModel, 0)}
	for _, m := range h.deps.Registry.List() {
		if !m.Status.Get().Running {
			continue
		}
		list.Data = append(list.Data, oaiModel{
			ID:      m.Record.ResolveName,
			Object:  "model",
			Created: now,
			OwnedBy: "system",
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
