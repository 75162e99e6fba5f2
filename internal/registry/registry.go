// Package registry holds the gateway's Model Reference table: YAML-loaded
// model records, the "+"-joined Resolved Model Set parser, and the
// per-model health worker with mutex-guarded status fields.
package registry

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/v4ler11/gateway/internal/apierr"
)

// Kind is the closed sum of model kinds the gateway fronts.
type Kind string

const (
	KindLLM Kind = "llm"
	KindTTS Kind = "tts"
	KindSTT Kind = "stt"
)

// Record is one Model Reference: everything that is immutable for the
// process lifetime once loaded from the YAML config.
type Record struct {
	ResolveName string  `yaml:"resolve_name"`
	Kind        Kind    `yaml:"kind"`
	Backend     string  `yaml:"backend"`
	Container   string  `yaml:"container"`
	Model       string  `yaml:"model"`
	URL         string  `yaml:"url"`
	ContextSize int     `yaml:"context_size"`
	Prompt      string  `yaml:"prompt"`
	Voice       string  `yaml:"voice"`
	Speed       float64 `yaml:"speed"`
	SampleRate  int     `yaml:"sample_rate"`
	Channels    int     `yaml:"channels"`
}

// Status holds the mutable, concurrently-accessed fields of a model: read by
// API handlers, mutated only by the HealthWorker. All access goes through
// the mutex.
type Status struct {
	mu        sync.Mutex
	PingOK    bool
	RequestOK bool
	Error     string
	Running   bool
}

// Snapshot is an immutable copy of Status safe to serialize.
type Snapshot struct {
	PingOK    bool   `json:"ping_ok"`
	RequestOK bool   `json:"request_ok"`
	Error     string `json:"error"`
	Running   bool   `json:"running"`
}

func (s *Status) Get() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{PingOK: s.PingOK, RequestOK: s.RequestOK, Error: s.Error, Running: s.Running}
}

func (s *Status) setPing(ok bool, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PingOK = ok
	if ok {
		s.Error = ""
		s.Running = true
	} else if errMsg != "" {
		s.Error = errMsg
		s.Running = false
	}
}

func (s *Status) setRequest(ok bool, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RequestOK = ok
	if !ok && errMsg != "" {
		s.Error = errMsg
	}
}

// Model pairs an immutable Record with its mutable Status.
type Model struct {
	Record Record
	Status *Status
}

// Registry is the process-wide, read-mostly map of resolve_name -> Model,
// initialized once at startup and never mutated after LoadFile returns
// (only each Model's Status changes afterward).
type Registry struct {
	models map[string]*Model
}

// configFile is the on-disk YAML shape.
type configFile struct {
	Models []Record `yaml:"models"`
}

// LoadFile reads and validates the YAML model registry file. Returns a
// fatal, non-zero-exit-worthy error for a missing file, invalid YAML, an
// unknown kind, or a record missing its upstream URL.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model config %s: %w", path, err)
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse model config %s: %w", path, err)
	}

	if len(cf.Models) == 0 {
		return nil, fmt.Errorf("model config %s: no models defined", path)
	}

	reg := &Registry{models: make(map[string]*Model, len(cf.Models))}
	for i, rec := range cf.Models {
		if err := validateRecord(rec); err != nil {
			return nil, fmt.Errorf("model config %s: record %d (%s): %w", path, i, rec.ResolveName, err)
		}
		reg.models[rec.ResolveName] = &Model{Record: rec, Status: &Status{}}
	}
	return reg, nil
}

func validateRecord(rec Record) error {
	if rec.ResolveName == "" {
		return fmt.Errorf("missing resolve_name")
	}
	switch rec.Kind {
	case KindLLM, KindTTS, KindSTT:
	default:
		return fmt.Errorf("invalid kind %q (want llm, tts, or stt)", rec.Kind)
	}
	if rec.URL == "" {
		return fmt.Errorf("missing upstream url")
	}
	return nil
}

// Get looks up a model by its resolve name.
func (r *Registry) Get(name string) (*Model, bool) {
	m, ok := r.models[name]
	return m, ok
}

// List returns every registered model, in no particular order.
func (r *Registry) List() []*Model {
	out := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	return out
}

// ResolvedSet is the triple obtained by parsing a "+"-joined model string;
// each slot holds at most one model of that kind.
type ResolvedSet struct {
	LLM *Model
	TTS *Model
	STT *Model
}

// Resolve parses "llm-name+tts-name+stt-name" (any subset, any order) into a
// ResolvedSet. Returns a *apierr.Error on an unknown name (model_not_found),
// a model that is not running (model_not_running), or an empty parameter or
// duplicate slot (validation_error). Callers are responsible for
// checking that the slots required by their endpoint/modalities are
// populated for the endpoint.
func Resolve(modelParam string, reg *Registry) (*ResolvedSet, error) {
	names := splitNonEmpty(modelParam, '+')
	if len(names) == 0 {
		return nil, apierr.New(apierr.ValidationError, "model parameter is required")
	}

	var set ResolvedSet
	for _, name := range names {
		m, ok := reg.Get(name)
		if !ok {
			return nil, apierr.New(apierr.ModelNotFound, fmt.Sprintf("model %q not found", name))
		}
		if !m.Status.Get().Running {
			return nil, apierr.New(apierr.ModelNotRunning, fmt.Sprintf("model %q is not running", name))
		}

		switch m.Record.Kind {
		case KindLLM:
			if set.LLM != nil {
				return nil, apierr.New(apierr.ValidationError, "only one LLM model is allowed")
			}
			set.LLM = m
		case KindTTS:
			if set.TTS != nil {
				return nil, apierr.New(apierr.ValidationError, "only one TTS model is allowed")
			}
			set.TTS = m
		case KindSTT:
			if set.STT != nil {
				return nil, apierr.New(apierr.ValidationError, "only one STT model is allowed")
			}
			set.STT = m
		}
	}
	return &set, nil
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	for _, part := range strings.Split(s, string(sep)) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
