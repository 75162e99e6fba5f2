// Package llmagent drives conversational LLM turns for the realtime voice
// loop through the openai-agents-go SDK, pointed at an OpenAI-compatible
// upstream. Each turn streams token deltas; the stream satisfies
// chatsynth.TokenStream so it can feed the synthesis pipeline directly.
package llmagent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/v4ler11/gateway/internal/history"
	"github.com/v4ler11/gateway/internal/registry"
)

const tokenBuffer = 16

// Engine opens streaming chat turns against per-model upstream providers.
// Providers are cached per upstream URL; the SDK's client handles connection
// reuse underneath.
type Engine struct {
	maxTokens int

	mu        sync.Mutex
	providers map[string]agents.ModelProvider
}

// New creates an Engine. maxTokens caps each turn's completion length.
func New(maxTokens int) *Engine {
	return &Engine{maxTokens: maxTokens, providers: make(map[string]agents.ModelProvider)}
}

func (e *Engine) provider(rec registry.Record) agents.ModelProvider {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.providers[rec.URL]; ok {
		return p
	}
	p := agents.NewOpenAIProvider(agents.OpenAIProviderParams{
		BaseURL:      param.NewOpt(strings.TrimRight(rec.URL, "/") + "/v1/"),
		APIKey:       param.NewOpt("local"),
		UseResponses: param.NewOpt(false),
	})
	e.providers[rec.URL] = p
	return p
}

// StreamChat starts one streaming turn over the (already limited) message
// history. System messages become the agent's instructions; the rest are
// rendered into the turn input. The returned stream's Close cancels the
// in-flight run.
func (e *Engine) StreamChat(ctx context.Context, rec registry.Record, messages []history.Message) (*Stream, error) {
	instructions, input := splitMessages(messages)

	agent := agents.New("assistant").
		WithInstructions(instructions).
		WithModel(rec.Model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(e.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   e.provider(rec),
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	runCtx, cancel := context.WithCancel(ctx)
	events, errCh, err := runner.RunStreamedChan(runCtx, agent, input)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("llm stream start: %w", err)
	}

	s := &Stream{
		tokens: make(chan string, tokenBuffer),
		errCh:  errCh,
		cancel: cancel,
	}
	go func() {
		defer close(s.tokens)
		for ev := range events {
			raw, ok := ev.(agents.RawResponsesStreamEvent)
			if !ok || raw.Data.Type != "response.output_text.delta" {
				continue
			}
			select {
			case s.tokens <- raw.Data.Delta:
			case <-runCtx.Done():
				return
			}
		}
	}()
	return s, nil
}

// splitMessages folds system messages into the instruction string and
// renders the remaining conversation into a single turn input, newest user
// message last.
func splitMessages(messages []history.Message) (instructions, input string) {
	var sys []string
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case history.RoleSystem:
			sys = append(sys, m.Content)
		case history.RoleUser:
			fmt.Fprintf(&b, "User: %s\n", m.Content)
		case history.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n", m.Content)
		}
	}
	return strings.Join(sys, "\n\n"), strings.TrimRight(b.String(), "\n")
}

// Stream is one in-flight turn's token stream.
type Stream struct {
	tokens chan string
	errCh  <-chan error
	cancel context.CancelFunc

	finished bool
	err      error
}

// Next returns the next content delta, io.EOF on clean completion, or the
// run's error.
func (s *Stream) Next(ctx context.Context) (string, error) {
	if s.finished {
		return "", s.err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case tok, ok := <-s.tokens:
		if !ok {
			s.finished = true
			s.err = io.EOF
			select {
			case runErr := <-s.errCh:
				if runErr != nil {
					s.err = runErr
				}
			case <-ctx.Done():
			}
			return "", s.err
		}
		return tok, nil
	}
}

// Close cancels the in-flight run.
func (s *Stream) Close() error {
	s.cancel()
	return nil
}
