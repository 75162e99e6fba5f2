// Package llmhttp is the upstream LLM SSE client: an OpenAI-compatible
// POST /v1/chat/completions consumer that decodes "data: {...}\n\n" frames
// terminated by "data: [DONE]" into chat.completion.chunk deltas.
package llmhttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/v4ler11/gateway/internal/history"
	"github.com/v4ler11/gateway/internal/metrics"
	"github.com/v4ler11/gateway/internal/registry"
)

// Client issues chat-completions requests against one or more OpenAI-
// compatible upstream LLM servers, sharing a single pooled transport.
type Client struct {
	httpClient *http.Client
}

// New creates a Client with a pooled transport (connection limit, idle
// timeout, and total request timeout shared by every upstream call).
func New(poolSize int) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxConnsPerHost:       poolSize,
				MaxIdleConns:          poolSize,
				MaxIdleConnsPerHost:   poolSize,
				IdleConnTimeout:       300 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
	}
}

// ChatRequest is the wire request body for an OpenAI-compatible chat
// completions call.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []WireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
}

// WireMessage is one chat message in upstream wire shape.
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToWireMessages converts the gateway's internal Message type to the wire
// shape expected by the upstream chat-completions API.
func ToWireMessages(messages []history.Message) []WireMessage {
	out := make([]WireMessage, len(messages))
	for i, m := range messages {
		out[i] = WireMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

// Delta is one streamed chat.completion.chunk's choices[0].delta.
type Delta struct {
	Content          string
	Role             string
	ReasoningContent string
	FinishReason     string
}

// StatusError carries the upstream's verbatim HTTP status, used by callers
// to proxy an inference error's status unchanged.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm upstream status %d: %s", e.Status, e.Body)
}

type sseEvent struct {
	data []byte
	err  error
}

// Stream reads chunk payloads from an in-flight chat-completions response.
// A single reader goroutine owns the response body; NextRaw/Next apply the
// caller's per-chunk deadline via ctx.
type Stream struct {
	resp      *http.Response
	events    chan sseEvent
	done      chan struct{}
	closeOnce sync.Once
}

// ChatCompletions opens a streaming chat-completions request against url
// (the model's wire path, e.g. "http://host/v1/chat/completions").
func (c *Client) ChatCompletions(ctx context.Context, url string, req ChatRequest) (*Stream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := c.post(ctx, url, body)
	if err != nil {
		return nil, err
	}

	s := &Stream{resp: resp, events: make(chan sseEvent, 1), done: make(chan struct{})}
	go s.scan()
	return s, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Status: resp.StatusCode, Body: string(errBody)}
	}
	return resp, nil
}

// scan owns the response body: it parses SSE framing and pushes each data
// payload into the event channel until "[DONE]" or body close.
func (s *Stream) scan() {
	defer close(s.events)
	scanner := bufio.NewScanner(s.resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}
		select {
		case s.events <- sseEvent{data: []byte(data)}:
		case <-s.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case s.events <- sseEvent{err: err}:
		case <-s.done:
		}
	}
}

// NextRaw blocks for the next chunk's raw JSON payload, respecting ctx's
// deadline (callers apply the per-chunk read timeout via ctx). Returns
// io.EOF when the stream ends cleanly.
func (s *Stream) NextRaw(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		if ev.err != nil {
			return nil, ev.err
		}
		return ev.data, nil
	}
}

// Next blocks for the next decoded chunk delta. Malformed or choice-less
// payloads are skipped.
func (s *Stream) Next(ctx context.Context) (Delta, error) {
	for {
		data, err := s.NextRaw(ctx)
		if err != nil {
			return Delta{}, err
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content          string `json:"content"`
					Role             string `json:"role"`
					ReasoningContent string `json:"reasoning_content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		ch := chunk.Choices[0]
		return Delta{
			Content:          ch.Delta.Content,
			Role:             ch.Delta.Role,
			ReasoningContent: ch.Delta.ReasoningContent,
			FinishReason:     ch.FinishReason,
		}, nil
	}
}

// Close releases the upstream HTTP connection, unblocking the reader.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.resp.Body.Close()
}

// Content adapts the stream to content-only iteration for the synthesis
// pipeline (chatsynth.TokenStream).
func (s *Stream) Content() *ContentStream {
	return &ContentStream{s: s}
}

// ContentStream yields only each delta's content fragment.
type ContentStream struct {
	s *Stream
}

func (c *ContentStream) Next(ctx context.Context) (string, error) {
	d, err := c.s.Next(ctx)
	if err != nil {
		return "", err
	}
	return d.Content, nil
}

func (c *ContentStream) Close() error {
	return c.s.Close()
}

// Complete proxies a non-streaming chat-completions request verbatim,
// returning the upstream's status and raw response body.
func (c *Client) Complete(ctx context.Context, url string, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		return 0, nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read chat response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// ChatURL joins a model record's base URL with its chat-completions wire
// path.
func ChatURL(rec registry.Record) string {
	return strings.TrimRight(rec.URL, "/") + "/v1/chat/completions"
}

// Ping performs a cheap liveness check against an LLM upstream's health
// endpoint, satisfying registry.Pinger.
func (c *Client) Ping(ctx context.Context, rec registry.Record) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(rec.URL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping status %d", resp.StatusCode)
	}
	return nil
}

// TestRequest issues a minimal one-token chat completion against rec,
// satisfying registry.RequestProber. Run once after the first successful
// ping.
func (c *Client) TestRequest(ctx context.Context, rec registry.Record) error {
	stream, err := c.ChatCompletions(ctx, ChatURL(rec), ChatRequest{
		Model:     rec.Model,
		Messages:  []WireMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	defer stream.Close()
	_, err = stream.Next(ctx)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}
