package handlers

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/v4ler11/gateway/internal/chatsynth"
	"github.com/v4ler11/gateway/internal/registry"
	"github.com/v4ler11/gateway/internal/upstream/llmhttp"
)

// newTestRegistry loads a registry from YAML and marks every model running.
func newTestRegistry(t *testing.T, yaml string) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.LoadFile(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	for _, m := range reg.List() {
		m.Status.Running = true
		m.Status.PingOK = true
	}
	return reg
}

// mockLLMServer streams the given contents as chat.completion.chunk SSE
// events, then a finish chunk and [DONE].
func mockLLMServer(t *testing.T, contents []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, c := range contents {
			payload, _ := json.Marshal(map[string]any{
				"id":      "chatcmpl-up",
				"object":  "chat.completion.chunk",
				"model":   "upstream-internal-name",
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": c}, "finish_reason": nil}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			f.Flush()
		}
		payload, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-up",
			"object":  "chat.completion.chunk",
			"model":   "upstream-internal-name",
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"}},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		fmt.Fprint(w, "data: [DONE]\n\n")
		f.Flush()
	}))
}

type sseChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Audio   *struct {
				ID         string `json:"id"`
				Data       string `json:"data"`
				Transcript string `json:"transcript"`
			} `json:"audio"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func readSSE(t *testing.T, body io.Reader) []sseChunk {
	t.Helper()
	var chunks []sseChunk
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var c sseChunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			t.Fatalf("bad SSE chunk %q: %v", data, err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func TestChatCompletionsTextOnlyStream(t *testing.T) {
	upstream := mockLLMServer(t, []string{"Hel", "lo"})
	defer upstream.Close()

	reg := newTestRegistry(t, fmt.Sprintf(`
models:
  - resolve_name: gpt-oss-20b
    kind: llm
    model: upstream-internal-name
    url: %s
    context_size: 8192
`, upstream.URL))

	h := New(Deps{Registry: reg, LLM: llmhttp.New(4)})

	body := `{"model":"gpt-oss-20b","stream":true,"messages":[{"role":"user","content":"Hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	chunks := readSSE(t, rec.Body)
	var contents []string
	sawStop := false
	for _, c := range chunks {
		if len(c.Choices) == 0 {
			continue
		}
		if c.Model != "gpt-oss-20b" {
			t.Fatalf("model not rewritten to resolve name: %q", c.Model)
		}
		if c.Choices[0].Delta.Audio != nil {
			t.Fatal("text-only request produced audio fields")
		}
		if c.Choices[0].Delta.Content != "" {
			contents = append(contents, c.Choices[0].Delta.Content)
		}
		if fr := c.Choices[0].FinishReason; fr != nil && *fr == "stop" {
			sawStop = true
		}
	}
	if len(contents) != 2 || contents[0] != "Hel" || contents[1] != "lo" {
		t.Fatalf("expected contents [Hel lo], got %v", contents)
	}
	if !sawStop {
		t.Fatal("missing finish_reason=stop chunk")
	}
}

// fixedSynth returns one PCM chunk of n bytes per synthesis request.
type fixedSynth struct{ n int }

type fixedAudio struct {
	n    int
	sent bool
}

func (s fixedSynth) Synthesize(ctx context.Context, text string) (chatsynth.AudioStream, error) {
	return &fixedAudio{n: s.n}, nil
}

func (a *fixedAudio) Recv(ctx context.Context) ([]byte, error) {
	if a.sent {
		return nil, io.EOF
	}
	a.sent = true
	return make([]byte, a.n), nil
}

func TestChatCompletionsTextPlusAudio(t *testing.T) {
	upstream := mockLLMServer(t, []string{"Hello. "})
	defer upstream.Close()

	reg := newTestRegistry(t, fmt.Sprintf(`
models:
  - resolve_name: gpt-oss-20b
    kind: llm
    model: upstream-internal-name
    url: %s
    context_size: 8192
  - resolve_name: kokoro
    kind: tts
    model: kokoro-82m
    url: localhost:0
    context_size: 2000
    voice: af_heart
    speed: 1.0
    sample_rate: 24000
    channels: 1
`, upstream.URL))

	h := New(Deps{
		Registry: reg,
		LLM:      llmhttp.New(4),
		OpenTTS: func(ctx context.Context, rec registry.Record, voice string) (chatsynth.Synthesizer, func(), error) {
			return fixedSynth{n: 48000}, func() {}, nil
		},
	})

	body := `{"model":"gpt-oss-20b+kokoro","stream":true,"modalities":["text","audio"],"audio":{"format":"pcm"},"messages":[{"role":"user","content":"Say one word"}]}`
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	chunks := readSSE(t, rec.Body)
	idRe := regexp.MustCompile(`^audio_[0-9a-f]{24}$`)

	var sawTranscript, sawData, sawStop bool
	for _, c := range chunks {
		if len(c.Choices) == 0 {
			continue
		}
		ch := c.Choices[0]
		if ch.FinishReason != nil && *ch.FinishReason == "stop" {
			sawStop = true
			continue
		}
		a := ch.Delta.Audio
		if a == nil {
			continue
		}
		if a.Transcript != "" {
			if a.Transcript != "Hello." {
				t.Fatalf("transcript %q, want %q", a.Transcript, "Hello.")
			}
			if !idRe.MatchString(a.ID) {
				t.Fatalf("first chunk id %q does not match audio_<24 hex>", a.ID)
			}
			sawTranscript = true
		}
		if a.Data != "" {
			decoded, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				t.Fatalf("audio data is not base64: %v", err)
			}
			if len(decoded) != 48000 {
				t.Fatalf("audio payload %d bytes, want 48000", len(decoded))
			}
			sawData = true
		}
	}
	if !sawTranscript || !sawData || !sawStop {
		t.Fatalf("missing chunks: transcript=%v data=%v stop=%v", sawTranscript, sawData, sawStop)
	}
}

func TestChatCompletionsAudioRequiresStreaming(t *testing.T) {
	reg := newTestRegistry(t, `
models:
  - resolve_name: llm-a
    kind: llm
    model: m
    url: http://localhost:1
    context_size: 8192
  - resolve_name: tts-a
    kind: tts
    model: m
    url: localhost:1
    context_size: 2000
`)
	h := New(Deps{Registry: reg, LLM: llmhttp.New(1)})

	body := `{"model":"llm-a+tts-a","stream":false,"modalities":["audio"],"messages":[{"role":"user","content":"x"}]}`
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	var e struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Error.Type != "validation_error" {
		t.Fatalf("expected validation_error body, got %s", rec.Body.String())
	}
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	reg := newTestRegistry(t, `
models:
  - resolve_name: llm-a
    kind: llm
    model: m
    url: http://localhost:1
    context_size: 8192
`)
	h := New(Deps{Registry: reg, LLM: llmhttp.New(1)})

	body := `{"model":"nope","stream":true,"messages":[{"role":"user","content":"x"}]}`
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
