package handlers

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/v4ler11/gateway/internal/audio"
	"github.com/v4ler11/gateway/internal/chatsynth"
	"github.com/v4ler11/gateway/internal/registry"
)

const ttsRegistryYAML = `
models:
  - resolve_name: kokoro
    kind: tts
    model: kokoro-82m
    url: localhost:0
    context_size: 2000
    voice: af_heart
    speed: 1.0
    sample_rate: 24000
    channels: 1
`

// scriptSynth returns fixed byte chunks for any text.
type scriptSynth struct{ chunks [][]byte }

type scriptAudio struct {
	chunks [][]byte
	i      int
}

func (s scriptSynth) Synthesize(ctx context.Context, text string) (chatsynth.AudioStream, error) {
	return &scriptAudio{chunks: s.chunks}, nil
}

func (a *scriptAudio) Recv(ctx context.Context) ([]byte, error) {
	if a.i >= len(a.chunks) {
		return nil, io.EOF
	}
	c := a.chunks[a.i]
	a.i++
	return c, nil
}

func newSpeechHandlers(t *testing.T, synth chatsynth.Synthesizer) *Handlers {
	t.Helper()
	reg := newTestRegistry(t, ttsRegistryYAML)
	return New(Deps{
		Registry: reg,
		OpenTTS: func(ctx context.Context, rec registry.Record, voice string) (chatsynth.Synthesizer, func(), error) {
			return synth, func() {}, nil
		},
	})
}

func TestSpeechWAVHeader(t *testing.T) {
	h := newSpeechHandlers(t, scriptSynth{chunks: [][]byte{{0x00, 0x00, 0x00, 0x00}}})

	body := `{"model":"kokoro","text":"hi","response_format":"wav","stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/audio/speech", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Speech(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type %q, want audio/wav", ct)
	}

	got := rec.Body.Bytes()
	if len(got) != audio.StreamingWAVHeaderSize+4 {
		t.Fatalf("body length %d, want %d", len(got), audio.StreamingWAVHeaderSize+4)
	}
	h44 := got[:audio.StreamingWAVHeaderSize]
	if string(h44[0:4]) != "RIFF" || string(h44[8:16]) != "WAVEfmt " {
		t.Fatalf("bad header markers: %q", h44[:16])
	}
	if binary.LittleEndian.Uint16(h44[20:22]) != 3 || binary.LittleEndian.Uint16(h44[34:36]) != 32 {
		t.Fatal("header is not 32-bit float format")
	}
	if binary.LittleEndian.Uint32(h44[24:28]) != 24000 || binary.LittleEndian.Uint16(h44[22:24]) != 1 {
		t.Fatal("header sample rate/channels do not match the model record")
	}
	for i, b := range got[audio.StreamingWAVHeaderSize:] {
		if b != 0 {
			t.Fatalf("PCM byte %d altered: %#x", i, b)
		}
	}
}

func TestSpeechPCMIdentityNonStreaming(t *testing.T) {
	payload := [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}
	h := newSpeechHandlers(t, scriptSynth{chunks: payload})

	body := `{"model":"kokoro","input":"hi there","response_format":"pcm","stream":false}`
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/audio/speech", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Speech(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	want := append(append([]byte{}, payload[0]...), payload[1]...)
	if got := rec.Body.Bytes(); string(got) != string(want) {
		t.Fatalf("pcm body %v, want %v", got, want)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "speech.pcm") {
		t.Fatalf("missing attachment disposition, got %q", cd)
	}
}

func TestSpeechValidation(t *testing.T) {
	h := newSpeechHandlers(t, scriptSynth{})

	cases := []struct {
		name string
		body string
		code int
	}{
		{"empty text", `{"model":"kokoro","text":"  ","response_format":"pcm"}`, http.StatusUnprocessableEntity},
		{"bad format", `{"model":"kokoro","text":"hi","response_format":"flac"}`, http.StatusUnprocessableEntity},
		{"unknown model", `{"model":"nope","text":"hi","response_format":"pcm"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/oai/v1/audio/speech", strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		h.Speech(rec, req)
		if rec.Code != tc.code {
			t.Fatalf("%s: status %d, want %d (%s)", tc.name, rec.Code, tc.code, rec.Body.String())
		}
	}
}

func TestModelsEndpoints(t *testing.T) {
	reg := newTestRegistry(t, ttsRegistryYAML)
	h := New(Deps{Registry: reg})

	rec := httptest.NewRecorder()
	h.Models(rec, httptest.NewRequest(http.MethodGet, "/v0/models", nil))
	var entries []struct {
		ID     string `json:"id"`
		Object string `json:"object"`
		Status struct {
			PingOK  bool `json:"ping_ok"`
			Running bool `json:"running"`
		} `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("bad /v0/models body: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "kokoro" || entries[0].Object != "model" || !entries[0].Status.Running {
		t.Fatalf("unexpected /v0/models entries: %+v", entries)
	}

	rec = httptest.NewRecorder()
	h.OAIModels(rec, httptest.NewRequest(http.MethodGet, "/oai/v1/models", nil))
	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("bad /oai/v1/models body: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != "kokoro" {
		t.Fatalf("unexpected /oai/v1/models list: %+v", list)
	}
}
