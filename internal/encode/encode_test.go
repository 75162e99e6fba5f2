package encode

import (
	"bytes"
	"context"
	"encoding/binary"
	"os/exec"
	"testing"
	"time"

	"github.com/v4ler11/gateway/internal/audio"
	"github.com/v4ler11/gateway/internal/chatsynth"
)

func feed(items []chatsynth.Item) <-chan chatsynth.Item {
	ch := make(chan chatsynth.Item, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch
}

func drain(t *testing.T, out <-chan chatsynth.Item) []chatsynth.Item {
	t.Helper()
	var items []chatsynth.Item
	timeout := time.After(10 * time.Second)
	for {
		select {
		case it, ok := <-out:
			if !ok {
				return items
			}
			items = append(items, it)
		case <-timeout:
			t.Fatalf("encode pipeline did not terminate; got %d items", len(items))
		}
	}
}

func pcm(n int) []byte {
	samples := make([]float32, n/4)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.FloatsToPCM(samples)
}

func TestPCMPassthroughIdentity(t *testing.T) {
	a1, a2 := pcm(1024), pcm(2048)
	in := []chatsynth.Item{
		chatsynth.TextItem("A"),
		chatsynth.AudioItem(a1),
		chatsynth.TextItem("B"),
		chatsynth.AudioItem(a2),
	}

	out := drain(t, Run(context.Background(), feed(in), Config{Format: FormatPCM, SampleRate: 24000, Channels: 1}))

	var gotAudio, wantAudio []byte
	var texts []string
	for _, it := range out {
		if it.IsAudio() {
			gotAudio = append(gotAudio, it.Audio...)
		} else {
			texts = append(texts, it.Text)
		}
	}
	wantAudio = append(wantAudio, a1...)
	wantAudio = append(wantAudio, a2...)

	if !bytes.Equal(gotAudio, wantAudio) {
		t.Fatalf("pcm passthrough is not an identity: got %d bytes, want %d", len(gotAudio), len(wantAudio))
	}
	if len(texts) != 2 || texts[0] != "A" || texts[1] != "B" {
		t.Fatalf("text markers mangled: %v", texts)
	}
}

func TestWAVHeaderPrefix(t *testing.T) {
	payload := []byte{0x00, 0x00, 0x00, 0x00}
	in := []chatsynth.Item{chatsynth.AudioItem(payload)}

	out := drain(t, Run(context.Background(), feed(in), Config{Format: FormatWAV, SampleRate: 24000, Channels: 1}))

	var body []byte
	for _, it := range out {
		body = append(body, it.Audio...)
	}
	if len(body) != audio.StreamingWAVHeaderSize+len(payload) {
		t.Fatalf("expected header + payload (%d bytes), got %d", audio.StreamingWAVHeaderSize+len(payload), len(body))
	}

	h := body[:audio.StreamingWAVHeaderSize]
	if string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" || string(h[12:16]) != "fmt " {
		t.Fatalf("bad chunk markers in header: %q", h[:16])
	}
	if binary.LittleEndian.Uint32(h[4:8]) != 0xFFFFFFFF || binary.LittleEndian.Uint32(h[40:44]) != 0xFFFFFFFF {
		t.Fatal("streaming header must use 0xFFFFFFFF size placeholders")
	}
	if binary.LittleEndian.Uint16(h[20:22]) != 3 {
		t.Fatal("format tag must be 3 (IEEE float)")
	}
	if binary.LittleEndian.Uint16(h[22:24]) != 1 {
		t.Fatal("channel count mismatch")
	}
	if binary.LittleEndian.Uint32(h[24:28]) != 24000 {
		t.Fatal("sample rate mismatch")
	}
	if binary.LittleEndian.Uint32(h[28:32]) != 24000*1*4 {
		t.Fatal("byte rate mismatch")
	}
	if binary.LittleEndian.Uint16(h[34:36]) != 32 {
		t.Fatal("bits per sample must be 32")
	}
	if !bytes.Equal(body[audio.StreamingWAVHeaderSize:], payload) {
		t.Fatal("PCM payload was not passed through after the header")
	}
}

func TestWAVHeaderOnlyOnce(t *testing.T) {
	in := []chatsynth.Item{
		chatsynth.TextItem("A"),
		chatsynth.AudioItem(pcm(64)),
		chatsynth.TextItem("B"),
		chatsynth.AudioItem(pcm(64)),
	}

	out := drain(t, Run(context.Background(), feed(in), Config{Format: FormatWAV, SampleRate: 24000, Channels: 1}))

	headers := 0
	for _, it := range out {
		if it.IsAudio() && len(it.Audio) >= 4 && string(it.Audio[0:4]) == "RIFF" {
			headers++
		}
	}
	if headers != 1 {
		t.Fatalf("expected exactly one WAV header, got %d", headers)
	}
}

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
}

func TestMP3RestartAcrossTextMarkers(t *testing.T) {
	requireFFmpeg(t)

	in := []chatsynth.Item{
		chatsynth.TextItem("A"),
		chatsynth.AudioItem(pcm(48000)),
		chatsynth.TextItem("B"),
		chatsynth.AudioItem(pcm(48000)),
	}

	out := drain(t, Run(context.Background(), feed(in), Config{Format: FormatMP3, SampleRate: 24000, Channels: 1}))

	// Expect: Text("A"), audio+, Text("B"), audio+. Every encoded byte for
	// batch A must precede Text("B").
	var order []string
	audioRuns := map[string]int{}
	current := ""
	for _, it := range out {
		if it.IsAudio() {
			if current == "" {
				t.Fatal("encoded audio before the first text marker")
			}
			audioRuns[current] += len(it.Audio)
			continue
		}
		current = it.Text
		order = append(order, it.Text)
	}
	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Fatalf("text markers out of order: %v", order)
	}
	if audioRuns["A"] == 0 || audioRuns["B"] == 0 {
		t.Fatalf("expected encoded audio for both batches, got %v", audioRuns)
	}
}

func TestTranscodeCancellationReleasesProcess(t *testing.T) {
	requireFFmpeg(t)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan chatsynth.Item)
	out := Run(ctx, in, Config{Format: FormatMP3, SampleRate: 24000, Channels: 1})

	in <- chatsynth.TextItem("A")
	<-out // text marker passes through
	in <- chatsynth.AudioItem(pcm(4096))

	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("encode pipeline did not shut down after cancellation")
		}
	}
}
