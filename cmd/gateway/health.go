package main

import (
	"context"
	"time"

	"github.com/v4ler11/gateway/internal/registry"
	"github.com/v4ler11/gateway/internal/upstream/llmhttp"
	"github.com/v4ler11/gateway/internal/upstream/sttgrpc"
	"github.com/v4ler11/gateway/internal/upstream/ttsgrpc"
)

const (
	pingTimeout        = 3 * time.Second
	testRequestTimeout = 10 * time.Second
)

// upstreamProber routes health checks by model kind: HTTP for LLMs, a gRPC
// Ping for TTS and STT. It satisfies registry.Pinger and
// registry.RequestProber.
type upstreamProber struct {
	llm *llmhttp.Client
}

func (p *upstreamProber) Ping(ctx context.Context, rec registry.Record) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	switch rec.Kind {
	case registry.KindLLM:
		return p.llm.Ping(ctx, rec)
	case registry.KindTTS:
		client, err := ttsgrpc.Dial(ctx, rec.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		return client.Ping(ctx, rec)
	case registry.KindSTT:
		client, err := sttgrpc.Dial(ctx, rec.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		return client.Ping(ctx, rec)
	}
	return nil
}

func (p *upstreamProber) TestRequest(ctx context.Context, rec registry.Record) error {
	ctx, cancel := context.WithTimeout(ctx, testRequestTimeout)
	defer cancel()

	switch rec.Kind {
	case registry.KindLLM:
		return p.llm.TestRequest(ctx, rec)
	case registry.KindTTS:
		client, err := ttsgrpc.Dial(ctx, rec.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		return client.TestRequest(ctx, rec)
	case registry.KindSTT:
		// The STT upstream has no cheap one-shot request; a successful ping
		// is treated as request-capable.
		return p.Ping(ctx, rec)
	}
	return nil
}
