package ttsgrpc

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/v4ler11/gateway/internal/chatsynth"
	"github.com/v4ler11/gateway/internal/registry"
)

const serviceName = "/ttsgrpc.ProtoAudioStream"

// Client wraps a gRPC connection to one TTS upstream. No generated
// *_grpc.pb.go stub exists for this service, so RPCs are invoked directly
// against the channel by method name.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens a gRPC connection to target ("host:port").
func Dial(ctx context.Context, target string) (*Client, error) {
	conn, err := grpc.DialContext(ctx, target, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("dial tts upstream %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// AudioStream is an in-flight stream_audio server-streaming call.
type AudioStream struct {
	stream grpc.ClientStream
}

// StreamAudio opens stream_audio for one Synth Batch's text, returning a
// server stream of raw PCM chunks feeding the encode pipeline.
func (c *Client) StreamAudio(ctx context.Context, model, text, voice string, speed float32) (*AudioStream, error) {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    "StreamAudio",
		ServerStreams: true,
	}, serviceName+"/StreamAudio")
	if err != nil {
		return nil, fmt.Errorf("open stream_audio: %w", err)
	}
	req := &ProtoPost{Model: model, Text: text, Voice: voice, Speed: speed}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("send stream_audio request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close stream_audio send: %w", err)
	}
	return &AudioStream{stream: stream}, nil
}

// Recv blocks for the next PCM chunk, respecting ctx's per-chunk deadline.
// Returns io.EOF once the upstream closes the stream.
func (s *AudioStream) Recv(ctx context.Context) ([]byte, error) {
	type result struct {
		resp *ProtoResp
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		var resp ProtoResp
		err := s.stream.RecvMsg(&resp)
		ch <- result{resp: &resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			if r.err == io.EOF {
				return nil, io.EOF
			}
			return nil, r.err
		}
		return r.resp.Data, nil
	}
}

// Ping satisfies registry.Pinger against a TTS upstream.
func (c *Client) Ping(ctx context.Context, rec registry.Record) error {
	var resp PingResponse
	if err := c.conn.Invoke(ctx, serviceName+"/Ping", &PingRequest{}, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("tts ping status %q", resp.Status)
	}
	return nil
}

// TestRequest synthesizes a short fixed phrase and drains one chunk,
// satisfying registry.RequestProber.
func (c *Client) TestRequest(ctx context.Context, rec registry.Record) error {
	stream, err := c.StreamAudio(ctx, rec.Model, "ok", rec.Voice, float32(rec.Speed))
	if err != nil {
		return err
	}
	_, err = stream.Recv(ctx)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Synthesizer binds a Client to one model's voice settings so each synth
// batch maps to one StreamAudio call. It satisfies chatsynth.Synthesizer.
type Synthesizer struct {
	Client *Client
	Model  string
	Voice  string
	Speed  float32
}

// Synthesize opens a stream_audio call for one batch of text.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (chatsynth.AudioStream, error) {
	return s.Client.StreamAudio(ctx, s.Model, text, s.Voice, s.Speed)
}
