package sttgrpc

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/v4ler11/gateway/internal/registry"
)

const serviceName = "/sttgrpc.ProtoTranscribe"

// Client wraps a gRPC connection to one STT upstream.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens a gRPC connection to target ("host:port").
func Dial(ctx context.Context, target string) (*Client, error) {
	conn, err := grpc.DialContext(ctx, target, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("dial stt upstream %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// TranscribeStream is an in-flight bidi transcribe call. The first SendAudio
// following stream creation must be preceded by a SendConfig.
type TranscribeStream struct {
	stream     grpc.ClientStream
	sentConfig bool
}

// Transcribe opens the bidi transcribe stream for one session (one STT
// producer in the realtime voice loop).
func (c *Client) Transcribe(ctx context.Context) (*TranscribeStream, error) {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    "Transcribe",
		ServerStreams: true,
		ClientStreams: true,
	}, serviceName+"/Transcribe")
	if err != nil {
		return nil, fmt.Errorf("open transcribe stream: %w", err)
	}
	return &TranscribeStream{stream: stream}, nil
}

// SendConfig sends the required first message selecting the model.
func (s *TranscribeStream) SendConfig(model string, sampleRate int32) error {
	err := s.stream.SendMsg(&TranscribePost{Config: &TranscribeStreamingConfig{Model: model, SampleRate: sampleRate}})
	if err == nil {
		s.sentConfig = true
	}
	return err
}

// SendAudio streams one raw PCM float32 LE chunk. SendConfig must have been
// called first.
func (s *TranscribeStream) SendAudio(pcm []byte) error {
	if !s.sentConfig {
		return fmt.Errorf("sttgrpc: SendConfig must precede SendAudio")
	}
	return s.stream.SendMsg(&TranscribePost{Audio: pcm})
}

// CloseSend signals no further audio will be sent.
func (s *TranscribeStream) CloseSend() error {
	return s.stream.CloseSend()
}

// Event is the decoded form of one server->client TranscribeResp: exactly
// one field is non-nil.
type Event struct {
	SpeechStart         *SpeechStart
	SpeechStop          *SpeechStop
	SpeechTranscription *SpeechTranscription
}

// Recv blocks for the next transcription event, respecting ctx's deadline.
func (s *TranscribeStream) Recv(ctx context.Context) (Event, error) {
	type result struct {
		resp *TranscribeResp
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		var resp TranscribeResp
		err := s.stream.RecvMsg(&resp)
		ch <- result{resp: &resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			if r.err == io.EOF {
				return Event{}, io.EOF
			}
			return Event{}, r.err
		}
		return Event{
			SpeechStart:         r.resp.SpeechStart,
			SpeechStop:          r.resp.SpeechStop,
			SpeechTranscription: r.resp.SpeechTranscription,
		}, nil
	}
}

// Ping satisfies registry.Pinger against an STT upstream.
func (c *Client) Ping(ctx context.Context, rec registry.Record) error {
	var resp PingResponse
	if err := c.conn.Invoke(ctx, serviceName+"/Ping", &PingRequest{}, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("stt ping status %q", resp.Status)
	}
	return nil
}
