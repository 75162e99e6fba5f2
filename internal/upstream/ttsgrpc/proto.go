// Package ttsgrpc is the upstream TTS gRPC client: ProtoAudioStream's
// stream_audio and Ping RPCs. No .proto file is vendored to run protoc
// against, so the wire messages below are hand-authored in the legacy
// protoc-gen-go v1 shape (struct tags plus the three-method
// Reset/String/ProtoMessage interface); the protobuf runtime's legacy
// adapter marshals such messages via struct-tag reflection without
// generated ProtoReflect support.
package ttsgrpc

import "fmt"

// ProtoPost is the stream_audio request: model, text, voice, and speed.
type ProtoPost struct {
	Model string  `protobuf:"bytes,1,opt,name=model,proto3" json:"model,omitempty"`
	Text  string  `protobuf:"bytes,2,opt,name=text,proto3" json:"text,omitempty"`
	Voice string  `protobuf:"bytes,3,opt,name=voice,proto3" json:"voice,omitempty"`
	Speed float32 `protobuf:"fixed32,4,opt,name=speed,proto3" json:"speed,omitempty"`
}

func (m *ProtoPost) Reset()         { *m = ProtoPost{} }
func (m *ProtoPost) String() string { return fmt.Sprintf("%+v", *m) }
func (*ProtoPost) ProtoMessage()    {}

// ProtoResp is one streamed PCM chunk.
type ProtoResp struct {
	Data []byte `protobuf:"bytes,1,opt,name=data,proto3" json:"data,omitempty"`
}

func (m *ProtoResp) Reset()         { *m = ProtoResp{} }
func (m *ProtoResp) String() string { return fmt.Sprintf("ProtoResp{%d bytes}", len(m.Data)) }
func (*ProtoResp) ProtoMessage()    {}

// PingRequest carries no fields.
type PingRequest struct{}

func (m *PingRequest) Reset()         { *m = PingRequest{} }
func (m *PingRequest) String() string { return "PingRequest{}" }
func (*PingRequest) ProtoMessage()    {}

// PingResponse reports "ok" on a healthy upstream.
type PingResponse struct {
	Status string `protobuf:"bytes,1,opt,name=status,proto3" json:"status,omitempty"`
}

func (m *PingResponse) Reset()         { *m = PingResponse{} }
func (m *PingResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*PingResponse) ProtoMessage()    {}
