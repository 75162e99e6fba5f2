// Package sttgrpc is the upstream STT gRPC client: ProtoTranscribe's
// bidi-streaming transcribe RPC and its Ping RPC. As with ttsgrpc, no
// .proto source is vendored here, so messages are hand-authored in the
// legacy protoc-gen-go v1 shape.
package sttgrpc

import "fmt"

// TranscribeStreamingConfig must be the first message sent on a transcribe
// stream, selecting the model to run.
type TranscribeStreamingConfig struct {
	Model      string `protobuf:"bytes,1,opt,name=model,proto3" json:"model,omitempty"`
	SampleRate int32  `protobuf:"varint,2,opt,name=sample_rate,proto3" json:"sample_rate,omitempty"`
}

func (m *TranscribeStreamingConfig) Reset()         { *m = TranscribeStreamingConfig{} }
func (m *TranscribeStreamingConfig) String() string { return fmt.Sprintf("%+v", *m) }
func (*TranscribeStreamingConfig) ProtoMessage()    {}

// TranscribePost is one message on the client->server half of the
// transcribe stream: the first carries Config, every later one carries raw
// PCM Audio.
type TranscribePost struct {
	Config *TranscribeStreamingConfig `protobuf:"bytes,1,opt,name=config,proto3" json:"config,omitempty"`
	Audio  []byte                     `protobuf:"bytes,2,opt,name=audio,proto3" json:"audio,omitempty"`
}

func (m *TranscribePost) Reset()         { *m = TranscribePost{} }
func (m *TranscribePost) String() string { return fmt.Sprintf("%+v", *m) }
func (*TranscribePost) ProtoMessage()    {}

// SpeechStart marks detected speech onset.
type SpeechStart struct {
	Timestamp float64 `protobuf:"fixed64,1,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
}

func (m *SpeechStart) Reset()         { *m = SpeechStart{} }
func (m *SpeechStart) String() string { return fmt.Sprintf("%+v", *m) }
func (*SpeechStart) ProtoMessage()    {}

// SpeechStop marks detected speech end.
type SpeechStop struct {
	Timestamp float64 `protobuf:"fixed64,1,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
}

func (m *SpeechStop) Reset()         { *m = SpeechStop{} }
func (m *SpeechStop) String() string { return fmt.Sprintf("%+v", *m) }
func (*SpeechStop) ProtoMessage()    {}

// SpeechTranscription carries one transcribed segment's text.
type SpeechTranscription struct {
	Text      string  `protobuf:"bytes,1,opt,name=text,proto3" json:"text,omitempty"`
	Timestamp float64 `protobuf:"fixed64,2,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
}

func (m *SpeechTranscription) Reset()         { *m = SpeechTranscription{} }
func (m *SpeechTranscription) String() string { return fmt.Sprintf("%+v", *m) }
func (*SpeechTranscription) ProtoMessage()    {}

// TranscribeResp is the server->client message: exactly one of the three
// event fields is populated, mirroring the upstream's oneof.
type TranscribeResp struct {
	SpeechStart         *SpeechStart         `protobuf:"bytes,1,opt,name=speech_start,proto3" json:"speech_start,omitempty"`
	SpeechStop          *SpeechStop          `protobuf:"bytes,2,opt,name=speech_stop,proto3" json:"speech_stop,omitempty"`
	SpeechTranscription *SpeechTranscription `protobuf:"bytes,3,opt,name=speech_transcription,proto3" json:"speech_transcription,omitempty"`
}

func (m *TranscribeResp) Reset()         { *m = TranscribeResp{} }
func (m *TranscribeResp) String() string { return fmt.Sprintf("%+v", *m) }
func (*TranscribeResp) ProtoMessage()    {}

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
