package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RealtimeSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_realtime_sessions_active",
		Help: "Currently active realtime voice sessions",
	})

	RealtimeSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_realtime_sessions_total",
		Help: "Total realtime voice sessions served",
	})

	RealtimeTurns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_realtime_turns_total",
		Help: "Completed user turns across all realtime sessions",
	})

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_realtime_barge_ins_total",
		Help: "Assistant turns interrupted by new user speech",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	SynthBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_synth_batches_total",
		Help: "Sentence batches sent to TTS synthesis",
	})

	EncoderStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_encoder_starts_total",
		Help: "Codec subprocesses started (one per audio batch)",
	})

	AudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_audio_chunks_total",
		Help: "Audio chunks delivered to clients",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})
)
