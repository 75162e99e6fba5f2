package registry

import (
	"context"
	"log/slog"
	"time"
)

const (
	// pingIntervalFailing is how often a failing model is re-pinged.
	pingIntervalFailing = 5 * time.Second
	// pingIntervalHealthy is how often a healthy model is re-pinged.
	pingIntervalHealthy = 30 * time.Second
	// startupGrace is how long after process start a ping failure sets the
	// flag without writing a client-visible error string.
	startupGrace = 360 * time.Second
)

// Pinger performs a cheap liveness check against one model's upstream.
type Pinger interface {
	Ping(ctx context.Context, rec Record) error
}

// RequestProber performs a full test request against one model's upstream,
// run once after the first successful ping.
type RequestProber interface {
	TestRequest(ctx context.Context, rec Record) error
}

// HealthWorker polls every model in a Registry: a ping task on the interval
// rules above, and a one-shot request task fired on first ping success.
type HealthWorker struct {
	reg     *Registry
	pinger  Pinger
	prober  RequestProber
	started time.Time
}

// NewHealthWorker creates a worker. pinger and prober may be nil-safe
// implementations that route by rec.Kind to the right upstream transport
// (HTTP for LLM, gRPC Ping for TTS/STT).
func NewHealthWorker(reg *Registry, pinger Pinger, prober RequestProber) *HealthWorker {
	return &HealthWorker{reg: reg, pinger: pinger, prober: prober, started: time.Now()}
}

// Run starts one goroutine per model and blocks until ctx is cancelled.
func (w *HealthWorker) Run(ctx context.Context) {
	var done []chan struct{}
	for _, m := range w.reg.List() {
		ch := make(chan struct{})
		done = append(done, ch)
		go func(m *Model) {
			defer close(ch)
			w.runModel(ctx, m)
		}(m)
	}
	<-ctx.Done()
	for _, ch := range done {
		<-ch
	}
}

func (w *HealthWorker) runModel(ctx context.Context, m *Model) {
	requestProbed := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := w.pinger.Ping(ctx, m.Record)
		inGrace := time.Since(w.started) < startupGrace

		if err != nil {
			errMsg := err.Error()
			if inGrace {
				errMsg = ""
			}
			m.Status.setPing(false, errMsg)
			slog.Warn("model ping failed", "model", m.Record.ResolveName, "error", err, "startup_grace", inGrace)
			w.sleep(ctx, pingIntervalFailing)
			continue
		}

		m.Status.setPing(true, "")

		if !requestProbed && w.prober != nil {
			requestProbed = true
			if rerr := w.prober.TestRequest(ctx, m.Record); rerr != nil {
				errMsg := rerr.Error()
				if time.Since(w.started) < startupGrace {
					errMsg = ""
				}
				m.Status.setRequest(false, errMsg)
				slog.Warn("model request probe failed", "model", m.Record.ResolveName, "error", rerr)
			} else {
				m.Status.setRequest(true, "")
			}
		}

		w.sleep(ctx, pingIntervalHealthy)
	}
}

func (w *HealthWorker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
