package controller

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-captions/controller"

type metrics struct {
	cycles          metric.Int64Counter
	commits         metric.Int64Counter
	decodeErrors    metric.Int64Counter
	inferenceErrors metric.Int64Counter
	duration        metric.Float64Histogram
	tpsGauge        metric.Float64ObservableGauge
	busyGauge       metric.Int64ObservableGauge

	tps  atomic.Uint64
	busy atomic.Bool
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &metrics{}
	var err error
	if m.cycles, err = meter.Int64Counter("captions.cycles", metric.WithDescription("Processing cycles that reached inference")); err != nil {
		return nil, err
	}
	if m.commits, err = meter.Int64Counter("captions.commits", metric.WithDescription("Segments committed to the archive")); err != nil {
		return nil, err
	}
	if m.decodeErrors, err = meter.Int64Counter("captions.decode_errors", metric.WithDescription("Cycles skipped because the chunk history did not decode")); err != nil {
		return nil, err
	}
	if m.inferenceErrors, err = meter.Int64Counter("captions.inference_errors", metric.WithDescription("Failed inference calls")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("captions.inference.duration", metric.WithUnit("ms"), metric.WithDescription("Inference latency per cycle")); err != nil {
		return nil, err
	}
	if m.tpsGauge, err = meter.Float64ObservableGauge("captions.tokens_per_second", metric.WithDescription("Most recent generation rate")); err != nil {
		return nil, err
	}
	if m.busyGauge, err = meter.Int64ObservableGauge("captions.busy", metric.WithDescription("1 while an inference call is in flight")); err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveFloat64(m.tpsGauge, m.tokensPerSecond())
		var busy int64
		if m.busy.Load() {
			busy = 1
		}
		obs.ObserveInt64(m.busyGauge, busy)
		return nil
	}, m.tpsGauge, m.busyGauge)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) setTokensPerSecond(v float64) {
	m.tps.Store(math.Float64bits(v))
}

func (m *metrics) tokensPerSecond() float64 {
	return math.Float64frombits(m.tps.Load())
}

func (m *metrics) observeInference(ctx context.Context, elapsed time.Duration) {
	m.cycles.Add(ctx, 1)
	m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond))
}
