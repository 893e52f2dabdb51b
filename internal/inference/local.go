package inference

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Local runs an Engine in process.
type Local struct {
	engine Engine
	opts   options
	loader *loader
	cancel context.CancelFunc
}

func NewLocal(engine Engine, opts ...Option) *Local {
	base, cancel := context.WithCancel(context.Background())
	return &Local{
		engine: engine,
		opts:   buildOptions(opts),
		loader: newLoader(base),
		cancel: cancel,
	}
}

func (g *Local) Load(ctx context.Context) error {
	err := g.loader.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		if err := g.engine.Load(ctx, g.opts.progress); err != nil {
			return err
		}
		g.opts.logger.Info("model loaded", slog.Duration("elapsed", time.Since(start)))
		return nil
	})
	return wrapError("load", err)
}

func (g *Local) Transcribe(ctx context.Context, samples []float32, language string, maxNewTokens int) (Result, error) {
	if err := g.Load(ctx); err != nil {
		return Result{}, err
	}
	ctx, span := tracer.Start(ctx, "inference.transcribe", trace.WithAttributes(
		attribute.String("inference.mode", "local"),
		attribute.String("language", language),
		attribute.Int("audio.samples", len(samples)),
	))
	defer span.End()

	meter := newTokenMeter(g.opts.tokenRate)
	text, err := g.engine.Generate(ctx, GenerateRequest{
		Audio:        samples,
		Language:     language,
		MaxNewTokens: coalesceInt(maxNewTokens, DefaultMaxNewTokens),
	}, meter.tick)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, wrapError("transcribe", err)
	}
	rate := meter.Rate()
	span.SetAttributes(attribute.Float64("inference.tokens_per_second", rate))
	return Result{Text: text, TokensPerSecond: rate}, nil
}

// Close aborts a load still running in the background.
func (g *Local) Close() error {
	g.cancel()
	if closer, ok := g.engine.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
