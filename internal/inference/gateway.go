package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"go.opentelemetry.io/otel"
)

// DefaultMaxNewTokens caps generation when a request does not say otherwise.
const DefaultMaxNewTokens = 64

var tracer = otel.Tracer("github.com/loqalabs/loqa-captions/inference")

// ErrTransportClosed is returned once the worker channel is gone.
var ErrTransportClosed = errors.New("inference transport closed")

// Result is the decoded text for one window.
type Result struct {
	Text            string
	TokensPerSecond float64
}

// Gateway submits audio windows to a recognizer. Callers keep at most one
// Transcribe outstanding; implementations must handle sequential reuse.
type Gateway interface {
	Load(ctx context.Context) error
	Transcribe(ctx context.Context, audio []float32, language string, maxNewTokens int) (Result, error)
	Close() error
}

// ProgressFunc receives model file loading telemetry.
type ProgressFunc func(protocol.FileProgress)

// GenerateRequest is one engine invocation.
type GenerateRequest struct {
	Audio        []float32
	Language     string
	MaxNewTokens int
}

// Engine is an in-process recognizer. Load is called until it succeeds once.
type Engine interface {
	Load(ctx context.Context, progress ProgressFunc) error
	Generate(ctx context.Context, req GenerateRequest, onToken func()) (string, error)
}

// InferenceError wraps a model load or generation failure.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *InferenceError
	if errors.As(err, &ie) {
		return err
	}
	return &InferenceError{Op: op, Err: err}
}

type options struct {
	progress    ProgressFunc
	tokenRate   func(float64)
	logger      *slog.Logger
	logRequests bool
	timeout     time.Duration
}

// Option configures a gateway.
type Option func(*options)

// WithProgress reports model loading progress.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// WithTokenRate reports the live tokens-per-second rate while generating.
func WithTokenRate(fn func(float64)) Option {
	return func(o *options) { o.tokenRate = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRequestLogging asks workers to log each request they handle.
func WithRequestLogging(enabled bool) Option {
	return func(o *options) { o.logRequests = enabled }
}

// WithTimeout bounds every remote round trip, including the model load that
// waiters share. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

func (o options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

func coalesceInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
