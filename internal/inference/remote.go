package inference

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transport carries protocol messages to and from a worker. Responses is
// closed when the channel to the worker is gone.
type Transport interface {
	Send(ctx context.Context, req protocol.Request) error
	Responses() <-chan protocol.Response
	Close() error
}

type call struct {
	responses chan protocol.Response
	done      chan struct{}
}

// Remote talks to an out-of-process worker. Every request carries a fresh
// id and responses are routed back by id; responses for unknown ids are
// dropped.
type Remote struct {
	transport Transport
	opts      options
	loader    *loader
	cancel    context.CancelFunc

	mu      sync.Mutex
	pending map[string]*call
	closed  bool

	dispatched chan struct{}
}

func NewRemote(transport Transport, opts ...Option) *Remote {
	base, cancel := context.WithCancel(context.Background())
	r := &Remote{
		transport:  transport,
		opts:       buildOptions(opts),
		loader:     newLoader(base),
		cancel:     cancel,
		pending:    make(map[string]*call),
		dispatched: make(chan struct{}),
	}
	go r.dispatch()
	return r
}

func (r *Remote) dispatch() {
	defer close(r.dispatched)
	for resp := range r.transport.Responses() {
		r.mu.Lock()
		c, ok := r.pending[resp.ID]
		r.mu.Unlock()
		if !ok {
			r.opts.logger.Debug("dropping response for unknown request", slog.String("id", resp.ID), slog.String("status", string(resp.Status)))
			continue
		}
		if resp.Status == protocol.StatusProgress {
			select {
			case c.responses <- resp:
			case <-c.done:
			default:
			}
			continue
		}
		select {
		case c.responses <- resp:
		case <-c.done:
		}
	}

	r.mu.Lock()
	r.closed = true
	for id, c := range r.pending {
		close(c.responses)
		delete(r.pending, id)
	}
	r.mu.Unlock()
}

func (r *Remote) roundTrip(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	c := &call{responses: make(chan protocol.Response, 16), done: make(chan struct{})}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return protocol.Response{}, ErrTransportClosed
	}
	r.pending[req.ID] = c
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.pending[req.ID] == c {
			delete(r.pending, req.ID)
		}
		r.mu.Unlock()
		close(c.done)
	}()

	if err := r.transport.Send(ctx, req); err != nil {
		return protocol.Response{}, err
	}
	for {
		select {
		case resp, ok := <-c.responses:
			if !ok {
				return protocol.Response{}, ErrTransportClosed
			}
			switch resp.Status {
			case protocol.StatusProgress:
				if resp.File != nil && r.opts.progress != nil {
					r.opts.progress(*resp.File)
				}
			case protocol.StatusReady:
				// model is resident; the terminal message follows
			case protocol.StatusComplete:
				return resp, nil
			case protocol.StatusError:
				msg := resp.Error
				if msg == "" {
					msg = "worker reported an error"
				}
				return resp, errors.New(msg)
			}
		case <-ctx.Done():
			return protocol.Response{}, ctx.Err()
		}
	}
}

func (r *Remote) Load(ctx context.Context) error {
	err := r.loader.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := r.opts.withTimeout(ctx)
		defer cancel()
		_, err := r.roundTrip(ctx, protocol.Request{ID: uuid.NewString(), Log: r.opts.logRequests})
		return err
	})
	return wrapError("load", err)
}

func (r *Remote) Transcribe(ctx context.Context, samples []float32, language string, maxNewTokens int) (Result, error) {
	id := uuid.NewString()
	ctx, span := tracer.Start(ctx, "inference.transcribe", trace.WithAttributes(
		attribute.String("inference.mode", "remote"),
		attribute.String("inference.request_id", id),
		attribute.String("language", language),
		attribute.Int("audio.samples", len(samples)),
	))
	defer span.End()
	ctx, cancel := r.opts.withTimeout(ctx)
	defer cancel()

	resp, err := r.roundTrip(ctx, protocol.Request{
		ID:           id,
		Audio:        samples,
		Language:     language,
		MaxNewTokens: coalesceInt(maxNewTokens, DefaultMaxNewTokens),
		Log:          r.opts.logRequests,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, wrapError("transcribe", err)
	}
	if resp.TokensPerSecond > 0 && r.opts.tokenRate != nil {
		r.opts.tokenRate(resp.TokensPerSecond)
	}
	span.SetAttributes(attribute.Float64("inference.tokens_per_second", resp.TokensPerSecond))
	return Result{Text: resp.Text, TokensPerSecond: resp.TokensPerSecond}, nil
}

// Close shuts the transport down and fails anything still pending.
func (r *Remote) Close() error {
	r.cancel()
	err := r.transport.Close()
	<-r.dispatched
	return err
}
