package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
)

// WorkerQueue is the NATS queue group workers join so that each request is
// handled by exactly one of them.
const WorkerQueue = "asr-workers"

// Worker serves protocol requests against an Engine. The model is loaded on
// the first request; concurrent requests share the load and its progress.
type Worker struct {
	engine Engine
	logger *slog.Logger
	loader *loader
	hub    progressHub
	wg     sync.WaitGroup
}

func NewWorker(ctx context.Context, engine Engine, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{engine: engine, logger: logger, loader: newLoader(ctx)}
}

// Handle processes one request. emit receives progress, ready and exactly
// one terminal complete or error response.
func (w *Worker) Handle(ctx context.Context, req protocol.Request, emit func(protocol.Response)) {
	logger := w.logger.With(slog.String("request_id", req.ID))
	if req.Log {
		logger.Info("request received", slog.Int("samples", len(req.Audio)), slog.String("language", req.Language))
	}

	remove := w.hub.add(func(p protocol.FileProgress) {
		file := p
		emit(protocol.Response{ID: req.ID, Status: protocol.StatusProgress, File: &file})
	})
	err := w.loader.Do(ctx, func(ctx context.Context) error {
		return w.engine.Load(ctx, w.hub.publish)
	})
	remove()
	if err != nil {
		logger.Error("model load failed", slogError(err))
		emit(protocol.Response{ID: req.ID, Status: protocol.StatusError, Error: err.Error()})
		return
	}
	emit(protocol.Response{ID: req.ID, Status: protocol.StatusReady})

	if req.LoadOnly() {
		emit(protocol.Response{ID: req.ID, Status: protocol.StatusComplete})
		return
	}

	start := time.Now()
	meter := newTokenMeter(nil)
	text, err := w.engine.Generate(ctx, GenerateRequest{
		Audio:        req.Audio,
		Language:     req.Language,
		MaxNewTokens: coalesceInt(req.MaxNewTokens, DefaultMaxNewTokens),
	}, meter.tick)
	if err != nil {
		logger.Error("generation failed", slogError(err))
		emit(protocol.Response{ID: req.ID, Status: protocol.StatusError, Error: err.Error()})
		return
	}
	if req.Log {
		logger.Info("request complete", slog.Duration("elapsed", time.Since(start)), slog.Float64("tokens_per_second", meter.Rate()))
	}
	emit(protocol.Response{ID: req.ID, Status: protocol.StatusComplete, Text: text, TokensPerSecond: meter.Rate()})
}

// ServeStream reads newline-delimited requests from r and writes responses
// to out until r is exhausted. Requests are handled concurrently.
func (w *Worker) ServeStream(ctx context.Context, r io.Reader, out io.Writer) error {
	var writeMu sync.Mutex
	enc := json.NewEncoder(out)
	emit := func(resp protocol.Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			w.logger.Warn("write response failed", slogError(err))
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			w.logger.Warn("invalid request", slogError(err))
			continue
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.Handle(ctx, req, emit)
		}()
	}
	w.wg.Wait()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

// ServeNATS answers requests on subject until ctx is done.
func (w *Worker) ServeNATS(ctx context.Context, conn *nats.Conn, subject string) error {
	if subject == "" {
		subject = protocol.SubjectASRRequest
	}
	sub, err := conn.QueueSubscribe(subject, WorkerQueue, func(msg *nats.Msg) {
		if msg.Reply == "" {
			w.logger.Warn("request without reply subject", slog.String("subject", msg.Subject))
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			w.logger.Warn("invalid request", slogError(err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		reply := msg.Reply
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.Handle(ctx, req, func(resp protocol.Response) {
				data, err := json.Marshal(resp)
				if err != nil {
					w.logger.Warn("encode response failed", slogError(err))
					return
				}
				if err := conn.Publish(reply, data); err != nil {
					w.logger.Warn("publish response failed", slogError(err))
				}
			})
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription %s: %w", subject, err)
	}
	w.logger.Info("asr worker listening", slog.String("subject", subject))

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		w.logger.Warn("unsubscribe failed", slogError(err))
	}
	w.wg.Wait()
	return nil
}
