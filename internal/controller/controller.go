package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/inference"
	"github.com/loqalabs/loqa-captions/internal/language"
	"github.com/loqalabs/loqa-captions/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer(instrumentationName)

// ErrClosed is returned by every facade call after Close.
var ErrClosed = errors.New("captions controller closed")

type State string

const (
	StateIdle       State = "idle"
	StateAudioReady State = "audio_ready"
	StateRecording  State = "recording"
	StateStopped    State = "stopped"
)

// Status is a point-in-time view of the controller.
type Status struct {
	State           State   `json:"state"`
	SessionID       string  `json:"session_id,omitempty"`
	DeviceID        string  `json:"device_id,omitempty"`
	Language        string  `json:"language,omitempty"`
	ModelReady      bool    `json:"model_ready"`
	Busy            bool    `json:"busy"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	CutOffset       int     `json:"cut_offset"`
	Committed       int     `json:"committed"`
	LastError       string  `json:"last_error,omitempty"`
}

// Snapshot is what observers receive on every change.
type Snapshot struct {
	State           State             `json:"state"`
	Output          transcript.Output `json:"output"`
	TokensPerSecond float64           `json:"tokens_per_second"`
}

// Timeline receives caption session diagnostics. Implementations must not
// store transcript text.
type Timeline interface {
	OpenSession(ctx context.Context, sessionID, deviceID string) error
	Record(ctx context.Context, sessionID, eventType string, fields map[string]any) error
	CloseSession(ctx context.Context, sessionID string) error
}

type Options struct {
	Source   capture.Source
	Gateway  inference.Gateway
	Timeline Timeline
	Logger   *slog.Logger
	Meter    metric.Meter
	Captions config.CaptionsConfig
	// RetryDelay is the pause before asking the recorder again after it
	// returned no data.
	RetryDelay   time.Duration
	MaxNewTokens int
}

// Controller drives capture, inference and stabilization for one caption
// session at a time. All mutable state belongs to the loop goroutine; facade
// calls run as closures on that loop.
type Controller struct {
	source     capture.Source
	gateway    inference.Gateway
	timeline   Timeline
	logger     *slog.Logger
	metrics    *metrics
	cfg        config.CaptionsConfig
	stabilizer transcript.Stabilizer
	filter     transcript.Filter
	retryDelay time.Duration
	maxTokens  int

	ctx      context.Context
	cancel   context.CancelFunc
	cmds     chan func()
	loopDone chan struct{}

	lifecycle   sync.Mutex
	closeOnce   sync.Once
	ratePending atomic.Bool

	// loop-owned
	state      State
	stream     capture.Stream
	events     <-chan capture.Event
	generation uint64
	recording  int
	sessionID  string
	language   string
	chunks     []audio.Chunk
	processed  int
	base       int
	highWater  int
	counter    transcript.RepeatCounter
	transcript transcript.State
	modelReady bool
	busy       bool
	lastErr    string
	rateShown  time.Time

	viewMu   sync.RWMutex
	status   Status
	snapshot Snapshot

	subs subscribers
}

func New(opts Options) (*Controller, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("capture source is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("inference gateway is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeline := opts.Timeline
	if timeline == nil {
		timeline = nopTimeline{}
	}
	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("init controller metrics: %w", err)
	}
	cfg := opts.Captions
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	var filter transcript.Filter = transcript.DefaultFilter
	if cfg.AnnotationPrefixes != nil {
		filter = transcript.AnnotationFilter{Prefixes: cfg.AnnotationPrefixes}
	}
	retry := opts.RetryDelay
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		source:     opts.Source,
		gateway:    opts.Gateway,
		timeline:   timeline,
		logger:     logger.With(slog.String("component", "captions")),
		metrics:    m,
		cfg:        cfg,
		stabilizer: transcript.NewStabilizer(cfg.StabilityThreshold),
		filter:     filter,
		retryDelay: retry,
		maxTokens:  opts.MaxNewTokens,
		ctx:        ctx,
		cancel:     cancel,
		cmds:       make(chan func()),
		loopDone:   make(chan struct{}),
		state:      StateIdle,
		language:   cfg.Language,
	}
	c.subs.buffer = cfg.SubscriberBuffer
	c.publish()
	go c.run()
	return c, nil
}

// Load loads the model. It is safe to call repeatedly and concurrently.
func (c *Controller) Load(ctx context.Context) error {
	if err := c.gateway.Load(ctx); err != nil {
		c.post(func() {
			c.lastErr = err.Error()
			c.publish()
		})
		return err
	}
	return c.do(func() {
		if !c.modelReady {
			c.modelReady = true
			c.logger.Info("model ready")
		}
		c.maybeProcess()
		c.publish()
	})
}

// Start validates the language, loads the model, acquires the device and
// begins recording. Starting again on the device and language already
// recording is a no-op.
func (c *Controller) Start(ctx context.Context, deviceID, code string) error {
	lang, err := language.Lookup(code)
	if err != nil {
		return err
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	var noop, reuse bool
	if err := c.do(func() {
		if c.stream != nil && (deviceID == "" || c.stream.DeviceID() == deviceID) {
			reuse = true
			noop = c.state == StateRecording && c.language == lang.Code
		}
	}); err != nil {
		return err
	}
	if noop {
		return nil
	}

	if err := c.Load(ctx); err != nil {
		return err
	}
	if !reuse {
		if err := c.setUpAudio(ctx, deviceID); err != nil {
			return err
		}
	}

	var (
		stream   capture.Stream
		previous string
	)
	if err := c.do(func() {
		stream = c.stream
		previous = c.language
		c.language = lang.Code
		if c.state == StateRecording {
			c.state = StateStopped
			if err := c.stream.Stop(); err != nil {
				c.logger.Warn("stop recorder failed", slogError(err))
			}
		}
	}); err != nil {
		return err
	}
	if stream == nil {
		return &capture.DeviceError{DeviceID: deviceID, Err: capture.ErrStreamClosed}
	}
	if err := stream.Start(); err != nil {
		_ = c.do(func() {
			c.language = previous
			c.lastErr = err.Error()
			c.publish()
		})
		return err
	}
	c.logger.Info("captions started", slog.String("device", stream.DeviceID()), slog.String("language", lang.Code))
	return nil
}

// Stop halts recording and keeps the device and model.
func (c *Controller) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.do(func() {
		if c.stream == nil || c.state != StateRecording {
			return
		}
		c.state = StateStopped
		if err := c.stream.Stop(); err != nil {
			c.logger.Warn("stop recorder failed", slogError(err))
		}
		c.publish()
	})
}

// Destroy stops recording and releases the device.
func (c *Controller) Destroy(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.teardown()
}

// Output returns the rendered transcript.
func (c *Controller) Output() transcript.Output {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.snapshot.Output
}

func (c *Controller) Status() Status {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	status := c.status
	status.TokensPerSecond = c.metrics.tokensPerSecond()
	return status
}

// Subscribe streams snapshots, starting with the current one. A subscriber
// that falls behind only keeps the newest snapshots. buffer <= 0 uses the
// configured default.
func (c *Controller) Subscribe(buffer int) (<-chan Snapshot, func()) {
	c.viewMu.RLock()
	current := c.snapshot
	c.viewMu.RUnlock()
	return c.subs.add(buffer, current)
}

// ratePublishInterval bounds how often live token rates reach subscribers.
const ratePublishInterval = 250 * time.Millisecond

// ReportTokenRate records the live generation rate while a window is being
// decoded and forwards it to subscribers at most every ratePublishInterval.
func (c *Controller) ReportTokenRate(rate float64) {
	if c == nil || rate <= 0 {
		return
	}
	c.metrics.setTokensPerSecond(rate)
	if !c.ratePending.CompareAndSwap(false, true) {
		return
	}
	c.post(func() {
		c.ratePending.Store(false)
		now := time.Now()
		if now.Sub(c.rateShown) < ratePublishInterval {
			return
		}
		c.rateShown = now
		c.publish()
	})
}

// Close releases the device, stops the loop, cancels any in-flight
// inference and closes the gateway.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.lifecycle.Lock()
		teardownErr := c.teardown()
		c.lifecycle.Unlock()
		c.cancel()
		<-c.loopDone
		c.subs.closeAll()
		err = errors.Join(teardownErr, c.gateway.Close())
	})
	return err
}

func (c *Controller) setUpAudio(ctx context.Context, deviceID string) error {
	if err := c.teardown(); err != nil {
		return err
	}
	stream, err := c.source.Open(ctx, deviceID)
	if err != nil {
		var devErr *capture.DeviceError
		if !errors.As(err, &devErr) {
			err = &capture.DeviceError{DeviceID: deviceID, Err: err}
		}
		_ = c.do(func() {
			c.lastErr = err.Error()
			c.publish()
		})
		return err
	}
	if err := c.do(func() { c.attach(stream) }); err != nil {
		_ = stream.Close()
		return err
	}
	return nil
}

// teardown detaches the current stream on the loop and closes it outside,
// since closing waits for the recorder to exit.
func (c *Controller) teardown() error {
	var old capture.Stream
	if err := c.do(func() { old = c.detach() }); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	if old == nil {
		return nil
	}
	if err := old.Close(); err != nil {
		c.logger.Warn("release audio device failed", slogError(err))
	}
	return nil
}

// do runs fn on the loop and waits for it.
func (c *Controller) do(fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-c.loopDone:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.loopDone:
		return ErrClosed
	}
}

// post queues fn on the loop without waiting for it to run.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.loopDone:
	}
}

type nopTimeline struct{}

func (nopTimeline) OpenSession(context.Context, string, string) error { return nil }

func (nopTimeline) Record(context.Context, string, string, map[string]any) error { return nil }

func (nopTimeline) CloseSession(context.Context, string) error { return nil }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func newSessionID() string {
	return uuid.NewString()
}
