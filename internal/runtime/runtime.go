package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/api"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/controller"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/inference"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ctrl       *controller.Controller
	ready      atomic.Bool
	wg         sync.WaitGroup

	addr      atomic.Value
	listening chan struct{}
	cleanups  []func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		listening: make(chan struct{}),
	}
}

// Listening is closed once the HTTP listener is bound.
func (r *Runtime) Listening() <-chan struct{} {
	return r.listening
}

// Addr is the bound HTTP address, empty until Listening is closed.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start wires every component, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		r.runCleanups()
	}()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onShutdown(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	})

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onShutdown(func() {
		if err := store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	})

	source, err := capture.NewExecSource(r.cfg.Capture, r.logger.With(slog.String("component", "capture")))
	if err != nil {
		return fmt.Errorf("create capture source: %w", err)
	}

	gatewayOpts := []inference.Option{
		inference.WithLogger(r.logger.With(slog.String("component", "inference"))),
		inference.WithProgress(r.logProgress),
		inference.WithTokenRate(func(rate float64) { r.ctrl.ReportTokenRate(rate) }),
		inference.WithRequestLogging(r.cfg.Inference.LogRequests),
		inference.WithTimeout(time.Duration(r.cfg.Inference.TimeoutMS) * time.Millisecond),
	}
	gateway, err := r.buildGateway(ctx, gatewayOpts)
	if err != nil {
		return err
	}

	ctrl, err := controller.New(controller.Options{
		Source:       source,
		Gateway:      gateway,
		Timeline:     store,
		Logger:       r.logger,
		Meter:        tel.meter,
		Captions:     r.cfg.Captions,
		RetryDelay:   time.Duration(r.cfg.Capture.RetryDelayMS) * time.Millisecond,
		MaxNewTokens: r.cfg.Inference.MaxNewTokens,
	})
	if err != nil {
		_ = gateway.Close()
		return fmt.Errorf("create captions controller: %w", err)
	}
	r.ctrl = ctrl
	r.onShutdown(func() {
		if err := ctrl.Close(); err != nil {
			r.logger.Error("captions controller close error", slog.String("error", err.Error()))
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", tel.metricsHandler)
	api.NewHandler(ctrl, source, store, r.logger).RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.addr.Store(ln.Addr().String())
	close(r.listening)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := ctrl.Load(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("model preload failed; it will be retried on start", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()), slog.String("inference_mode", r.cfg.Inference.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return nil
}

// buildGateway picks the in-process engine, a worker subprocess over stdio
// or a worker reached through NATS.
func (r *Runtime) buildGateway(ctx context.Context, opts []inference.Option) (inference.Gateway, error) {
	logger := r.logger.With(slog.String("component", "inference"))
	switch r.cfg.Inference.Mode {
	case "worker":
		proc, err := inference.StartProcess(r.cfg.Inference.WorkerCommand, logger)
		if err != nil {
			return nil, fmt.Errorf("start inference worker: %w", err)
		}
		return inference.NewRemote(proc, opts...), nil

	case "nats":
		busCfg := r.cfg.Bus
		srv, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "natsserver")))
		if err != nil {
			return nil, err
		}
		if srv != nil {
			r.onShutdown(srv.Shutdown)
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return nil, err
		}
		r.onShutdown(client.Close)
		subject := r.cfg.Inference.RequestSubject
		if subject == "" {
			subject = protocol.SubjectASRRequest
		}
		transport, err := inference.NewNATSTransport(client.Conn(), subject, logger)
		if err != nil {
			return nil, err
		}
		return inference.NewRemote(transport, opts...), nil

	default:
		engine, err := inference.NewEngine(r.cfg.Inference, logger)
		if err != nil {
			return nil, err
		}
		return inference.NewLocal(engine, opts...), nil
	}
}

func (r *Runtime) logProgress(p protocol.FileProgress) {
	if p.Status == "progress" {
		r.logger.Debug("model loading", slog.String("file", p.File), slog.Float64("progress", p.Progress))
		return
	}
	r.logger.Info("model loading", slog.String("file", p.File), slog.String("status", p.Status))
}

// onShutdown registers fn to run when Start returns, in reverse order.
func (r *Runtime) onShutdown(fn func()) {
	r.cleanups = append(r.cleanups, fn)
}

func (r *Runtime) runCleanups() {
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.cleanups[i]()
	}
	r.cleanups = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.ctrl != nil && r.ctrl.Status().ModelReady {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
