package inference

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

func TestLoaderSharesInflightLoad(t *testing.T) {
	l := newLoader(context.Background())
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Do(context.Background(), fn)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one load, got %d", calls.Load())
	}
	if err := l.Do(context.Background(), fn); err != nil || calls.Load() != 1 {
		t.Fatalf("loaded state must be remembered, calls=%d err=%v", calls.Load(), err)
	}
}

func TestLoaderRetriesAfterFailure(t *testing.T) {
	l := newLoader(context.Background())
	attempts := 0
	fn := func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.New("boom")
		}
		return nil
	}
	if err := l.Do(context.Background(), fn); err == nil {
		t.Fatal("expected first load to fail")
	}
	if l.Loaded() {
		t.Fatal("failed load must not be remembered")
	}
	if err := l.Do(context.Background(), fn); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if !l.Loaded() || attempts != 2 {
		t.Fatalf("expected loaded after 2 attempts, got %d", attempts)
	}
}

func TestLoaderWaiterCancelDoesNotAbortLoad(t *testing.T) {
	l := newLoader(context.Background())
	release := make(chan struct{})
	finished := make(chan struct{})
	fn := func(ctx context.Context) error {
		<-release
		close(finished)
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Do(ctx, fn) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected waiter to see cancellation, got %v", err)
	}
	close(release)
	<-finished
	if err := l.Do(context.Background(), fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTokenMeter(t *testing.T) {
	clock := time.Unix(0, 0)
	var reported []float64
	m := newTokenMeter(func(rate float64) { reported = append(reported, rate) })
	m.now = func() time.Time { return clock }

	m.tick()
	if m.Rate() != 0 || len(reported) != 0 {
		t.Fatal("first token must not produce a rate")
	}
	clock = clock.Add(500 * time.Millisecond)
	m.tick()
	if m.Rate() != 4 {
		t.Fatalf("expected 2 tokens / 0.5s = 4, got %v", m.Rate())
	}
	clock = clock.Add(500 * time.Millisecond)
	m.tick()
	if m.Rate() != 3 {
		t.Fatalf("expected 3 tokens / 1s = 3, got %v", m.Rate())
	}
	if len(reported) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reported))
	}
}

func TestLocalLoadsOnceAndTranscribes(t *testing.T) {
	engine := NewMockEngine("hello", "hello world")
	var progress []protocol.FileProgress
	g := NewLocal(engine, WithProgress(func(p protocol.FileProgress) { progress = append(progress, p) }))
	defer g.Close()

	ctx := context.Background()
	if err := g.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	first, err := g.Transcribe(ctx, make([]float32, 16000), "en", 0)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	second, err := g.Transcribe(ctx, make([]float32, 16000), "en", 0)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if first.Text != "hello" || second.Text != "hello world" {
		t.Fatalf("unexpected texts %q %q", first.Text, second.Text)
	}
	if engine.Loads() != 1 {
		t.Fatalf("expected a single load, got %d", engine.Loads())
	}
	if len(progress) == 0 || progress[len(progress)-1].Status != "done" {
		t.Fatalf("expected load progress, got %+v", progress)
	}
}

type failingEngine struct{}

func (failingEngine) Load(context.Context, ProgressFunc) error { return nil }

func (failingEngine) Generate(context.Context, GenerateRequest, func()) (string, error) {
	return "", errors.New("model exploded")
}

func TestLocalWrapsGenerationError(t *testing.T) {
	g := NewLocal(failingEngine{})
	_, err := g.Transcribe(context.Background(), []float32{0}, "en", 0)
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.Op != "transcribe" {
		t.Fatalf("expected transcribe InferenceError, got %v", err)
	}
}

type fakeTransport struct {
	sent      chan protocol.Request
	responses chan protocol.Response
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:      make(chan protocol.Request, 4),
		responses: make(chan protocol.Response, 4),
	}
}

func (f *fakeTransport) Send(_ context.Context, req protocol.Request) error {
	f.sent <- req
	return nil
}

func (f *fakeTransport) Responses() <-chan protocol.Response { return f.responses }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.responses) })
	return nil
}

func TestRemoteIgnoresUnknownResponses(t *testing.T) {
	transport := newFakeTransport()
	r := NewRemote(transport)
	defer r.Close()

	go func() {
		req := <-transport.sent
		transport.responses <- protocol.Response{ID: "someone-else", Status: protocol.StatusComplete, Text: "wrong"}
		transport.responses <- protocol.Response{ID: req.ID, Status: protocol.StatusReady}
		transport.responses <- protocol.Response{ID: req.ID, Status: protocol.StatusComplete, Text: "right", TokensPerSecond: 12}
	}()

	res, err := r.Transcribe(context.Background(), []float32{0, 0}, "en", 0)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "right" || res.TokensPerSecond != 12 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRemoteReportsWorkerError(t *testing.T) {
	transport := newFakeTransport()
	r := NewRemote(transport)
	defer r.Close()

	go func() {
		req := <-transport.sent
		transport.responses <- protocol.Response{ID: req.ID, Status: protocol.StatusError, Error: "no model"}
	}()
	err := r.Load(context.Background())
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.Op != "load" || ie.Err.Error() != "no model" {
		t.Fatalf("expected load InferenceError, got %v", err)
	}
}

func TestRemoteFailsPendingOnTransportClose(t *testing.T) {
	transport := newFakeTransport()
	r := NewRemote(transport)

	go func() {
		<-transport.sent
		transport.Close()
	}()
	_, err := r.Transcribe(context.Background(), []float32{0}, "en", 0)
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := r.Transcribe(context.Background(), []float32{0}, "en", 0); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed after close, got %v", err)
	}
}

func TestRemoteOverStreamWorker(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	worker := NewWorker(context.Background(), NewMockEngine(), nil)
	served := make(chan error, 1)
	go func() {
		err := worker.ServeStream(context.Background(), reqR, respW)
		respW.Close()
		served <- err
	}()

	var mu sync.Mutex
	var progress []protocol.FileProgress
	r := NewRemote(NewStreamTransport(respR, reqW, nil), WithProgress(func(p protocol.FileProgress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	res, err := r.Transcribe(ctx, make([]float32, 32000), "en", 64)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "heard 2 seconds of audio" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after the transport closed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) == 0 {
		t.Fatal("expected progress to be relayed from the worker")
	}
}

func TestWorkerLoadOnlyRequest(t *testing.T) {
	worker := NewWorker(context.Background(), NewMockEngine(), nil)
	var statuses []protocol.Status
	var last protocol.Response
	worker.Handle(context.Background(), protocol.Request{ID: "load"}, func(resp protocol.Response) {
		if resp.ID != "load" {
			t.Errorf("unexpected id %q", resp.ID)
		}
		statuses = append(statuses, resp.Status)
		last = resp
	})
	want := []protocol.Status{protocol.StatusProgress, protocol.StatusProgress, protocol.StatusReady, protocol.StatusComplete}
	if len(statuses) != len(want) {
		t.Fatalf("expected %v, got %v", want, statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, statuses)
		}
	}
	if last.Text != "" {
		t.Fatalf("load-only completion must carry empty text, got %q", last.Text)
	}

	statuses = nil
	worker.Handle(context.Background(), protocol.Request{ID: "load"}, func(resp protocol.Response) {
		statuses = append(statuses, resp.Status)
	})
	if len(statuses) != 2 {
		t.Fatalf("loaded worker should reply ready and complete only, got %v", statuses)
	}
}

func TestWorkerReportsGenerationError(t *testing.T) {
	worker := NewWorker(context.Background(), failingEngine{}, nil)
	var last protocol.Response
	worker.Handle(context.Background(), protocol.Request{ID: "x", Audio: protocol.Samples{0}}, func(resp protocol.Response) {
		last = resp
	})
	if last.Status != protocol.StatusError || last.Error != "model exploded" {
		t.Fatalf("unexpected terminal response %+v", last)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "asr.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecEngineStreamsTokens(t *testing.T) {
	script := writeScript(t, `test -f "$2" || exit 3
echo '{"token":" hello"}'
echo '{"token":" world"}'
echo '{"text":" hello world","done":true}'
`)
	engine, err := NewExecEngine(config.InferenceConfig{Command: script}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Load(context.Background(), nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	tokens := 0
	text, err := engine.Generate(context.Background(), GenerateRequest{Audio: make([]float32, 1600), Language: "en"}, func() { tokens++ })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != " hello world" || tokens != 2 {
		t.Fatalf("unexpected text %q with %d tokens", text, tokens)
	}
}

func TestExecEngineFailure(t *testing.T) {
	script := writeScript(t, "echo 'bad model' >&2\nexit 2\n")
	engine, err := NewExecEngine(config.InferenceConfig{Command: script}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.Generate(context.Background(), GenerateRequest{Audio: []float32{0}}, nil); err == nil {
		t.Fatal("expected command failure")
	}
}

func TestExecEngineWarmupFailureFailsLoad(t *testing.T) {
	script := writeScript(t, "exit 1\n")
	engine, err := NewExecEngine(config.InferenceConfig{Command: script, Warmup: true}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Load(context.Background(), nil); err == nil {
		t.Fatal("expected warm-up failure")
	}
}

func TestNewEngineRejectsUnknown(t *testing.T) {
	if _, err := NewEngine(config.InferenceConfig{Engine: "gpu"}, nil); err == nil {
		t.Fatal("expected error for unknown engine")
	}
	if _, err := NewEngine(config.InferenceConfig{Engine: "exec"}, nil); err == nil {
		t.Fatal("expected error for exec engine without a command")
	}
}
