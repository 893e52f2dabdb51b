package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/inference"
	"github.com/loqalabs/loqa-captions/internal/language"
)

const (
	testMime = "audio/pcm;rate=16000"
	// 3200 bytes of 16-bit PCM is 1600 samples, 100ms at 16kHz.
	chunkBytes   = 3200
	chunkSamples = 1600
)

type fakeSource struct {
	mu      sync.Mutex
	mime    string
	openErr error
	opens   int
	streams []*fakeStream
}

func (s *fakeSource) Devices(context.Context) ([]capture.Device, error) {
	return []capture.Device{{ID: "mic", Label: "Microphone"}}, nil
}

func (s *fakeSource) Open(_ context.Context, deviceID string) (capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	if deviceID == "" {
		deviceID = "mic"
	}
	mime := s.mime
	if mime == "" {
		mime = testMime
	}
	s.opens++
	stream := &fakeStream{id: deviceID, mime: mime, events: make(chan capture.Event, 64)}
	s.streams = append(s.streams, stream)
	return stream, nil
}

func (s *fakeSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *fakeSource) last() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[len(s.streams)-1]
}

type fakeStream struct {
	id     string
	mime   string
	events chan capture.Event

	mu       sync.Mutex
	starts   int
	requests int
	closed   bool
}

func (s *fakeStream) DeviceID() string { return s.id }
func (s *fakeStream) MimeType() string { return s.mime }

func (s *fakeStream) Start() error {
	s.mu.Lock()
	s.starts++
	s.mu.Unlock()
	s.events <- capture.Event{Kind: capture.EventStart, At: time.Now()}
	return nil
}

func (s *fakeStream) RequestData() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}

func (s *fakeStream) Stop() error {
	s.events <- capture.Event{Kind: capture.EventData, At: time.Now()}
	s.events <- capture.Event{Kind: capture.EventStop, At: time.Now()}
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) Events() <-chan capture.Event { return s.events }

func (s *fakeStream) push(data []byte) {
	s.events <- capture.Event{Kind: capture.EventData, Data: data, At: time.Now()}
}

func (s *fakeStream) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *fakeStream) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeGateway struct {
	mu          sync.Mutex
	script      []string
	errs        map[int]error
	loadErrs    int
	loads       int
	calls       int
	inflight    int
	maxInflight int
	windows     []int
	gate        chan struct{}
}

func (g *fakeGateway) Load(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loads++
	if g.loadErrs > 0 {
		g.loadErrs--
		return &inference.InferenceError{Op: "load", Err: errors.New("model download failed")}
	}
	return nil
}

func (g *fakeGateway) Transcribe(ctx context.Context, audio []float32, _ string, _ int) (inference.Result, error) {
	g.mu.Lock()
	idx := g.calls
	g.calls++
	g.inflight++
	if g.inflight > g.maxInflight {
		g.maxInflight = g.inflight
	}
	g.windows = append(g.windows, len(audio))
	gate := g.gate
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inflight--
		g.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return inference.Result{}, ctx.Err()
		}
	}
	if err := g.errs[idx]; err != nil {
		return inference.Result{}, err
	}
	text := ""
	if idx < len(g.script) {
		text = g.script[idx]
	} else if len(g.script) > 0 {
		text = g.script[len(g.script)-1]
	}
	return inference.Result{Text: text, TokensPerSecond: 12}, nil
}

func (g *fakeGateway) Close() error { return nil }

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGateway) window(i int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.windows[i]
}

type timelineEvent struct {
	eventType string
	fields    map[string]any
}

type fakeTimeline struct {
	mu     sync.Mutex
	opened []string
	closed []string
	events []timelineEvent
}

func (f *fakeTimeline) OpenSession(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, sessionID)
	return nil
}

func (f *fakeTimeline) Record(_ context.Context, _ string, eventType string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, timelineEvent{eventType: eventType, fields: fields})
	return nil
}

func (f *fakeTimeline) CloseSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func newTestController(t *testing.T, source *fakeSource, gateway *fakeGateway, timeline Timeline) *Controller {
	t.Helper()
	ctrl, err := New(Options{
		Source:     source,
		Gateway:    gateway,
		Timeline:   timeline,
		Captions:   config.Default().Captions,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })
	return ctrl
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startRecording(t *testing.T, ctrl *Controller) {
	t.Helper()
	if err := ctrl.Start(context.Background(), "mic", "en"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "recording state", func() bool { return ctrl.Status().State == StateRecording })
}

// feed pushes one chunk and waits for the cycle it triggers to finish.
func feed(t *testing.T, ctrl *Controller, stream *fakeStream, gateway *fakeGateway) {
	t.Helper()
	want := gateway.callCount() + 1
	stream.push(make([]byte, chunkBytes))
	waitFor(t, fmt.Sprintf("cycle %d", want), func() bool {
		return gateway.callCount() == want && !ctrl.Status().Busy
	})
}

func TestRepeatedResultCommits(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{script: []string{"hello"}}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)
	stream := source.last()

	for i := 0; i < 3; i++ {
		feed(t, ctrl, stream, gateway)
		if out := ctrl.Output(); out.Provisional != "hello" || len(out.Archive) != 0 {
			t.Fatalf("cycle %d: unexpected output %+v", i+1, out)
		}
	}
	feed(t, ctrl, stream, gateway)

	out := ctrl.Output()
	if len(out.Archive) != 1 || out.Archive[0] != "hello" || out.Provisional != "" || out.Full != "hello" {
		t.Fatalf("expected committed hello, got %+v", out)
	}
	if got := ctrl.Status().CutOffset; got != 4*chunkSamples {
		t.Fatalf("expected cut offset %d, got %d", 4*chunkSamples, got)
	}
	if tps := ctrl.Status().TokensPerSecond; tps != 12 {
		t.Fatalf("expected tokens per second from the last result, got %v", tps)
	}
}

func TestGrowingHypothesisCommitsOnce(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{script: []string{"he", "hell", "hello", "hello", "hello", "hello"}}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)
	stream := source.last()

	for i := 0; i < 5; i++ {
		feed(t, ctrl, stream, gateway)
	}
	if out := ctrl.Output(); len(out.Archive) != 0 || out.Provisional != "hello" {
		t.Fatalf("expected provisional hello before the commit, got %+v", out)
	}
	feed(t, ctrl, stream, gateway)
	if out := ctrl.Output(); len(out.Archive) != 1 || out.Archive[0] != "hello" {
		t.Fatalf("expected a single committed segment, got %+v", out)
	}
}

func TestWindowAfterCommitStartsAtCut(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{script: []string{"hello", "hello", "hello", "hello", "world"}}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)
	stream := source.last()

	for i := 0; i < 5; i++ {
		feed(t, ctrl, stream, gateway)
	}
	for i := 0; i < 4; i++ {
		if got := gateway.window(i); got != (i+1)*chunkSamples {
			t.Fatalf("window %d: expected %d samples, got %d", i, (i+1)*chunkSamples, got)
		}
	}
	if got := gateway.window(4); got != chunkSamples {
		t.Fatalf("expected only post-cut samples, got %d", got)
	}
	out := ctrl.Output()
	if out.Full != "hello world" || ctrl.Status().CutOffset != 4*chunkSamples {
		t.Fatalf("unexpected output %+v cut %d", out, ctrl.Status().CutOffset)
	}
}

func TestSingleInferenceInFlight(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{script: []string{"a", "b"}, gate: make(chan struct{})}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)
	stream := source.last()

	stream.push(make([]byte, chunkBytes))
	waitFor(t, "first call", func() bool { return gateway.callCount() == 1 })
	stream.push(make([]byte, chunkBytes))
	stream.push(make([]byte, chunkBytes))
	time.Sleep(20 * time.Millisecond)
	if gateway.callCount() != 1 || !ctrl.Status().Busy {
		t.Fatalf("expected one busy call, got %d calls", gateway.callCount())
	}

	gateway.gate <- struct{}{}
	waitFor(t, "second call", func() bool { return gateway.callCount() == 2 })
	if got := gateway.window(1); got != 3*chunkSamples {
		t.Fatalf("expected the second window to cover every chunk, got %d", got)
	}
	gateway.gate <- struct{}{}
	waitFor(t, "idle", func() bool { return !ctrl.Status().Busy })

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if gateway.maxInflight != 1 {
		t.Fatalf("expected at most one call in flight, got %d", gateway.maxInflight)
	}
}

func TestUnsupportedLanguageHasNoSideEffects(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{}
	ctrl := newTestController(t, source, gateway, nil)

	err := ctrl.Start(context.Background(), "mic", "xx")
	var unsupported *language.UnsupportedError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected unsupported language error, got %v", err)
	}
	if source.openCount() != 0 || gateway.loads != 0 {
		t.Fatalf("expected no device or model activity, got %d opens %d loads", source.openCount(), gateway.loads)
	}
	if st := ctrl.Status(); st.State != StateIdle || st.Language != "en" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestStartSameDeviceIsNoop(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)

	if err := ctrl.Start(context.Background(), "mic", "en"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if source.openCount() != 1 || source.last().startCount() != 1 {
		t.Fatalf("expected a single open and start, got %d opens %d starts", source.openCount(), source.last().startCount())
	}
}

func TestDestroyReleasesDevice(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)
	first := source.last()

	if err := ctrl.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !first.isClosed() {
		t.Fatal("expected the stream to be closed")
	}
	if st := ctrl.Status(); st.State != StateIdle || st.DeviceID != "" {
		t.Fatalf("unexpected status after destroy %+v", st)
	}

	startRecording(t, ctrl)
	if source.openCount() != 2 {
		t.Fatalf("expected the device to be reacquired, got %d opens", source.openCount())
	}
}

func TestStopKeepsDevice(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)

	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "audio ready", func() bool { return ctrl.Status().State == StateAudioReady })
	if source.last().isClosed() {
		t.Fatal("stop must not release the device")
	}

	startRecording(t, ctrl)
	if source.openCount() != 1 || source.last().startCount() != 2 {
		t.Fatalf("expected restart on the same stream, got %d opens %d starts", source.openCount(), source.last().startCount())
	}
}

func TestInferenceErrorClearsBusy(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{script: []string{"", "ok"}, errs: map[int]error{0: errors.New("boom")}}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)
	stream := source.last()

	feed(t, ctrl, stream, gateway)
	if st := ctrl.Status(); !strings.Contains(st.LastError, "boom") {
		t.Fatalf("expected last error to be reported, got %+v", st)
	}
	feed(t, ctrl, stream, gateway)
	if out := ctrl.Output(); out.Provisional != "ok" {
		t.Fatalf("expected the next cycle to run, got %+v", out)
	}
}

func TestDecodeErrorSkipsCycle(t *testing.T) {
	source := &fakeSource{mime: "audio/pcm;rate=bogus"}
	gateway := &fakeGateway{}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)

	source.last().push(make([]byte, chunkBytes))
	waitFor(t, "decode error", func() bool {
		st := ctrl.Status()
		return st.LastError != "" && !st.Busy
	})
	if gateway.callCount() != 0 {
		t.Fatalf("expected no inference for undecodable audio, got %d calls", gateway.callCount())
	}
}

func TestLateResultDiscardedAfterDestroy(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{script: []string{"hello"}, gate: make(chan struct{})}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)

	source.last().push(make([]byte, chunkBytes))
	waitFor(t, "call", func() bool { return gateway.callCount() == 1 })
	if err := ctrl.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	gateway.gate <- struct{}{}
	waitFor(t, "idle", func() bool { return !ctrl.Status().Busy })
	if out := ctrl.Output(); out.Provisional != "" || out.Full != "" {
		t.Fatalf("expected the late result to be dropped, got %+v", out)
	}
}

func TestResultAfterStopIsApplied(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{script: []string{"hello"}, gate: make(chan struct{})}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)

	source.last().push(make([]byte, chunkBytes))
	waitFor(t, "call", func() bool { return gateway.callCount() == 1 })
	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	gateway.gate <- struct{}{}
	waitFor(t, "idle", func() bool { return !ctrl.Status().Busy })
	if out := ctrl.Output(); out.Provisional != "hello" {
		t.Fatalf("expected the in-flight result to land, got %+v", out)
	}
}

func TestLoadFailureIsRetryable(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{loadErrs: 1}
	ctrl := newTestController(t, source, gateway, nil)

	err := ctrl.Start(context.Background(), "mic", "en")
	var inferErr *inference.InferenceError
	if !errors.As(err, &inferErr) {
		t.Fatalf("expected inference error, got %v", err)
	}
	if source.openCount() != 0 {
		t.Fatal("device must not be opened when the model failed to load")
	}
	waitFor(t, "error status", func() bool { return ctrl.Status().LastError != "" })

	startRecording(t, ctrl)
	if !ctrl.Status().ModelReady {
		t.Fatal("expected the model to be ready after the retry")
	}
}

func TestOpenFailureReturnsDeviceError(t *testing.T) {
	source := &fakeSource{openErr: errors.New("no such card")}
	gateway := &fakeGateway{}
	ctrl := newTestController(t, source, gateway, nil)

	err := ctrl.Start(context.Background(), "mic", "en")
	var devErr *capture.DeviceError
	if !errors.As(err, &devErr) || devErr.DeviceID != "mic" {
		t.Fatalf("expected device error, got %v", err)
	}
	if st := ctrl.Status(); st.State != StateIdle {
		t.Fatalf("unexpected state %s", st.State)
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{script: []string{"hello"}}
	ctrl := newTestController(t, source, gateway, nil)

	updates, cancel := ctrl.Subscribe(4)
	first := <-updates
	if first.State != StateIdle {
		t.Fatalf("expected the current snapshot first, got %+v", first)
	}

	startRecording(t, ctrl)
	feed(t, ctrl, source.last(), gateway)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case snap := <-updates:
			if snap.Output.Provisional == "hello" {
				cancel()
				for range updates {
				}
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for a snapshot with the provisional text")
		}
	}
}

func TestTimelineNeverSeesText(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{script: []string{"secret words"}}
	timeline := &fakeTimeline{}
	ctrl := newTestController(t, source, gateway, timeline)
	startRecording(t, ctrl)
	stream := source.last()
	for i := 0; i < 4; i++ {
		feed(t, ctrl, stream, gateway)
	}
	if err := ctrl.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	timeline.mu.Lock()
	defer timeline.mu.Unlock()
	if len(timeline.opened) != 1 || len(timeline.closed) != 1 || timeline.opened[0] != timeline.closed[0] {
		t.Fatalf("expected one session, got opened %v closed %v", timeline.opened, timeline.closed)
	}
	var commits int
	for _, ev := range timeline.events {
		if ev.eventType == "segment.commit" {
			commits++
		}
		for key, value := range ev.fields {
			if s, ok := value.(string); ok && strings.Contains(s, "secret") {
				t.Fatalf("event %s leaked text in %s", ev.eventType, key)
			}
		}
	}
	if commits != 1 {
		t.Fatalf("expected one commit event, got %d", commits)
	}
}

func TestCallsAfterCloseFail(t *testing.T) {
	ctrl := newTestController(t, &fakeSource{}, &fakeGateway{}, nil)
	if err := ctrl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ctrl.Start(context.Background(), "mic", "en"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	updates, _ := ctrl.Subscribe(1)
	if _, ok := <-updates; ok {
		t.Fatal("expected a closed subscription")
	}
}

func TestEmptyDataRetriesRequest(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{script: []string{"hello"}}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)
	stream := source.last()

	waitFor(t, "initial data request", func() bool { return stream.requestCount() == 1 })
	stream.events <- capture.Event{Kind: capture.EventData, At: time.Now()}
	waitFor(t, "retried data request", func() bool { return stream.requestCount() == 2 })

	if gateway.callCount() != 0 {
		t.Fatalf("empty data must not start inference, got %d calls", gateway.callCount())
	}
	if ctrl.Status().LastError != "" {
		t.Fatalf("empty data is not an error, got %q", ctrl.Status().LastError)
	}
}

func TestCaptureNotBoundByInference(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{script: []string{"a"}, gate: make(chan struct{})}
	ctrl := newTestController(t, source, gateway, nil)
	startRecording(t, ctrl)
	stream := source.last()

	waitFor(t, "initial data request", func() bool { return stream.requestCount() == 1 })
	stream.push(make([]byte, chunkBytes))
	waitFor(t, "inference in flight", func() bool { return gateway.callCount() == 1 })
	waitFor(t, "next chunk requested during inference", func() bool { return stream.requestCount() == 2 })
	if !ctrl.Status().Busy {
		t.Fatal("expected the cycle to still be in flight")
	}

	stream.push(make([]byte, chunkBytes))
	close(gateway.gate)
	waitFor(t, "follow-up cycle", func() bool { return gateway.callCount() == 2 && !ctrl.Status().Busy })
}

func TestTokenRateReachesSubscribers(t *testing.T) {
	source := &fakeSource{}
	gateway := &fakeGateway{}
	ctrl := newTestController(t, source, gateway, nil)
	updates, unsubscribe := ctrl.Subscribe(4)
	defer unsubscribe()

	ctrl.ReportTokenRate(42)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap := <-updates:
			if snap.TokensPerSecond == 42 {
				return
			}
		case <-deadline:
			t.Fatal("live token rate never reached the subscriber")
		}
	}
}
