package controller

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/inference"
	"github.com/loqalabs/loqa-captions/internal/transcript"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type cycleJob struct {
	generation uint64
	recording  int
	sessionID  string
	chunks     []audio.Chunk
	mimeType   string
	base       int
	cut        int
	language   string
}

type cycleResult struct {
	job       cycleJob
	end       int
	skipped   bool
	decodeErr error
	inferErr  error
	result    inference.Result
	elapsed   time.Duration
}

func (c *Controller) run() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.handleEvent(ev)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) attach(stream capture.Stream) {
	c.stream = stream
	c.events = stream.Events()
	c.generation++
	c.sessionID = newSessionID()
	c.state = StateAudioReady
	c.chunks = nil
	c.processed = 0
	if err := c.timeline.OpenSession(c.ctx, c.sessionID, stream.DeviceID()); err != nil {
		c.logger.Warn("timeline open session failed", slogError(err))
	}
	c.record("session.open", map[string]any{"device_id": stream.DeviceID()})
	c.logger.Info("audio device ready", slog.String("device", stream.DeviceID()), slog.String("session_id", c.sessionID))
	c.publish()
}

// detach forgets the current stream. Results still in flight for it are
// discarded when they arrive.
func (c *Controller) detach() capture.Stream {
	if c.stream == nil {
		return nil
	}
	old := c.stream
	c.record("session.close", map[string]any{"committed": c.transcript.Committed()})
	if err := c.timeline.CloseSession(c.ctx, c.sessionID); err != nil {
		c.logger.Warn("timeline close session failed", slogError(err))
	}
	c.stream = nil
	c.events = nil
	c.generation++
	c.sessionID = ""
	c.state = StateIdle
	c.chunks = nil
	c.processed = 0
	c.counter = transcript.RepeatCounter{}
	c.publish()
	return old
}

func (c *Controller) handleEvent(ev capture.Event) {
	switch ev.Kind {
	case capture.EventStart:
		c.chunks = nil
		c.processed = 0
		c.counter = transcript.RepeatCounter{}
		c.base = max(c.highWater, c.transcript.CutOffset)
		c.recording++
		c.state = StateRecording
		c.record("recording.start", map[string]any{"language": c.language, "base": c.base})
		c.publish()
		c.stream.RequestData()

	case capture.EventData:
		if len(ev.Data) == 0 {
			if c.state == StateRecording {
				c.scheduleRetry()
			}
			return
		}
		if c.state != StateRecording && c.state != StateStopped {
			return
		}
		c.chunks = append(c.chunks, audio.Chunk{Data: ev.Data, Seq: len(c.chunks), At: ev.At})
		c.maybeProcess()

	case capture.EventStop:
		if c.state == StateRecording || c.state == StateStopped {
			c.state = StateAudioReady
			c.record("recording.stop", map[string]any{"chunks": len(c.chunks)})
			c.publish()
		}

	case capture.EventError:
		if ev.Err == nil {
			return
		}
		c.lastErr = ev.Err.Error()
		c.logger.Error("recorder failed", slogError(ev.Err))
		c.record("device.error", nil)
		c.publish()
	}
}

func (c *Controller) scheduleRetry() {
	generation := c.generation
	time.AfterFunc(c.retryDelay, func() {
		c.post(func() {
			if c.generation == generation && c.stream != nil && c.state == StateRecording {
				c.stream.RequestData()
			}
		})
	})
}

// maybeProcess starts a cycle when the model is ready, nothing is in flight
// and chunks arrived since the last cycle.
func (c *Controller) maybeProcess() {
	if !c.modelReady || c.busy || c.stream == nil {
		return
	}
	if len(c.chunks) == 0 || len(c.chunks) == c.processed {
		return
	}
	job := cycleJob{
		generation: c.generation,
		recording:  c.recording,
		sessionID:  c.sessionID,
		chunks:     c.chunks[:len(c.chunks):len(c.chunks)],
		mimeType:   c.stream.MimeType(),
		base:       c.base,
		cut:        c.transcript.CutOffset,
		language:   c.language,
	}
	c.processed = len(c.chunks)
	c.busy = true
	c.metrics.busy.Store(true)
	if c.state == StateRecording {
		c.stream.RequestData()
	}
	c.publish()
	go c.runCycle(job)
}

func (c *Controller) runCycle(job cycleJob) {
	res := cycleResult{job: job}
	defer func() {
		if r := recover(); r != nil {
			res.inferErr = fmt.Errorf("processing cycle panicked: %v", r)
		}
		c.post(func() { c.finishCycle(res) })
	}()

	ctx, span := tracer.Start(c.ctx, "captions.cycle", trace.WithAttributes(
		attribute.String("session_id", job.sessionID),
		attribute.Int("chunks", len(job.chunks)),
		attribute.Int("cut_offset", job.cut),
	))
	defer span.End()

	window, err := audio.Decode(job.chunks, job.mimeType, c.cfg.SampleRate)
	if err != nil {
		res.decodeErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return
	}
	window.Start += job.base
	window = audio.Crop(window, c.cfg.MaxSamples()).From(job.cut)
	res.end = window.End()
	if window.Len() == 0 {
		res.skipped = true
		span.SetAttributes(attribute.Bool("skipped", true))
		return
	}
	span.SetAttributes(attribute.Int("window.start", window.Start), attribute.Int("window.samples", window.Len()))

	start := time.Now()
	result, err := c.gateway.Transcribe(ctx, window.Samples, job.language, c.maxTokens)
	res.elapsed = time.Since(start)
	if err != nil {
		res.inferErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference failed")
		return
	}
	res.result = result
}

func (c *Controller) finishCycle(res cycleResult) {
	c.busy = false
	c.metrics.busy.Store(false)
	if res.end > c.highWater {
		c.highWater = res.end
	}

	if res.job.generation != c.generation {
		c.logger.Debug("discarding result for a closed session", slog.String("session_id", res.job.sessionID))
		c.publish()
		c.maybeProcess()
		return
	}

	switch {
	case res.decodeErr != nil:
		c.metrics.decodeErrors.Add(c.ctx, 1)
		c.lastErr = res.decodeErr.Error()
		c.logger.Warn("audio decode failed; waiting for more audio", slogError(res.decodeErr))
		c.record("decode.error", map[string]any{"chunks": len(res.job.chunks)})
	case res.inferErr != nil:
		c.metrics.inferenceErrors.Add(c.ctx, 1)
		c.lastErr = res.inferErr.Error()
		c.logger.Error("inference failed", slogError(res.inferErr))
		c.record("inference.error", nil)
	case res.skipped:
	default:
		c.metrics.observeInference(c.ctx, res.elapsed)
		if res.result.TokensPerSecond > 0 {
			c.metrics.setTokensPerSecond(res.result.TokensPerSecond)
		}
		counter, delta := c.stabilizer.Update(c.counter, res.result.Text, res.end)
		if res.job.recording != c.recording && delta.CutOffset > c.base {
			// a result from before the recorder restarted must not cut into
			// the new recording
			delta.CutOffset = c.base
		}
		c.counter = counter
		c.transcript.Apply(delta)
		if delta.Commit {
			c.metrics.commits.Add(c.ctx, 1)
			c.logger.Info("segment committed", slog.Int("index", c.transcript.Committed()-1), slog.Int("cut_offset", c.transcript.CutOffset))
			c.record("segment.commit", map[string]any{
				"index":      c.transcript.Committed() - 1,
				"chars":      len(delta.Text),
				"cut_offset": c.transcript.CutOffset,
			})
		}
	}

	if c.state == StateRecording && c.stream != nil {
		c.stream.RequestData()
	}
	c.maybeProcess()
	c.publish()
}

func (c *Controller) record(eventType string, fields map[string]any) {
	if c.sessionID == "" {
		return
	}
	if err := c.timeline.Record(c.ctx, c.sessionID, eventType, fields); err != nil {
		c.logger.Warn("timeline record failed", slog.String("event", eventType), slogError(err))
	}
}

func (c *Controller) publish() {
	status := Status{
		State:      c.state,
		SessionID:  c.sessionID,
		Language:   c.language,
		ModelReady: c.modelReady,
		Busy:       c.busy,
		CutOffset:  c.transcript.CutOffset,
		Committed:  c.transcript.Committed(),
		LastError:  c.lastErr,
	}
	if c.stream != nil {
		status.DeviceID = c.stream.DeviceID()
	}
	snap := Snapshot{
		State:           c.state,
		Output:          transcript.View(c.transcript, c.filter),
		TokensPerSecond: c.metrics.tokensPerSecond(),
	}

	c.viewMu.Lock()
	c.status = status
	c.snapshot = snap
	c.viewMu.Unlock()
	c.subs.broadcast(snap)
}
