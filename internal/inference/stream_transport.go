package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/mattn/go-shellwords"
)

const maxLineBytes = 64 << 20

// StreamTransport exchanges newline-delimited JSON messages over a pair of
// byte streams, typically a worker process's stdin and stdout.
type StreamTransport struct {
	r      io.ReadCloser
	w      io.WriteCloser
	logger *slog.Logger

	mu        sync.Mutex
	responses chan protocol.Response
	closed    chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
}

func NewStreamTransport(r io.ReadCloser, w io.WriteCloser, logger *slog.Logger) *StreamTransport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &StreamTransport{
		r:         r,
		w:         w,
		logger:    logger,
		responses: make(chan protocol.Response, 32),
		closed:    make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *StreamTransport) readLoop() {
	defer close(t.readDone)
	defer close(t.responses)
	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Warn("invalid worker message", slogError(err))
			continue
		}
		select {
		case t.responses <- resp:
		case <-t.closed:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-t.closed:
		default:
			t.logger.Warn("worker stream read failed", slogError(err))
		}
	}
}

func (t *StreamTransport) Send(_ context.Context, req protocol.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (t *StreamTransport) Responses() <-chan protocol.Response {
	return t.responses
}

func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		err = t.w.Close()
		t.mu.Unlock()
		if rerr := t.r.Close(); err == nil {
			err = rerr
		}
	})
	return err
}

// Process is a worker subprocess speaking the stream protocol on stdio.
type Process struct {
	*StreamTransport
	cmd    *exec.Cmd
	logger *slog.Logger
	exited chan struct{}
	err    error
}

// StartProcess launches command and attaches a StreamTransport to it. The
// worker's stderr is forwarded to the logger.
func StartProcess(command string, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse worker command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	workerLogger := logger.With(slog.String("worker", args[0]), slog.Int("pid", cmd.Process.Pid))
	p := &Process{
		StreamTransport: NewStreamTransport(stdout, stdin, workerLogger),
		cmd:             cmd,
		logger:          workerLogger,
		exited:          make(chan struct{}),
	}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			workerLogger.Info(scanner.Text())
		}
	}()
	go func() {
		<-p.readDone
		<-stderrDone
		p.err = cmd.Wait()
		if p.err != nil {
			workerLogger.Warn("worker exited", slogError(p.err))
		} else {
			workerLogger.Info("worker exited")
		}
		close(p.exited)
	}()
	return p, nil
}

// Close closes the worker's stdin, then kills it if it has not exited
// within the grace period.
func (p *Process) Close() error {
	p.mu.Lock()
	_ = p.w.Close()
	p.mu.Unlock()
	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	// stdin and stdout are already closed at this point
	_ = p.StreamTransport.Close()
	return nil
}
