package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/mattn/go-shellwords"
)

const stopGrace = 2 * time.Second

// ExecSource records by running an external command that writes the audio
// container to stdout, one process per recording.
type ExecSource struct {
	cfg    config.CaptureConfig
	logger *slog.Logger

	mu    sync.Mutex
	inUse map[string]bool
}

func NewExecSource(cfg config.CaptureConfig, logger *slog.Logger) (*ExecSource, error) {
	args, err := shellwords.Parse(cfg.RecordCommand)
	if err != nil {
		return nil, fmt.Errorf("parse record command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("record command is empty")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ExecSource{cfg: cfg, logger: logger, inUse: make(map[string]bool)}, nil
}

// Devices returns the output of the list command, the configured devices,
// or just the default device.
func (s *ExecSource) Devices(ctx context.Context) ([]Device, error) {
	if s.cfg.ListCommand != "" {
		return s.listDevices(ctx)
	}
	if len(s.cfg.Devices) > 0 {
		out := make([]Device, 0, len(s.cfg.Devices))
		for _, d := range s.cfg.Devices {
			out = append(out, Device{ID: d.ID, Label: coalesce(d.Label, d.ID)})
		}
		return out, nil
	}
	return []Device{{ID: s.cfg.DefaultDevice, Label: "Default input"}}, nil
}

func (s *ExecSource) listDevices(ctx context.Context) ([]Device, error) {
	args, err := shellwords.Parse(s.cfg.ListCommand)
	if err != nil {
		return nil, fmt.Errorf("parse list command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("list command is empty")
	}
	var stderr bytes.Buffer
	command := exec.CommandContext(ctx, args[0], args[1:]...)
	command.Stderr = &stderr
	output, err := command.Output()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var devices []Device
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, label, _ := strings.Cut(line, "\t")
		id = strings.TrimSpace(id)
		devices = append(devices, Device{ID: id, Label: coalesce(strings.TrimSpace(label), id)})
	}
	return devices, scanner.Err()
}

// Open acquires deviceID exclusively. An empty id selects the default device.
func (s *ExecSource) Open(ctx context.Context, deviceID string) (Stream, error) {
	if deviceID == "" {
		deviceID = s.cfg.DefaultDevice
	}
	if len(s.cfg.Devices) > 0 || s.cfg.ListCommand != "" {
		devices, err := s.Devices(ctx)
		if err != nil {
			return nil, &DeviceError{DeviceID: deviceID, Err: err}
		}
		found := false
		for _, d := range devices {
			if d.ID == deviceID {
				found = true
				break
			}
		}
		if !found {
			return nil, &DeviceError{DeviceID: deviceID, Err: ErrDeviceNotFound}
		}
	}

	args, err := s.recordArgs(deviceID)
	if err != nil {
		return nil, &DeviceError{DeviceID: deviceID, Err: err}
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, &DeviceError{DeviceID: deviceID, Err: fmt.Errorf("recorder not found: %w", err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[deviceID] {
		return nil, &DeviceError{DeviceID: deviceID, Err: ErrDeviceBusy}
	}
	s.inUse[deviceID] = true

	s.logger.Info("audio device acquired", slog.String("device", deviceID))
	return &execStream{
		source:   s,
		deviceID: deviceID,
		args:     args,
		mimeType: s.cfg.MimeType,
		logger:   s.logger.With(slog.String("device", deviceID)),
		events:   newEventQueue(),
	}, nil
}

func (s *ExecSource) recordArgs(deviceID string) ([]string, error) {
	args, err := shellwords.Parse(s.cfg.RecordCommand)
	if err != nil {
		return nil, fmt.Errorf("parse record command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("record command is empty")
	}
	replacer := strings.NewReplacer("{device}", deviceID, "{rate}", strconv.Itoa(s.cfg.SampleRate))
	for i := range args {
		args[i] = replacer.Replace(args[i])
	}
	return args, nil
}

func (s *ExecSource) release(deviceID string) {
	s.mu.Lock()
	delete(s.inUse, deviceID)
	s.mu.Unlock()
	s.logger.Info("audio device released", slog.String("device", deviceID))
}

type execStream struct {
	source   *ExecSource
	deviceID string
	args     []string
	mimeType string
	logger   *slog.Logger
	events   *eventQueue

	mu       sync.Mutex
	cmd      *exec.Cmd
	pending  []byte
	running  bool
	stopping bool
	closed   bool
	exited   chan struct{}
}

func (s *execStream) DeviceID() string { return s.deviceID }

func (s *execStream) MimeType() string { return s.mimeType }

func (s *execStream) Events() <-chan Event { return s.events.out }

func (s *execStream) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.running && !s.stopping {
		s.mu.Unlock()
		return nil
	}
	previous := s.exited
	s.mu.Unlock()
	if previous != nil {
		<-previous
	}

	cmd := exec.Command(s.args[0], s.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &DeviceError{DeviceID: s.deviceID, Err: err}
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return &DeviceError{DeviceID: s.deviceID, Err: fmt.Errorf("start recorder: %w", err)}
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.pending = nil
	s.running = true
	s.stopping = false
	s.exited = exited
	s.mu.Unlock()

	s.logger.Info("recorder started", slog.Int("pid", cmd.Process.Pid))
	s.events.push(Event{Kind: EventStart})
	go s.pump(cmd, stdout, stderr, exited)
	return nil
}

func (s *execStream) pump(cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, exited chan struct{}) {
	defer close(exited)
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.pending = append(s.pending, buf[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			break
		}
	}
	waitErr := cmd.Wait()

	s.mu.Lock()
	stopping := s.stopping
	tail := s.pending
	s.pending = nil
	s.running = false
	s.cmd = nil
	s.mu.Unlock()

	if waitErr != nil && !stopping {
		detail := strings.TrimSpace(stderr.String())
		s.logger.Warn("recorder failed", slog.String("error", waitErr.Error()), slog.String("stderr", detail))
		s.events.push(Event{Kind: EventError, Err: &DeviceError{
			DeviceID: s.deviceID,
			Err:      fmt.Errorf("recorder exited: %w: %s", waitErr, detail),
		}})
	}
	s.events.push(Event{Kind: EventData, Data: tail})
	s.events.push(Event{Kind: EventStop})
	s.logger.Info("recorder stopped")
}

func (s *execStream) RequestData() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	data := s.pending
	s.pending = nil
	s.mu.Unlock()
	s.events.push(Event{Kind: EventData, Data: data})
}

func (s *execStream) Stop() error {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
		return nil
	}
	go func() {
		select {
		case <-exited:
		case <-time.After(stopGrace):
			_ = cmd.Process.Kill()
		}
	}()
	return nil
}

func (s *execStream) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	exited := s.exited
	s.mu.Unlock()

	if exited != nil {
		<-exited
	}
	s.events.close()
	s.source.release(s.deviceID)
	return nil
}

func coalesce(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
