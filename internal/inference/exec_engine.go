package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// ExecEngine shells out to a recognizer binary for each window. The binary
// receives a 16 kHz mono WAV and prints JSON lines: {"token": "..."} per
// generated token, then {"text": "...", "done": true}.
type ExecEngine struct {
	cmd    []string
	cfg    config.InferenceConfig
	logger *slog.Logger
	mu     sync.Mutex
}

type execLine struct {
	Token string `json:"token"`
	Text  string `json:"text"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func NewExecEngine(cfg config.InferenceConfig, logger *slog.Logger) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse asr command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("asr command is empty")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ExecEngine{cmd: args, cfg: cfg, logger: logger}, nil
}

// Load checks the binary and model file, then optionally warms the model up
// with one token on a second of silence.
func (e *ExecEngine) Load(ctx context.Context, progress ProgressFunc) error {
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return fmt.Errorf("asr command not found: %w", err)
	}
	if e.cfg.ModelPath != "" {
		name := e.cfg.ModelID
		file := filepath.Base(e.cfg.ModelPath)
		report(progress, protocol.FileProgress{Name: name, File: file, Status: "initiate"})
		info, err := os.Stat(e.cfg.ModelPath)
		if err != nil {
			return fmt.Errorf("model file: %w", err)
		}
		report(progress, protocol.FileProgress{
			Name:     name,
			File:     file,
			Status:   "done",
			Progress: 100,
			Loaded:   info.Size(),
			Total:    info.Size(),
		})
	}
	if !e.cfg.Warmup {
		return nil
	}
	if _, err := e.Generate(ctx, GenerateRequest{
		Audio:        make([]float32, audio.SampleRate),
		Language:     "en",
		MaxNewTokens: 1,
	}, nil); err != nil {
		return fmt.Errorf("warm up: %w", err)
	}
	return nil
}

func (e *ExecEngine) Generate(ctx context.Context, req GenerateRequest, onToken func()) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_asr_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if err := audio.EncodeWAV(file, req.Audio, audio.SampleRate); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.ModelPath)
	}
	if req.Language != "" {
		cmdArgs = append(cmdArgs, "--language", req.Language)
	}
	cmdArgs = append(cmdArgs, "--max-new-tokens", strconv.Itoa(coalesceInt(req.MaxNewTokens, DefaultMaxNewTokens)))

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("asr stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		return "", fmt.Errorf("start asr command: %w", err)
	}

	var (
		text     string
		done     bool
		failure  string
		parseErr error
	)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			if parseErr == nil {
				parseErr = fmt.Errorf("decode asr output: %w", err)
			}
			continue
		}
		switch {
		case msg.Error != "":
			failure = msg.Error
		case msg.Done:
			text = msg.Text
			done = true
		case msg.Token != "":
			if onToken != nil {
				onToken()
			}
			text += msg.Token
		}
	}
	if err := command.Wait(); err != nil {
		return "", fmt.Errorf("asr command failed: %w: %s", err, stderr.String())
	}
	if failure != "" {
		return "", fmt.Errorf("asr command reported: %s", failure)
	}
	if !done && parseErr != nil {
		return "", parseErr
	}
	e.logger.Debug("asr command finished", slog.Int("samples", len(req.Audio)), slog.Int("chars", len(text)))
	return text, nil
}

func report(progress ProgressFunc, p protocol.FileProgress) {
	if progress != nil {
		progress(p)
	}
}
