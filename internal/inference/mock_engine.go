package inference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// MockEngine produces deterministic text without a model. With a script it
// returns the entries in order and then repeats the last one; otherwise it
// describes how much audio it was given.
type MockEngine struct {
	Latency time.Duration

	mu     sync.Mutex
	script []string
	calls  int
	loads  int
}

func NewMockEngine(script ...string) *MockEngine {
	return &MockEngine{script: append([]string(nil), script...)}
}

func (m *MockEngine) Load(_ context.Context, progress ProgressFunc) error {
	m.mu.Lock()
	m.loads++
	m.mu.Unlock()
	report(progress, protocol.FileProgress{Name: "mock", File: "mock.bin", Status: "initiate"})
	report(progress, protocol.FileProgress{Name: "mock", File: "mock.bin", Status: "done", Progress: 100})
	return nil
}

func (m *MockEngine) Generate(ctx context.Context, req GenerateRequest, onToken func()) (string, error) {
	if m.Latency > 0 {
		timer := time.NewTimer(m.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	var text string
	if len(m.script) > 0 {
		idx := m.calls
		if idx >= len(m.script) {
			idx = len(m.script) - 1
		}
		text = m.script[idx]
	} else {
		seconds := len(req.Audio) / audio.SampleRate
		text = fmt.Sprintf("heard %d seconds of audio", seconds)
	}
	m.calls++
	m.mu.Unlock()

	words := strings.Fields(text)
	if req.MaxNewTokens > 0 && len(words) > req.MaxNewTokens {
		words = words[:req.MaxNewTokens]
		text = strings.Join(words, " ")
	}
	for range words {
		if onToken != nil {
			onToken()
		}
	}
	return text, nil
}

// Calls reports how many times Generate ran.
func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Loads reports how many times Load ran.
func (m *MockEngine) Loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}
