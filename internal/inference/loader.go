package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"golang.org/x/sync/singleflight"
)

// loader runs a load function at most once at a time and remembers success.
// Waiters share the in-flight call; a failed load is forgotten so the next
// caller retries. The load runs on the loader's base context, so a waiter
// giving up does not abort it for the others.
type loader struct {
	base   context.Context
	group  singleflight.Group
	loaded atomic.Bool
}

func newLoader(base context.Context) *loader {
	return &loader{base: base}
}

func (l *loader) Do(ctx context.Context, fn func(context.Context) error) error {
	if l.loaded.Load() {
		return nil
	}
	ch := l.group.DoChan("load", func() (any, error) {
		if l.loaded.Load() {
			return nil, nil
		}
		if err := fn(l.base); err != nil {
			return nil, err
		}
		l.loaded.Store(true)
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *loader) Loaded() bool {
	return l.loaded.Load()
}

// progressHub fans one load's progress out to every current waiter.
type progressHub struct {
	mu        sync.Mutex
	next      int
	listeners map[int]ProgressFunc
}

func (h *progressHub) add(fn ProgressFunc) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners == nil {
		h.listeners = make(map[int]ProgressFunc)
	}
	id := h.next
	h.next++
	h.listeners[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

func (h *progressHub) publish(p protocol.FileProgress) {
	h.mu.Lock()
	listeners := make([]ProgressFunc, 0, len(h.listeners))
	for _, fn := range h.listeners {
		listeners = append(listeners, fn)
	}
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(p)
	}
}

// tokenMeter derives tokens per second from streamed token callbacks. The
// clock starts at the first token; a rate exists from the second on.
type tokenMeter struct {
	mu     sync.Mutex
	now    func() time.Time
	start  time.Time
	tokens int
	rate   float64
	report func(float64)
}

func newTokenMeter(report func(float64)) *tokenMeter {
	return &tokenMeter{now: time.Now, report: report}
}

func (m *tokenMeter) tick() {
	m.mu.Lock()
	now := m.now()
	if m.start.IsZero() {
		m.start = now
	}
	m.tokens++
	var rate float64
	if m.tokens > 1 {
		if elapsed := now.Sub(m.start).Seconds(); elapsed > 0 {
			m.rate = float64(m.tokens) / elapsed
			rate = m.rate
		}
	}
	report := m.report
	m.mu.Unlock()
	if rate > 0 && report != nil {
		report(rate)
	}
}

func (m *tokenMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}
