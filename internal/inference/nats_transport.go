package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATSTransport publishes requests on a subject and collects every response
// on a private inbox.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
	inbox   string
	sub     *nats.Subscription
	logger  *slog.Logger

	mu        sync.RWMutex
	done      bool
	responses chan protocol.Response
	closed    chan struct{}
	closeOnce sync.Once
}

func NewNATSTransport(conn *nats.Conn, subject string, logger *slog.Logger) (*NATSTransport, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is nil")
	}
	if subject == "" {
		subject = protocol.SubjectASRRequest
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &NATSTransport{
		conn:      conn,
		subject:   subject,
		inbox:     nats.NewInbox(),
		logger:    logger,
		responses: make(chan protocol.Response, 32),
		closed:    make(chan struct{}),
	}
	sub, err := conn.Subscribe(t.inbox, t.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", t.inbox, err)
	}
	t.sub = sub
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return t, nil
}

func (t *NATSTransport) handle(msg *nats.Msg) {
	var resp protocol.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.logger.Warn("invalid worker message", slogError(err))
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.done {
		return
	}
	select {
	case t.responses <- resp:
	case <-t.closed:
	}
}

func (t *NATSTransport) Send(ctx context.Context, req protocol.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	select {
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := t.conn.PublishMsg(&nats.Msg{Subject: t.subject, Reply: t.inbox, Data: data}); err != nil {
		return fmt.Errorf("publish %s: %w", t.subject, err)
	}
	return nil
}

func (t *NATSTransport) Responses() <-chan protocol.Response {
	return t.responses
}

// Close drops the inbox subscription. The connection itself belongs to the
// caller.
func (t *NATSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.sub.Unsubscribe()
		t.mu.Lock()
		t.done = true
		close(t.responses)
		t.mu.Unlock()
	})
	return err
}
