package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrDeviceNotFound = errors.New("audio device not found")
	ErrDeviceBusy     = errors.New("audio device already in use")
	ErrStreamClosed   = errors.New("capture stream closed")
)

// Device is an audio input the operator can pick.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DeviceError reports a device that could not be acquired or failed while
// recording.
type DeviceError struct {
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.DeviceID, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

type EventKind int

const (
	EventStart EventKind = iota
	EventData
	EventStop
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventData:
		return "data"
	case EventStop:
		return "stop"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one recorder notification. Data events may carry zero bytes when
// nothing was captured since the previous request.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
	At   time.Time
}

// Stream is an acquired device plus its recorder. Every Start begins a new
// container stream, so the first data after a start carries the header.
type Stream interface {
	DeviceID() string
	MimeType() string
	Start() error
	// RequestData asks for everything captured since the last request; the
	// answer arrives as an EventData.
	RequestData()
	// Stop ends recording but keeps the device. A final EventData and an
	// EventStop follow.
	Stop() error
	// Close stops recording and releases the device.
	Close() error
	Events() <-chan Event
}

// Source enumerates and acquires devices.
type Source interface {
	Devices(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, deviceID string) (Stream, error)
}

// eventQueue delivers events in order without ever blocking the producer.
// The recorder emits from the controller's own goroutine, so a bounded
// channel could deadlock.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() { close(q.done) })
}
