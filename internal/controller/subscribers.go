package controller

import "sync"

const defaultSubscriberBuffer = 8

// subscribers fans snapshots out without ever blocking the loop. When a
// subscriber's buffer is full the oldest pending snapshot is dropped.
type subscribers struct {
	mu     sync.Mutex
	buffer int
	next   int
	subs   map[int]chan Snapshot
	closed bool
}

func (s *subscribers) add(buffer int, current Snapshot) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = s.buffer
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Snapshot, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	if s.subs == nil {
		s.subs = make(map[int]chan Snapshot)
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	ch <- current

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

func (s *subscribers) broadcast(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
