package bridge

import (
	"context"
	"sync"
	"time"
)

type key struct{ node, request string }

type record struct {
	payload   []byte
	writtenAt time.Time
}

// MemoryStore serves the single-process deployment: Put hands the payload to
// a registered waiter directly, so Await wakes immediately instead of
// polling. Unclaimed records expire after ttl.
type MemoryStore struct {
	ttl time.Duration

	mu      sync.Mutex
	records map[key]record
	waiters map[key]chan []byte
	done    chan struct{}
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		ttl:     ttl,
		records: make(map[key]record),
		waiters: make(map[key]chan []byte),
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) Put(nodeID, requestID string, payload []byte) error {
	k := key{nodeID, requestID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waiters[k]; ok {
		delete(s.waiters, k)
		ch <- payload
		return nil
	}
	s.records[k] = record{payload: payload, writtenAt: time.Now()}
	return nil
}

func (s *MemoryStore) Take(nodeID, requestID string) ([]byte, bool, error) {
	k := key{nodeID, requestID}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[k]
	if !ok {
		return nil, false, nil
	}
	delete(s.records, k)
	return r.payload, true, nil
}

func (s *MemoryStore) Await(ctx context.Context, nodeID, requestID string, deadline time.Duration) ([]byte, error) {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	k := key{nodeID, requestID}

	ch := make(chan []byte, 1)
	s.mu.Lock()
	if r, ok := s.records[k]; ok {
		delete(s.records, k)
		s.mu.Unlock()
		return r.payload, nil
	}
	s.waiters[k] = ch
	s.mu.Unlock()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case payload := <-ch:
		return payload, nil
	case <-timer.C:
		s.dropWaiter(k, ch)
		return nil, ErrTimeout
	case <-ctx.Done():
		s.dropWaiter(k, ch)
		return nil, ctx.Err()
	}
}

// dropWaiter unregisters ch, recovering a payload delivered in the race
// window so it expires via the record path instead of vanishing.
func (s *MemoryStore) dropWaiter(k key, ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters[k] == ch {
		delete(s.waiters, k)
	}
	select {
	case payload := <-ch:
		s.records[k] = record{payload: payload, writtenAt: time.Now()}
	default:
	}
}

func (s *MemoryStore) janitor() {
	t := time.NewTicker(s.ttl / 2)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			s.mu.Lock()
			for k, r := range s.records {
				if now.Sub(r.writtenAt) > s.ttl {
					delete(s.records, k)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) Close() error {
	close(s.done)
	return nil
}

var _ Store = (*MemoryStore)(nil)
