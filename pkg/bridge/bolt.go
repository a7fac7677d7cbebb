package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bReplies  = "bridge_replies"
	defaultTO = 2 * time.Second
)

type boltRecord struct {
	WrittenAt int64  `json:"written_at"`
	Payload   []byte `json:"payload"`
}

// BoltStore serves deployments where the HTTP workers and the WebSocket
// server are separate processes: the database file plus bbolt's file lock is
// the only shared resource. Await falls back to fixed-interval polling since
// there is no cross-process wakeup.
type BoltStore struct {
	db   *bolt.DB
	ttl  time.Duration
	done chan struct{}
}

// OpenBolt opens (or creates) the rendezvous database at path.
func OpenBolt(path string, ttl time.Duration) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bReplies))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &BoltStore{db: db, ttl: ttl, done: make(chan struct{})}
	go s.janitor()
	return s, nil
}

func replyKey(nodeID, requestID string) []byte {
	b := make([]byte, 0, len(nodeID)+1+len(requestID))
	b = append(b, nodeID...)
	b = append(b, 0)
	b = append(b, requestID...)
	return b
}

func (s *BoltStore) Put(nodeID, requestID string, payload []byte) error {
	val, err := json.Marshal(boltRecord{WrittenAt: time.Now().UnixNano(), Payload: payload})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bReplies)).Put(replyKey(nodeID, requestID), val)
	})
}

func (s *BoltStore) Take(nodeID, requestID string) ([]byte, bool, error) {
	var payload []byte
	var found bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bReplies))
		k := replyKey(nodeID, requestID)
		raw := b.Get(k)
		if raw == nil {
			return nil
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// corrupt record: delete and treat as absent
			return b.Delete(k)
		}
		payload = rec.Payload
		found = true
		return b.Delete(k)
	})
	return payload, found, err
}

func (s *BoltStore) Await(ctx context.Context, nodeID, requestID string, deadline time.Duration) ([]byte, error) {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	end := time.Now().Add(deadline)
	tick := time.NewTicker(PollInterval)
	defer tick.Stop()
	for {
		payload, ok, err := s.Take(nodeID, requestID)
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}
		if time.Now().After(end) {
			return nil, ErrTimeout
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *BoltStore) janitor() {
	t := time.NewTicker(s.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = s.sweep(time.Now())
		case <-s.done:
			return
		}
	}
}

func (s *BoltStore) sweep(now time.Time) error {
	cutoff := now.Add(-s.ttl).UnixNano()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bReplies))
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil || rec.WrittenAt < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	close(s.done)
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
