// Package bridge lets a synchronous HTTP handler obtain a one-shot answer
// from a remote node without holding a WebSocket connection itself. The
// handler publishes a request onto the node's channel and waits on a keyed,
// ephemeral rendezvous store for the out-of-band reply.
package bridge

import (
	"context"
	"errors"
	"time"
)

const (
	// PollInterval is the fixed poll granularity for stores that cannot
	// wake waiters directly (split-process deployments).
	PollInterval = 100 * time.Millisecond
	// DefaultDeadline bounds one bridge call.
	DefaultDeadline = 3 * time.Second
	// DefaultTTL expires unread records independent of being read, so a
	// reply arriving after the deadline cannot leak forever.
	DefaultTTL = 30 * time.Second
	// DefaultPerNodeLimit caps concurrent in-flight bridge calls per node;
	// slow or offline nodes must not tie up every HTTP worker.
	DefaultPerNodeLimit = 4
)

var (
	// ErrUnavailable: node offline or unreachable. Fails fast, no waiting.
	ErrUnavailable = errors.New("bridge: node unavailable")
	// ErrTimeout: deadline elapsed with no reply.
	ErrTimeout = errors.New("bridge: deadline elapsed")
	// ErrBusy: per-node in-flight cap exceeded.
	ErrBusy = errors.New("bridge: too many in-flight calls for node")
)

// Store is the rendezvous point. Records live under (node_id, request_id),
// are written once by the node reply path, consumed at most once by the
// waiting handler, and expire unread after the TTL.
type Store interface {
	Put(nodeID, requestID string, payload []byte) error
	// Take reads and deletes in one step.
	Take(nodeID, requestID string) ([]byte, bool, error)
	// Await blocks until the record appears, the deadline elapses
	// (ErrTimeout), or ctx ends.
	Await(ctx context.Context, nodeID, requestID string, deadline time.Duration) ([]byte, error)
	Close() error
}
