package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"stackpad/controlplane/pkg/proto"
)

// Sender pushes an envelope onto a node's control channel. Implemented by the
// hub in-process; a split deployment would implement it over IPC.
type Sender interface {
	SendToNode(nodeID string, env proto.Envelope) error
}

// Presence reports whether a node's channel is currently connected.
type Presence interface {
	Online(nodeID string) bool
}

// Reply is what the node reply path writes into the store.
type Reply struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Bridge publishes one-shot requests to node channels and retrieves the
// asynchronous replies through a Store.
type Bridge struct {
	store    Store
	sender   Sender
	presence Presence
	deadline time.Duration
	perNode  int

	mu       sync.Mutex
	inflight map[string]int
}

func New(store Store, sender Sender, presence Presence) *Bridge {
	return &Bridge{
		store:    store,
		sender:   sender,
		presence: presence,
		deadline: DefaultDeadline,
		perNode:  DefaultPerNodeLimit,
		inflight: make(map[string]int),
	}
}

// SetDeadline overrides the per-call deadline (tests shorten it).
func (b *Bridge) SetDeadline(d time.Duration) { b.deadline = d }

// WriteReply stores a node's answer for the waiting handler. Called by the
// hub when a bridge:response arrives.
func (b *Bridge) WriteReply(nodeID, requestID string, r Reply) error {
	return b.store.Put(nodeID, requestID, proto.MustMarshal(r))
}

// Call sends action to nodeID and blocks until the reply, the deadline, or
// ctx. Offline nodes fail immediately without waiting.
func (b *Bridge) Call(ctx context.Context, nodeID, action string, payload interface{}) (json.RawMessage, error) {
	if b.presence != nil && !b.presence.Online(nodeID) {
		return nil, ErrUnavailable
	}
	if err := b.acquire(nodeID); err != nil {
		return nil, err
	}
	defer b.release(nodeID)

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	requestID := proto.NewRequestID()
	env := proto.Encode(proto.BridgeRequest{NodeID: nodeID, RequestID: requestID, Action: action, Payload: raw})
	if err := b.sender.SendToNode(nodeID, env); err != nil {
		return nil, ErrUnavailable
	}

	payloadBytes, err := b.store.Await(ctx, nodeID, requestID, b.deadline)
	if err != nil {
		return nil, err
	}
	var reply Reply
	if err := json.Unmarshal(payloadBytes, &reply); err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, &CallError{Action: action, Message: reply.Error}
	}
	return reply.Result, nil
}

func (b *Bridge) acquire(nodeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight[nodeID] >= b.perNode {
		return ErrBusy
	}
	b.inflight[nodeID]++
	return nil
}

func (b *Bridge) release(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight[nodeID] > 0 {
		b.inflight[nodeID]--
	}
}

// CallError carries a node-reported bridge failure.
type CallError struct {
	Action  string
	Message string
}

func (e *CallError) Error() string {
	return "bridge: " + e.Action + " failed: " + e.Message
}
