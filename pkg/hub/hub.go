// Package hub demultiplexes the control plane's WebSocket traffic: browser
// session connections on one side, node agent connections on the other, with
// envelope routing between them and bridge replies written out-of-band.
package hub

import (
	"errors"
	"log"
	"sync"

	"stackpad/controlplane/pkg/bridge"
	"stackpad/controlplane/pkg/nodes"
	"stackpad/controlplane/pkg/proto"
)

// Conn is the transport side the hub manages; *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// SessionValidator checks a browser session ID. The real implementation lives
// in the web layer; the hub only needs the verdict.
type SessionValidator interface {
	Validate(sessionID string) error
}

// Binder maps an application or volume to the node that hosts it.
type Binder interface {
	NodeFor(applicationUUID, volumeName string) (string, error)
}

// BridgeWriter receives node replies destined for waiting HTTP handlers.
type BridgeWriter interface {
	WriteReply(nodeID, requestID string, r bridge.Reply) error
}

var ErrNodeOffline = errors.New("hub: node offline")

type route struct {
	session string
	ns      proto.Namespace
}

type agentConn struct {
	nodeID  string
	conn    Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	requests  map[string]route // request_id -> origin
	transfers map[string]route // transfer_id -> origin
}

func (a *agentConn) write(env proto.Envelope) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(env)
}

type sessionConn struct {
	id      string
	nodeID  string
	conn    Conn
	writeMu sync.Mutex
}

func (s *sessionConn) write(env proto.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(env)
}

// Hub routes envelopes between sessions and agents. Both connection maps sit
// behind one RWMutex with short critical sections; socket writes happen
// outside the lock.
type Hub struct {
	validator SessionValidator
	binder    Binder
	registry  *nodes.Registry
	bridgeW   BridgeWriter
	logf      func(format string, args ...interface{})

	mu       sync.RWMutex
	agents   map[string]*agentConn
	sessions map[string]*sessionConn
}

func New(validator SessionValidator, binder Binder, registry *nodes.Registry, bridgeW BridgeWriter) *Hub {
	return &Hub{
		validator: validator,
		binder:    binder,
		registry:  registry,
		bridgeW:   bridgeW,
		logf:      log.Printf,
		agents:    make(map[string]*agentConn),
		sessions:  make(map[string]*sessionConn),
	}
}

// SetLogf overrides the logger (tests silence it).
func (h *Hub) SetLogf(f func(format string, args ...interface{})) { h.logf = f }

// SendToNode implements bridge.Sender.
func (h *Hub) SendToNode(nodeID string, env proto.Envelope) error {
	h.mu.RLock()
	a := h.agents[nodeID]
	h.mu.RUnlock()
	if a == nil {
		return ErrNodeOffline
	}
	return a.write(env)
}

func (h *Hub) agentFor(nodeID string) *agentConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agents[nodeID]
}

func (h *Hub) sessionFor(id string) *sessionConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}
