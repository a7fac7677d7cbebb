package hub

import (
	"stackpad/controlplane/pkg/bridge"
	"stackpad/controlplane/pkg/proto"
)

// ServeNode runs one agent connection: registration, then demultiplexing of
// responses, download streams, heartbeats and bridge replies until the socket
// drops. An agent reconnecting under the same node ID replaces the old entry.
func (h *Hub) ServeNode(conn Conn) {
	defer conn.Close()

	var env proto.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return
	}
	msg, err := env.Decode()
	if err != nil {
		return
	}
	reg, ok := msg.(proto.NodeRegister)
	if !ok || reg.NodeID == "" {
		return
	}

	a := &agentConn{
		nodeID:    reg.NodeID,
		conn:      conn,
		requests:  make(map[string]route),
		transfers: make(map[string]route),
	}
	h.mu.Lock()
	if old := h.agents[reg.NodeID]; old != nil {
		_ = old.conn.Close()
	}
	h.agents[reg.NodeID] = a
	h.mu.Unlock()
	h.registry.SetOnline(reg.NodeID, true)
	h.logf("hub: node %s connected (%s/%s %s)", reg.NodeID, reg.OS, reg.Arch, reg.Version)

	defer h.dropAgent(a)

	for {
		var env proto.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		msg, err := env.Decode()
		if err != nil {
			h.logf("hub: node %s: bad envelope: %v", a.nodeID, err)
			continue
		}
		switch m := msg.(type) {
		case proto.Response:
			h.routeResponse(a, m, env)
		case proto.DownloadStart:
			h.routeTransferStart(a, m, env)
		case proto.DownloadChunk:
			h.routeTransfer(a, m.TransferID, env, false)
		case proto.DownloadDone:
			h.routeTransfer(a, m.TransferID, env, true)
		case proto.DownloadCancelled:
			h.routeTransfer(a, m.TransferID, env, true)
		case proto.NodeHeartbeat:
			h.registry.Seen(a.nodeID)
		case proto.BridgeResponse:
			r := bridge.Reply{OK: m.OK, Result: m.Result, Error: m.Error}
			if err := h.bridgeW.WriteReply(a.nodeID, m.RequestID, r); err != nil {
				h.logf("hub: node %s: bridge reply %s: %v", a.nodeID, m.RequestID, err)
			}
		default:
			h.logf("hub: node %s: dropping %T", a.nodeID, m)
		}
	}
}

func (h *Hub) routeResponse(a *agentConn, m proto.Response, env proto.Envelope) {
	a.mu.Lock()
	rt, ok := a.requests[m.RequestID]
	if ok {
		delete(a.requests, m.RequestID)
	}
	a.mu.Unlock()
	sessionID := rt.session
	if !ok {
		sessionID = env.Channel
	}
	s := h.sessionFor(sessionID)
	if s == nil {
		// session went away; late response, drop
		return
	}
	env.Channel = ""
	_ = s.write(env)
}

func (h *Hub) routeTransferStart(a *agentConn, m proto.DownloadStart, env proto.Envelope) {
	if env.Channel == "" {
		return
	}
	a.mu.Lock()
	a.transfers[m.TransferID] = route{session: env.Channel, ns: m.NS}
	a.mu.Unlock()
	h.routeTransfer(a, m.TransferID, env, false)
}

func (h *Hub) routeTransfer(a *agentConn, transferID string, env proto.Envelope, terminal bool) {
	a.mu.Lock()
	rt, ok := a.transfers[transferID]
	if terminal {
		delete(a.transfers, transferID)
	}
	a.mu.Unlock()
	sessionID := rt.session
	if !ok {
		sessionID = env.Channel
	}
	s := h.sessionFor(sessionID)
	if s == nil {
		return
	}
	env.Channel = ""
	_ = s.write(env)
}

// dropAgent marks the node offline and fails everything routed through it:
// synthesized ok:false responses for in-flight requests, cancel events for
// open download streams. Nothing is silently dropped.
func (h *Hub) dropAgent(a *agentConn) {
	h.mu.Lock()
	current := h.agents[a.nodeID] == a
	if current {
		delete(h.agents, a.nodeID)
	}
	h.mu.Unlock()
	// a replaced connection must not mark the node offline; its successor
	// already owns the registry entry
	if current {
		h.registry.SetOnline(a.nodeID, false)
		h.logf("hub: node %s disconnected", a.nodeID)
	}

	a.mu.Lock()
	requests := a.requests
	transfers := a.transfers
	a.requests = make(map[string]route)
	a.transfers = make(map[string]route)
	a.mu.Unlock()

	for requestID, rt := range requests {
		if s := h.sessionFor(rt.session); s != nil {
			fail := proto.Encode(proto.Response{NS: rt.ns, RequestID: requestID, OK: false, Error: "node disconnected"})
			_ = s.write(fail)
		}
	}
	for transferID, rt := range transfers {
		if s := h.sessionFor(rt.session); s != nil {
			_ = s.write(proto.Encode(proto.DownloadCancelled{NS: rt.ns, TransferID: transferID}))
		}
	}
}
