package hub

import (
	"stackpad/controlplane/pkg/proto"
)

// ServeSession runs one browser session connection to completion: auth
// handshake, then request forwarding until the socket closes. The hub owns
// conn for the duration.
func (h *Hub) ServeSession(conn Conn) {
	defer conn.Close()

	var env proto.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return
	}
	msg, err := env.Decode()
	if err != nil {
		_ = conn.WriteJSON(proto.Encode(proto.AuthFailed{Error: "malformed auth"}))
		return
	}
	auth, ok := msg.(proto.Auth)
	if !ok {
		// no RPC before auth:success
		_ = conn.WriteJSON(proto.Encode(proto.AuthFailed{Error: "authentication required"}))
		return
	}
	if err := h.validator.Validate(auth.SessionID); err != nil {
		_ = conn.WriteJSON(proto.Encode(proto.AuthFailed{Error: "invalid session"}))
		return
	}
	nodeID, err := h.binder.NodeFor(auth.ApplicationUUID, auth.VolumeName)
	if err != nil {
		_ = conn.WriteJSON(proto.Encode(proto.AuthFailed{Error: "unknown resource"}))
		return
	}

	s := &sessionConn{id: proto.NewRequestID(), nodeID: nodeID, conn: conn}
	if err := s.write(proto.Encode(proto.AuthSuccess{})); err != nil {
		return
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, s.id)
		h.mu.Unlock()
	}()

	for {
		var env proto.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		msg, err := env.Decode()
		if err != nil {
			h.logf("hub: session %s: bad envelope: %v", s.id, err)
			continue
		}
		switch m := msg.(type) {
		case proto.Request:
			h.forwardRequest(s, m, env)
		case proto.DownloadCancelled:
			h.forwardCancel(s, m, env)
		case proto.Auth:
			// already authenticated; ignore
		default:
			h.logf("hub: session %s: dropping %T", s.id, m)
		}
	}
}

// forwardRequest tags the envelope with the session's channel ID and hands it
// to the owning agent. With no agent connected the hub answers on the node's
// behalf so the caller's pending call fails immediately instead of timing out.
func (h *Hub) forwardRequest(s *sessionConn, m proto.Request, env proto.Envelope) {
	a := h.agentFor(s.nodeID)
	if a == nil {
		fail := proto.Encode(proto.Response{NS: m.NS, RequestID: m.RequestID, OK: false, Error: "node disconnected"})
		_ = s.write(fail)
		return
	}
	a.mu.Lock()
	a.requests[m.RequestID] = route{session: s.id, ns: m.NS}
	a.mu.Unlock()

	env.Channel = s.id
	if err := a.write(env); err != nil {
		a.mu.Lock()
		delete(a.requests, m.RequestID)
		a.mu.Unlock()
		fail := proto.Encode(proto.Response{NS: m.NS, RequestID: m.RequestID, OK: false, Error: "node disconnected"})
		_ = s.write(fail)
	}
}

// forwardCancel relays a client-side download cancel. Advisory: the session's
// local state is already gone, so a lost forward only costs wasted chunks.
func (h *Hub) forwardCancel(s *sessionConn, m proto.DownloadCancelled, env proto.Envelope) {
	a := h.agentFor(s.nodeID)
	if a == nil {
		return
	}
	a.mu.Lock()
	delete(a.transfers, m.TransferID)
	a.mu.Unlock()
	env.Channel = s.id
	_ = a.write(env)
}
