package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"stackpad/controlplane/pkg/bridge"
	"stackpad/controlplane/pkg/nodes"
	"stackpad/controlplane/pkg/proto"
)

// pipeConn is an in-memory Conn: the test side pushes into recv and observes
// what the hub wrote on sent.
type pipeConn struct {
	recv chan proto.Envelope
	sent chan proto.Envelope

	once   sync.Once
	closed chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		recv:   make(chan proto.Envelope, 64),
		sent:   make(chan proto.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadJSON(v interface{}) error {
	select {
	case env := <-c.recv:
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, v)
	case <-c.closed:
		return errors.New("use of closed connection")
	}
}

func (c *pipeConn) WriteJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var env proto.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	select {
	case c.sent <- env:
		return nil
	case <-c.closed:
		return errors.New("use of closed connection")
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) push(m proto.Message) { c.recv <- proto.Encode(m) }

func (c *pipeConn) pushEnv(env proto.Envelope) { c.recv <- env }

func (c *pipeConn) next(t *testing.T) proto.Envelope {
	t.Helper()
	select {
	case env := <-c.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound envelope")
		return proto.Envelope{}
	}
}

type allowSessions struct{ denied map[string]bool }

func (v allowSessions) Validate(id string) error {
	if v.denied[id] {
		return errors.New("denied")
	}
	return nil
}

type staticBinder struct{ nodeID string }

func (b staticBinder) NodeFor(appUUID, volumeName string) (string, error) {
	if b.nodeID == "" {
		return "", errors.New("unbound")
	}
	return b.nodeID, nil
}

type replySpy struct {
	mu      sync.Mutex
	replies map[string]bridge.Reply // request_id -> reply
}

func (w *replySpy) WriteReply(nodeID, requestID string, r bridge.Reply) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.replies == nil {
		w.replies = make(map[string]bridge.Reply)
	}
	w.replies[requestID] = r
	return nil
}

func (w *replySpy) get(requestID string) (bridge.Reply, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.replies[requestID]
	return r, ok
}

type hubFixture struct {
	hub      *Hub
	registry *nodes.Registry
	bridgeW  *replySpy
}

func newHubFixture(t *testing.T, nodeID string) *hubFixture {
	t.Helper()
	reg := nodes.NewRegistry(nil)
	w := &replySpy{}
	h := New(allowSessions{}, staticBinder{nodeID: nodeID}, reg, w)
	h.SetLogf(t.Logf)
	return &hubFixture{hub: h, registry: reg, bridgeW: w}
}

// connectNode registers an agent connection and waits for it to be routable.
func (fx *hubFixture) connectNode(t *testing.T, nodeID string) *pipeConn {
	t.Helper()
	conn := newPipeConn()
	conn.push(proto.NodeRegister{NodeID: nodeID, OS: "linux", Arch: "amd64", Version: "0.1.0"})
	go fx.hub.ServeNode(conn)
	waitFor(t, func() bool { return fx.registry.Online(nodeID) })
	return conn
}

// connectSession authenticates a browser connection and returns it past the
// auth:success frame.
func (fx *hubFixture) connectSession(t *testing.T) *pipeConn {
	t.Helper()
	conn := newPipeConn()
	conn.push(proto.Auth{SessionID: "s1", ApplicationUUID: "app-1"})
	go fx.hub.ServeSession(conn)
	if env := conn.next(t); env.Type != proto.MsgAuthSuccess {
		t.Fatalf("handshake = %+v", env)
	}
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionAuthRejected(t *testing.T) {
	fx := newHubFixture(t, "n1")
	fx.hub.validator = allowSessions{denied: map[string]bool{"bad": true}}

	conn := newPipeConn()
	conn.push(proto.Auth{SessionID: "bad"})
	fx.hub.ServeSession(conn)
	// ServeSession returned; the failure frame is on the wire
	if env := conn.next(t); env.Type != proto.MsgAuthFailed {
		t.Fatalf("reply = %+v", env)
	}
}

func TestSessionRequiresAuthFirst(t *testing.T) {
	fx := newHubFixture(t, "n1")
	conn := newPipeConn()
	conn.pushEnv(proto.Envelope{Type: proto.NSFiles.Request(), RequestID: "r1", Action: "fs:list"})
	fx.hub.ServeSession(conn)
	env := conn.next(t)
	if env.Type != proto.MsgAuthFailed || env.Error != "authentication required" {
		t.Fatalf("reply = %+v", env)
	}
}

func TestSessionUnknownResource(t *testing.T) {
	fx := newHubFixture(t, "") // binder resolves nothing
	conn := newPipeConn()
	conn.push(proto.Auth{SessionID: "s1", ApplicationUUID: "ghost"})
	fx.hub.ServeSession(conn)
	if env := conn.next(t); env.Type != proto.MsgAuthFailed {
		t.Fatalf("reply = %+v", env)
	}
}

// A request crosses to the agent with the channel tag, and the response comes
// back to its session with the tag stripped.
func TestRequestRoundTripThroughAgent(t *testing.T) {
	fx := newHubFixture(t, "n1")
	agent := fx.connectNode(t, "n1")
	sess := fx.connectSession(t)

	sess.pushEnv(proto.Envelope{Type: proto.NSFiles.Request(), RequestID: "r1", Action: "fs:list", Payload: json.RawMessage(`{"path":"/"}`)})

	fwd := agent.next(t)
	if fwd.Type != proto.NSFiles.Request() || fwd.RequestID != "r1" {
		t.Fatalf("forwarded = %+v", fwd)
	}
	if fwd.Channel == "" {
		t.Fatal("forwarded request not tagged with a channel")
	}

	// agent answers, echoing the tag
	ok := true
	agent.pushEnv(proto.Envelope{Type: proto.NSFiles.Response(), RequestID: "r1", OK: &ok, Result: json.RawMessage(`{"entries":[]}`), Channel: fwd.Channel})

	resp := sess.next(t)
	if resp.Type != proto.NSFiles.Response() || resp.RequestID != "r1" || resp.OK == nil || !*resp.OK {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Channel != "" {
		t.Fatal("channel tag leaked to the session leg")
	}
}

// With no agent connected the hub answers for the node immediately.
func TestRequestWithNodeOffline(t *testing.T) {
	fx := newHubFixture(t, "n1")
	sess := fx.connectSession(t)

	sess.pushEnv(proto.Envelope{Type: proto.NSFiles.Request(), RequestID: "r1", Action: "fs:list"})
	resp := sess.next(t)
	if resp.RequestID != "r1" || resp.OK == nil || *resp.OK {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Error != "node disconnected" {
		t.Fatalf("error = %q", resp.Error)
	}
}

// Download frames follow the transfer route recorded at start.
func TestDownloadStreamRouting(t *testing.T) {
	fx := newHubFixture(t, "n1")
	agent := fx.connectNode(t, "n1")
	sess := fx.connectSession(t)

	// learn the channel tag from a forwarded request
	sess.pushEnv(proto.Envelope{Type: proto.NSFiles.Request(), RequestID: "r1", Action: "fs:download"})
	fwd := agent.next(t)
	ch := fwd.Channel
	ok := true
	agent.pushEnv(proto.Envelope{Type: proto.NSFiles.Response(), RequestID: "r1", OK: &ok, Result: json.RawMessage(`{}`), Channel: ch})
	sess.next(t)

	agent.pushEnv(proto.Envelope{Type: proto.NSFiles.Download(proto.DownloadStartEvent), TransferID: "t1", Name: "f.txt", Size: 3, Channel: ch})
	agent.pushEnv(proto.Envelope{Type: proto.NSFiles.Download(proto.DownloadChunkEvent), TransferID: "t1", DataB64: "aGk=", SentBytes: 2, Channel: ch})
	agent.pushEnv(proto.Envelope{Type: proto.NSFiles.Download(proto.DownloadDoneEvent), TransferID: "t1", Channel: ch})

	for _, wantType := range []proto.MsgType{
		proto.NSFiles.Download(proto.DownloadStartEvent),
		proto.NSFiles.Download(proto.DownloadChunkEvent),
		proto.NSFiles.Download(proto.DownloadDoneEvent),
	} {
		env := sess.next(t)
		if env.Type != wantType || env.TransferID != "t1" {
			t.Fatalf("frame = %+v, want type %s", env, wantType)
		}
		if env.Channel != "" {
			t.Fatal("channel tag leaked to the session leg")
		}
	}
}

// When the agent connection drops, pending requests fail and open transfers
// cancel instead of hanging until the client-side timeout.
func TestAgentDisconnectSynthesizesFailures(t *testing.T) {
	fx := newHubFixture(t, "n1")
	agent := fx.connectNode(t, "n1")
	sess := fx.connectSession(t)

	sess.pushEnv(proto.Envelope{Type: proto.NSFiles.Request(), RequestID: "r1", Action: "fs:list"})
	fwd := agent.next(t)

	// an open download stream on the same session
	agent.pushEnv(proto.Envelope{Type: proto.NSFiles.Download(proto.DownloadStartEvent), TransferID: "t1", Name: "f", Channel: fwd.Channel})
	sess.next(t) // start frame

	agent.Close()

	got := map[proto.MsgType]proto.Envelope{}
	for i := 0; i < 2; i++ {
		env := sess.next(t)
		got[env.Type] = env
	}
	resp, ok := got[proto.NSFiles.Response()]
	if !ok || resp.RequestID != "r1" || resp.OK == nil || *resp.OK || resp.Error != "node disconnected" {
		t.Fatalf("synthesized response = %+v", resp)
	}
	cancel, ok := got[proto.NSFiles.Download(proto.DownloadCancelledEvent)]
	if !ok || cancel.TransferID != "t1" {
		t.Fatalf("synthesized cancel = %+v", cancel)
	}
	waitFor(t, func() bool { return !fx.registry.Online("n1") })
}

// A session cancel is forwarded to the agent and drops the transfer route.
func TestSessionCancelForwarded(t *testing.T) {
	fx := newHubFixture(t, "n1")
	agent := fx.connectNode(t, "n1")
	sess := fx.connectSession(t)

	sess.pushEnv(proto.Envelope{Type: proto.NSFiles.Download(proto.DownloadCancelledEvent), TransferID: "t1"})
	fwd := agent.next(t)
	if fwd.Type != proto.NSFiles.Download(proto.DownloadCancelledEvent) || fwd.TransferID != "t1" {
		t.Fatalf("forwarded cancel = %+v", fwd)
	}
	if fwd.Channel == "" {
		t.Fatal("forwarded cancel not tagged")
	}
}

// Node heartbeats bump last-seen; bridge responses land in the bridge writer.
func TestNodeHeartbeatAndBridgeReply(t *testing.T) {
	fx := newHubFixture(t, "n1")
	agent := fx.connectNode(t, "n1")

	agent.push(proto.NodeHeartbeat{NodeID: "n1", UptimeMs: 42})
	agent.push(proto.BridgeResponse{NodeID: "n1", RequestID: "b1", OK: true, Result: json.RawMessage(`{"free":true}`)})

	waitFor(t, func() bool {
		_, ok := fx.bridgeW.get("b1")
		return ok
	})
	r, _ := fx.bridgeW.get("b1")
	if !r.OK || string(r.Result) != `{"free":true}` {
		t.Fatalf("bridge reply = %+v", r)
	}
}

// A second registration under the same node ID replaces the first connection.
func TestNodeReconnectReplaces(t *testing.T) {
	fx := newHubFixture(t, "n1")
	first := fx.connectNode(t, "n1")
	second := fx.connectNode(t, "n1")

	// the old socket was closed by the hub
	waitFor(t, func() bool {
		select {
		case <-first.closed:
			return true
		default:
			return false
		}
	})

	// requests now route to the new connection
	sess := fx.connectSession(t)
	sess.pushEnv(proto.Envelope{Type: proto.NSFiles.Request(), RequestID: "r1", Action: "fs:list"})
	if fwd := second.next(t); fwd.RequestID != "r1" {
		t.Fatalf("forwarded = %+v", fwd)
	}
}

// SendToNode (the bridge sender path) reaches the agent, and fails cleanly
// for unknown nodes.
func TestSendToNode(t *testing.T) {
	fx := newHubFixture(t, "n1")
	agent := fx.connectNode(t, "n1")

	env := proto.Encode(proto.BridgeRequest{NodeID: "n1", RequestID: "b1", Action: "port_check", Payload: json.RawMessage(`{"port":80}`)})
	if err := fx.hub.SendToNode("n1", env); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := agent.next(t); got.Type != proto.MsgBridgeRequest || got.RequestID != "b1" {
		t.Fatalf("agent got %+v", got)
	}

	if err := fx.hub.SendToNode("ghost", env); !errors.Is(err, ErrNodeOffline) {
		t.Fatalf("unknown node: %v", err)
	}
}
