package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"stackpad/controlplane/pkg/proto"
)

// fakeConn is an in-memory stand-in for the websocket: the test plays the
// server by reading from sent and pushing into recv.
type fakeConn struct {
	recv chan proto.Envelope // server -> client
	sent chan proto.Envelope // client -> server

	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		recv:   make(chan proto.Envelope, 64),
		sent:   make(chan proto.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v interface{}) error {
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

func (c *fakeConn) WriteJSON(v interface{}) error {
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

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a server-side message to the client.
func (c *fakeConn) push(m proto.Message) {
	c.recv <- proto.Encode(m)
}

// next waits for the client's next outbound envelope.
func (c *fakeConn) next(t *testing.T) proto.Envelope {
	t.Helper()
	select {
	case env := <-c.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no outbound envelope")
		return proto.Envelope{}
	}
}

// dialFake authenticates a client over a fake conn, answering the handshake.
func dialFake(t *testing.T, cfg Config) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	cfg.Logf = t.Logf
	if cfg.SessionID == "" {
		cfg.SessionID = "s1"
	}
	if cfg.ApplicationUUID == "" && cfg.VolumeName == "" {
		cfg.ApplicationUUID = "a1"
	}
	go func() {
		<-conn.sent // auth envelope
		conn.push(proto.AuthSuccess{})
	}()
	c, err := New(context.Background(), conn, cfg)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return c, conn
}
