package channel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"stackpad/controlplane/pkg/proto"
)

func respondOK(conn *fakeConn, requestID string, result interface{}) {
	conn.push(proto.Response{NS: proto.NSFiles, RequestID: requestID, OK: true, Result: proto.MustMarshal(result)})
}

func TestHandshakeFailed(t *testing.T) {
	conn := newFakeConn()
	go func() {
		<-conn.sent
		conn.push(proto.AuthFailed{Error: "invalid session"})
	}()
	_, err := New(context.Background(), conn, Config{SessionID: "bad", ApplicationUUID: "a1", Logf: t.Logf})
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("want AuthError, got %v", err)
	}
	if ae.Reason != "invalid session" {
		t.Fatalf("reason = %q", ae.Reason)
	}
}

func TestHandshakeSendsIdentity(t *testing.T) {
	conn := newFakeConn()
	done := make(chan proto.Envelope, 1)
	go func() {
		env := <-conn.sent
		done <- env
		conn.push(proto.AuthSuccess{})
	}()
	c, err := New(context.Background(), conn, Config{SessionID: "s1", ApplicationUUID: "a1", Logf: t.Logf})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	env := <-done
	if env.Type != proto.MsgAuth || env.SessionID != "s1" || env.ApplicationUUID != "a1" {
		t.Fatalf("bad auth envelope: %+v", env)
	}
	if got := c.State(); got != StateAuthenticated {
		t.Fatalf("state = %v", got)
	}
}

// The auth -> list scenario: one request, one matching response, resolved
// with the result payload.
func TestRequestResolve(t *testing.T) {
	c, conn := dialFake(t, Config{})
	go func() {
		env := conn.next(t)
		if env.Type != proto.NSFiles.Request() || env.Action != "list" {
			t.Errorf("bad request envelope: %+v", env)
		}
		respondOK(conn, env.RequestID, map[string][]string{"entries": {"a", "b"}})
	}()
	raw, err := c.Request(context.Background(), "list", map[string]string{"path": "/"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var res struct {
		Entries []string `json:"entries"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("entries = %v", res.Entries)
	}
}

func TestRequestFailedSurfacesMessage(t *testing.T) {
	c, conn := dialFake(t, Config{})
	go func() {
		env := conn.next(t)
		conn.push(proto.Response{NS: proto.NSFiles, RequestID: env.RequestID, OK: false, Error: "permission denied"})
	}()
	_, err := c.Request(context.Background(), "read", nil)
	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("want RequestError, got %v", err)
	}
	if re.Message != "permission denied" {
		t.Fatalf("message = %q", re.Message)
	}
}

// A response for the later request must resolve it without touching the
// earlier pending call.
func TestOutOfOrderResponses(t *testing.T) {
	c, conn := dialFake(t, Config{})

	typeA := make(chan json.RawMessage, 1)
	errA := make(chan error, 1)
	go func() {
		raw, err := c.Request(context.Background(), "slow", nil)
		typeA <- raw
		errA <- err
	}()
	envA := conn.next(t)

	typeB := make(chan json.RawMessage, 1)
	go func() {
		raw, err := c.Request(context.Background(), "fast", nil)
		if err != nil {
			t.Errorf("fast request: %v", err)
		}
		typeB <- raw
	}()
	envB := conn.next(t)

	// answer B first
	respondOK(conn, envB.RequestID, map[string]string{"who": "b"})
	rawB := <-typeB
	if string(rawB) == "" {
		t.Fatalf("b unresolved")
	}

	// A is still pending
	select {
	case <-typeA:
		t.Fatalf("a resolved early")
	case <-time.After(50 * time.Millisecond):
	}

	respondOK(conn, envA.RequestID, map[string]string{"who": "a"})
	<-typeA
	if err := <-errA; err != nil {
		t.Fatalf("slow request: %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	c, conn := dialFake(t, Config{RequestTimeout: 60 * time.Millisecond})
	start := time.Now()
	_, err := c.Request(context.Background(), "list", nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("want ErrRequestTimeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("timed out too early")
	}
	// the pending call is gone; a late response is dropped without effect
	env := conn.next(t)
	respondOK(conn, env.RequestID, map[string]string{})

	go func() {
		env := conn.next(t)
		respondOK(conn, env.RequestID, map[string]string{"ok": "yes"})
	}()
	if _, err := c.Request(context.Background(), "list", nil); err != nil {
		t.Fatalf("follow-up request: %v", err)
	}
}

func TestDisconnectFailsAllPending(t *testing.T) {
	c, conn := dialFake(t, Config{})
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Request(context.Background(), "list", nil)
			errs <- err
		}()
	}
	conn.next(t)
	conn.next(t)
	_ = conn.Close() // read loop sees the error

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrDisconnected) {
				t.Fatalf("want ErrDisconnected, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("pending call leaked")
		}
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v", c.State())
	}
}

func TestRequestAfterCloseFailsFast(t *testing.T) {
	c, _ := dialFake(t, Config{})
	_ = c.Close()
	if _, err := c.Request(context.Background(), "list", nil); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("want ErrDisconnected, got %v", err)
	}
}
