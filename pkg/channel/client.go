// Package channel implements the control-plane side of the node control
// channel: one authenticated WebSocket connection carrying many concurrent
// logical calls, plus chunked upload and download transfer sessions.
package channel

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stackpad/controlplane/pkg/fsops"
	"stackpad/controlplane/pkg/proto"
)

// State of the connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

const (
	// DefaultRequestTimeout bounds every request/response pair.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultHandshakeTimeout bounds the auth exchange.
	DefaultHandshakeTimeout = 10 * time.Second
	// ReconnectBackoff is the uniform fixed backoff between redial attempts.
	ReconnectBackoff = time.Second

	// FilesChunkSize is the upload chunk size on the container-files surface.
	FilesChunkSize = 1 << 20
	// VolumesChunkSize is the upload chunk size on the volume surfaces.
	VolumesChunkSize = 256 << 10
)

// Conn is the transport the client rides. *websocket.Conn satisfies it; tests
// substitute an in-memory pipe.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Config for one control channel connection.
type Config struct {
	URL             string
	SessionID       string
	ApplicationUUID string
	VolumeName      string

	// Namespace defaults to files, or volumes when VolumeName is set.
	Namespace proto.Namespace

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	ChunkSize        int

	// Sink receives completed downloads.
	Sink DownloadSink
	// Progress receives transfer progress updates. Optional.
	Progress ProgressFunc

	Logf func(format string, args ...interface{})

	Dialer *websocket.Dialer
}

func (cfg *Config) defaults() {
	if cfg.Namespace == "" {
		if cfg.VolumeName != "" {
			cfg.Namespace = proto.NSVolumes
		} else {
			cfg.Namespace = proto.NSFiles
		}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ChunkSize <= 0 {
		if cfg.Namespace == proto.NSFiles {
			cfg.ChunkSize = FilesChunkSize
		} else {
			cfg.ChunkSize = VolumesChunkSize
		}
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
}

// FSContext returns the identifying context carried in every fs payload.
func (cfg Config) FSContext() fsops.Context {
	if cfg.VolumeName != "" {
		return fsops.Context{Volume: cfg.VolumeName}
	}
	return fsops.Context{ContainerID: cfg.ApplicationUUID}
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id      string
	ch      chan callResult
	created time.Time
}

// Client owns one control channel connection. The correlation table and
// transfer sessions belong exclusively to this instance; there is no
// cross-connection state.
type Client struct {
	cfg  Config
	conn Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	pending   map[string]*pendingCall
	downloads map[string]*downloadSession
	closeErr  error
	closed    chan struct{}
}

// Dial connects, authenticates, and starts dispatching.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.defaults()
	d := cfg.Dialer
	if d == nil {
		d = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	ws, _, err := d.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, ws, cfg)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	return c, nil
}

// New performs the auth handshake over an established transport and starts
// the read loop. The client owns conn afterwards.
func New(ctx context.Context, conn Conn, cfg Config) (*Client, error) {
	cfg.defaults()
	c := &Client{
		cfg:       cfg,
		conn:      conn,
		state:     StateAuthenticating,
		pending:   make(map[string]*pendingCall),
		downloads: make(map[string]*downloadSession),
		closed:    make(chan struct{}),
	}
	if err := c.handshake(ctx); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	auth := proto.Encode(proto.Auth{
		SessionID:       c.cfg.SessionID,
		ApplicationUUID: c.cfg.ApplicationUUID,
		VolumeName:      c.cfg.VolumeName,
	})
	if err := c.write(auth); err != nil {
		return err
	}

	type readOut struct {
		env proto.Envelope
		err error
	}
	ch := make(chan readOut, 1)
	go func() {
		var env proto.Envelope
		err := c.conn.ReadJSON(&env)
		ch <- readOut{env, err}
	}()

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.err != nil {
			return out.err
		}
		msg, err := out.env.Decode()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case proto.AuthSuccess:
			c.mu.Lock()
			c.state = StateAuthenticated
			c.mu.Unlock()
			return nil
		case proto.AuthFailed:
			return &AuthError{Reason: m.Error}
		default:
			return &AuthError{Reason: "unexpected reply " + string(out.env.Type)}
		}
	case <-timer.C:
		return &AuthError{Reason: "handshake timeout"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Closed is signalled when the connection is gone.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Close tears down the connection, failing everything outstanding.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail(ErrDisconnected)
	return err
}

func (c *Client) write(env proto.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// Request issues one correlated call and blocks until its response, its 30s
// timer, or teardown. Responses match by request_id only; out-of-order
// arrival is fine.
func (c *Client) Request(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateAuthenticated {
		st := c.state
		c.mu.Unlock()
		if st == StateDisconnected {
			return nil, ErrDisconnected
		}
		return nil, ErrNotAuthenticated
	}
	id := proto.NewRequestID()
	pc := &pendingCall{id: id, ch: make(chan callResult, 1), created: time.Now()}
	c.pending[id] = pc
	c.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		c.take(id)
		return nil, err
	}
	env := proto.Encode(proto.Request{NS: c.cfg.Namespace, RequestID: id, Action: action, Payload: raw})
	if err := c.write(env); err != nil {
		c.take(id)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-pc.ch:
		return r.result, r.err
	case <-timer.C:
		c.take(id)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.take(id)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrDisconnected
	}
}

// take removes and returns the pending call for id, exactly once.
func (c *Client) take(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := c.pending[id]
	if pc != nil {
		delete(c.pending, id)
	}
	return pc
}

func (c *Client) readLoop() {
	for {
		var env proto.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.fail(ErrDisconnected)
			return
		}
		msg, err := env.Decode()
		if err != nil {
			c.cfg.Logf("channel: bad envelope %s: %v", env.Type, err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg proto.Message) {
	switch m := msg.(type) {
	case proto.Response:
		pc := c.take(m.RequestID)
		if pc == nil {
			// late or duplicate response
			return
		}
		if m.OK {
			pc.ch <- callResult{result: m.Result}
		} else {
			pc.ch <- callResult{err: &RequestError{Message: m.Error}}
		}
	case proto.DownloadStart:
		c.downloadStart(m)
	case proto.DownloadChunk:
		c.downloadChunk(m)
	case proto.DownloadDone:
		c.downloadDone(m)
	case proto.DownloadCancelled:
		c.downloadCancelled(m)
	case proto.AuthFailed:
		c.fail(&AuthError{Reason: m.Error})
	case proto.Auth, proto.AuthSuccess, proto.Request,
		proto.NodeRegister, proto.NodeHeartbeat,
		proto.BridgeRequest, proto.BridgeResponse:
		c.cfg.Logf("channel: unexpected %T on client connection", m)
	case proto.Unknown:
		c.cfg.Logf("channel: dropping unknown message type %s", m.Type)
	}
}

// fail transitions to disconnected and rejects every outstanding call and
// download session. Idempotent.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.downloads = make(map[string]*downloadSession)
	close(c.closed)
	c.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- callResult{err: err}
	}
	_ = c.conn.Close()
}

// Reconnect runs connect/serve cycles with the uniform fixed backoff until
// ctx ends. onConnect receives each fresh client and returns when the caller
// is done with it (typically on <-c.Closed()).
func Reconnect(ctx context.Context, cfg Config, onConnect func(*Client)) {
	for {
		c, err := Dial(ctx, cfg)
		if err == nil {
			onConnect(c)
			_ = c.Close()
		} else {
			cfg.defaults()
			cfg.Logf("channel: connect %s: %v; retry in %s", cfg.URL, err, ReconnectBackoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(ReconnectBackoff):
		}
	}
}
