package agent

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stackpad/controlplane/pkg/fsops"
	"stackpad/controlplane/pkg/proto"
)

const heartbeatInterval = 10 * time.Second

// BridgeActionPortCheck is the one-shot probe HTTP handlers use through the
// bridge.
const BridgeActionPortCheck = "port_check"

// Config for one agent process.
type Config struct {
	ServerURL   string // ws(s)://host/node
	Token       string
	NodeID      string
	FilesRoot   string // stands in for the container filesystem
	VolumesRoot string // stands in for persistent volume mounts
	ChunkSize   int
	Version     string
	Logf        func(format string, args ...interface{})
}

// Agent executes control-channel operations on this node. One Run call is one
// connection lifetime; the caller loops with the fixed reconnect backoff.
type Agent struct {
	cfg     Config
	files   *FS
	volumes *FS

	writeMu sync.Mutex
	conn    *websocket.Conn

	start time.Time
}

func New(cfg Config) *Agent {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Agent{
		cfg:     cfg,
		files:   NewFS(cfg.FilesRoot, cfg.ChunkSize),
		volumes: NewFS(cfg.VolumesRoot, cfg.ChunkSize),
		start:   time.Now(),
	}
}

func (a *Agent) fsFor(ns proto.Namespace) *FS {
	if ns == proto.NSFiles {
		return a.files
	}
	return a.volumes
}

func (a *Agent) write(env proto.Envelope) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(env)
}

// Run connects, registers, and serves until the connection drops or ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	header := http.Header{}
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.ServerURL, header)
	if err != nil {
		return err
	}
	a.conn = ws
	defer ws.Close()

	reg := proto.Encode(proto.NodeRegister{
		NodeID:  a.cfg.NodeID,
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Version: a.cfg.Version,
	})
	if err := a.write(reg); err != nil {
		return err
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go a.heartbeat(hbCtx)

	for {
		var env proto.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return err
		}
		msg, err := env.Decode()
		if err != nil {
			a.cfg.Logf("agent: bad envelope %s: %v", env.Type, err)
			continue
		}
		switch m := msg.(type) {
		case proto.Request:
			a.handleRequest(m, env.Channel)
		case proto.BridgeRequest:
			a.handleBridge(m)
		case proto.DownloadCancelled:
			a.fsFor(m.NS).CancelDownload(m.TransferID)
		default:
			a.cfg.Logf("agent: dropping %T", m)
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			hb := proto.Encode(proto.NodeHeartbeat{NodeID: a.cfg.NodeID, UptimeMs: time.Since(a.start).Milliseconds()})
			if err := a.write(hb); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) handleRequest(m proto.Request, channel string) {
	fs := a.fsFor(m.NS)

	if m.Action == fsops.ActionDownload {
		var req fsops.DownloadRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			a.respond(m, channel, nil, err)
			return
		}
		// downloads push in the background; the stream namespace for the
		// volume surface is volume_files
		streamNS := m.NS
		if m.NS == proto.NSVolumes {
			streamNS = proto.NSVolumeFiles
		}
		a.respond(m, channel, nil, nil)
		go func() {
			if err := fs.StreamDownload(req, streamNS, channel, a.write); err != nil {
				a.cfg.Logf("agent: download %v: %v", req.Paths, err)
			}
		}()
		return
	}

	result, err := fs.Handle(m.Action, m.Payload)
	a.respond(m, channel, result, err)
}

func (a *Agent) respond(m proto.Request, channel string, result interface{}, err error) {
	resp := proto.Response{NS: m.NS, RequestID: m.RequestID}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.OK = true
		if result != nil {
			resp.Result = proto.MustMarshal(result)
		} else {
			resp.Result = json.RawMessage(`{}`)
		}
	}
	env := proto.Encode(resp)
	env.Channel = channel
	if werr := a.write(env); werr != nil {
		a.cfg.Logf("agent: respond %s: %v", m.RequestID, werr)
	}
}

func (a *Agent) handleBridge(m proto.BridgeRequest) {
	resp := proto.BridgeResponse{NodeID: a.cfg.NodeID, RequestID: m.RequestID}
	switch m.Action {
	case BridgeActionPortCheck:
		var req fsops.PortCheckRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			resp.Error = err.Error()
			break
		}
		free, err := PortFree(req.Port)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.OK = true
		resp.Result = proto.MustMarshal(fsops.PortCheckResult{Free: free})
	default:
		resp.Error = "unknown bridge action " + m.Action
	}
	if err := a.write(proto.Encode(resp)); err != nil {
		a.cfg.Logf("agent: bridge respond %s: %v", m.RequestID, err)
	}
}
