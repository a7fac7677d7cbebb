package proto

// Wire protocol (JSON over WebSocket text frames)

import (
	"encoding/json"
	"fmt"
	"strings"
)

type MsgType string

const (
	MsgAuth        MsgType = "auth"
	MsgAuthSuccess MsgType = "auth:success"
	MsgAuthFailed  MsgType = "auth:failed"

	MsgNodeRegister   MsgType = "node:register"
	MsgNodeHeartbeat  MsgType = "node:heartbeat"
	MsgBridgeRequest  MsgType = "bridge:request"
	MsgBridgeResponse MsgType = "bridge:response"
)

// Namespace is the logical resource family multiplexed over one socket.
type Namespace string

const (
	NSFiles       Namespace = "files"
	NSVolumes     Namespace = "volumes"
	NSVolumeFiles Namespace = "volume_files"
)

// DownloadEvent is the stage of a server-pushed download stream.
type DownloadEvent string

const (
	DownloadStartEvent     DownloadEvent = "start"
	DownloadChunkEvent     DownloadEvent = "chunk"
	DownloadDoneEvent      DownloadEvent = "done"
	DownloadCancelledEvent DownloadEvent = "cancelled"
)

func (ns Namespace) Request() MsgType  { return MsgType(string(ns) + ":request") }
func (ns Namespace) Response() MsgType { return MsgType(string(ns) + ":response") }

func (ns Namespace) Download(ev DownloadEvent) MsgType {
	return MsgType(string(ns) + ":download:" + string(ev))
}

func validNamespace(s string) bool {
	switch Namespace(s) {
	case NSFiles, NSVolumes, NSVolumeFiles:
		return true
	}
	return false
}

// Envelope wraps all messages. Fields beyond Type are populated per message
// kind; Channel tags the originating session connection on the hub<->agent leg
// and never appears on the browser leg.
type Envelope struct {
	Type MsgType `json:"type"`

	// auth handshake
	SessionID       string `json:"session_id,omitempty"`
	ApplicationUUID string `json:"application_uuid,omitempty"`
	VolumeName      string `json:"volume_name,omitempty"`

	// request/response
	RequestID string          `json:"request_id,omitempty"`
	Action    string          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`

	// download streams
	TransferID string `json:"transfer_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Mime       string `json:"mime,omitempty"`
	Size       int64  `json:"size,omitempty"`
	SentBytes  int64  `json:"sent_bytes,omitempty"`
	DataB64    string `json:"data_b64,omitempty"`

	// node leg
	NodeID   string `json:"node_id,omitempty"`
	OS       string `json:"os,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Version  string `json:"version,omitempty"`
	UptimeMs int64  `json:"uptime_ms,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// Message is the closed set of decoded wire messages. Dispatchers switch over
// the concrete types; Unknown is dropped and logged.
type Message interface{ message() }

type Auth struct {
	SessionID       string
	ApplicationUUID string
	VolumeName      string
}

type AuthSuccess struct{}

type AuthFailed struct{ Error string }

type Request struct {
	NS        Namespace
	RequestID string
	Action    string
	Payload   json.RawMessage
}

type Response struct {
	NS        Namespace
	RequestID string
	OK        bool
	Result    json.RawMessage
	Error     string
}

type DownloadStart struct {
	NS         Namespace
	TransferID string
	Name       string
	Mime       string
	Size       int64 // 0 when unknown (on-the-fly archives)
}

type DownloadChunk struct {
	NS         Namespace
	TransferID string
	DataB64    string
	SentBytes  int64
}

type DownloadDone struct {
	NS         Namespace
	TransferID string
	Name       string
}

type DownloadCancelled struct {
	NS         Namespace
	TransferID string
}

type NodeRegister struct {
	NodeID  string
	OS      string
	Arch    string
	Version string
}

type NodeHeartbeat struct {
	NodeID   string
	UptimeMs int64
}

type BridgeRequest struct {
	NodeID    string
	RequestID string
	Action    string
	Payload   json.RawMessage
}

type BridgeResponse struct {
	NodeID    string
	RequestID string
	OK        bool
	Result    json.RawMessage
	Error     string
}

type Unknown struct{ Type MsgType }

func (Auth) message()              {}
func (AuthSuccess) message()       {}
func (AuthFailed) message()        {}
func (Request) message()           {}
func (Response) message()          {}
func (DownloadStart) message()     {}
func (DownloadChunk) message()     {}
func (DownloadDone) message()      {}
func (DownloadCancelled) message() {}
func (NodeRegister) message()      {}
func (NodeHeartbeat) message()     {}
func (BridgeRequest) message()     {}
func (BridgeResponse) message()    {}
func (Unknown) message()           {}

// Decode maps an envelope onto the closed message set.
func (e Envelope) Decode() (Message, error) {
	switch e.Type {
	case MsgAuth:
		if e.SessionID == "" {
			return nil, fmt.Errorf("auth: missing session_id")
		}
		return Auth{SessionID: e.SessionID, ApplicationUUID: e.ApplicationUUID, VolumeName: e.VolumeName}, nil
	case MsgAuthSuccess:
		return AuthSuccess{}, nil
	case MsgAuthFailed:
		return AuthFailed{Error: e.Error}, nil
	case MsgNodeRegister:
		return NodeRegister{NodeID: e.NodeID, OS: e.OS, Arch: e.Arch, Version: e.Version}, nil
	case MsgNodeHeartbeat:
		return NodeHeartbeat{NodeID: e.NodeID, UptimeMs: e.UptimeMs}, nil
	case MsgBridgeRequest:
		return BridgeRequest{NodeID: e.NodeID, RequestID: e.RequestID, Action: e.Action, Payload: e.Payload}, nil
	case MsgBridgeResponse:
		return BridgeResponse{NodeID: e.NodeID, RequestID: e.RequestID, OK: e.OK != nil && *e.OK, Result: e.Result, Error: e.Error}, nil
	}

	parts := strings.SplitN(string(e.Type), ":", 3)
	if !validNamespace(parts[0]) {
		return Unknown{Type: e.Type}, nil
	}
	ns := Namespace(parts[0])
	switch {
	case len(parts) == 2 && parts[1] == "request":
		if e.RequestID == "" {
			return nil, fmt.Errorf("%s: missing request_id", e.Type)
		}
		return Request{NS: ns, RequestID: e.RequestID, Action: e.Action, Payload: e.Payload}, nil
	case len(parts) == 2 && parts[1] == "response":
		if e.RequestID == "" {
			return nil, fmt.Errorf("%s: missing request_id", e.Type)
		}
		return Response{NS: ns, RequestID: e.RequestID, OK: e.OK != nil && *e.OK, Result: e.Result, Error: e.Error}, nil
	case len(parts) == 3 && parts[1] == "download":
		if e.TransferID == "" {
			return nil, fmt.Errorf("%s: missing transfer_id", e.Type)
		}
		switch DownloadEvent(parts[2]) {
		case DownloadStartEvent:
			return DownloadStart{NS: ns, TransferID: e.TransferID, Name: e.Name, Mime: e.Mime, Size: e.Size}, nil
		case DownloadChunkEvent:
			return DownloadChunk{NS: ns, TransferID: e.TransferID, DataB64: e.DataB64, SentBytes: e.SentBytes}, nil
		case DownloadDoneEvent:
			return DownloadDone{NS: ns, TransferID: e.TransferID, Name: e.Name}, nil
		case DownloadCancelledEvent:
			return DownloadCancelled{NS: ns, TransferID: e.TransferID}, nil
		}
	}
	return Unknown{Type: e.Type}, nil
}

// Encode builds the wire envelope for a message.
func Encode(m Message) Envelope {
	switch v := m.(type) {
	case Auth:
		return Envelope{Type: MsgAuth, SessionID: v.SessionID, ApplicationUUID: v.ApplicationUUID, VolumeName: v.VolumeName}
	case AuthSuccess:
		return Envelope{Type: MsgAuthSuccess}
	case AuthFailed:
		return Envelope{Type: MsgAuthFailed, Error: v.Error}
	case Request:
		return Envelope{Type: v.NS.Request(), RequestID: v.RequestID, Action: v.Action, Payload: v.Payload}
	case Response:
		ok := v.OK
		return Envelope{Type: v.NS.Response(), RequestID: v.RequestID, OK: &ok, Result: v.Result, Error: v.Error}
	case DownloadStart:
		return Envelope{Type: v.NS.Download(DownloadStartEvent), TransferID: v.TransferID, Name: v.Name, Mime: v.Mime, Size: v.Size}
	case DownloadChunk:
		return Envelope{Type: v.NS.Download(DownloadChunkEvent), TransferID: v.TransferID, DataB64: v.DataB64, SentBytes: v.SentBytes}
	case DownloadDone:
		return Envelope{Type: v.NS.Download(DownloadDoneEvent), TransferID: v.TransferID, Name: v.Name}
	case DownloadCancelled:
		return Envelope{Type: v.NS.Download(DownloadCancelledEvent), TransferID: v.TransferID}
	case NodeRegister:
		return Envelope{Type: MsgNodeRegister, NodeID: v.NodeID, OS: v.OS, Arch: v.Arch, Version: v.Version}
	case NodeHeartbeat:
		return Envelope{Type: MsgNodeHeartbeat, NodeID: v.NodeID, UptimeMs: v.UptimeMs}
	case BridgeRequest:
		return Envelope{Type: MsgBridgeRequest, NodeID: v.NodeID, RequestID: v.RequestID, Action: v.Action, Payload: v.Payload}
	case BridgeResponse:
		ok := v.OK
		return Envelope{Type: MsgBridgeResponse, NodeID: v.NodeID, RequestID: v.RequestID, OK: &ok, Result: v.Result, Error: v.Error}
	case Unknown:
		return Envelope{Type: v.Type}
	}
	return Envelope{}
}

// MustMarshal marshals a payload that cannot legitimately fail for our own types.
func MustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
