package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"stackpad/controlplane/pkg/fsops"
	"stackpad/controlplane/pkg/proto"
)

// uploadServer answers init/chunk/commit/cancel requests, recording actions
// and chunk shapes.
type uploadServer struct {
	conn      *fakeConn
	chunkSize int

	actions []string
	offsets []int64
	lengths []int
	data    []byte
}

func (s *uploadServer) serve(t *testing.T, stop chan struct{}) {
	for {
		var env proto.Envelope
		select {
		case env = <-s.conn.sent:
		case <-stop:
			return
		}
		s.actions = append(s.actions, env.Action)
		switch env.Action {
		case fsops.ActionUploadInit:
			res := fsops.UploadInitResult{TransferID: "t1", ChunkSize: s.chunkSize}
			respondOK(s.conn, env.RequestID, res)
		case fsops.ActionUploadChunk:
			var req fsops.UploadChunkRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				t.Errorf("chunk payload: %v", err)
			}
			raw, err := base64.StdEncoding.DecodeString(req.DataB64)
			if err != nil {
				t.Errorf("chunk encoding: %v", err)
			}
			s.offsets = append(s.offsets, req.Offset)
			s.lengths = append(s.lengths, len(raw))
			s.data = append(s.data, raw...)
			respondOK(s.conn, env.RequestID, map[string]string{})
		default:
			respondOK(s.conn, env.RequestID, map[string]string{})
		}
	}
}

// A 2.5 MiB file with a 1 MiB chunk size produces exactly three chunks
// (1 MiB, 1 MiB, 0.5 MiB) before the commit.
func TestUploadChunkShape(t *testing.T) {
	c, conn := dialFake(t, Config{})
	const mib = 1 << 20
	data := bytes.Repeat([]byte{0xAB}, 2*mib+mib/2)

	srv := &uploadServer{conn: conn, chunkSize: mib}
	stop := make(chan struct{})
	defer close(stop)
	go srv.serve(t, stop)

	up := c.NewUpload()
	if err := up.Send(context.Background(), File{Dir: "/data", Name: "blob.bin", Data: data}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	want := []string{fsops.ActionUploadInit, fsops.ActionUploadChunk, fsops.ActionUploadChunk, fsops.ActionUploadChunk, fsops.ActionUploadCommit}
	if len(srv.actions) != len(want) {
		t.Fatalf("actions = %v", srv.actions)
	}
	for i, a := range want {
		if srv.actions[i] != a {
			t.Fatalf("action[%d] = %s, want %s", i, srv.actions[i], a)
		}
	}
	if srv.lengths[0] != mib || srv.lengths[1] != mib || srv.lengths[2] != mib/2 {
		t.Fatalf("chunk lengths = %v", srv.lengths)
	}
	if srv.offsets[0] != 0 || srv.offsets[1] != mib || srv.offsets[2] != 2*mib {
		t.Fatalf("chunk offsets = %v", srv.offsets)
	}
	if !bytes.Equal(srv.data, data) {
		t.Fatalf("reassembled bytes differ")
	}
}

func TestUploadProgress(t *testing.T) {
	var got []int
	c, conn := dialFake(t, Config{Progress: func(p Progress) { got = append(got, p.Percent) }})
	data := bytes.Repeat([]byte{1}, 100)

	srv := &uploadServer{conn: conn, chunkSize: 40}
	stop := make(chan struct{})
	defer close(stop)
	go srv.serve(t, stop)

	if err := c.NewUpload().Send(context.Background(), File{Dir: "/", Name: "f", Data: data}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	// floor(offset/size*100) per chunk, then the commit's 100
	want := []int{40, 80, 100, 100}
	if len(got) != len(want) {
		t.Fatalf("progress = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress = %v, want %v", got, want)
		}
	}
}

// Cancel between chunks stops the loop and issues upload:cancel; the queue
// behind the in-flight file is abandoned.
func TestUploadCancelMidTransfer(t *testing.T) {
	c, conn := dialFake(t, Config{})
	data := bytes.Repeat([]byte{1}, 100)

	up := c.NewUpload()
	var actions []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range conn.sent {
			actions = append(actions, env.Action)
			switch env.Action {
			case fsops.ActionUploadInit:
				respondOK(conn, env.RequestID, fsops.UploadInitResult{TransferID: "t1", ChunkSize: 40})
			case fsops.ActionUploadChunk:
				up.Cancel() // cancel lands before the next chunk
				respondOK(conn, env.RequestID, map[string]string{})
			case fsops.ActionUploadCancel:
				respondOK(conn, env.RequestID, map[string]string{})
				return
			default:
				respondOK(conn, env.RequestID, map[string]string{})
			}
		}
	}()

	err := up.SendAll(context.Background(), []File{
		{Dir: "/", Name: "one", Data: data},
		{Dir: "/", Name: "two", Data: data},
	})
	if !errors.Is(err, ErrTransferCancelled) {
		t.Fatalf("want ErrTransferCancelled, got %v", err)
	}
	<-done
	want := []string{fsops.ActionUploadInit, fsops.ActionUploadChunk, fsops.ActionUploadCancel}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v", actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("actions = %v, want %v", actions, want)
		}
	}
}

func TestUploadCancelBeforeStart(t *testing.T) {
	c, _ := dialFake(t, Config{})
	up := c.NewUpload()
	up.Cancel()
	err := up.Send(context.Background(), File{Dir: "/", Name: "f", Data: []byte("x")})
	if !errors.Is(err, ErrTransferCancelled) {
		t.Fatalf("want ErrTransferCancelled, got %v", err)
	}
}

func TestUploadEmptyFileCommitsWithoutChunks(t *testing.T) {
	c, conn := dialFake(t, Config{})
	srv := &uploadServer{conn: conn, chunkSize: 1024}
	stop := make(chan struct{})
	defer close(stop)
	go srv.serve(t, stop)

	if err := c.NewUpload().Send(context.Background(), File{Dir: "/", Name: "empty"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := []string{fsops.ActionUploadInit, fsops.ActionUploadCommit}
	if len(srv.actions) != len(want) || srv.actions[0] != want[0] || srv.actions[1] != want[1] {
		t.Fatalf("actions = %v", srv.actions)
	}
}
