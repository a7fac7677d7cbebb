package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync/atomic"

	"stackpad/controlplane/pkg/fsops"
)

// File is one upload source.
type File struct {
	Dir  string
	Name string
	Type string
	Data []byte
}

// Upload drives the client side of the chunked upload protocol:
// init -> sequential chunks -> commit, with cooperative cancellation. One
// Upload may carry several files; they run serially and a cancel aborts the
// whole queue.
type Upload struct {
	c         *Client
	cancelled atomic.Bool
	committed atomic.Bool
}

// NewUpload prepares an upload handle whose Cancel can be called from any
// goroutine while the transfer runs.
func (c *Client) NewUpload() *Upload {
	return &Upload{c: c}
}

// Cancel stops the transfer before the next chunk is sent. Calling it after
// the final commit has no effect.
func (u *Upload) Cancel() {
	u.cancelled.Store(true)
}

// Cancelled reports whether the queue was aborted.
func (u *Upload) Cancelled() bool { return u.cancelled.Load() }

// SendAll uploads files serially, stopping at the first hard failure or on
// cancel.
func (u *Upload) SendAll(ctx context.Context, files []File) error {
	for _, f := range files {
		if u.cancelled.Load() {
			return ErrTransferCancelled
		}
		if err := u.Send(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Send uploads one file.
func (u *Upload) Send(ctx context.Context, f File) error {
	u.committed.Store(false)
	if u.cancelled.Load() {
		return ErrTransferCancelled
	}

	size := int64(len(f.Data))
	initReq := fsops.UploadInitRequest{
		Context: u.c.cfg.FSContext(),
		Dir:     f.Dir,
		Name:    f.Name,
		Size:    size,
		Type:    f.Type,
	}
	raw, err := u.c.Request(ctx, fsops.ActionUploadInit, initReq)
	if err != nil {
		return err
	}
	var init fsops.UploadInitResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return err
	}
	chunkSize := int64(init.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = int64(u.c.cfg.ChunkSize)
	}

	var offset int64
	for offset < size {
		if u.cancelled.Load() {
			return u.abort(ctx, init.TransferID)
		}
		end := offset + chunkSize
		if end > size {
			end = size
		}
		chunk := fsops.UploadChunkRequest{
			TransferID: init.TransferID,
			Offset:     offset,
			DataB64:    base64.StdEncoding.EncodeToString(f.Data[offset:end]),
		}
		if _, err := u.c.Request(ctx, fsops.ActionUploadChunk, chunk); err != nil {
			return err
		}
		offset = end
		u.report(init.TransferID, f.Name, offset, size)
	}
	if u.cancelled.Load() {
		return u.abort(ctx, init.TransferID)
	}

	ref := fsops.UploadRefRequest{TransferID: init.TransferID}
	if _, err := u.c.Request(ctx, fsops.ActionUploadCommit, ref); err != nil {
		return err
	}
	u.committed.Store(true)
	u.report(init.TransferID, f.Name, size, size)
	return nil
}

// abort discards the in-flight transfer; the remote side drops any bytes
// already received.
func (u *Upload) abort(ctx context.Context, transferID string) error {
	ref := fsops.UploadRefRequest{TransferID: transferID}
	_, _ = u.c.Request(ctx, fsops.ActionUploadCancel, ref)
	return ErrTransferCancelled
}

func (u *Upload) report(transferID, name string, offset, size int64) {
	if u.c.cfg.Progress == nil {
		return
	}
	pct := 100
	if size > 0 {
		pct = int(offset * 100 / size)
	}
	u.c.cfg.Progress(Progress{TransferID: transferID, Name: name, Bytes: offset, Total: size, Percent: pct})
}
