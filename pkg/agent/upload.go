package agent

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"stackpad/controlplane/pkg/fsops"
	"stackpad/controlplane/pkg/proto"
)

// uploadSession tracks one client-driven chunked upload. Bytes land in a temp
// file beside the destination and are renamed into place on commit; cancel
// discards everything received so far.
type uploadSession struct {
	id        string
	destDir   string // resolved local dir
	name      string
	size      int64
	offset    int64
	tmp       *os.File
	cancelled bool
}

func (f *FS) uploadInit(req fsops.UploadInitRequest) (*fsops.UploadInitResult, error) {
	if req.Name == "" || path.Base(req.Name) != req.Name {
		return nil, fmt.Errorf("bad upload name %q", req.Name)
	}
	if req.Size < 0 {
		return nil, errors.New("negative upload size")
	}
	dir, err := f.resolve(req.Dir)
	if err != nil {
		return nil, err
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("upload dir %s is not a directory", req.Dir)
	}
	id := proto.NewTransferID()
	tmp, err := os.CreateTemp(dir, "."+req.Name+".upload-*")
	if err != nil {
		return nil, err
	}
	s := &uploadSession{id: id, destDir: dir, name: req.Name, size: req.Size, tmp: tmp}
	f.mu.Lock()
	f.uploads[id] = s
	f.mu.Unlock()
	return &fsops.UploadInitResult{TransferID: id, ChunkSize: f.chunkSize}, nil
}

func (f *FS) uploadChunk(req fsops.UploadChunkRequest) error {
	f.mu.Lock()
	s, ok := f.uploads[req.TransferID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown transfer %s", req.TransferID)
	}
	data, err := base64.StdEncoding.DecodeString(req.DataB64)
	if err != nil {
		return err
	}
	// offsets are monotonically non-decreasing and must line up exactly
	if req.Offset != s.offset {
		return fsops.ErrOffsetMismatch
	}
	if s.offset+int64(len(data)) > s.size {
		return fmt.Errorf("chunk exceeds declared size %d", s.size)
	}
	if _, err := s.tmp.Write(data); err != nil {
		return err
	}
	s.offset += int64(len(data))
	return nil
}

func (f *FS) uploadCommit(transferID string) error {
	f.mu.Lock()
	s, ok := f.uploads[transferID]
	if ok {
		delete(f.uploads, transferID)
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown transfer %s", transferID)
	}
	if s.offset != s.size {
		f.discard(s)
		return fsops.ErrTransferIncomplete
	}
	if err := s.tmp.Close(); err != nil {
		_ = os.Remove(s.tmp.Name())
		return err
	}
	return os.Rename(s.tmp.Name(), filepath.Join(s.destDir, s.name))
}

// uploadCancel discards received bytes. Cancelling an unknown (already
// committed or already cancelled) transfer is a no-op, so a cancel racing a
// commit never double-frees anything.
func (f *FS) uploadCancel(transferID string) error {
	f.mu.Lock()
	s, ok := f.uploads[transferID]
	if ok {
		delete(f.uploads, transferID)
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}
	f.discard(s)
	return nil
}

func (f *FS) discard(s *uploadSession) {
	_ = s.tmp.Close()
	_ = os.Remove(s.tmp.Name())
}
