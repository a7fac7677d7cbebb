// Package agent implements the node-side of the control channel: a sandboxed
// filesystem executor for the container/volume directories it manages,
// chunked transfers, and the bridge probes.
package agent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stackpad/controlplane/pkg/fsops"
)

// FS executes filesystem actions against one root directory. Every remote
// path is absolute relative to the root; anything resolving outside it is
// rejected.
type FS struct {
	root      string
	chunkSize int

	mu        sync.Mutex
	uploads   map[string]*uploadSession
	cancelled map[string]bool // download transfer IDs cancelled mid-stream
}

func NewFS(root string, chunkSize int) *FS {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	return &FS{
		root:      root,
		chunkSize: chunkSize,
		uploads:   make(map[string]*uploadSession),
		cancelled: make(map[string]bool),
	}
}

// resolve maps a remote absolute path into the sandbox.
func (f *FS) resolve(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fsops.ErrNotAbsolute
	}
	clean := path.Clean(p)
	local := filepath.Join(f.root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(f.root, local)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fsops.ErrPathEscapesRoot
	}
	return local, nil
}

// Handle dispatches one fs action and returns its result payload.
func (f *FS) Handle(action string, payload json.RawMessage) (interface{}, error) {
	switch action {
	case fsops.ActionList:
		var req fsops.ListRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return f.list(req.Path)
	case fsops.ActionRead:
		var req fsops.ReadRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return f.read(req.Path)
	case fsops.ActionWrite:
		var req fsops.WriteRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, f.write(req.Path, req.DataB64)
	case fsops.ActionMkdir:
		var req fsops.PathRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, f.mkdir(req.Path)
	case fsops.ActionTouch:
		var req fsops.PathRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, f.touch(req.Path)
	case fsops.ActionRename:
		var req fsops.RenameRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, f.rename(req.Path, req.Dest)
	case fsops.ActionMove:
		var req fsops.BatchMoveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, f.move(req.Paths, req.DestDir)
	case fsops.ActionCopy:
		var req fsops.CopyRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return f.copy(req.Path)
	case fsops.ActionDelete:
		var req fsops.DeleteRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, f.delete(req.Paths)
	case fsops.ActionArchive:
		var req fsops.ArchiveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, f.archive(req.Paths, req.OutName)
	case fsops.ActionUnarchive:
		var req fsops.UnarchiveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, f.unarchive(req.Path)
	case fsops.ActionUploadInit:
		var req fsops.UploadInitRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return f.uploadInit(req)
	case fsops.ActionUploadChunk:
		var req fsops.UploadChunkRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, f.uploadChunk(req)
	case fsops.ActionUploadCommit:
		var req fsops.UploadRefRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, f.uploadCommit(req.TransferID)
	case fsops.ActionUploadCancel:
		var req fsops.UploadRefRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, f.uploadCancel(req.TransferID)
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

func (f *FS) list(dir string) (*fsops.ListResult, error) {
	local, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(local)
	if err != nil {
		return nil, err
	}
	res := &fsops.ListResult{Entries: make([]fsops.Entry, 0, len(entries))}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		res.Entries = append(res.Entries, fsops.Entry{
			Name:    e.Name(),
			Path:    path.Join(path.Clean(dir), e.Name()),
			Dir:     e.IsDir(),
			Size:    info.Size(),
			Mode:    info.Mode().String(),
			ModTime: info.ModTime().Unix(),
		})
	}
	return res, nil
}

func (f *FS) read(p string) (*fsops.ReadResult, error) {
	local, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(local)
	if err != nil {
		return nil, err
	}
	return &fsops.ReadResult{DataB64: base64.StdEncoding.EncodeToString(b), Size: int64(len(b))}, nil
}

func (f *FS) write(p, dataB64 string) error {
	local, err := f.resolve(p)
	if err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return err
	}
	return os.WriteFile(local, data, 0o644)
}

func (f *FS) mkdir(p string) error {
	local, err := f.resolve(p)
	if err != nil {
		return err
	}
	return os.MkdirAll(local, 0o755)
}

func (f *FS) touch(p string) error {
	local, err := f.resolve(p)
	if err != nil {
		return err
	}
	if _, err := os.Stat(local); err == nil {
		now := time.Now()
		return os.Chtimes(local, now, now)
	}
	file, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func (f *FS) rename(from, to string) error {
	src, err := f.resolve(from)
	if err != nil {
		return err
	}
	dst, err := f.resolve(to)
	if err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// move relocates each entry into destDir, stopping at the first failure.
func (f *FS) move(paths []string, destDir string) error {
	if len(paths) == 0 {
		return fsops.ErrEmptySelection
	}
	dst, err := f.resolve(destDir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		src, err := f.resolve(p)
		if err != nil {
			return err
		}
		if err := os.Rename(src, filepath.Join(dst, filepath.Base(src))); err != nil {
			return err
		}
	}
	return nil
}

// copy duplicates one entry next to itself, walking the collision-name
// ladder until a free name is found.
func (f *FS) copy(p string) (*fsops.CopyResult, error) {
	src, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(src); err != nil {
		return nil, err
	}
	dir := path.Dir(path.Clean(p))
	for _, candidate := range fsops.CopyNameCandidates(path.Base(p)) {
		destRemote := path.Join(dir, candidate)
		dest, err := f.resolve(destRemote)
		if err != nil {
			return nil, err
		}
		if _, err := os.Lstat(dest); err == nil {
			continue
		}
		if err := copyPath(src, dest); err != nil {
			return nil, err
		}
		return &fsops.CopyResult{Path: destRemote}, nil
	}
	return nil, fsops.ErrNoAvailableName
}

func (f *FS) delete(paths []string) error {
	if len(paths) == 0 {
		return fsops.ErrEmptySelection
	}
	for _, p := range paths {
		local, err := f.resolve(p)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(local); err != nil {
			return err
		}
	}
	return nil
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
