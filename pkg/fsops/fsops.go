// Package fsops defines the filesystem action vocabulary shared by the control
// channel client and the node agent, plus the client-side policy checks that
// reject bad batches before anything is dispatched.
package fsops

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Actions under the files:/fs: action namespace.
const (
	ActionList      = "fs:list"
	ActionRead      = "fs:read"
	ActionWrite     = "fs:write"
	ActionMkdir     = "fs:mkdir"
	ActionTouch     = "fs:touch"
	ActionRename    = "fs:rename"
	ActionMove      = "fs:move"
	ActionCopy      = "fs:copy"
	ActionDelete    = "fs:delete"
	ActionArchive   = "fs:archive"
	ActionUnarchive = "fs:unarchive"
	ActionDownload  = "fs:download"

	ActionUploadInit   = "fs:upload:init"
	ActionUploadChunk  = "fs:upload:chunk"
	ActionUploadCommit = "fs:upload:commit"
	ActionUploadCancel = "fs:upload:cancel"
)

// Context identifies which remote filesystem an operation targets. Exactly one
// of ContainerID or Volume is set.
type Context struct {
	ContainerID string `json:"container_id,omitempty"`
	Volume      string `json:"name,omitempty"`
}

type ListRequest struct {
	Context
	Path string `json:"path"`
}

type Entry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Dir     bool   `json:"dir"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	ModTime int64  `json:"mod_time"`
}

type ListResult struct {
	Entries []Entry `json:"entries"`
}

type ReadRequest struct {
	Context
	Path string `json:"path"`
}

type ReadResult struct {
	DataB64 string `json:"data_b64"`
	Size    int64  `json:"size"`
}

type WriteRequest struct {
	Context
	Path    string `json:"path"`
	DataB64 string `json:"data_b64"`
}

type PathRequest struct {
	Context
	Path string `json:"path"`
}

type RenameRequest struct {
	Context
	Path string `json:"path"`
	Dest string `json:"dest"`
}

type BatchMoveRequest struct {
	Context
	Paths   []string `json:"paths"`
	DestDir string   `json:"dest_dir"`
}

type CopyRequest struct {
	Context
	Path string `json:"path"`
}

type CopyResult struct {
	Path string `json:"path"`
}

type DeleteRequest struct {
	Context
	Paths []string `json:"paths"`
}

type ArchiveRequest struct {
	Context
	Paths   []string `json:"paths"`
	OutName string   `json:"out_name,omitempty"`
}

type UnarchiveRequest struct {
	Context
	Path string `json:"path"`
}

type DownloadRequest struct {
	Context
	Paths []string `json:"paths"`
}

type UploadInitRequest struct {
	Context
	Dir  string `json:"dir"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type,omitempty"`
}

type UploadInitResult struct {
	TransferID string `json:"transfer_id"`
	ChunkSize  int    `json:"chunk_size"`
}

type UploadChunkRequest struct {
	TransferID string `json:"transfer_id"`
	Offset     int64  `json:"offset"`
	DataB64    string `json:"data_b64"`
}

type UploadRefRequest struct {
	TransferID string `json:"transfer_id"`
}

// PortCheck rides the bridge, not the files channel.
type PortCheckRequest struct {
	Port int `json:"port"`
}

type PortCheckResult struct {
	Free bool `json:"free"`
}

var (
	ErrNotAbsolute       = errors.New("path must be absolute")
	ErrMixedDirectories  = errors.New("archive requires entries from a single directory")
	ErrSingleSelection   = errors.New("unarchive requires exactly one selected file")
	ErrEmptySelection    = errors.New("no entries selected")
	ErrNoAvailableName   = errors.New("no available name")
	ErrPathEscapesRoot   = errors.New("path escapes filesystem root")
	ErrOffsetMismatch    = errors.New("chunk offset does not match transfer position")
	ErrTransferIncomplete = errors.New("commit before all bytes received")
)

// ValidateAbsolute rejects destinations that do not start with /.
func ValidateAbsolute(paths ...string) error {
	for _, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: %q", ErrNotAbsolute, p)
		}
	}
	return nil
}

// ValidateArchiveSelection enforces that every selected entry is a direct
// child of the same directory.
func ValidateArchiveSelection(paths []string) error {
	if len(paths) == 0 {
		return ErrEmptySelection
	}
	if err := ValidateAbsolute(paths...); err != nil {
		return err
	}
	dir := path.Dir(paths[0])
	for _, p := range paths[1:] {
		if path.Dir(p) != dir {
			return ErrMixedDirectories
		}
	}
	return nil
}

// ValidateUnarchiveSelection enforces a single selected file.
func ValidateUnarchiveSelection(paths []string) error {
	if len(paths) != 1 {
		return ErrSingleSelection
	}
	return ValidateAbsolute(paths[0])
}
