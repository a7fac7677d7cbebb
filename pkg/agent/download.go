package agent

import (
	"archive/tar"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"os"
	"path"

	"stackpad/controlplane/pkg/fsops"
	"stackpad/controlplane/pkg/proto"
)

var errStreamCancelled = errors.New("download stream cancelled")

// sendFunc pushes one envelope back over the node's channel.
type sendFunc func(env proto.Envelope) error

// StreamDownload pushes the selection to the client as a chunked stream:
// start, chunk*, done. A single file streams as-is with a known size;
// multiple entries stream as an on-the-fly tar.gz whose compressed size is
// unknown, so chunks carry sent_bytes for progress instead. On error the
// stream ends with a cancelled event.
func (f *FS) StreamDownload(req fsops.DownloadRequest, ns proto.Namespace, channel string, send sendFunc) error {
	if len(req.Paths) == 1 {
		return f.streamFile(req.Paths[0], ns, channel, send)
	}
	if err := fsops.ValidateArchiveSelection(req.Paths); err != nil {
		return err
	}
	return f.streamArchive(req.Paths, ns, channel, send)
}

func (f *FS) streamFile(p string, ns proto.Namespace, channel string, send sendFunc) error {
	local, err := f.resolve(p)
	if err != nil {
		return err
	}
	file, err := os.Open(local)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	name := path.Base(p)
	mimeType := mime.TypeByExtension(path.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	transferID := proto.NewTransferID()
	start := proto.Encode(proto.DownloadStart{NS: ns, TransferID: transferID, Name: name, Mime: mimeType, Size: info.Size()})
	start.Channel = channel
	if err := send(start); err != nil {
		return err
	}
	if err := f.streamChunks(file, ns, transferID, channel, send); err != nil {
		f.sendCancelled(ns, transferID, channel, send)
		return err
	}
	done := proto.Encode(proto.DownloadDone{NS: ns, TransferID: transferID, Name: name})
	done.Channel = channel
	return send(done)
}

func (f *FS) streamArchive(paths []string, ns proto.Namespace, channel string, send sendFunc) error {
	dir := path.Dir(path.Clean(paths[0]))
	name := path.Base(dir)
	if name == "/" || name == "." {
		name = "download"
	}
	name += ".tar.gz"

	transferID := proto.NewTransferID()
	start := proto.Encode(proto.DownloadStart{NS: ns, TransferID: transferID, Name: name, Mime: "application/gzip"})
	start.Channel = channel
	if err := send(start); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		tw := tar.NewWriter(gz)
		err := f.writeTar(tw, paths)
		if e := tw.Close(); err == nil {
			err = e
		}
		if e := gz.Close(); err == nil {
			err = e
		}
		pw.CloseWithError(err)
	}()

	if err := f.streamChunks(pr, ns, transferID, channel, send); err != nil {
		pr.CloseWithError(err)
		f.sendCancelled(ns, transferID, channel, send)
		return err
	}
	done := proto.Encode(proto.DownloadDone{NS: ns, TransferID: transferID, Name: name})
	done.Channel = channel
	return send(done)
}

// CancelDownload flags an in-flight stream; the sender stops before its next
// chunk. Unknown IDs are fine, the flag just expires with the stream.
func (f *FS) CancelDownload(transferID string) {
	f.mu.Lock()
	f.cancelled[transferID] = true
	f.mu.Unlock()
}

func (f *FS) downloadCancelled(transferID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[transferID]
}

func (f *FS) clearCancel(transferID string) {
	f.mu.Lock()
	delete(f.cancelled, transferID)
	f.mu.Unlock()
}

func (f *FS) streamChunks(r io.Reader, ns proto.Namespace, transferID, channel string, send sendFunc) error {
	defer f.clearCancel(transferID)
	buf := make([]byte, f.chunkSize)
	var sent int64
	for {
		if f.downloadCancelled(transferID) {
			return errStreamCancelled
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sent += int64(n)
			chunk := proto.Encode(proto.DownloadChunk{
				NS:         ns,
				TransferID: transferID,
				DataB64:    base64.StdEncoding.EncodeToString(buf[:n]),
				SentBytes:  sent,
			})
			chunk.Channel = channel
			if err := send(chunk); err != nil {
				return err
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (f *FS) sendCancelled(ns proto.Namespace, transferID, channel string, send sendFunc) {
	env := proto.Encode(proto.DownloadCancelled{NS: ns, TransferID: transferID})
	env.Channel = channel
	_ = send(env)
}
