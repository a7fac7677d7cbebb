package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path"

	"stackpad/controlplane/pkg/fsops"
)

// Typed wrappers over Request for the filesystem actions. Policy checks run
// before anything is dispatched, so a bad batch never reaches the node.

func (c *Client) List(ctx context.Context, dir string) ([]fsops.Entry, error) {
	raw, err := c.Request(ctx, fsops.ActionList, fsops.ListRequest{Context: c.cfg.FSContext(), Path: dir})
	if err != nil {
		return nil, err
	}
	var res fsops.ListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}

func (c *Client) ReadFile(ctx context.Context, p string) ([]byte, error) {
	raw, err := c.Request(ctx, fsops.ActionRead, fsops.ReadRequest{Context: c.cfg.FSContext(), Path: p})
	if err != nil {
		return nil, err
	}
	var res fsops.ReadResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(res.DataB64)
}

func (c *Client) WriteFile(ctx context.Context, p string, data []byte) error {
	req := fsops.WriteRequest{Context: c.cfg.FSContext(), Path: p, DataB64: base64.StdEncoding.EncodeToString(data)}
	_, err := c.Request(ctx, fsops.ActionWrite, req)
	return err
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	if err := fsops.ValidateAbsolute(p); err != nil {
		return err
	}
	_, err := c.Request(ctx, fsops.ActionMkdir, fsops.PathRequest{Context: c.cfg.FSContext(), Path: p})
	return err
}

func (c *Client) Touch(ctx context.Context, p string) error {
	if err := fsops.ValidateAbsolute(p); err != nil {
		return err
	}
	_, err := c.Request(ctx, fsops.ActionTouch, fsops.PathRequest{Context: c.cfg.FSContext(), Path: p})
	return err
}

func (c *Client) Rename(ctx context.Context, from, to string) error {
	if err := fsops.ValidateAbsolute(from, to); err != nil {
		return err
	}
	_, err := c.Request(ctx, fsops.ActionRename, fsops.RenameRequest{Context: c.cfg.FSContext(), Path: from, Dest: to})
	return err
}

func (c *Client) Move(ctx context.Context, paths []string, destDir string) error {
	if err := fsops.ValidateAbsolute(append(append([]string(nil), paths...), destDir)...); err != nil {
		return err
	}
	req := fsops.BatchMoveRequest{Context: c.cfg.FSContext(), Paths: paths, DestDir: destDir}
	_, err := c.Request(ctx, fsops.ActionMove, req)
	return err
}

// Copy duplicates one entry; the node resolves name collisions.
func (c *Client) Copy(ctx context.Context, p string) (string, error) {
	raw, err := c.Request(ctx, fsops.ActionCopy, fsops.CopyRequest{Context: c.cfg.FSContext(), Path: p})
	if err != nil {
		return "", err
	}
	var res fsops.CopyResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}
	return res.Path, nil
}

func (c *Client) Delete(ctx context.Context, paths []string) error {
	_, err := c.Request(ctx, fsops.ActionDelete, fsops.DeleteRequest{Context: c.cfg.FSContext(), Paths: paths})
	return err
}

// Archive packs the selection into one archive next to it. All entries must
// be direct children of the same directory.
func (c *Client) Archive(ctx context.Context, paths []string, outName string) error {
	if err := fsops.ValidateArchiveSelection(paths); err != nil {
		return err
	}
	if outName == "" {
		outName = path.Base(path.Dir(paths[0])) + ".tar.gz"
	}
	req := fsops.ArchiveRequest{Context: c.cfg.FSContext(), Paths: paths, OutName: outName}
	_, err := c.Request(ctx, fsops.ActionArchive, req)
	return err
}

// Unarchive extracts exactly one selected archive in place.
func (c *Client) Unarchive(ctx context.Context, paths []string) error {
	if err := fsops.ValidateUnarchiveSelection(paths); err != nil {
		return err
	}
	req := fsops.UnarchiveRequest{Context: c.cfg.FSContext(), Path: paths[0]}
	_, err := c.Request(ctx, fsops.ActionUnarchive, req)
	return err
}

// RequestDownload asks the node to push the selection back as a download
// stream; single files arrive as-is, multiple entries as an on-the-fly
// archive. The stream lands in the configured Sink.
func (c *Client) RequestDownload(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return fsops.ErrEmptySelection
	}
	if len(paths) > 1 {
		if err := fsops.ValidateArchiveSelection(paths); err != nil {
			return err
		}
	}
	_, err := c.Request(ctx, fsops.ActionDownload, fsops.DownloadRequest{Context: c.cfg.FSContext(), Paths: paths})
	return err
}
