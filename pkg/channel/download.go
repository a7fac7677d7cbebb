package channel

import (
	"encoding/base64"

	"stackpad/controlplane/pkg/proto"
)

// Download is a finished server-pushed transfer, reassembled in arrival order.
type Download struct {
	Name string
	Mime string
	Data []byte
}

// DownloadSink receives completed downloads (the browser would trigger a
// save dialog here).
type DownloadSink interface {
	Save(dl Download) error
}

// SinkFunc adapts a function to DownloadSink.
type SinkFunc func(dl Download) error

func (f SinkFunc) Save(dl Download) error { return f(dl) }

// Progress is one transfer progress update. Percent is -1 when the total
// size is unknown; callers then show Bytes instead.
type Progress struct {
	TransferID string
	Name       string
	Bytes      int64
	Total      int64
	Percent    int
}

type ProgressFunc func(p Progress)

type downloadSession struct {
	id       string
	name     string
	mime     string
	expected int64 // 0 when unknown
	received int64
	chunks   [][]byte
}

func (c *Client) downloadStart(m proto.DownloadStart) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return
	}
	c.downloads[m.TransferID] = &downloadSession{
		id:       m.TransferID,
		name:     m.Name,
		mime:     m.Mime,
		expected: m.Size,
	}
}

func (c *Client) downloadChunk(m proto.DownloadChunk) {
	c.mu.Lock()
	s, ok := c.downloads[m.TransferID]
	if !ok {
		// cancelled locally; remote chunk raced the teardown
		c.mu.Unlock()
		return
	}
	data, err := base64.StdEncoding.DecodeString(m.DataB64)
	if err != nil {
		delete(c.downloads, m.TransferID)
		c.mu.Unlock()
		c.cfg.Logf("channel: download %s: bad chunk encoding: %v", m.TransferID, err)
		return
	}
	s.chunks = append(s.chunks, data)
	s.received += int64(len(data))
	p := s.progress(m.SentBytes)
	c.mu.Unlock()

	if c.cfg.Progress != nil {
		c.cfg.Progress(p)
	}
}

func (c *Client) downloadDone(m proto.DownloadDone) {
	c.mu.Lock()
	s, ok := c.downloads[m.TransferID]
	if ok {
		delete(c.downloads, m.TransferID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	data := make([]byte, 0, s.received)
	for _, chunk := range s.chunks {
		data = append(data, chunk...)
	}
	name := m.Name
	if name == "" {
		name = s.name
	}
	if c.cfg.Sink != nil {
		if err := c.cfg.Sink.Save(Download{Name: name, Mime: s.mime, Data: data}); err != nil {
			c.cfg.Logf("channel: save %s: %v", name, err)
		}
	}
}

func (c *Client) downloadCancelled(m proto.DownloadCancelled) {
	c.mu.Lock()
	delete(c.downloads, m.TransferID)
	c.mu.Unlock()
}

// CancelDownload tears the session down locally and advises the remote side.
// The remote cancel is advisory; chunks that race it are dropped by
// downloadChunk.
func (c *Client) CancelDownload(transferID string) {
	c.mu.Lock()
	delete(c.downloads, transferID)
	c.mu.Unlock()
	_ = c.write(proto.Encode(proto.DownloadCancelled{NS: c.cfg.Namespace, TransferID: transferID}))
}

// progress reports percent when a total (exact or approximate) is known and
// falls back to byte counts otherwise. sentBytes from the wire wins over the
// local tally, covering approximated totals for on-the-fly archives.
func (s *downloadSession) progress(sentBytes int64) Progress {
	bytes := s.received
	if sentBytes > 0 {
		bytes = sentBytes
	}
	pct := -1
	if s.expected > 0 {
		pct = int(bytes * 100 / s.expected)
		if pct > 100 {
			pct = 100
		}
	}
	return Progress{TransferID: s.id, Name: s.name, Bytes: bytes, Total: s.expected, Percent: pct}
}
