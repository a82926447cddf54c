package gateway

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/gwerr"
	"dicom-gateway/internal/progress"
)

// ArchiveFile is one entry of the remote archive listing.
type ArchiveFile struct {
	Name              string `xml:",chardata"`
	TransferSyntaxUID string `xml:"tsuid,attr"`
	SOPClassUID       string `xml:"cuid,attr"`
	SOPInstanceUID    string `xml:"iuid,attr"`
}

type archiveNode struct {
	Name  string        `xml:"name,attr"`
	Files []ArchiveFile `xml:"file"`
}

// PollResult counts what one poll did.
type PollResult struct {
	Listed    int `json:"listed"`
	Forwarded int `json:"forwarded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

type queued struct {
	node     string
	file     ArchiveFile
	attempts int
}

// Puller fetches objects from a remote archive that cannot push to the
// gateway. The archive lists its files per forward node in archive.xml; a
// file is deleted remotely only once every destination received it.
type Puller struct {
	URL string

	// MaxAttempts drops a file from the queue after that many failed
	// downloads or forwards. 0 retries forever.
	MaxAttempts int

	registry   *Registry
	orch       *forward.Orchestrator
	tracker    *progress.Tracker
	logger     zerolog.Logger
	httpClient *http.Client

	// queue and ignored are owned by the goroutine calling Poll.
	queue   map[string]*queued
	ignored map[string]bool

	lastPoll atomic.Int64
	pending  atomic.Int64
}

// NewPuller creates a puller for the archive at baseURL.
func NewPuller(baseURL string, timeout time.Duration, registry *Registry, orch *forward.Orchestrator, tracker *progress.Tracker, logger zerolog.Logger) *Puller {
	return NewPullerWithHTTPClient(baseURL, &http.Client{Timeout: timeout}, registry, orch, tracker, logger)
}

// NewPullerWithHTTPClient creates a puller with a specific *http.Client.
func NewPullerWithHTTPClient(baseURL string, client *http.Client, registry *Registry, orch *forward.Orchestrator, tracker *progress.Tracker, logger zerolog.Logger) *Puller {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Puller{
		URL:        strings.TrimRight(baseURL, "/"),
		registry:   registry,
		orch:       orch,
		tracker:    tracker,
		logger:     logger.With().Str("component", "puller").Str("archive", baseURL).Logger(),
		httpClient: client,
		queue:      make(map[string]*queued),
		ignored:    make(map[string]bool),
	}
}

// LastPoll returns when the last poll finished, or the zero time.
func (p *Puller) LastPoll() time.Time {
	ns := p.lastPoll.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Pending returns the number of queued files.
func (p *Puller) Pending() int { return int(p.pending.Load()) }

// downloadURL is the address of one file of node.
func (p *Puller) downloadURL(node, name string) string {
	q := url.Values{"aet": {node}, "sopuid": {name}}
	return p.URL + "/download?" + q.Encode()
}

// List fetches and decodes archive.xml.
func (p *Puller) List(ctx context.Context) (map[string][]ArchiveFile, error) {
	body, err := p.get(ctx, p.URL+"/archive.xml")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	nodes, err := decodeListing(body)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindProtocol, "pull.list", fmt.Errorf("could not decode archive.xml: %w", err))
	}
	out := make(map[string][]ArchiveFile)
	for _, n := range nodes {
		for _, f := range n.Files {
			f.Name = strings.TrimSpace(f.Name)
			if f.Name != "" {
				out[n.Name] = append(out[n.Name], f)
			}
		}
	}
	return out, nil
}

// decodeListing collects every <aet> element of the listing, whatever the
// root element and nesting depth.
func decodeListing(r io.Reader) ([]archiveNode, error) {
	dec := xml.NewDecoder(r)
	var nodes []archiveNode
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nodes, nil
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "aet" {
			continue
		}
		var n archiveNode
		if err := dec.DecodeElement(&n, &start); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
}

// Poll lists the archive, queues new files and forwards every queued file.
// It must not be called concurrently.
func (p *Puller) Poll(ctx context.Context) (PollResult, error) {
	defer func() {
		p.lastPoll.Store(time.Now().UnixNano())
		p.pending.Store(int64(len(p.queue)))
	}()

	var res PollResult
	listing, err := p.List(ctx)
	if err != nil {
		return res, err
	}
	for node, files := range listing {
		for _, f := range files {
			res.Listed++
			u := p.downloadURL(node, f.Name)
			if _, ok := p.queue[u]; !ok && !p.ignored[u] {
				p.queue[u] = &queued{node: node, file: f}
			}
		}
	}

	keys := make([]string, 0, len(p.queue))
	for u := range p.queue {
		keys = append(keys, u)
	}
	sort.Strings(keys)

	for _, u := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		q := p.queue[u]
		switch p.forward(ctx, u, q) {
		case forward.AllSucceeded:
			res.Forwarded++
			delete(p.queue, u)
		case forward.Filtered:
			res.Dropped++
			delete(p.queue, u)
			p.ignored[u] = true
		default:
			res.Failed++
			q.attempts++
			if p.MaxAttempts > 0 && q.attempts >= p.MaxAttempts {
				p.logger.Error().Str("url", u).Int("attempts", q.attempts).Msg("giving up on archive file")
				delete(p.queue, u)
				p.ignored[u] = true
				p.tracker.Forget(u)
			}
		}
	}
	return res, nil
}

// forward downloads one file and sends it to the node destinations still
// pending for it. Any state but AllSucceeded and Filtered keeps the file
// queued.
func (p *Puller) forward(ctx context.Context, u string, q *queued) forward.State {
	logger := p.logger.With().Str("node", q.node).Str("file", q.file.Name).Logger()

	node, err := p.registry.Lookup(q.node)
	if err != nil {
		logger.Error().Err(err).Msg("archive lists an unknown forward node")
		return forward.Filtered
	}
	var only []string
	if e, ok := p.tracker.Get(u); ok {
		only = e.Pending
	}

	obj, err := p.download(ctx, u, q.file)
	if err != nil {
		logger.Error().Err(err).Msg("could not download archive file")
		p.tracker.MarkError(u, "", err.Error(), only)
		return forward.AllFailed
	}

	out := p.orch.Store(ctx, obj, node.Select(only))
	switch out.State {
	case forward.AllSucceeded:
		if err := p.delete(ctx, u); err != nil {
			logger.Warn().Err(err).Msg("could not delete forwarded file from archive")
		}
		p.tracker.Forget(u)
	case forward.Filtered:
		logger.Info().Msg("no destination accepts the object")
		p.tracker.Forget(u)
	default:
		pending, reason := pendingOf(out)
		p.tracker.MarkError(u, out.State.String(), reason, pending)
	}
	return out.State
}

func (p *Puller) download(ctx context.Context, u string, f ArchiveFile) (*dcm.Tree, error) {
	body, err := p.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp("", "pull-*.dcm")
	if err != nil {
		return nil, fmt.Errorf("could not create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	_, err = io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindTransport, "pull.download", err)
	}

	obj, err := dcm.ReadDecompressed(tmp.Name())
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindProtocol, "pull.download", err)
	}
	if f.SOPInstanceUID != "" && obj.SOPInstanceUID() != f.SOPInstanceUID {
		p.logger.Warn().
			Str("listed", f.SOPInstanceUID).
			Str("received", obj.SOPInstanceUID()).
			Msg("SOP Instance UID differs from the archive listing")
	}
	return obj, nil
}

func (p *Puller) delete(ctx context.Context, u string) error {
	body, err := p.get(ctx, u+"&delete=true")
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

func (p *Puller) get(ctx context.Context, u string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindConfiguration, "pull.get", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindTransport, "pull.get", err)
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, gwerr.Transport("pull.get", "%s: HTTP %d: %s", u, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp.Body, nil
}

// Run polls every interval until ctx is done.
func (p *Puller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := p.Poll(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			p.logger.Error().Err(err).Msg("poll failed")
		case res != (PollResult{}):
			p.logger.Info().Interface("result", res).Int("queued", p.Pending()).Msg("poll")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
