package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/gwerr"
	"dicom-gateway/internal/progress"
)

type archive struct {
	listing string
	objects map[string][]byte

	mu        sync.Mutex
	downloads int
	deleted   []string
}

func newArchive(t *testing.T, node string, sopUIDs ...string) *archive {
	a := &archive{objects: make(map[string][]byte)}
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<archive>\n")
	fmt.Fprintf(&b, "<aet name=%q>\n", node)
	for i, uid := range sopUIDs {
		name := fmt.Sprintf("img%d", i+1)
		fmt.Fprintf(&b, "<file tsuid=%q cuid=%q iuid=%q>\n%s</file>\n", "1.2.840.10008.1.2.1", ctImageStorage, uid, name)
		data, err := testObject(uid).Bytes()
		require.NoError(t, err)
		a.objects[name] = data
	}
	b.WriteString("</aet>\n</archive>\n")
	a.listing = b.String()
	return a
}

func (a *archive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch r.URL.Path {
	case "/archive.xml":
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(a.listing))
	case "/download":
		q := r.URL.Query()
		name := q.Get("sopuid")
		data, ok := a.objects[name]
		if !ok || q.Get("aet") == "" {
			http.NotFound(w, r)
			return
		}
		if q.Get("delete") == "true" {
			a.deleted = append(a.deleted, name)
			return
		}
		a.downloads++
		w.Header().Set("Content-Type", "application/dicom")
		_, _ = w.Write(data)
	default:
		http.NotFound(w, r)
	}
}

func (a *archive) snapshot() (int, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.downloads, append([]string(nil), a.deleted...)
}

func newPuller(t *testing.T, srv *httptest.Server, nodes ...*Node) *Puller {
	t.Helper()
	reg, err := NewRegistry(nodes...)
	require.NoError(t, err)
	return NewPuller(srv.URL+"/", 5*time.Second, reg, forward.New(zerolog.Nop()), progress.NewTracker("", zerolog.Nop()), zerolog.Nop())
}

func TestPuller_List(t *testing.T) {
	a := newArchive(t, "GATEWAY", "1.2.3.1.1", "1.2.3.1.2")
	srv := httptest.NewServer(a)
	defer srv.Close()

	files, err := newPuller(t, srv).List(context.Background())

	require.NoError(t, err)
	require.Len(t, files["GATEWAY"], 2)
	f := files["GATEWAY"][0]
	assert.Equal(t, "img1", f.Name)
	assert.Equal(t, "1.2.3.1.1", f.SOPInstanceUID)
	assert.Equal(t, ctImageStorage, f.SOPClassUID)
	assert.Equal(t, "1.2.840.10008.1.2.1", f.TransferSyntaxUID)
}

func TestPuller_ListFindsNodesUnderAnyRoot(t *testing.T) {
	a := newArchive(t, "GATEWAY", "1.2.3.1.1")
	a.listing = `<?xml version="1.0" encoding="UTF-8"?>
<dicom>
  <aet name="GATEWAY"><file tsuid="1.2.840.10008.1.2.1" cuid="` + ctImageStorage + `" iuid="1.2.3.1.1">img1</file></aet>
  <site><aet name="OTHER"><file iuid="1.2.3.9.9">img9</file></aet></site>
</dicom>
`
	srv := httptest.NewServer(a)
	defer srv.Close()

	files, err := newPuller(t, srv).List(context.Background())

	require.NoError(t, err)
	require.Len(t, files["GATEWAY"], 1)
	assert.Equal(t, "img1", files["GATEWAY"][0].Name)
	assert.Equal(t, "1.2.3.1.1", files["GATEWAY"][0].SOPInstanceUID)
	require.Len(t, files["OTHER"], 1)
	assert.Equal(t, "img9", files["OTHER"][0].Name)
}

func TestPuller_ListRejectsMalformedXML(t *testing.T) {
	a := newArchive(t, "GATEWAY")
	a.listing = `<archive><aet name="GATEWAY"><file>img1</aet>`
	srv := httptest.NewServer(a)
	defer srv.Close()

	_, err := newPuller(t, srv).List(context.Background())

	require.Error(t, err)
	assert.True(t, gwerr.IsProtocol(err))
}

func TestPuller_DeletesOnlyAfterEveryDestinationSucceeded(t *testing.T) {
	a := newArchive(t, "GATEWAY", "1.2.3.1.1", "1.2.3.1.2")
	srv := httptest.NewServer(a)
	defer srv.Close()

	ok := &fakeSender{}
	flaky := &fakeSender{err: errors.New("down")}
	p := newPuller(t, srv, &Node{AETitle: "GATEWAY", Destinations: []*forward.Destination{dest("pacs", ok), dest("research", flaky)}})

	res, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Listed: 2, Failed: 2}, res)
	assert.Equal(t, 2, p.Pending())
	_, deleted := a.snapshot()
	assert.Empty(t, deleted, "partial failures stay in the archive")

	flaky.setErr(nil)
	res, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Listed: 2, Forwarded: 2}, res)
	assert.Zero(t, p.Pending())
	assert.False(t, p.LastPoll().IsZero())

	downloads, deleted := a.snapshot()
	assert.Equal(t, 4, downloads)
	assert.ElementsMatch(t, []string{"img1", "img2"}, deleted)
	assert.Equal(t, 2, ok.calls(), "the retry only targets the failed destination")
	assert.Equal(t, 4, flaky.calls())
}

func TestPuller_FilteredFilesAreNotDownloadedAgain(t *testing.T) {
	a := newArchive(t, "GATEWAY", "1.2.3.1.1")
	srv := httptest.NewServer(a)
	defer srv.Close()

	mrOnly := dest("mr", &fakeSender{})
	mrOnly.SOPClasses = []string{"1.2.840.10008.5.1.4.1.1.4"}
	p := newPuller(t, srv, &Node{AETitle: "GATEWAY", Destinations: []*forward.Destination{mrOnly}})

	res, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Listed: 1, Dropped: 1}, res)

	res, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Listed: 1}, res)

	downloads, deleted := a.snapshot()
	assert.Equal(t, 1, downloads)
	assert.Empty(t, deleted)
}

func TestPuller_UnknownNodeIsDropped(t *testing.T) {
	a := newArchive(t, "ELSEWHERE", "1.2.3.1.1")
	srv := httptest.NewServer(a)
	defer srv.Close()

	p := newPuller(t, srv, &Node{AETitle: "GATEWAY", Destinations: []*forward.Destination{dest("pacs", &fakeSender{})}})
	res, err := p.Poll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, PollResult{Listed: 1, Dropped: 1}, res)
	downloads, _ := a.snapshot()
	assert.Zero(t, downloads)
}

func TestPuller_GivesUpAfterMaxAttempts(t *testing.T) {
	a := newArchive(t, "GATEWAY", "1.2.3.1.1")
	srv := httptest.NewServer(a)
	defer srv.Close()

	p := newPuller(t, srv, &Node{AETitle: "GATEWAY", Destinations: []*forward.Destination{dest("pacs", &fakeSender{err: errors.New("down")})}})
	p.MaxAttempts = 2

	for i := 0; i < 3; i++ {
		_, err := p.Poll(context.Background())
		require.NoError(t, err)
	}
	downloads, deleted := a.snapshot()
	assert.Equal(t, 2, downloads)
	assert.Empty(t, deleted)
	assert.Zero(t, p.Pending())
}

func TestPuller_ArchiveErrors(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	_, err := newPuller(t, broken).Poll(context.Background())
	assert.True(t, gwerr.IsTransport(err))
	assert.Contains(t, err.Error(), "maintenance")

	garbled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<archive><aet name="))
	}))
	defer garbled.Close()
	_, err = newPuller(t, garbled).Poll(context.Background())
	assert.True(t, gwerr.IsProtocol(err))
}

func TestPuller_RunStopsWithContext(t *testing.T) {
	a := newArchive(t, "GATEWAY")
	srv := httptest.NewServer(a)
	defer srv.Close()
	p := newPuller(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return !p.LastPoll().IsZero() }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("puller did not stop")
	}
}
