package forward

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/gwerr"
)

type stowRequest struct {
	mediaType  string
	params     map[string]string
	user, pass string
	basic      bool
	auth       string
	custom     string
	partType   string
	part       []byte
}

func stowServer(t *testing.T, status int, body string) (*httptest.Server, chan stowRequest) {
	t.Helper()
	got := make(chan stowRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stowRequest
		req.mediaType, req.params, _ = mime.ParseMediaType(r.Header.Get("Content-Type"))
		req.user, req.pass, req.basic = r.BasicAuth()
		req.auth = r.Header.Get("Authorization")
		req.custom = r.Header.Get("X-Project")

		mr := multipart.NewReader(r.Body, req.params["boundary"])
		if p, err := mr.NextPart(); err == nil {
			req.partType = p.Header.Get("Content-Type")
			req.part, _ = io.ReadAll(p)
		}
		got <- req

		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestStowSender_PostsMultipartRelated(t *testing.T) {
	srv, got := stowServer(t, http.StatusOK, "{}")
	s := NewStowSender(srv.URL+"/studies", 5*time.Second)
	s.Auth = AuthBasic
	s.Credentials = "gateway:s3cret"
	s.Headers = map[string]string{"X-Project": "trial"}

	code, err := s.Send(context.Background(), testObject())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)

	req := <-got
	assert.Equal(t, "multipart/related", req.mediaType)
	assert.Equal(t, "application/dicom", req.params["type"])
	assert.True(t, req.basic)
	assert.Equal(t, "gateway", req.user)
	assert.Equal(t, "s3cret", req.pass)
	assert.Equal(t, "trial", req.custom)
	assert.Equal(t, "application/dicom", req.partType)
	require.Greater(t, len(req.part), 132)
	assert.Equal(t, "DICM", string(req.part[128:132]))
}

func TestStowSender_BearerToken(t *testing.T) {
	srv, got := stowServer(t, http.StatusOK, "")
	s := NewStowSender(srv.URL, 5*time.Second)
	s.Credentials = "abc.def"

	_, err := s.Send(context.Background(), testObject())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc.def", (<-got).auth)
}

func TestStowSender_BearerTokenWithColon(t *testing.T) {
	srv, got := stowServer(t, http.StatusOK, "")
	s := NewStowSender(srv.URL, 5*time.Second)
	s.Auth = AuthBearer
	s.Credentials = "tenant:abc.def"

	_, err := s.Send(context.Background(), testObject())
	require.NoError(t, err)
	req := <-got
	assert.False(t, req.basic)
	assert.Equal(t, "Bearer tenant:abc.def", req.auth)
}

func TestParseAuth(t *testing.T) {
	a, err := ParseAuth("")
	require.NoError(t, err)
	assert.Equal(t, AuthBearer, a)

	a, err = ParseAuth(" Basic ")
	require.NoError(t, err)
	assert.Equal(t, AuthBasic, a)

	_, err = ParseAuth("digest")
	assert.Error(t, err)
}

func TestStowSender_ErrorStatus(t *testing.T) {
	srv, _ := stowServer(t, http.StatusConflict, "instance already exists")
	s := NewStowSender(srv.URL, 5*time.Second)

	code, err := s.Send(context.Background(), testObject())

	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, code)
	assert.True(t, gwerr.IsTransport(err))
	assert.Contains(t, err.Error(), "instance already exists")
}

func TestStowSender_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	code, err := NewStowSender(url, time.Second).Send(context.Background(), testObject())
	assert.Zero(t, code)
	assert.True(t, gwerr.IsTransport(err))
}

func TestStowSender_ThroughOrchestrator(t *testing.T) {
	okSrv, _ := stowServer(t, http.StatusOK, "")
	badSrv, _ := stowServer(t, http.StatusServiceUnavailable, "busy")

	d1 := &Destination{Name: "ok", Type: TypeSTOW, Active: true, Sender: NewStowSender(okSrv.URL, 5*time.Second)}
	d2 := &Destination{Name: "busy", Type: TypeSTOW, Active: true, Sender: NewStowSender(badSrv.URL, 5*time.Second)}

	out := New(zerolog.Nop()).Store(context.Background(), testObject(), []*Destination{d1, d2})

	assert.Equal(t, PartialFailure, out.State)
	assert.Equal(t, http.StatusServiceUnavailable, out.Results[1].StatusCode)
}

func TestStoreSCUSender_ExitStatus(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses the true and false utilities")
	}
	ok := &StoreSCUSender{SCU: dcm.StoreSCU{Binary: "true", CalledAET: "PACS", Host: "localhost", Port: 104}, TempDir: t.TempDir()}
	code, err := ok.Send(context.Background(), testObject())
	require.NoError(t, err)
	assert.Zero(t, code)

	bad := &StoreSCUSender{SCU: dcm.StoreSCU{Binary: "false", CalledAET: "PACS", Host: "localhost", Port: 104}, TempDir: t.TempDir()}
	code, err = bad.Send(context.Background(), testObject())
	require.Error(t, err)
	assert.Equal(t, 1, code)
	assert.True(t, gwerr.IsTransport(err))
}
