package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/gwerr"
)

const (
	contentTypeDICOM     = "application/dicom"
	contentTypeDICOMJSON = "application/dicom+json"
)

// Auth is the HTTP authentication scheme of a STOW-RS endpoint.
type Auth string

const (
	AuthBearer Auth = "bearer"
	AuthBasic  Auth = "basic"
)

// ParseAuth validates a scheme name. An empty name selects AuthBearer.
func ParseAuth(s string) (Auth, error) {
	switch a := Auth(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return AuthBearer, nil
	case AuthBearer, AuthBasic:
		return a, nil
	default:
		return "", fmt.Errorf("auth must be %q or %q, got %q", AuthBearer, AuthBasic, s)
	}
}

// StowSender posts objects to a DICOMweb STOW-RS endpoint.
type StowSender struct {
	URL string

	// Credentials is a token for AuthBearer, or "user:password" for
	// AuthBasic. The token is sent as is, colons included.
	Auth        Auth
	Credentials string
	Headers     map[string]string

	httpClient *http.Client
}

// NewStowSender creates a sender with a default HTTP client.
func NewStowSender(url string, timeout time.Duration) *StowSender {
	return NewStowSenderWithHTTPClient(url, &http.Client{Timeout: timeout})
}

// NewStowSenderWithHTTPClient creates a sender using client.
func NewStowSenderWithHTTPClient(url string, client *http.Client) *StowSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &StowSender{URL: url, httpClient: client}
}

// Send posts obj as a single-part multipart/related request.
func (s *StowSender) Send(ctx context.Context, obj *dcm.Tree) (int, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {contentTypeDICOM}})
	if err != nil {
		return 0, gwerr.Wrap(gwerr.KindTransform, "stow.encode", err)
	}
	if err := obj.Encode(part); err != nil {
		return 0, gwerr.Wrap(gwerr.KindTransform, "stow.encode", err)
	}
	if err := mw.Close(); err != nil {
		return 0, gwerr.Wrap(gwerr.KindTransform, "stow.encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, &body)
	if err != nil {
		return 0, gwerr.Configuration("stow.send", "invalid STOW-RS URL %q: %v", s.URL, err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf("multipart/related; type=%q; boundary=%s", contentTypeDICOM, mw.Boundary()))
	req.Header.Set("Accept", contentTypeDICOMJSON)
	if s.Credentials != "" {
		switch s.Auth {
		case AuthBasic:
			user, pass, _ := strings.Cut(s.Credentials, ":")
			req.SetBasicAuth(user, pass)
		default:
			req.Header.Set("Authorization", "Bearer "+s.Credentials)
		}
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, gwerr.Wrap(gwerr.KindTransport, "stow.send", fmt.Errorf("failed to post to %s: %w", s.URL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, gwerr.Transport("stow.send", "received status code %d from %s: %s",
			resp.StatusCode, s.URL, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
