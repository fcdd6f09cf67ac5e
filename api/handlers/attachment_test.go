package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/agent/artifacts"
)

func TestAttachmentHandler_Download(t *testing.T) {
	m := newManager(t)
	up, err := m.Put(context.Background(), "T1", "photo.png", strings.NewReader("png-bytes"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/attachments/{id}", NewAttachmentHandler(m, zap.NewNop()).HandleDownload)

	u, err := url.Parse(up.URL)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "png-bytes", w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename=photo.png`)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "missing token", path: u.Path, wantStatus: http.StatusBadRequest},
		{name: "bad token", path: u.Path + "?token=garbage", wantStatus: http.StatusForbidden},
		{name: "token for other id", path: "/api/v1/attachments/other?" + u.RawQuery, wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

type stubOpener struct{ err error }

func (s stubOpener) Open(context.Context, string, string) (*artifacts.Attachment, io.ReadCloser, error) {
	return nil, nil, s.err
}

func TestAttachmentHandler_OpenErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "expired or deleted", err: artifacts.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "wrapped invalid link", err: fmt.Errorf("verify: %w", artifacts.ErrInvalidLink), wantStatus: http.StatusForbidden},
		{name: "disk failure", err: errors.New("read-only file system"), wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /api/v1/attachments/{id}", NewAttachmentHandler(stubOpener{err: tt.err}, zap.NewNop()).HandleDownload)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/attachments/a1?token=t", nil))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}
