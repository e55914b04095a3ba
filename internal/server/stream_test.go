package server

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	const size = 1000

	tests := []struct {
		header        string
		wantStart     int64
		wantEnd       int64
		wantNone      bool
		wantUnsatisfd bool
	}{
		{header: "", wantNone: true},
		{header: "bytes=0-99", wantStart: 0, wantEnd: 99},
		{header: "bytes=100-", wantStart: 100, wantEnd: 999},
		{header: "bytes=999-999", wantStart: 999, wantEnd: 999},
		// An end past EOF is clamped, not rejected.
		{header: "bytes=900-5000", wantStart: 900, wantEnd: 999},
		// Malformed headers fall back to the full representation.
		{header: "bytes=abc", wantNone: true},
		{header: "bytes=-500", wantNone: true},
		{header: "bytes=0-99,200-299", wantNone: true},
		{header: "chunks=0-99", wantNone: true},
		// Out of bounds is unsatisfiable.
		{header: "bytes=1000-", wantUnsatisfd: true},
		{header: "bytes=500-100", wantUnsatisfd: true},
	}
	for _, tc := range tests {
		rng, unsatisfiable := parseRange(tc.header, size, false)
		if tc.wantUnsatisfd {
			assert.True(t, unsatisfiable, "header %q", tc.header)
			continue
		}
		require.False(t, unsatisfiable, "header %q", tc.header)
		if tc.wantNone {
			assert.Nil(t, rng, "header %q", tc.header)
			continue
		}
		require.NotNil(t, rng, "header %q", tc.header)
		assert.Equal(t, tc.wantStart, rng.start, "header %q", tc.header)
		assert.Equal(t, tc.wantEnd, rng.end, "header %q", tc.header)
	}
}

func TestParseRangeMediaPreviewCap(t *testing.T) {
	size := int64(5 * previewChunkSize)

	// Open-ended media requests get one preview chunk.
	rng, unsatisfiable := parseRange("bytes=0-", size, true)
	require.False(t, unsatisfiable)
	require.NotNil(t, rng)
	assert.Equal(t, int64(previewChunkSize), rng.length())

	// An explicit end is honored even for media.
	rng, _ = parseRange(fmt.Sprintf("bytes=0-%d", size-1), size, true)
	require.NotNil(t, rng)
	assert.Equal(t, size, rng.length())

	// Near EOF the chunk shrinks to what is left.
	rng, _ = parseRange(fmt.Sprintf("bytes=%d-", size-10), size, true)
	require.NotNil(t, rng)
	assert.Equal(t, int64(10), rng.length())

	// Non-media open-ended requests run to EOF.
	rng, _ = parseRange("bytes=0-", size, false)
	require.NotNil(t, rng)
	assert.Equal(t, size, rng.length())
}

func TestIsInlineMime(t *testing.T) {
	assert.True(t, isInlineMime("image/png"))
	assert.True(t, isInlineMime("video/mp4"))
	assert.True(t, isInlineMime("text/plain; charset=utf-8"))
	assert.True(t, isInlineMime("application/pdf"))
	assert.False(t, isInlineMime("application/octet-stream"))
	assert.False(t, isInlineMime("text/html"))
}

func TestDownloadFull(t *testing.T) {
	e := newTestEnv(t)
	data := []byte("the quick brown fox jumps over the lazy dog")
	f := e.upload(t, "", "fox.txt", data)

	w := e.request(t, http.MethodGet, "/api/v1/files/"+f.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.NotEmpty(t, w.Header().Get("ETag"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "inline")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "fox.txt")
}

func TestDownloadDispositionOverrides(t *testing.T) {
	e := newTestEnv(t)
	f := e.upload(t, "", "fox.txt", []byte("x"))

	w := e.request(t, http.MethodGet, "/api/v1/files/"+f.ID+"?download=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

	b := e.upload(t, "", "data.bin", []byte("x"))
	w = e.request(t, http.MethodGet, "/api/v1/files/"+b.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

	w = e.request(t, http.MethodGet, "/api/v1/files/"+b.ID+"?inline=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "inline")
}

func TestDownloadRange(t *testing.T) {
	e := newTestEnv(t)
	data := bytes.Repeat([]byte("0123456789"), 100) // 1000 bytes
	f := e.upload(t, "", "data.bin", data)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID, nil)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Range", "bytes=10-19")
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 10-19/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, "10", w.Header().Get("Content-Length"))
	assert.Equal(t, []byte("0123456789"), w.Body.Bytes())
}

func TestDownloadRangeOpenEnded(t *testing.T) {
	e := newTestEnv(t)
	data := bytes.Repeat([]byte("x"), 1000)
	f := e.upload(t, "", "data.bin", data)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID, nil)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Range", "bytes=950-")
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 950-999/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, 50, w.Body.Len())
}

func TestDownloadRangeUnsatisfiable(t *testing.T) {
	e := newTestEnv(t)
	f := e.upload(t, "", "data.bin", bytes.Repeat([]byte("x"), 100))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID, nil)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Range", "bytes=100-")
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */100", w.Header().Get("Content-Range"))
}

func TestDownloadRangeMalformedServesFull(t *testing.T) {
	e := newTestEnv(t)
	data := bytes.Repeat([]byte("x"), 100)
	f := e.upload(t, "", "data.bin", data)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID, nil)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Range", "bytes=oops")
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, w.Body.Len())
}

func TestDownloadNotModified(t *testing.T) {
	e := newTestEnv(t)
	f := e.upload(t, "", "data.bin", []byte("x"))

	w := e.request(t, http.MethodGet, "/api/v1/files/"+f.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID, nil)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("If-None-Match", etag)
	w2 := httptest.NewRecorder()
	e.srv.ServeHTTP(w2, req)

	assert.Equal(t, http.StatusNotModified, w2.Code)
	assert.Zero(t, w2.Body.Len())
}
