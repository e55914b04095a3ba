package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/loftdrive/loft/internal/store"
)

// previewChunkSize caps open-ended range requests on audio and video so
// players get a bounded chunk for progressive playback instead of the whole
// blob.
const previewChunkSize = 1 << 20 // 1 MiB

// rangePattern matches "bytes=start-" and "bytes=start-end".
var rangePattern = regexp.MustCompile(`^bytes=(\d+)-(\d*)$`)

// byteRange is an inclusive byte interval within a blob.
type byteRange struct {
	start int64
	end   int64
}

func (r byteRange) length() int64 {
	return r.end - r.start + 1
}

func (r byteRange) contentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.start, r.end, size)
}

// parseRange interprets a Range header against a blob of the given size.
// A nil range with unsatisfiable=false means serve the whole blob; missing
// and malformed headers both land there, since the full representation is a
// valid response to either. An open end is EOF, or a bounded preview chunk
// for media.
func parseRange(header string, size int64, media bool) (rng *byteRange, unsatisfiable bool) {
	if header == "" {
		return nil, false
	}
	m := rangePattern.FindStringSubmatch(header)
	if m == nil {
		return nil, false
	}

	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil, false
	}
	end := size - 1
	if m[2] != "" {
		end, err = strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return nil, false
		}
	} else if media && size-start > previewChunkSize {
		end = start + previewChunkSize - 1
	}

	if start > end || start >= size {
		return nil, true
	}
	if end >= size {
		end = size - 1
	}
	return &byteRange{start: start, end: end}, false
}

// inlineMimeTypes lists content safe to render in the browser; everything
// else is delivered as an attachment unless the caller overrides.
var inlineMimePrefixes = []string{
	"image/", "video/", "audio/", "text/plain", "application/pdf",
}

func isInlineMime(mimeType string) bool {
	for _, p := range inlineMimePrefixes {
		if strings.HasPrefix(mimeType, p) {
			return true
		}
	}
	return false
}

func isMediaMime(mimeType string) bool {
	return strings.HasPrefix(mimeType, "audio/") || strings.HasPrefix(mimeType, "video/")
}

// disposition decides inline vs attachment from the MIME allow-list, with
// explicit download=1 / inline=1 query overrides winning.
func disposition(f *store.File, r *http.Request) string {
	kind := "attachment"
	if isInlineMime(f.MimeType) {
		kind = "inline"
	}
	q := r.URL.Query()
	if q.Get("download") == "1" {
		kind = "attachment"
	} else if q.Get("inline") == "1" {
		kind = "inline"
	}
	return mime.FormatMediaType(kind, map[string]string{"filename": f.OriginalName})
}

// serveBlob streams a stored blob with correct range, caching and
// disposition semantics. public controls the long-lived cache headers used
// for token-addressed delivery. The caller opened blob; serveBlob closes it.
//
// Streaming is pull-based: bytes are copied from the file handle to the
// response writer as the client drains it, and a disconnect surfaces as a
// write error that ends the copy and releases the handle.
func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request, f *store.File, blob *os.File, public bool) {
	defer func() { _ = blob.Close() }()

	st, err := blob.Stat()
	if err != nil {
		s.jsonError(w, "failed to stat blob", http.StatusInternalServerError)
		return
	}
	size := st.Size()

	etag := fmt.Sprintf(`"%s-%d"`, f.ID, st.ModTime().UnixNano())
	w.Header().Set("ETag", etag)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Content-Disposition", disposition(f, r))
	if public {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rng, unsatisfiable := parseRange(r.Header.Get("Range"), size, isMediaMime(f.MimeType))
	if unsatisfiable {
		s.metrics.RangeNotSatisfiable.Inc()
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		s.jsonError(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if rng == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		n, _ := io.Copy(w, blob)
		s.metrics.DownloadedBytes.Add(float64(n))
		return
	}

	if _, err := blob.Seek(rng.start, io.SeekStart); err != nil {
		s.jsonError(w, "failed to seek blob", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Range", rng.contentRange(size))
	w.Header().Set("Content-Length", strconv.FormatInt(rng.length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	n, _ := io.CopyN(w, blob, rng.length())
	s.metrics.DownloadedBytes.Add(float64(n))
}
