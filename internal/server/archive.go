package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"

	"github.com/loftdrive/loft/internal/store"
)

// serveArchive packages the entries into a zip at a temporary path and
// streams it back. Building first means a blob that fails to read produces
// an error response instead of a truncated archive with a 200 already sent.
// The temporary file is removed whether the build succeeds or not.
func (s *Server) serveArchive(w http.ResponseWriter, name string, entries []store.ArchiveEntry) {
	tmp, err := os.CreateTemp("", "loft-archive-*.zip")
	if err != nil {
		log.Error().Err(err).Msg("failed to create archive scratch file")
		s.jsonError(w, "failed to build archive", http.StatusInternalServerError)
		return
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := s.buildArchive(tmp, entries); err != nil {
		log.Error().Err(err).Str("archive", name).Msg("failed to build archive")
		s.jsonError(w, "failed to build archive", http.StatusInternalServerError)
		return
	}

	size, err := tmp.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to rewind archive scratch file")
		s.jsonError(w, "failed to build archive", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": name + ".zip"}))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if _, err := io.Copy(w, tmp); err != nil {
		log.Warn().Err(err).Str("archive", name).Msg("archive stream interrupted")
	}
}

func (s *Server) buildArchive(dst io.Writer, entries []store.ArchiveEntry) error {
	zw := zip.NewWriter(dst)
	for _, e := range entries {
		hdr := &zip.FileHeader{
			Name:     e.DisplayPath,
			Method:   zip.Deflate,
			Modified: e.File.UpdatedAt,
		}
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("entry %s: %w", e.DisplayPath, err)
		}
		blob, err := s.store.OpenBlob(e.File)
		if err != nil {
			return fmt.Errorf("entry %s: %w", e.DisplayPath, err)
		}
		_, err = io.Copy(entry, blob)
		blob.Close()
		if err != nil {
			return fmt.Errorf("entry %s: %w", e.DisplayPath, err)
		}
	}
	return zw.Close()
}
