package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/loftdrive/loft/internal/auth"
	"github.com/loftdrive/loft/internal/store"
)

// uploadResult reports the outcome of one part of a multipart upload.
type uploadResult struct {
	Name  string      `json:"name"`
	File  *store.File `json:"file,omitempty"`
	Error string      `json:"error,omitempty"`
}

// handleFiles serves the file collection: multipart upload and folder
// listing.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, p principal) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, p)
	case http.MethodGet:
		s.handleListFiles(w, r, p)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleUpload ingests a multipart batch. The form may carry a folder_id
// field naming the destination; each part named "file" is stored under its
// filename, which may be a relative path whose directories are created on
// the way. Parts fail independently.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, p principal) {
	if !s.requireCap(w, p, auth.CapUpload) {
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		s.jsonError(w, "expected multipart form", http.StatusBadRequest)
		return
	}

	var (
		folderID string
		results  []uploadResult
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.jsonError(w, "malformed multipart form", http.StatusBadRequest)
			return
		}

		if part.FormName() == "folder_id" {
			v, err := io.ReadAll(io.LimitReader(part, 256))
			if err != nil {
				s.jsonError(w, "malformed multipart form", http.StatusBadRequest)
				return
			}
			folderID = strings.TrimSpace(string(v))
			continue
		}
		if part.FormName() != "file" {
			continue
		}

		relPath := part.FileName()
		name := relPath
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}

		data, err := s.readPart(part)
		if err != nil {
			results = append(results, uploadResult{Name: name, Error: uploadErrMessage(err)})
			continue
		}
		f, err := s.store.SaveFile(p.userID, data, name, folderID, relPath)
		if err != nil {
			if errors.Is(err, store.ErrQuotaExceeded) {
				s.metrics.QuotaRejections.Inc()
			}
			results = append(results, uploadResult{Name: name, Error: uploadErrMessage(err)})
			continue
		}
		s.metrics.UploadsTotal.Inc()
		s.metrics.UploadedBytes.Add(float64(f.Size))
		results = append(results, uploadResult{Name: name, File: f})
	}

	if len(results) == 0 {
		s.jsonError(w, "no file parts in form", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]interface{}{"results": results})
}

// uploadErrMessage maps a storage error to a client-safe per-part message.
func uploadErrMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrQuotaExceeded):
		return "storage quota exceeded"
	case errors.Is(err, store.ErrFileTooLarge):
		return "file too large"
	case errors.Is(err, store.ErrInvalidName):
		return "invalid name"
	case errors.Is(err, store.ErrNotFound):
		return "folder not found"
	default:
		return err.Error()
	}
}

// readPart buffers one upload part, stopping one byte past the per-file cap
// so oversize parts fail without buffering the full body.
func (s *Server) readPart(part io.Reader) ([]byte, error) {
	max := s.store.MaxFileSize()
	if max <= 0 {
		return io.ReadAll(part)
	}
	data, err := io.ReadAll(io.LimitReader(part, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, store.ErrFileTooLarge
	}
	return data, nil
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request, p principal) {
	if !s.requireCap(w, p, auth.CapList) {
		return
	}
	folderID := r.URL.Query().Get("folder_id")
	files, folders, err := s.store.ListFolder(p.userID, folderID)
	if err != nil {
		s.storeError(w, err, "failed to list folder")
		return
	}
	s.writeJSON(w, map[string]interface{}{"files": files, "folders": folders})
}

// handleFileByID dispatches /api/v1/files/{id} and its subresources.
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request, p principal) {
	id, rest := shiftPath(strings.TrimPrefix(r.URL.Path, "/api/v1/files/"))
	if id == "" {
		s.jsonError(w, "missing file id", http.StatusBadRequest)
		return
	}
	action, _ := shiftPath(rest)

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleDownload(w, r, p, id)
	case action == "" && r.Method == http.MethodDelete:
		s.handleDeleteFile(w, p, id)
	case action == "move" && r.Method == http.MethodPost:
		s.handleMoveFile(w, r, p, id)
	case action == "rename" && r.Method == http.MethodPost:
		s.handleRenameFile(w, r, p, id)
	case action == "share" && r.Method == http.MethodPost:
		s.handleShareFile(w, r, p, id)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, p principal, id string) {
	if !s.requireCap(w, p, auth.CapList) {
		return
	}
	f, err := s.store.GetFile(id, p.userID)
	if err != nil {
		s.storeError(w, err, "failed to load file")
		return
	}
	blob, err := s.store.OpenBlob(f)
	if err != nil {
		s.storeError(w, err, "failed to open blob")
		return
	}
	s.metrics.DownloadsTotal.WithLabelValues("api").Inc()
	s.serveBlob(w, r, f, blob, false)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, p principal, id string) {
	if !s.requireCap(w, p, auth.CapDelete) {
		return
	}
	if err := s.store.DeleteFile(id, p.userID); err != nil {
		s.storeError(w, err, "failed to delete file")
		return
	}
	s.writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleMoveFile(w http.ResponseWriter, r *http.Request, p principal, id string) {
	if !s.requireCap(w, p, auth.CapUpload) {
		return
	}
	var req struct {
		FolderID string `json:"folder_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f, err := s.store.MoveFile(id, p.userID, req.FolderID)
	if err != nil {
		s.storeError(w, err, "failed to move file")
		return
	}
	s.writeJSON(w, f)
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request, p principal, id string) {
	if !s.requireCap(w, p, auth.CapUpload) {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f, oldName, err := s.store.RenameFile(id, p.userID, req.Name)
	if err != nil {
		s.storeError(w, err, "failed to rename file")
		return
	}
	s.writeJSON(w, map[string]interface{}{"file": f, "old_name": oldName})
}

func (s *Server) handleShareFile(w http.ResponseWriter, r *http.Request, p principal, id string) {
	if !s.requireCap(w, p, auth.CapUpload) {
		return
	}
	var req struct {
		Public    bool   `json:"public"`
		CdnPrefix string `json:"cdn_prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f, err := s.store.SetFilePublic(id, p.userID, req.Public, req.CdnPrefix)
	if err != nil {
		s.storeError(w, err, "failed to update file share")
		return
	}
	s.metrics.SharesActive.Set(float64(s.store.SharedCount()))
	resp := map[string]interface{}{"file": f}
	if f.IsPublic {
		resp["url"] = s.cfg.PublicBaseURL + "/cdn/" + f.PublicURL
	}
	s.writeJSON(w, resp)
}
