package server

import (
	"net/http"
	"strings"

	"github.com/loftdrive/loft/internal/store"
)

// handleCDN serves token-addressed public files. Tokens are the only
// credential; unknown and revoked tokens are indistinguishable.
func (s *Server) handleCDN(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, _ := shiftPath(strings.TrimPrefix(r.URL.Path, "/cdn/"))
	if token == "" {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	res, err := s.store.ResolveToken(token)
	if err != nil || !res.IsFile() {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	blob, err := s.store.OpenBlob(res.File)
	if err != nil {
		s.storeError(w, err, "failed to open blob")
		return
	}
	s.metrics.DownloadsTotal.WithLabelValues("cdn").Inc()
	s.serveBlob(w, r, res.File, blob, true)
}

// handleShare dispatches /share/{token} and its subresources. A file token
// streams the file directly; a folder token exposes metadata, listing,
// member download, and archive.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, rest := shiftPath(strings.TrimPrefix(r.URL.Path, "/share/"))
	if token == "" {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	res, err := s.store.ResolveToken(token)
	if err != nil {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	action, _ := shiftPath(rest)

	if res.IsFile() {
		if action != "" {
			s.jsonError(w, "not found", http.StatusNotFound)
			return
		}
		blob, err := s.store.OpenBlob(res.File)
		if err != nil {
			s.storeError(w, err, "failed to open blob")
			return
		}
		s.metrics.DownloadsTotal.WithLabelValues("share").Inc()
		s.serveBlob(w, r, res.File, blob, true)
		return
	}

	switch action {
	case "":
		s.writeJSON(w, map[string]interface{}{
			"type":  "folder",
			"name":  res.Folder.Name,
			"owner": res.OwnerName,
		})
	case "list":
		s.handleShareList(w, r, res)
	case "file":
		s.handleShareMember(w, r, res)
	case "archive":
		s.serveArchive(w, res.Folder.Name, s.store.EntriesUnder(res.Folder.UserID, res.Folder.Path))
	default:
		s.jsonError(w, "not found", http.StatusNotFound)
	}
}

// handleShareList lists a subfolder of a shared tree. The path query is
// relative to the shared root; listing never escapes the subtree because
// resolution joins below it.
func (s *Server) handleShareList(w http.ResponseWriter, r *http.Request, res *store.SharedResource) {
	files, folders, err := s.store.ListSharedFolder(res.Folder, r.URL.Query().Get("path"))
	if err != nil {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]interface{}{"files": files, "folders": folders})
}

// handleShareMember streams one member of a shared folder, re-verifying the
// file still sits inside the shared subtree at request time.
func (s *Server) handleShareMember(w http.ResponseWriter, r *http.Request, res *store.SharedResource) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.jsonError(w, "missing file id", http.StatusBadRequest)
		return
	}
	f, err := s.store.FileInSharedFolder(res.Folder, id)
	if err != nil {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	blob, err := s.store.OpenBlob(f)
	if err != nil {
		s.storeError(w, err, "failed to open blob")
		return
	}
	s.metrics.DownloadsTotal.WithLabelValues("share").Inc()
	s.serveBlob(w, r, f, blob, true)
}
