package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/loftdrive/loft/internal/auth"
)

// handleFolders serves the folder collection: create and root listing.
func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request, p principal) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateFolder(w, r, p)
	case http.MethodGet:
		s.handleListFiles(w, r, p)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request, p principal) {
	if !s.requireCap(w, p, auth.CapCreateFolder) {
		return
	}
	var req struct {
		Name     string `json:"name"`
		ParentID string `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f, err := s.store.CreateFolder(p.userID, req.Name, req.ParentID)
	if err != nil {
		s.storeError(w, err, "failed to create folder")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(f)
}

// handleFolderByID dispatches /api/v1/folders/{id} subresources and the
// bulk operations under /api/v1/folders/bulk/.
func (s *Server) handleFolderByID(w http.ResponseWriter, r *http.Request, p principal) {
	id, rest := shiftPath(strings.TrimPrefix(r.URL.Path, "/api/v1/folders/"))
	if id == "" {
		s.jsonError(w, "missing folder id", http.StatusBadRequest)
		return
	}
	action, _ := shiftPath(rest)

	if id == "bulk" {
		s.handleBulk(w, r, p, action)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleListFolderContents(w, p, id)
	case action == "" && r.Method == http.MethodDelete:
		s.handleDeleteFolder(w, p, id)
	case action == "move" && r.Method == http.MethodPost:
		s.handleMoveFolder(w, r, p, id)
	case action == "rename" && r.Method == http.MethodPost:
		s.handleRenameFolder(w, r, p, id)
	case action == "share" && r.Method == http.MethodPost:
		s.handleShareFolder(w, r, p, id)
	case action == "archive" && r.Method == http.MethodGet:
		s.handleFolderArchive(w, p, id)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListFolderContents(w http.ResponseWriter, p principal, id string) {
	if !s.requireCap(w, p, auth.CapList) {
		return
	}
	files, folders, err := s.store.ListFolder(p.userID, id)
	if err != nil {
		s.storeError(w, err, "failed to list folder")
		return
	}
	s.writeJSON(w, map[string]interface{}{"files": files, "folders": folders})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, p principal, id string) {
	if !s.requireCap(w, p, auth.CapDeleteFolder) {
		return
	}
	if err := s.store.DeleteFolder(id, p.userID); err != nil {
		s.storeError(w, err, "failed to delete folder")
		return
	}
	s.writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleMoveFolder(w http.ResponseWriter, r *http.Request, p principal, id string) {
	if !s.requireCap(w, p, auth.CapCreateFolder) {
		return
	}
	var req struct {
		ParentID string `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f, err := s.store.MoveFolder(id, p.userID, req.ParentID)
	if err != nil {
		s.storeError(w, err, "failed to move folder")
		return
	}
	s.writeJSON(w, f)
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request, p principal, id string) {
	if !s.requireCap(w, p, auth.CapCreateFolder) {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f, oldName, err := s.store.RenameFolder(id, p.userID, req.Name)
	if err != nil {
		s.storeError(w, err, "failed to rename folder")
		return
	}
	s.writeJSON(w, map[string]interface{}{"folder": f, "old_name": oldName})
}

func (s *Server) handleShareFolder(w http.ResponseWriter, r *http.Request, p principal, id string) {
	if !s.requireCap(w, p, auth.CapCreateFolder) {
		return
	}
	var req struct {
		Public bool `json:"public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f, err := s.store.SetFolderPublic(id, p.userID, req.Public)
	if err != nil {
		s.storeError(w, err, "failed to update folder share")
		return
	}
	s.metrics.SharesActive.Set(float64(s.store.SharedCount()))
	resp := map[string]interface{}{"folder": f}
	if f.IsPublic {
		resp["url"] = s.cfg.PublicBaseURL + "/share/" + f.PublicURL
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleFolderArchive(w http.ResponseWriter, p principal, id string) {
	if !s.requireCap(w, p, auth.CapList) {
		return
	}
	f, err := s.store.GetFolder(id, p.userID)
	if err != nil {
		s.storeError(w, err, "failed to load folder")
		return
	}
	s.serveArchive(w, f.Name, s.store.EntriesUnder(p.userID, f.Path))
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request, p principal, action string) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "move":
		if !s.requireCap(w, p, auth.CapCreateFolder) {
			return
		}
		var req struct {
			IDs      []string `json:"ids"`
			ParentID string   `json:"parent_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		res, err := s.store.BulkMoveFolders(p.userID, req.IDs, req.ParentID)
		if err != nil {
			s.storeError(w, err, "failed to move folders")
			return
		}
		s.writeJSON(w, res)
	case "delete":
		if !s.requireCap(w, p, auth.CapDeleteFolder) {
			return
		}
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		s.writeJSON(w, s.store.BulkDeleteFolders(p.userID, req.IDs))
	default:
		s.jsonError(w, "unknown bulk action", http.StatusNotFound)
	}
}
