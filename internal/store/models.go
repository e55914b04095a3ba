package store

import (
	"strings"
	"time"
)

// User owns a tree of folders and files and consumes a byte quota.
// StorageUsed is mutated only through the store's quota accounting.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	StorageUsed  int64     `json:"storage_used"`
	StorageLimit int64     `json:"storage_limit"` // 0 = unlimited
	CreatedAt    time.Time `json:"created_at"`
}

// Folder is a node in a user's folder tree. Path is the materialized,
// "/"-joined chain of ancestor names and is unique per user.
type Folder struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ParentID  string    `json:"parent_id,omitempty"` // empty = root
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	IsPublic  bool      `json:"is_public"`
	PublicURL string    `json:"public_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoot returns true if the folder has no parent.
func (f *Folder) IsRoot() bool {
	return f.ParentID == ""
}

// File is a stored blob. Name is the opaque on-disk name; OriginalName is
// what the user uploaded. Path is the on-disk path relative to the user's
// blob root.
type File struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	FolderID     string    `json:"folder_id,omitempty"` // empty = root
	Name         string    `json:"name"`
	OriginalName string    `json:"original_name"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	Path         string    `json:"path"`
	IsPublic     bool      `json:"is_public"`
	PublicURL    string    `json:"public_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Ext returns the file's extension, including the dot, derived from the
// original name. Empty if the original name has none.
func (f *File) Ext() string {
	if i := strings.LastIndex(f.OriginalName, "."); i > 0 {
		return f.OriginalName[i:]
	}
	return ""
}

// isDescendantPath reports whether child is strictly underneath ancestor in
// the materialized path space.
func isDescendantPath(child, ancestor string) bool {
	return strings.HasPrefix(child, ancestor+"/")
}
