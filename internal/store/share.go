package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxCdnPrefixLen caps the human-readable prefix segment of a public URL.
const maxCdnPrefixLen = 64

// mintToken returns a fresh opaque share token. Tokens are never reused:
// every enable mints a new one and disabling discards the old one for good.
func mintToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SanitizeCdnPrefix lowercases a prefix and strips everything outside
// [a-z0-9-_], capping the result. Returns "" if nothing survives.
func SanitizeCdnPrefix(prefix string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(prefix) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
		if b.Len() >= maxCdnPrefixLen {
			break
		}
	}
	return b.String()
}

// SetFilePublic enables or disables public access to a file. Enabling mints
// a fresh token; cdnPrefix, if it survives sanitization, is prepended as a
// readable URL segment. Disabling clears both flag and token.
func (s *Store) SetFilePublic(fileID, userID string, isPublic bool, cdnPrefix string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileLocked(fileID, userID)
	if err != nil {
		return nil, err
	}

	if isPublic {
		// Sanitize before minting so a rejected prefix never leaves a
		// half-applied share behind.
		token := mintToken()
		if p := SanitizeCdnPrefix(cdnPrefix); p != "" {
			token = p + "-" + token
		}
		f.IsPublic = true
		f.PublicURL = token
	} else {
		f.IsPublic = false
		f.PublicURL = ""
	}
	f.UpdatedAt = time.Now().UTC()

	if err := s.saveFilesLocked(); err != nil {
		return nil, err
	}
	cp := *f
	return &cp, nil
}

// SetFolderPublic enables or disables public access to a folder. Folder
// tokens never carry a cdn prefix.
func (s *Store) SetFolderPublic(folderID, userID string, isPublic bool) (*Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.folderLocked(folderID, userID)
	if err != nil {
		return nil, err
	}

	if isPublic {
		f.IsPublic = true
		f.PublicURL = mintToken()
	} else {
		f.IsPublic = false
		f.PublicURL = ""
	}
	f.UpdatedAt = time.Now().UTC()

	if err := s.saveFoldersLocked(); err != nil {
		return nil, err
	}
	cp := *f
	return &cp, nil
}

// SharedResource is the result of resolving a public token.
type SharedResource struct {
	File      *File
	Folder    *Folder
	OwnerName string
}

// IsFile reports whether the token resolved to a file.
func (r *SharedResource) IsFile() bool {
	return r.File != nil
}

// ResolveToken maps a public token back to the shared file or folder, files
// first. Returns ErrNotFound for tokens never issued or since revoked; the
// two cases are indistinguishable on purpose.
func (s *Store) ResolveToken(token string) (*SharedResource, error) {
	if token == "" {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.files {
		if f.IsPublic && f.PublicURL == token {
			cp := *f
			return &SharedResource{File: &cp, OwnerName: s.ownerNameLocked(f.UserID)}, nil
		}
	}
	for _, f := range s.folders {
		if f.IsPublic && f.PublicURL == token {
			cp := *f
			return &SharedResource{Folder: &cp, OwnerName: s.ownerNameLocked(f.UserID)}, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Store) ownerNameLocked(userID string) string {
	if u, ok := s.users[userID]; ok {
		return u.Name
	}
	return ""
}

// ListSharedFolder returns the direct children of a shared folder, or of the
// subfolder at subPath relative to it. The resolved folder must sit at
// exactly shared.Path + "/" + subPath; listings never recurse.
func (s *Store) ListSharedFolder(shared *Folder, subPath string) ([]*File, []*Folder, error) {
	target := shared
	if subPath != "" {
		s.mu.RLock()
		resolved := s.folderByPathLocked(shared.UserID, joinPath(shared.Path, subPath))
		s.mu.RUnlock()
		if resolved == nil {
			return nil, nil, ErrNotFound
		}
		target = resolved
	}
	return s.ListFolder(shared.UserID, target.ID)
}

// FileInSharedFolder locates a file by id and re-verifies that it sits under
// the shared folder: either its containing folder's path or its physical
// blob path must fall under the shared prefix. A bare file id is never
// trusted, even with the folder token already validated, so revoked or
// foreign files cannot be reached through an unrelated share.
func (s *Store) FileInSharedFolder(shared *Folder, fileID string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[fileID]
	if !ok || f.UserID != shared.UserID {
		return nil, ErrNotFound
	}
	member := false
	if f.FolderID != "" {
		if d, ok := s.folders[f.FolderID]; ok && d.UserID == shared.UserID {
			member = d.Path == shared.Path || isDescendantPath(d.Path, shared.Path)
		}
	}
	if !member && !isDescendantPath(f.Path, shared.Path) {
		return nil, fmt.Errorf("file outside shared subtree: %w", ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

// ListShared returns everything the user currently exposes publicly.
func (s *Store) ListShared(userID string) ([]*File, []*Folder) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var files []*File
	for _, f := range s.files {
		if f.UserID == userID && f.IsPublic {
			cp := *f
			files = append(files, &cp)
		}
	}
	var folders []*Folder
	for _, f := range s.folders {
		if f.UserID == userID && f.IsPublic {
			cp := *f
			folders = append(folders, &cp)
		}
	}
	return files, folders
}

// SharedCount returns the number of public resources across all users.
func (s *Store) SharedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, f := range s.files {
		if f.IsPublic {
			n++
		}
	}
	for _, f := range s.folders {
		if f.IsPublic {
			n++
		}
	}
	return n
}
