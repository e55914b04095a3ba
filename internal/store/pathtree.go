package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// maxNameLen is the maximum folder or file name length in runes.
const maxNameLen = 255

// ValidateName checks a user-supplied folder or file name. Allowed characters
// are Unicode letters and digits, space, '.', '_' and '-'. Path separators
// and traversal sequences are rejected here so user input never shapes an
// on-disk path by itself.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if name != strings.TrimSpace(name) {
		return ErrInvalidName
	}
	runes := []rune(name)
	if len(runes) > maxNameLen {
		return ErrInvalidName
	}
	for _, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
		case r == ' ' || r == '.' || r == '_' || r == '-':
		default:
			return ErrInvalidName
		}
	}
	return nil
}

// joinPath computes a child's materialized path from its parent's.
func joinPath(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return parentPath + "/" + name
}

// CreateFolder creates a folder under parentID (root when empty) and the
// matching physical directory. Fails with ErrConflict if the user already
// has a folder at the computed path.
func (s *Store) CreateFolder(userID, name, parentID string) (*Folder, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, ErrNotFound
	}

	parentPath := ""
	if parentID != "" {
		parent, err := s.folderLocked(parentID, userID)
		if err != nil {
			return nil, err
		}
		parentPath = parent.Path
	}

	path := joinPath(parentPath, name)
	if s.folderByPathLocked(userID, path) != nil {
		return nil, fmt.Errorf("folder %q: %w", path, ErrConflict)
	}

	now := time.Now().UTC()
	f := &Folder{
		ID:        uuid.NewString(),
		UserID:    userID,
		ParentID:  parentID,
		Name:      name,
		Path:      path,
		CreatedAt: now,
		UpdatedAt: now,
	}

	abs := filepath.Join(s.userRoot(userID), filepath.FromSlash(path))
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create folder dir: %w", err)
	}

	s.folders[f.ID] = f
	if err := s.saveFoldersLocked(); err != nil {
		return nil, err
	}
	cp := *f
	return &cp, nil
}

// folderByPathLocked returns the folder at the exact path, or nil.
func (s *Store) folderByPathLocked(userID, path string) *Folder {
	for _, f := range s.folders {
		if f.UserID == userID && f.Path == path {
			return f
		}
	}
	return nil
}

// FolderByPath returns the folder at the exact materialized path.
func (s *Store) FolderByPath(userID, path string) (*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f := s.folderByPathLocked(userID, path)
	if f == nil {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

// MoveFolder reparents a folder (root when targetParentID is empty), rewrites
// the materialized paths of the folder's whole subtree and of every file
// underneath, and renames the physical directory.
func (s *Store) MoveFolder(folderID, userID, targetParentID string) (*Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.folderLocked(folderID, userID)
	if err != nil {
		return nil, err
	}
	if targetParentID == folderID {
		return nil, fmt.Errorf("cannot move folder into itself: %w", ErrInvalidOperation)
	}

	targetPath := ""
	if targetParentID != "" {
		target, err := s.folderLocked(targetParentID, userID)
		if err != nil {
			return nil, err
		}
		if target.Path == f.Path || isDescendantPath(target.Path, f.Path) {
			return nil, fmt.Errorf("cannot move folder into its own subtree: %w", ErrInvalidOperation)
		}
		targetPath = target.Path
	}

	newPath := joinPath(targetPath, f.Name)
	if newPath == f.Path {
		cp := *f
		return &cp, nil
	}
	if s.folderByPathLocked(userID, newPath) != nil {
		return nil, fmt.Errorf("folder %q: %w", newPath, ErrConflict)
	}

	if err := s.relocateLocked(f, targetParentID, f.Name, newPath); err != nil {
		return nil, err
	}
	cp := *f
	return &cp, nil
}

// RenameFolder changes a folder's name in place, with the same path-rewrite
// fan-out as a move. Returns the folder and its previous name.
func (s *Store) RenameFolder(folderID, userID, newName string) (*Folder, string, error) {
	if err := ValidateName(newName); err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.folderLocked(folderID, userID)
	if err != nil {
		return nil, "", err
	}
	oldName := f.Name
	if newName == oldName {
		cp := *f
		return &cp, oldName, nil
	}

	parentPath := ""
	if f.ParentID != "" {
		parent, err := s.folderLocked(f.ParentID, userID)
		if err != nil {
			return nil, "", err
		}
		parentPath = parent.Path
	}
	newPath := joinPath(parentPath, newName)
	if s.folderByPathLocked(userID, newPath) != nil {
		return nil, "", fmt.Errorf("folder %q: %w", newPath, ErrConflict)
	}

	if err := s.relocateLocked(f, f.ParentID, newName, newPath); err != nil {
		return nil, "", err
	}
	cp := *f
	return &cp, oldName, nil
}

// relocateLocked applies a path change to folder f and its entire subtree:
// metadata rewrite for descendant folders and files, then a single physical
// rename of the directory tree. Caller holds the write lock and has already
// validated the destination.
func (s *Store) relocateLocked(f *Folder, newParentID, newName, newPath string) error {
	oldPath := f.Path
	oldAbs := filepath.Join(s.userRoot(f.UserID), filepath.FromSlash(oldPath))
	newAbs := filepath.Join(s.userRoot(f.UserID), filepath.FromSlash(newPath))

	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		return fmt.Errorf("rename folder dir: %w", err)
	}

	now := time.Now().UTC()
	f.ParentID = newParentID
	f.Name = newName
	f.Path = newPath
	f.UpdatedAt = now

	// Prefix rewrite over the flat folder and file sets; no recursion over
	// tree depth, so arbitrarily deep trees cost one linear pass.
	oldPrefix := oldPath + "/"
	newPrefix := newPath + "/"
	for _, d := range s.folders {
		if d.UserID == f.UserID && strings.HasPrefix(d.Path, oldPrefix) {
			d.Path = newPrefix + d.Path[len(oldPrefix):]
			d.UpdatedAt = now
		}
	}
	for _, fl := range s.files {
		if fl.UserID == f.UserID && strings.HasPrefix(fl.Path, oldPrefix) {
			fl.Path = newPrefix + fl.Path[len(oldPrefix):]
			fl.UpdatedAt = now
		}
	}

	if err := s.saveFoldersLocked(); err != nil {
		return err
	}
	return s.saveFilesLocked()
}

// DeleteFolder removes a folder, every descendant folder and file, and the
// physical subtree, reversing quota for each deleted file.
func (s *Store) DeleteFolder(folderID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.folderLocked(folderID, userID)
	if err != nil {
		return err
	}

	var freed int64
	doomedFolders := make(map[string]struct{})
	for id, d := range s.folders {
		if d.UserID == userID && (d.Path == f.Path || isDescendantPath(d.Path, f.Path)) {
			doomedFolders[id] = struct{}{}
		}
	}
	// Files are doomed by folder membership or by on-disk path prefix: a
	// file moved to another folder keeps its original physical path, so a
	// moved-out blob still lives inside the subtree being removed, and a
	// moved-in blob lives outside it and must be unlinked individually.
	for id, fl := range s.files {
		if fl.UserID != userID {
			continue
		}
		_, member := doomedFolders[fl.FolderID]
		inSubtree := isDescendantPath(fl.Path, f.Path)
		if !member && !inSubtree {
			continue
		}
		if !inSubtree {
			if err := os.Remove(s.fileAbsPath(fl)); err != nil {
				log.Warn().Err(err).Str("path", fl.Path).Str("user", userID).
					Msg("failed to remove moved-in blob from disk")
			}
		}
		freed += fl.Size
		delete(s.files, id)
	}
	for id := range doomedFolders {
		delete(s.folders, id)
	}

	abs := filepath.Join(s.userRoot(userID), filepath.FromSlash(f.Path))
	if err := os.RemoveAll(abs); err != nil {
		// Logical delete wins; the orphaned subtree is logged, not fatal.
		log.Warn().Err(err).Str("path", f.Path).Str("user", userID).
			Msg("failed to remove folder subtree from disk")
	}

	if err := s.saveFoldersLocked(); err != nil {
		return err
	}
	if err := s.saveFilesLocked(); err != nil {
		return err
	}
	return s.applyDeltaLocked(userID, -freed)
}
