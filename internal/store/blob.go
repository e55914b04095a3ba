package store

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// extPattern limits the preserved extension to something safe to place on
// disk. Anything else is dropped and the blob stored without an extension.
var extPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,16}$`)

// opaqueName generates a random on-disk name, preserving a sanitized
// extension from the user-visible name. The name is a 128-bit random token,
// never derived from user input.
func opaqueName(originalName string) (string, error) {
	buf := make([]byte, 16)
	if _, err := cryptorand.Read(buf); err != nil {
		return "", fmt.Errorf("generate blob name: %w", err)
	}
	name := hex.EncodeToString(buf)
	ext := strings.ToLower(filepath.Ext(originalName))
	if extPattern.MatchString(ext) {
		name += ext
	}
	return name, nil
}

// detectMime resolves a MIME type from the original file name.
func detectMime(originalName string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(originalName))); t != "" {
		return t
	}
	return "application/octet-stream"
}

// SaveFile ingests a file for a user. folderID targets an existing folder
// (root when empty); relativePath, when it carries directory components
// (folder-tree uploads), materializes each missing ancestor folder under the
// target, reusing existing folders by exact path match.
//
// Admission order: size cap, quota check, folder resolution, blob write, row
// insert, quota commit. The quota commit happens last so a failed write never
// leaves usage inflated; the one lock around all of it means concurrent
// uploads cannot jointly overshoot the limit.
func (s *Store) SaveFile(userID string, data []byte, originalName, folderID, relativePath string) (*File, error) {
	size := int64(len(data))
	if s.maxFileSize > 0 && size > s.maxFileSize {
		return nil, fmt.Errorf("%d bytes: %w", size, ErrFileTooLarge)
	}
	if err := ValidateName(originalName); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if !checkLimit(u, size) {
		return nil, ErrQuotaExceeded
	}

	folderPath := ""
	if folderID != "" {
		folder, err := s.folderLocked(folderID, userID)
		if err != nil {
			return nil, err
		}
		folderPath = folder.Path
	}

	// Materialize nested ancestors encoded in the relative upload path.
	dir := filepath.ToSlash(filepath.Dir(relativePath))
	if dir == "." || dir == "/" {
		dir = ""
	}
	if dir != "" {
		id, path, err := s.materializePathLocked(userID, folderID, folderPath, dir)
		if err != nil {
			return nil, err
		}
		folderID, folderPath = id, path
	}

	name, err := opaqueName(originalName)
	if err != nil {
		return nil, err
	}
	relPath := joinPath(folderPath, name)
	abs := filepath.Join(s.userRoot(userID), filepath.FromSlash(relPath))

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	// A write failure aborts before any row or quota change.
	if err := syncedWriteFile(abs, data, 0o644); err != nil {
		_ = os.Remove(abs)
		return nil, fmt.Errorf("write blob: %w", err)
	}

	now := time.Now().UTC()
	f := &File{
		ID:           uuid.NewString(),
		UserID:       userID,
		FolderID:     folderID,
		Name:         name,
		OriginalName: originalName,
		MimeType:     detectMime(originalName),
		Size:         size,
		Path:         relPath,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.files[f.ID] = f
	if err := s.saveFilesLocked(); err != nil {
		delete(s.files, f.ID)
		_ = os.Remove(abs)
		return nil, err
	}
	if err := s.applyDeltaLocked(userID, size); err != nil {
		return nil, err
	}
	cp := *f
	return &cp, nil
}

// materializePathLocked walks the "/"-separated dir chain below the upload
// target, creating any folder row (and physical directory) that does not
// already exist at its exact path. Returns the deepest folder's id and path.
func (s *Store) materializePathLocked(userID, parentID, parentPath, dir string) (string, string, error) {
	for _, seg := range strings.Split(dir, "/") {
		if seg == "" {
			continue
		}
		if err := ValidateName(seg); err != nil {
			return "", "", err
		}
		path := joinPath(parentPath, seg)
		existing := s.folderByPathLocked(userID, path)
		if existing != nil {
			parentID, parentPath = existing.ID, existing.Path
			continue
		}
		now := time.Now().UTC()
		f := &Folder{
			ID:        uuid.NewString(),
			UserID:    userID,
			ParentID:  parentID,
			Name:      seg,
			Path:      path,
			CreatedAt: now,
			UpdatedAt: now,
		}
		abs := filepath.Join(s.userRoot(userID), filepath.FromSlash(path))
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", "", fmt.Errorf("create folder dir: %w", err)
		}
		s.folders[f.ID] = f
		if err := s.saveFoldersLocked(); err != nil {
			return "", "", err
		}
		parentID, parentPath = f.ID, f.Path
	}
	return parentID, parentPath, nil
}

// ReadFile returns a file's metadata and full contents, owner-only.
func (s *Store) ReadFile(fileID, userID string) (*File, []byte, error) {
	f, err := s.GetFile(fileID, userID)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(s.fileAbsPath(f))
	if err != nil {
		return nil, nil, fmt.Errorf("read blob: %w", err)
	}
	return f, data, nil
}

// OpenBlob opens the underlying blob for streaming. The caller owns the
// returned handle and must close it.
func (s *Store) OpenBlob(f *File) (*os.File, error) {
	h, err := os.Open(s.fileAbsPath(f))
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return h, nil
}

// DeleteFile removes a file row and reverses its quota. The physical unlink
// is best effort: a disk failure is logged and the logical delete proceeds,
// trading a possible orphaned blob for a consistent ledger.
func (s *Store) DeleteFile(fileID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileLocked(fileID, userID)
	if err != nil {
		return err
	}

	if err := os.Remove(s.fileAbsPath(f)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", f.ID).Str("path", f.Path).
			Msg("failed to unlink blob, removing row anyway")
	}

	delete(s.files, f.ID)
	if err := s.saveFilesLocked(); err != nil {
		return err
	}
	return s.applyDeltaLocked(userID, -f.Size)
}

// MoveFile reassigns a file to another folder (root when targetFolderID is
// empty). Only folder_id changes; the blob's opaque on-disk location is
// tracked via the path column and does not need to move.
func (s *Store) MoveFile(fileID, userID, targetFolderID string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileLocked(fileID, userID)
	if err != nil {
		return nil, err
	}
	if targetFolderID != "" {
		if _, err := s.folderLocked(targetFolderID, userID); err != nil {
			return nil, err
		}
	}

	f.FolderID = targetFolderID
	f.UpdatedAt = time.Now().UTC()
	if err := s.saveFilesLocked(); err != nil {
		return nil, err
	}
	cp := *f
	return &cp, nil
}

// RenameFile updates the user-visible name only. The on-disk name and quota
// are unaffected. Returns the file and its previous name.
func (s *Store) RenameFile(fileID, userID, newName string) (*File, string, error) {
	if err := ValidateName(newName); err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileLocked(fileID, userID)
	if err != nil {
		return nil, "", err
	}
	oldName := f.OriginalName
	f.OriginalName = newName
	f.MimeType = detectMime(newName)
	f.UpdatedAt = time.Now().UTC()
	if err := s.saveFilesLocked(); err != nil {
		return nil, "", err
	}
	cp := *f
	return &cp, oldName, nil
}
