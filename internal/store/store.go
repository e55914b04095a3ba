// Package store implements the metadata and blob storage engine: the folder
// hierarchy, quota-checked file ingestion, share tokens, and bulk planning.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store holds all tenant metadata in memory, persisted as JSON documents
// under {dataDir}/meta. Blobs live under {dataDir}/files.
// Directory structure:
//
//	{dataDir}/
//	  meta/
//	    users.json
//	    folders.json
//	    files.json
//	  files/
//	    user_{userID}/
//	      {folderPath...}/
//	        {opaqueName}.{ext}
//
// One mutex guards metadata and quota accounting, so a quota check, a row
// insert, and the usage delta commit as a single unit.
type Store struct {
	dataDir      string
	maxFileSize  int64 // 0 = unlimited
	defaultLimit int64 // storage limit for new users, 0 = unlimited

	mu      sync.RWMutex
	users   map[string]*User
	folders map[string]*Folder
	files   map[string]*File
}

// Options configures a Store.
type Options struct {
	MaxFileSize  int64 // per-file upload cap in bytes, 0 = unlimited
	DefaultLimit int64 // default per-user quota in bytes, 0 = unlimited
}

// Open loads (or initializes) a store rooted at dataDir.
func Open(dataDir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "meta"), 0o755); err != nil {
		return nil, fmt.Errorf("create meta dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "files"), 0o755); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}

	s := &Store{
		dataDir:      dataDir,
		maxFileSize:  opts.MaxFileSize,
		defaultLimit: opts.DefaultLimit,
		users:        make(map[string]*User),
		folders:      make(map[string]*Folder),
		files:        make(map[string]*File),
	}

	if err := loadJSON(s.metaPath("users.json"), &s.users, func(u *User) string { return u.ID }); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	if err := loadJSON(s.metaPath("folders.json"), &s.folders, func(f *Folder) string { return f.ID }); err != nil {
		return nil, fmt.Errorf("load folders: %w", err)
	}
	if err := loadJSON(s.metaPath("files.json"), &s.files, func(f *File) string { return f.ID }); err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}

	s.reconcileUsage()
	return s, nil
}

// DataDir returns the store's root directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

// MaxFileSize returns the per-file upload cap in bytes (0 = unlimited).
func (s *Store) MaxFileSize() int64 {
	return s.maxFileSize
}

func (s *Store) metaPath(name string) string {
	return filepath.Join(s.dataDir, "meta", name)
}

// userRoot returns the absolute blob root for a user.
func (s *Store) userRoot(userID string) string {
	return filepath.Join(s.dataDir, "files", "user_"+userID)
}

// fileAbsPath returns the absolute on-disk path of a file's blob.
func (s *Store) fileAbsPath(f *File) string {
	return filepath.Join(s.userRoot(f.UserID), filepath.FromSlash(f.Path))
}

// BlobPath returns the absolute path of a file's blob on disk.
func (s *Store) BlobPath(f *File) string {
	return s.fileAbsPath(f)
}

// reconcileUsage recomputes each user's storage_used from the file rows and
// logs any drift against the persisted counter. Called once at boot, before
// the store is reachable by handlers.
func (s *Store) reconcileUsage() {
	sums := make(map[string]int64)
	for _, f := range s.files {
		sums[f.UserID] += f.Size
	}
	dirty := false
	for _, u := range s.users {
		if u.StorageUsed != sums[u.ID] {
			log.Warn().Str("user", u.ID).
				Int64("recorded", u.StorageUsed).
				Int64("actual", sums[u.ID]).
				Msg("storage usage drift, correcting from file rows")
			u.StorageUsed = sums[u.ID]
			dirty = true
		}
	}
	if dirty {
		if err := s.saveUsersLocked(); err != nil {
			log.Error().Err(err).Msg("failed to persist reconciled usage")
		}
	}
}

// CreateUser registers a new user with the default storage limit.
func (s *Store) CreateUser(name string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Name == name {
			return nil, fmt.Errorf("user %q: %w", name, ErrConflict)
		}
	}

	u := &User{
		ID:           uuid.NewString(),
		Name:         name,
		StorageLimit: s.defaultLimit,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[u.ID] = u

	if err := os.MkdirAll(s.userRoot(u.ID), 0o755); err != nil {
		delete(s.users, u.ID)
		return nil, fmt.Errorf("create user root: %w", err)
	}
	if err := s.saveUsersLocked(); err != nil {
		return nil, err
	}
	cp := *u
	return &cp, nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByName returns a user by display name.
func (s *Store) GetUserByName(name string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Name == name {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListUsers returns all users sorted by name.
func (s *Store) ListUsers() []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetUserLimit updates a user's storage limit in bytes (0 = unlimited).
func (s *Store) SetUserLimit(userID string, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.StorageLimit = limit
	return s.saveUsersLocked()
}

// GetFolder returns a folder owned by userID.
func (s *Store) GetFolder(folderID, userID string) (*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.folderLocked(folderID, userID)
	if err != nil {
		return nil, err
	}
	cp := *f
	return &cp, nil
}

// GetFile returns a file's metadata, owner-only.
func (s *Store) GetFile(fileID, userID string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.fileLocked(fileID, userID)
	if err != nil {
		return nil, err
	}
	cp := *f
	return &cp, nil
}

// folderLocked looks up a folder by id and owner. Caller holds the lock.
func (s *Store) folderLocked(folderID, userID string) (*Folder, error) {
	f, ok := s.folders[folderID]
	if !ok || f.UserID != userID {
		return nil, ErrNotFound
	}
	return f, nil
}

// fileLocked looks up a file by id and owner. Caller holds the lock.
func (s *Store) fileLocked(fileID, userID string) (*File, error) {
	f, ok := s.files[fileID]
	if !ok || f.UserID != userID {
		return nil, ErrNotFound
	}
	return f, nil
}

// ListFolder returns the direct children (files and folders) of the folder
// with the given id, or of the root when folderID is empty.
func (s *Store) ListFolder(userID, folderID string) ([]*File, []*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if folderID != "" {
		if _, err := s.folderLocked(folderID, userID); err != nil {
			return nil, nil, err
		}
	}

	var files []*File
	for _, f := range s.files {
		if f.UserID == userID && f.FolderID == folderID {
			cp := *f
			files = append(files, &cp)
		}
	}
	var folders []*Folder
	for _, f := range s.folders {
		if f.UserID == userID && f.ParentID == folderID {
			cp := *f
			folders = append(folders, &cp)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].OriginalName < files[j].OriginalName })
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return files, folders, nil
}

// FilesUnder returns every file whose folder path equals folderPath or falls
// underneath it, for recursive operations like archive downloads.
func (s *Store) FilesUnder(userID, folderPath string) []*File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filesUnderLocked(userID, folderPath)
}

func (s *Store) filesUnderLocked(userID, folderPath string) []*File {
	folderIDs := make(map[string]string) // folder id -> path
	for _, f := range s.folders {
		if f.UserID == userID && (f.Path == folderPath || isDescendantPath(f.Path, folderPath)) {
			folderIDs[f.ID] = f.Path
		}
	}
	var out []*File
	for _, f := range s.files {
		if f.UserID != userID {
			continue
		}
		if _, ok := folderIDs[f.FolderID]; ok {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ArchiveEntry pairs a file with its path relative to an archive root. The
// path comes from the logical folder tree and the file's original name, not
// from the blob location on disk.
type ArchiveEntry struct {
	File        *File
	DisplayPath string
}

// EntriesUnder returns archive entries for every file at or below
// folderPath. An empty folderPath means the whole account.
func (s *Store) EntriesUnder(userID, folderPath string) []ArchiveEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	folderPaths := make(map[string]string) // folder id -> path
	folderPaths[""] = ""
	for _, f := range s.folders {
		if f.UserID != userID {
			continue
		}
		if folderPath == "" || f.Path == folderPath || isDescendantPath(f.Path, folderPath) {
			folderPaths[f.ID] = f.Path
		}
	}
	if folderPath != "" {
		delete(folderPaths, "")
	}

	var out []ArchiveEntry
	for _, f := range s.files {
		if f.UserID != userID {
			continue
		}
		dir, ok := folderPaths[f.FolderID]
		if !ok {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(dir, folderPath), "/")
		display := f.OriginalName
		if rel != "" {
			display = rel + "/" + f.OriginalName
		}
		cp := *f
		out = append(out, ArchiveEntry{File: &cp, DisplayPath: display})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayPath < out[j].DisplayPath })
	return out
}

// saveUsersLocked persists users.json. Caller holds the lock.
func (s *Store) saveUsersLocked() error {
	return saveJSON(s.metaPath("users.json"), s.users)
}

func (s *Store) saveFoldersLocked() error {
	return saveJSON(s.metaPath("folders.json"), s.folders)
}

func (s *Store) saveFilesLocked() error {
	return saveJSON(s.metaPath("files.json"), s.files)
}

// saveJSON writes a metadata map as a sorted JSON array with fsync.
func saveJSON[T any](path string, m map[string]T) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]T, 0, len(m))
	for _, k := range keys {
		items = append(items, m[k])
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return syncedWriteFile(path, data, 0o644)
}

// loadJSON reads a JSON array written by saveJSON back into a map.
// A missing file is an empty store, not an error.
func loadJSON[T any](path string, m *map[string]T, key func(T) string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	for _, it := range items {
		(*m)[key(it)] = it
	}
	return nil
}

// syncedWriteFile writes data to a file and calls fsync to ensure durability.
// Metadata documents are small; losing one to a crash would orphan blobs on
// disk, so the write is synced before returning.
//
// During tests fsync is skipped (LOFT_TEST=1) since test stores live in temp
// directories that are discarded anyway and fsync dominates test runtime on
// some platforms.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if os.Getenv("LOFT_TEST") == "" {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}
