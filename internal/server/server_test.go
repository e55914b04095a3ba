package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loftdrive/loft/internal/auth"
	"github.com/loftdrive/loft/internal/config"
	"github.com/loftdrive/loft/internal/store"
)

type testEnv struct {
	srv   *Server
	store *store.Store
	keys  *auth.KeyStore
	user  *store.User
	token string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("LOFT_TEST", "1")
	dir := t.TempDir()

	st, err := store.Open(dir, store.Options{})
	require.NoError(t, err)
	keys, err := auth.OpenKeyStore(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)

	cfg := &config.Config{
		SessionSecret: "test-secret",
		PublicBaseURL: "http://loft.test",
		DataDir:       dir,
	}
	cfg.ApplyDefaults()
	sessions := auth.NewSessions(cfg.SessionSecret)

	u, err := st.CreateUser("alice")
	require.NoError(t, err)
	token, err := sessions.Mint(u.ID)
	require.NoError(t, err)

	return &testEnv{
		srv:   NewServer(cfg, st, keys, sessions),
		store: st,
		keys:  keys,
		user:  u,
		token: token,
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func (e *testEnv) jsonRequest(t *testing.T, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.request(t, method, path, bytes.NewReader(buf))
}

// upload pushes one file through the multipart endpoint and returns its row.
func (e *testEnv) upload(t *testing.T, folderID, name string, data []byte) *store.File {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if folderID != "" {
		require.NoError(t, mw.WriteField("folder_id", folderID))
	}
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &buf)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Results []uploadResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	require.Empty(t, resp.Results[0].Error)
	return resp.Results[0].File
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("X-API-Key", "loft_bogus")
	w = httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMe(t *testing.T) {
	e := newTestEnv(t)
	w := e.request(t, http.MethodGet, "/api/v1/me", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "alice", body["name"])
}

func TestAPIKeyCapabilities(t *testing.T) {
	e := newTestEnv(t)
	_, secret, err := e.keys.Create(e.user.ID, "backups", []string{auth.CapUpload})
	require.NoError(t, err)

	// The key authenticates.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("X-API-Key", secret)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// But listing needs a capability it does not carry.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.Header.Set("X-API-Key", secret)
	w = httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "missing capability: list")
}

func TestUploadAndList(t *testing.T) {
	e := newTestEnv(t)
	f := e.upload(t, "", "hello.txt", []byte("hello world"))
	assert.Equal(t, "hello.txt", f.OriginalName)
	assert.Equal(t, int64(11), f.Size)

	w := e.request(t, http.MethodGet, "/api/v1/files", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Files []store.File `json:"files"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Files, 1)
	assert.Equal(t, f.ID, body.Files[0].ID)
}

func TestUploadRequiresMultipart(t *testing.T) {
	e := newTestEnv(t)
	w := e.request(t, http.MethodPost, "/api/v1/files", bytes.NewReader([]byte("{}")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadQuotaExceeded(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.SetUserLimit(e.user.ID, 4))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "big.bin")
	require.NoError(t, err)
	_, err = fw.Write([]byte("12345"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &buf)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)

	// Per-part failures keep the batch 200; the error rides the result.
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Results []uploadResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Results[0].Error, "quota")
}

func TestDeleteFile(t *testing.T) {
	e := newTestEnv(t)
	f := e.upload(t, "", "x.txt", []byte("x"))

	w := e.request(t, http.MethodDelete, "/api/v1/files/"+f.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.request(t, http.MethodGet, "/api/v1/files/"+f.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMoveAndRenameFile(t *testing.T) {
	e := newTestEnv(t)
	docs, err := e.store.CreateFolder(e.user.ID, "docs", "")
	require.NoError(t, err)
	f := e.upload(t, "", "draft.txt", []byte("x"))

	w := e.jsonRequest(t, http.MethodPost, "/api/v1/files/"+f.ID+"/move",
		map[string]string{"folder_id": docs.ID})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.jsonRequest(t, http.MethodPost, "/api/v1/files/"+f.ID+"/rename",
		map[string]string{"name": "final.txt"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"old_name":"draft.txt"`)

	got, err := e.store.GetFile(f.ID, e.user.ID)
	require.NoError(t, err)
	assert.Equal(t, docs.ID, got.FolderID)
	assert.Equal(t, "final.txt", got.OriginalName)
}

func TestCreateFolderEndpoint(t *testing.T) {
	e := newTestEnv(t)

	w := e.jsonRequest(t, http.MethodPost, "/api/v1/folders", map[string]string{"name": "docs"})
	require.Equal(t, http.StatusCreated, w.Code)

	var folder store.Folder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &folder))
	assert.Equal(t, "docs", folder.Path)

	// Same path again conflicts.
	w = e.jsonRequest(t, http.MethodPost, "/api/v1/folders", map[string]string{"name": "docs"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.jsonRequest(t, http.MethodPost, "/api/v1/folders", map[string]string{"name": "a/b"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMoveFolderCycleRejected(t *testing.T) {
	e := newTestEnv(t)
	a, err := e.store.CreateFolder(e.user.ID, "a", "")
	require.NoError(t, err)
	b, err := e.store.CreateFolder(e.user.ID, "b", a.ID)
	require.NoError(t, err)

	w := e.jsonRequest(t, http.MethodPost, "/api/v1/folders/"+a.ID+"/move",
		map[string]string{"parent_id": b.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFolderListAndDelete(t *testing.T) {
	e := newTestEnv(t)
	docs, err := e.store.CreateFolder(e.user.ID, "docs", "")
	require.NoError(t, err)
	e.upload(t, docs.ID, "a.txt", []byte("a"))

	w := e.request(t, http.MethodGet, "/api/v1/folders/"+docs.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "a.txt")

	w = e.request(t, http.MethodDelete, "/api/v1/folders/"+docs.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.request(t, http.MethodGet, "/api/v1/folders/"+docs.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulkDeleteEndpoint(t *testing.T) {
	e := newTestEnv(t)
	a, err := e.store.CreateFolder(e.user.ID, "a", "")
	require.NoError(t, err)
	b, err := e.store.CreateFolder(e.user.ID, "b", a.ID)
	require.NoError(t, err)

	w := e.jsonRequest(t, http.MethodPost, "/api/v1/folders/bulk/delete",
		map[string][]string{"ids": {a.ID, b.ID, "ghost"}})
	require.Equal(t, http.StatusOK, w.Code)

	var res store.BulkResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "ghost", res.Failed[0].ID)
}

func TestBulkMoveEndpoint(t *testing.T) {
	e := newTestEnv(t)
	a, err := e.store.CreateFolder(e.user.ID, "a", "")
	require.NoError(t, err)
	dest, err := e.store.CreateFolder(e.user.ID, "dest", "")
	require.NoError(t, err)

	w := e.jsonRequest(t, http.MethodPost, "/api/v1/folders/bulk/move",
		map[string]interface{}{"ids": []string{a.ID}, "parent_id": dest.ID})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := e.store.GetFolder(a.ID, e.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "dest/a", got.Path)
}

func TestListSharedEndpoint(t *testing.T) {
	e := newTestEnv(t)
	f := e.upload(t, "", "x.txt", []byte("x"))
	_, err := e.store.SetFilePublic(f.ID, e.user.ID, true, "")
	require.NoError(t, err)

	w := e.request(t, http.MethodGet, "/api/v1/shared", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), f.ID)
}

func TestTenantIsolation(t *testing.T) {
	e := newTestEnv(t)
	f := e.upload(t, "", "x.txt", []byte("x"))

	bob, err := e.store.CreateUser("bob")
	require.NoError(t, err)
	bobToken, err := auth.NewSessions("test-secret").Mint(bob.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID, nil)
	req.Header.Set("Authorization", "Bearer "+bobToken)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShiftPath(t *testing.T) {
	for _, tc := range []struct {
		in, head, rest string
	}{
		{"", "", ""},
		{"/", "", ""},
		{"abc", "abc", ""},
		{"abc/def", "abc", "def"},
		{"/abc/def/ghi", "abc", "def/ghi"},
	} {
		head, rest := shiftPath(tc.in)
		assert.Equal(t, tc.head, head, "input %q", tc.in)
		assert.Equal(t, tc.rest, rest, "input %q", tc.in)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/api/v1/files", "/api/v1/folders"} {
		w := e.request(t, http.MethodPut, path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, fmt.Sprintf("PUT %s", path))
	}
}
