package webdav

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/davmount/davmount/internal/config"
	"github.com/davmount/davmount/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *store.DB) {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "dav.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.DefaultConfig()
	content := store.NewContentReader(db, nil)
	return NewHandler(db, content, func() *config.Config { return cfg }), db
}

func seedInlineFile(t *testing.T, db *store.DB, dirName, fileName string, data []byte) {
	t.Helper()
	root, err := db.Items.Lookup(store.RootID, store.RootContent)
	require.NoError(t, err)
	dir, err := db.Items.EnsureDir(root.ID, dirName)
	require.NoError(t, err)
	require.NoError(t, db.Items.Create(&store.VirtualItem{
		ParentID: &dir.ID,
		Name:     fileName,
		Type:     store.ItemTypeFile,
		Size:     int64(len(data)),
		Content:  data,
	}))
}

func doReq(t *testing.T, h http.Handler, method, path string, auth bool, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth {
		req.SetBasicAuth("usenet", "usenet")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doReq(t, h, http.MethodGet, "/content", false, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
}

func TestGetInlineFile(t *testing.T) {
	h, db := newTestHandler(t)
	seedInlineFile(t, db, "movies", "pointer.strm", []byte("http://example/stream\n"))

	rec := doReq(t, h, http.MethodGet, "/content/movies/pointer.strm", true, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "http://example/stream\n", string(body))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
}

func TestRangeRequest(t *testing.T) {
	h, db := newTestHandler(t)
	seedInlineFile(t, db, "movies", "data.bin", []byte("0123456789"))

	rec := doReq(t, h, http.MethodGet, "/content/movies/data.bin", true,
		map[string]string{"Range": "bytes=3-6"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "3456", rec.Body.String())
}

func TestGetMissingFile(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doReq(t, h, http.MethodGet, "/content/nope.bin", true, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doReq(t, h, http.MethodPut, "/content/upload.bin", true, nil)
	assert.Contains(t, []int{http.StatusForbidden, http.StatusMethodNotAllowed, http.StatusInternalServerError}, rec.Code)
}

func TestMkcolAndDelete(t *testing.T) {
	h, db := newTestHandler(t)

	rec := doReq(t, h, "MKCOL", "/content/newdir", true, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	item, err := db.Items.ResolvePath("content/newdir")
	require.NoError(t, err)
	assert.Equal(t, store.ItemTypeDir, item.Type)

	rec = doReq(t, h, "DELETE", "/content/newdir", true, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = db.Items.ResolvePath("content/newdir")
	assert.Error(t, err)
}

func TestSymlinkServedAsTargetText(t *testing.T) {
	h, db := newTestHandler(t)

	root, err := db.Items.Lookup(store.RootID, store.RootSymlinks)
	require.NoError(t, err)
	target := "/content/movies/a.mkv"
	require.NoError(t, db.Items.Create(&store.VirtualItem{
		ParentID:      &root.ID,
		Name:          "a.mkv",
		Type:          store.ItemTypeSymlink,
		SymlinkTarget: &target,
	}))

	rec := doReq(t, h, http.MethodGet, "/symlinks/a.mkv", true, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, target, rec.Body.String())
}
