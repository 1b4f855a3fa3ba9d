package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discode-sh/discode/internal/messaging"
)

func TestDownloadStoresFile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(srv.Close)

	store := NewAttachmentStore()
	dir := t.TempDir()
	path, err := store.Download(context.Background(), dir, messaging.Attachment{
		Filename:    "chart.png",
		URL:         srv.URL,
		Size:        9,
		ContentType: "image/png",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".discode", "files", "chart.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestDownloadSkipsUnsupportedType(t *testing.T) {
	t.Parallel()

	store := NewAttachmentStore()
	path, err := store.Download(context.Background(), t.TempDir(), messaging.Attachment{
		Filename:    "tool.exe",
		URL:         "http://127.0.0.1:1/never-called",
		ContentType: "application/x-msdownload",
	})
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestDownloadSkipsOversized(t *testing.T) {
	t.Parallel()

	store := NewAttachmentStore()
	path, err := store.Download(context.Background(), t.TempDir(), messaging.Attachment{
		Filename:    "big.png",
		URL:         "http://127.0.0.1:1/never-called",
		Size:        maxAttachmentSize + 1,
		ContentType: "image/png",
	})
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestDownloadAvoidsNameCollision(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	t.Cleanup(srv.Close)

	store := NewAttachmentStore()
	dir := t.TempDir()
	att := messaging.Attachment{Filename: "same.txt", URL: srv.URL, Size: 1, ContentType: "text/plain"}

	first, err := store.Download(context.Background(), dir, att)
	require.NoError(t, err)
	second, err := store.Download(context.Background(), dir, att)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasSuffix(second, "-same.txt"))
}

func TestDownloadSanitizesFilename(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	t.Cleanup(srv.Close)

	store := NewAttachmentStore()
	dir := t.TempDir()
	path, err := store.Download(context.Background(), dir, messaging.Attachment{
		Filename:    "../../etc/pass wd.txt",
		URL:         srv.URL,
		Size:        1,
		ContentType: "text/plain",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".discode", "files", "pass_wd.txt"), path)
}

func TestPruneKeepsNewest(t *testing.T) {
	t.Parallel()

	store := NewAttachmentStore()
	dir := t.TempDir()
	files := filepath.Join(dir, ".discode", "files")
	require.NoError(t, os.MkdirAll(files, 0o755))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < maxStoredFiles+10; i++ {
		p := filepath.Join(files, fmt.Sprintf("f-%03d.txt", i))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		ts := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, os.Chtimes(p, ts, ts))
	}

	store.prune(files)

	entries, err := os.ReadDir(files)
	require.NoError(t, err)
	assert.Len(t, entries, maxStoredFiles)

	_, err = os.Stat(filepath.Join(files, "f-000.txt"))
	assert.True(t, os.IsNotExist(err), "oldest pruned first")
	_, err = os.Stat(filepath.Join(files, fmt.Sprintf("f-%03d.txt", maxStoredFiles+9)))
	assert.NoError(t, err)
}

func TestMimeAllowed(t *testing.T) {
	t.Parallel()

	assert.True(t, mimeAllowed("image/png"))
	assert.True(t, mimeAllowed("text/markdown; charset=utf-8"))
	assert.True(t, mimeAllowed("application/pdf"))
	assert.False(t, mimeAllowed("application/octet-stream"))
	assert.False(t, mimeAllowed(""))
}
