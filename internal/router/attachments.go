package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/discode-sh/discode/internal/messaging"
)

const (
	maxAttachmentSize = 25 << 20 // 25 MiB per file
	maxStoredFiles    = 100
	downloadTimeout   = 30 * time.Second
)

// allowedMIME lists attachment types the router downloads for agents.
// Anything under text/ is also accepted.
var allowedMIME = map[string]bool{
	"image/png": true, "image/jpeg": true, "image/gif": true, "image/webp": true, "image/svg+xml": true,
	"application/pdf":  true,
	"application/json": true,
	"application/msword":            true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-powerpoint": true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
}

func mimeAllowed(contentType string) bool {
	ct := contentType
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))
	return allowedMIME[ct] || strings.HasPrefix(ct, "text/")
}

// AttachmentStore downloads chat attachments into a project's files
// directory and keeps that directory bounded.
type AttachmentStore struct {
	client *http.Client
}

// NewAttachmentStore builds a store with a bounded-timeout HTTP client.
func NewAttachmentStore() *AttachmentStore {
	return &AttachmentStore{client: &http.Client{Timeout: downloadTimeout}}
}

// FilesDir returns the attachment directory for a project.
func FilesDir(projectPath string) string {
	return filepath.Join(projectPath, ".discode", "files")
}

// Download fetches one attachment. Unsupported types and oversized files
// are skipped with a nil path, not an error.
func (a *AttachmentStore) Download(ctx context.Context, projectPath string, att messaging.Attachment) (string, error) {
	if !mimeAllowed(att.ContentType) {
		log.Debug().Str("file", att.Filename).Str("type", att.ContentType).Msg("router: skipping unsupported attachment")
		return "", nil
	}
	if att.Size > maxAttachmentSize {
		log.Debug().Str("file", att.Filename).Int64("size", att.Size).Msg("router: skipping oversized attachment")
		return "", nil
	}

	dir := FilesDir(projectPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("router.AttachmentStore.Download: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", fmt.Errorf("router.AttachmentStore.Download: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("router.AttachmentStore.Download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("router.AttachmentStore.Download: status %d for %s", resp.StatusCode, att.Filename)
	}

	dest := filepath.Join(dir, sanitizeFilename(att.Filename))
	if _, err := os.Stat(dest); err == nil {
		// Name taken; keep both.
		dest = filepath.Join(dir, uuid.NewString()[:8]+"-"+sanitizeFilename(att.Filename))
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("router.AttachmentStore.Download: %w", err)
	}
	n, err := io.Copy(out, io.LimitReader(resp.Body, maxAttachmentSize+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("router.AttachmentStore.Download: %w", err)
	}
	if n > maxAttachmentSize {
		os.Remove(dest)
		log.Debug().Str("file", att.Filename).Msg("router: attachment exceeded size cap mid-download")
		return "", nil
	}

	a.prune(dir)
	return dest, nil
}

// prune keeps the newest maxStoredFiles files, removing the oldest first.
func (a *AttachmentStore) prune(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) <= maxStoredFiles {
		return
	}

	type aged struct {
		path string
		mod  time.Time
	}
	files := make([]aged, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	for i := 0; i < len(files)-maxStoredFiles; i++ {
		if err := os.Remove(files[i].path); err != nil {
			log.Debug().Err(err).Str("file", files[i].path).Msg("router: prune attachment")
		}
	}
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || out == "." {
		out = uuid.NewString()[:8]
	}
	return out
}
