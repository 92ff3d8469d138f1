package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileArchive stores objects under a base directory. Writes go to a temp
// file and rename into place, so a crash never leaves a half-written
// record behind a valid pointer.
type FileArchive struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileArchive creates (if needed) and wraps the base directory.
func NewFileArchive(baseDir string) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

func (a *FileArchive) Put(ctx context.Context, name string, data []byte) (Pointer, error) {
	if err := ctx.Err(); err != nil {
		return Pointer{}, err
	}
	id, err := ContentID(data)
	if err != nil {
		return Pointer{}, err
	}
	path, err := a.resolve(name)
	if err != nil {
		return Pointer{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Pointer{}, fmt.Errorf("archive: ensure dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Pointer{}, fmt.Errorf("archive: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Pointer{}, fmt.Errorf("archive: commit: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Pointer{
		Provider:  "fs",
		URL:       "file://" + abs,
		CID:       id,
		SizeBytes: int64(len(data)),
	}, nil
}

func (a *FileArchive) Fetch(ctx context.Context, ptr Pointer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ptr.Provider != "fs" {
		return nil, ErrProviderMismatch
	}
	path := strings.TrimPrefix(ptr.URL, "file://")

	a.mu.RLock()
	data, err := os.ReadFile(path)
	a.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive: read: %w", err)
	}
	if err := verifyFetched(data, ptr); err != nil {
		return nil, err
	}
	return data, nil
}

// resolve joins name under baseDir and rejects traversal outside it.
func (a *FileArchive) resolve(name string) (string, error) {
	path := filepath.Join(a.baseDir, name)
	if !strings.HasPrefix(path, filepath.Clean(a.baseDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive: name %q escapes base directory", name)
	}
	return path, nil
}
