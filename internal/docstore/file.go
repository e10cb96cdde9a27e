package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

const fileStoreLockName = ".relayjournal.lock"

// FileStore keeps documents under a root directory, one file per path. The
// version of a document is the sha256 of its bytes. Writers in other
// processes are excluded with an advisory lock on a file in the root.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: abs}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Read(ctx context.Context, path string) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, false, err
	}
	rel, full, err := s.resolve(path)
	if err != nil {
		return Document{}, false, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return Document{Path: rel, Version: HashBytes(data), Content: string(data)}, true, nil
}

func (s *FileStore) Write(ctx context.Context, path, version, body string) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	rel, full, err := s.resolve(path)
	if err != nil {
		return WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockPath(filepath.Join(s.root, fileStoreLockName))
	if err != nil {
		return WriteResult{}, fmt.Errorf("lock file store: %w", err)
	}
	defer unlock()

	current, err := os.ReadFile(full)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return WriteResult{}, err
	}
	switch {
	case version == "" && exists:
		return WriteResult{}, &ConflictError{Path: rel}
	case version != "" && (!exists || HashBytes(current) != version):
		return WriteResult{}, &ConflictError{Path: rel, Version: version}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return WriteResult{}, err
	}
	data := []byte(body)
	if err := WriteFileAtomic(full, data, 0o644); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Version: HashBytes(data)}, nil
}

// List returns the stored markdown document paths in lexical order.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches, err := doublestar.Glob(os.DirFS(s.root), "**/*.md")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (s *FileStore) resolve(path string) (string, string, error) {
	rel := normalizePath(path)
	if rel == "" {
		return "", "", ErrInvalidInput
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == "." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || cleaned == ".." || filepath.IsAbs(cleaned) {
		return "", "", fmt.Errorf("%w: path %q escapes store root", ErrInvalidInput, path)
	}
	return filepath.ToSlash(cleaned), filepath.Join(s.root, cleaned), nil
}

// HashBytes is the content hash FileStore uses as a version token.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// WriteFileAtomic replaces path with data through a synced temporary file in
// the same directory, so readers see the old or the new content.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
