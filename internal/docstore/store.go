// Package docstore reads and conditionally writes remote journal documents.
// A read returns an opaque version; a write succeeds only if the document is
// still at that version.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConflict     = errors.New("version conflict")
	ErrInvalidInput = errors.New("invalid input")
)

// Document is a stored document as returned by Read. Content is exactly what
// the store holds; Encoding names its transport encoding ("" for raw text).
type Document struct {
	Path     string
	Version  string
	Content  string
	Encoding string
}

type WriteResult struct {
	Version string
}

// Store is implemented by every document backend.
//
// Read reports found=false, without error, when the document does not exist.
// Write with version "" creates the document and fails with a conflict if it
// already exists; a non-empty version replaces the document only if it is
// still at that version. Errors other than conflicts are transient.
type Store interface {
	Read(ctx context.Context, path string) (Document, bool, error)
	Write(ctx context.Context, path, version, body string) (WriteResult, error)
}

type ConflictError struct {
	Path    string
	Version string
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "version conflict"
	}
	if e.Version == "" {
		return fmt.Sprintf("version conflict for %s: document already exists", e.Path)
	}
	return fmt.Sprintf("version conflict for %s at version %s", e.Path, e.Version)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// HTTPError is a non-success response from an HTTP-backed store.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed when retried unchanged.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Lister is implemented by stores that can enumerate their documents.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Closer is implemented by stores holding connections.
type Closer interface {
	Close() error
}

// Close releases store resources when the store holds any.
func Close(store Store) error {
	if closer, ok := store.(Closer); ok {
		return closer.Close()
	}
	return nil
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}
