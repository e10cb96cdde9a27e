package docstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// MemoryStore keeps documents in process memory. Versions are a global
// counter, so a document rewritten with identical content still changes
// version.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]memoryDoc
	counter int64
}

type memoryDoc struct {
	version string
	body    string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]memoryDoc{}}
}

func (s *MemoryStore) Read(ctx context.Context, path string) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, false, err
	}
	path = normalizePath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[path]
	if !ok {
		return Document{}, false, nil
	}
	return Document{Path: path, Version: doc.version, Content: doc.body}, true, nil
}

func (s *MemoryStore) Write(ctx context.Context, path, version, body string) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	path = normalizePath(path)
	if path == "" {
		return WriteResult{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.docs[path]
	switch {
	case version == "" && exists:
		return WriteResult{}, &ConflictError{Path: path}
	case version != "" && (!exists || current.version != version):
		return WriteResult{}, &ConflictError{Path: path, Version: version}
	}
	s.counter++
	next := memoryDoc{version: "v" + strconv.FormatInt(s.counter, 10), body: body}
	s.docs[path] = next
	return WriteResult{Version: next.version}, nil
}

// Put replaces a document unconditionally, as an out-of-band writer would.
func (s *MemoryStore) Put(path, body string) string {
	path = normalizePath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	version := "v" + strconv.FormatInt(s.counter, 10)
	s.docs[path] = memoryDoc{version: version, body: body}
	return version
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.docs))
	for path := range s.docs {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}
