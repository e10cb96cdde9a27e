// Package mirror keeps a local directory of decoded journal documents in step
// with the document store. The mirror is read-only: local edits are never
// pushed back, and a locally modified file is left alone.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayjournal/internal/docstore"
	"github.com/agentworkforce/relayjournal/internal/journal"
	"github.com/agentworkforce/relayjournal/internal/relayjournal"
)

const defaultStateName = ".relayjournal-mirror-state.json"

type Options struct {
	LocalRoot string
	StateFile string
	// IntervalJitter spreads periodic syncs by up to this ratio of the interval.
	IntervalJitter float64
	Logger         *slog.Logger
}

type Mirror struct {
	store     docstore.Store
	localRoot string
	stateFile string
	jitter    float64
	logger    *slog.Logger

	mu     sync.Mutex
	state  mirrorState
	loaded bool
}

type mirrorState struct {
	Files map[string]trackedFile `json:"files"`
}

type trackedFile struct {
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// Result counts what a sync pass did.
type Result struct {
	Written   int `json:"written"`
	Unchanged int `json:"unchanged"`
	Removed   int `json:"removed"`
	Skipped   int `json:"skipped"`
}

func New(store docstore.Store, opts Options) (*Mirror, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: mirror needs a document store", docstore.ErrInvalidInput)
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("%w: mirror local root is required", docstore.ErrInvalidInput)
	}
	localRoot := filepath.Clean(localRootRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, defaultStateName)
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Mirror{
		store:     store,
		localRoot: localRoot,
		stateFile: stateFile,
		jitter:    clampJitterRatio(opts.IntervalJitter),
		logger:    logger.With("component", "mirror", "dir", localRoot),
		state:     mirrorState{Files: map[string]trackedFile{}},
	}, nil
}

// SyncOnce refreshes every document. Stores that cannot list documents only
// refresh the ones the mirror already tracks.
func (m *Mirror) SyncOnce(ctx context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadState(); err != nil {
		return Result{}, err
	}

	var paths []string
	listed := false
	if lister, ok := m.store.(docstore.Lister); ok {
		remote, err := lister.List(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("list documents: %w", err)
		}
		paths = remote
		listed = true
	} else {
		for path := range m.state.Files {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	var result Result
	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		seen[path] = struct{}{}
		if err := m.syncPathLocked(ctx, path, &result); err != nil {
			return result, err
		}
	}

	if listed {
		tracked := make([]string, 0, len(m.state.Files))
		for path := range m.state.Files {
			tracked = append(tracked, path)
		}
		sort.Strings(tracked)
		for _, path := range tracked {
			if _, ok := seen[path]; ok {
				continue
			}
			if m.removeLocked(path) {
				result.Removed++
			}
		}
	}
	return result, m.saveState()
}

// SyncPath refreshes a single document, typically right after it was
// published.
func (m *Mirror) SyncPath(ctx context.Context, path string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadState(); err != nil {
		return Result{}, err
	}
	var result Result
	if err := m.syncPathLocked(ctx, path, &result); err != nil {
		return result, err
	}
	return result, m.saveState()
}

// Run syncs everything once, then again on every published event and every
// interval until ctx is done. A zero interval disables periodic passes.
func (m *Mirror) Run(ctx context.Context, interval time.Duration, events <-chan relayjournal.Published) error {
	if result, err := m.SyncOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		m.logger.Warn("mirror sync failed", "error", err)
	} else {
		m.logger.Info("mirror synced", "written", result.Written, "removed", result.Removed, "skipped", result.Skipped)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var tick <-chan time.Time
	var timer *time.Timer
	if interval > 0 {
		timer = time.NewTimer(jitteredIntervalWithSample(interval, m.jitter, rng.Float64()))
		defer timer.Stop()
		tick = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if _, err := m.SyncPath(ctx, event.Path); err != nil && ctx.Err() == nil {
				m.logger.Warn("mirror refresh failed", "path", event.Path, "error", err)
			}
		case <-tick:
			if _, err := m.SyncOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("mirror sync failed", "error", err)
			}
			timer.Reset(jitteredIntervalWithSample(interval, m.jitter, rng.Float64()))
		}
	}
}

func (m *Mirror) syncPathLocked(ctx context.Context, path string, result *Result) error {
	localPath, err := m.localPath(path)
	if err != nil {
		m.logger.Warn("document path cannot be mirrored", "path", path, "error", err)
		result.Skipped++
		return nil
	}
	doc, found, err := m.store.Read(ctx, path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if !found {
		if m.removeLocked(path) {
			result.Removed++
		}
		return nil
	}

	tracked, ok := m.state.Files[path]
	if ok && tracked.Version == doc.Version {
		if current, readErr := os.ReadFile(localPath); readErr == nil && docstore.HashBytes(current) == tracked.Hash {
			result.Unchanged++
			return nil
		}
	}

	markdown, err := journal.DecodeContent(doc.Content, doc.Encoding)
	if err != nil {
		m.logger.Error("document cannot be decoded", "path", path, "version", doc.Version, "error", err)
		result.Skipped++
		return nil
	}
	if ok && tracked.Version != "" {
		if current, readErr := os.ReadFile(localPath); readErr == nil && docstore.HashBytes(current) != tracked.Hash {
			m.logger.Warn("local copy was modified, leaving it alone", "path", path)
			result.Skipped++
			return nil
		}
	}

	hash := hashString(markdown)
	if current, readErr := os.ReadFile(localPath); readErr == nil && docstore.HashBytes(current) == hash {
		result.Unchanged++
	} else {
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return err
		}
		if err := docstore.WriteFileAtomic(localPath, []byte(markdown), 0o644); err != nil {
			return err
		}
		result.Written++
	}
	m.state.Files[path] = trackedFile{Version: doc.Version, Hash: hash}
	return nil
}

// removeLocked deletes the local copy of a document that no longer exists,
// unless it was edited locally. It reports whether a file was removed.
func (m *Mirror) removeLocked(path string) bool {
	tracked, ok := m.state.Files[path]
	if !ok {
		return false
	}
	delete(m.state.Files, path)
	localPath, err := m.localPath(path)
	if err != nil {
		return false
	}
	current, err := os.ReadFile(localPath)
	if err != nil || docstore.HashBytes(current) != tracked.Hash {
		return false
	}
	return os.Remove(localPath) == nil
}

func (m *Mirror) localPath(path string) (string, error) {
	rel := strings.Trim(strings.TrimSpace(path), "/")
	if rel == "" {
		return "", fmt.Errorf("empty document path")
	}
	local := filepath.Join(m.localRoot, filepath.FromSlash(rel))
	check, err := filepath.Rel(m.localRoot, local)
	if err != nil || check == ".." || strings.HasPrefix(check, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("document path %s escapes mirror root", path)
	}
	if local == m.stateFile {
		return "", fmt.Errorf("document path %s collides with mirror state", path)
	}
	return local, nil
}

func (m *Mirror) loadState() error {
	if m.loaded {
		return nil
	}
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.state.Files = map[string]trackedFile{}
			m.loaded = true
			return nil
		}
		return err
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode mirror state %s: %w", m.stateFile, err)
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	m.state = state
	m.loaded = true
	return nil
}

func (m *Mirror) saveState() error {
	data, err := json.Marshal(m.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		return err
	}
	return docstore.WriteFileAtomic(m.stateFile, data, 0o644)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func hashString(s string) string {
	return docstore.HashBytes([]byte(s))
}
