// Package spool turns files dropped into a directory into journal messages.
// Each matching file holds one message; it is deleted once journaled.
// Writers should create files under a name the pattern does not match and
// rename them into place when complete.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relayjournal/internal/relayjournal"
)

const (
	TransportName         = "spool"
	DefaultPattern        = "*.txt"
	defaultRescanInterval = 30 * time.Second
	maxSpoolFileBytes     = 64 << 10
)

type Options struct {
	Dir            string
	Pattern        string
	RescanInterval time.Duration
	Logger         *slog.Logger
}

type Source struct {
	dir            string
	pattern        string
	rescanInterval time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	queued map[string]struct{}
}

func New(opts Options) (*Source, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: spool dir is required", relayjournal.ErrInvalidInput)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	pattern := strings.TrimSpace(opts.Pattern)
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: spool pattern %q", relayjournal.ErrInvalidInput, pattern)
	}
	interval := opts.RescanInterval
	if interval <= 0 {
		interval = defaultRescanInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Source{
		dir:            abs,
		pattern:        pattern,
		rescanInterval: interval,
		logger:         logger.With("transport", TransportName, "dir", abs),
		queued:         map[string]struct{}{},
	}, nil
}

func (s *Source) Name() string {
	return TransportName
}

// Run queues the files already present, then follows the directory until ctx
// is done. A periodic rescan picks up anything the watcher missed, such as
// files in subdirectories.
func (s *Source) Run(ctx context.Context, queue relayjournal.Queue) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return err
	}
	s.logger.Info("spool watcher started", "pattern", s.pattern)

	if err := s.scan(ctx, queue); err != nil {
		return s.stopErr(ctx, err)
	}
	ticker := time.NewTicker(s.rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scan(ctx, queue); err != nil {
				return s.stopErr(ctx, err)
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			rel, err := filepath.Rel(s.dir, ev.Name)
			if err != nil {
				continue
			}
			if err := s.offer(ctx, queue, filepath.ToSlash(rel)); err != nil {
				return s.stopErr(ctx, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", "error", err)
		}
	}
}

func (s *Source) stopErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// scan offers matching files oldest first.
func (s *Source) scan(ctx context.Context, queue relayjournal.Queue) error {
	matches, err := doublestar.Glob(os.DirFS(s.dir), s.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return err
	}
	type candidate struct {
		rel     string
		modTime time.Time
	}
	candidates := make([]candidate, 0, len(matches))
	for _, rel := range matches {
		info, err := os.Stat(filepath.Join(s.dir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{rel: rel, modTime: info.ModTime()})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].rel < candidates[j].rel
		}
		return candidates[i].modTime.Before(candidates[j].modTime)
	})
	for _, c := range candidates {
		if err := s.offer(ctx, queue, c.rel); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) offer(ctx context.Context, queue relayjournal.Queue, rel string) error {
	matched, err := doublestar.Match(s.pattern, rel)
	if err != nil || !matched {
		return nil
	}
	s.mu.Lock()
	_, already := s.queued[rel]
	s.mu.Unlock()
	if already {
		return nil
	}
	full := filepath.Join(s.dir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	if info.Size() > maxSpoolFileBytes {
		s.logger.Warn("spool file too large, leaving it in place", "file", rel, "size", info.Size())
		return nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		s.logger.Warn("spool file unreadable", "file", rel, "error", err)
		return nil
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	msg := relayjournal.NewPendingMessage(
		relayjournal.SourceRef{Transport: TransportName, Message: rel},
		"",
		string(data),
		info.ModTime().UTC(),
	)
	s.mu.Lock()
	s.queued[rel] = struct{}{}
	s.mu.Unlock()
	if err := relayjournal.Submit(ctx, queue, msg); err != nil {
		s.forget(rel)
		return err
	}
	s.logger.Debug("spool file queued", "file", rel, "message_id", msg.ID)
	return nil
}

// Acknowledge removes the journaled file.
func (s *Source) Acknowledge(ctx context.Context, ref relayjournal.SourceRef) error {
	rel := filepath.ToSlash(filepath.Clean(filepath.FromSlash(ref.Message)))
	if rel == "." || strings.HasPrefix(rel, "../") || rel == ".." || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: spool file %q", relayjournal.ErrInvalidInput, ref.Message)
	}
	err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(rel)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s.forget(rel)
	return nil
}

func (s *Source) forget(rel string) {
	s.mu.Lock()
	delete(s.queued, rel)
	s.mu.Unlock()
}
