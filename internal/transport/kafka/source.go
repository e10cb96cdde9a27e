// Package kafka consumes journal messages from Kafka topics as part of a
// consumer group. Offsets are committed only after the Publisher has
// journaled the record.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/agentworkforce/relayjournal/internal/relayjournal"
	"github.com/agentworkforce/relayjournal/internal/transport"
)

const TransportName = "kafka"

type Config struct {
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	AllowedSenders []string
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if strings.TrimSpace(c.GroupID) == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

type Source struct {
	cfg       Config
	client    *kgo.Client
	whitelist relayjournal.Whitelist
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*kgo.Record

	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
}

func New(cfg Config, logger *slog.Logger, opts ...kgo.Opt) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	source := newSource(cfg, logger)
	source.client = client
	source.markCommit = func(r *kgo.Record) { client.MarkCommitRecords(r) }
	source.commitMarked = func(ctx context.Context) error { return client.CommitMarkedOffsets(ctx) }
	return source, nil
}

func newSource(cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Source{
		cfg:       cfg,
		whitelist: relayjournal.NewWhitelist(cfg.AllowedSenders),
		logger:    logger.With("transport", TransportName, "group", cfg.GroupID),
		pending:   map[string]*kgo.Record{},
	}
}

func (s *Source) Name() string {
	return TransportName
}

// Run polls until ctx is done and closes the client on return.
func (s *Source) Run(ctx context.Context, queue relayjournal.Queue) error {
	defer s.client.Close()
	s.logger.Info("kafka consumer started", "topics", strings.Join(s.cfg.Topics, ","))
	for {
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Warn("kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})
		var handleErr error
		fetches.EachRecord(func(rec *kgo.Record) {
			if handleErr != nil {
				return
			}
			handleErr = s.handleRecord(ctx, queue, rec)
		})
		if handleErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return handleErr
		}
	}
}

func (s *Source) handleRecord(ctx context.Context, queue relayjournal.Queue, rec *kgo.Record) error {
	ref := relayjournal.SourceRef{
		Transport: TransportName,
		Chat:      rec.Topic + ":" + strconv.FormatInt(int64(rec.Partition), 10),
		Message:   strconv.FormatInt(rec.Offset, 10),
	}
	sender := ""
	for _, h := range rec.Headers {
		if h.Key == "sender" {
			sender = string(h.Value)
		}
	}
	if sender == "" {
		sender = string(rec.Key)
	}
	in, err := transport.ParsePayload(rec.Value, sender, rec.Timestamp.UTC())
	if err != nil {
		// Nothing will ever journal this record; move the group past it.
		s.logger.Warn("skipping undecodable record", "ref", ref.String(), "error", err)
		s.commit(ctx, rec)
		return nil
	}
	if !s.whitelist.Allows(in.Sender) {
		s.logger.Warn("skipping record from sender outside whitelist", "ref", ref.String(), "sender", in.Sender)
		s.commit(ctx, rec)
		return nil
	}
	key := ref.Chat + ":" + ref.Message
	s.mu.Lock()
	s.pending[key] = rec
	s.mu.Unlock()
	msg := relayjournal.NewPendingMessage(ref, in.Sender, in.Text, in.Timestamp)
	if err := relayjournal.Submit(ctx, queue, msg); err != nil {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Source) commit(ctx context.Context, rec *kgo.Record) {
	s.markCommit(rec)
	if err := s.commitMarked(ctx); err != nil {
		s.logger.Warn("offset commit failed", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
	}
}

// Acknowledge commits the record's offset. Records are journaled in arrival
// order, so committing a record also covers the skipped ones before it.
func (s *Source) Acknowledge(ctx context.Context, ref relayjournal.SourceRef) error {
	key := ref.Chat + ":" + ref.Message
	s.mu.Lock()
	rec, ok := s.pending[key]
	s.mu.Unlock()
	if !ok {
		rebuilt, err := recordFromRef(ref)
		if err != nil {
			return err
		}
		rec = rebuilt
	}
	s.markCommit(rec)
	if err := s.commitMarked(ctx); err != nil {
		return fmt.Errorf("commit offset %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
	return nil
}

// recordFromRef rebuilds enough of a record to commit its offset, for refs
// that outlived the process that consumed them.
func recordFromRef(ref relayjournal.SourceRef) (*kgo.Record, error) {
	idx := strings.LastIndex(ref.Chat, ":")
	if idx <= 0 {
		return nil, fmt.Errorf("%w: kafka ref %q", relayjournal.ErrInvalidInput, ref.String())
	}
	partition, err := strconv.ParseInt(ref.Chat[idx+1:], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka partition in %q", relayjournal.ErrInvalidInput, ref.String())
	}
	offset, err := strconv.ParseInt(ref.Message, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka offset in %q", relayjournal.ErrInvalidInput, ref.String())
	}
	return &kgo.Record{Topic: ref.Chat[:idx], Partition: int32(partition), Offset: offset, LeaderEpoch: -1}, nil
}
