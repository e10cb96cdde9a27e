// Package rabbitmq consumes journal messages from an AMQP queue. Deliveries
// are acked only after the Publisher has journaled them.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/agentworkforce/relayjournal/internal/relayjournal"
	"github.com/agentworkforce/relayjournal/internal/transport"
)

const (
	TransportName      = "rabbitmq"
	defaultConsumerTag = "relayjournal"
)

type Config struct {
	URL            string
	Queue          string
	Exchange       string
	RoutingKeys    []string
	Prefetch       int
	ConsumerTag    string
	AllowedSenders []string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq url is required")
	}
	if strings.TrimSpace(c.Queue) == "" {
		return errors.New("rabbitmq queue is required")
	}
	if c.Prefetch < 0 {
		return errors.New("rabbitmq prefetch must be >= 0")
	}
	return nil
}

// Source holds deliveries between enqueue and acknowledgment. Delivery tags
// are only meaningful on the channel that produced them, so refs carry the
// process id and the channel generation.
type Source struct {
	cfg       Config
	whitelist relayjournal.Whitelist
	backoff   relayjournal.Backoff
	logger    *slog.Logger
	process   string

	mu         sync.Mutex
	generation uint64
	pending    map[string]amqp091.Delivery
}

func New(cfg Config, backoff relayjournal.Backoff, logger *slog.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = defaultConsumerTag
	}
	if cfg.Prefetch == 0 {
		cfg.Prefetch = 16
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Source{
		cfg:       cfg,
		whitelist: relayjournal.NewWhitelist(cfg.AllowedSenders),
		backoff:   backoff,
		logger:    logger.With("transport", TransportName, "queue", cfg.Queue),
		process:   uuid.NewString(),
		pending:   map[string]amqp091.Delivery{},
	}, nil
}

func (s *Source) Name() string {
	return TransportName
}

// Run consumes until ctx is done, reconnecting with backoff when the broker
// connection drops.
func (s *Source) Run(ctx context.Context, queue relayjournal.Queue) error {
	failures := 0
	for {
		err := s.consume(ctx, queue)
		if ctx.Err() != nil {
			return nil
		}
		failures++
		s.logger.Warn("rabbitmq consumer stopped, reconnecting", "attempt", failures, "error", err)
		if waitErr := s.backoff.Wait(ctx, failures, 0); waitErr != nil {
			return nil
		}
	}
}

func (s *Source) consume(ctx context.Context, queue relayjournal.Queue) error {
	conn, err := amqp091.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(s.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if s.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(s.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
		routingKeys := s.cfg.RoutingKeys
		if len(routingKeys) == 0 {
			routingKeys = []string{"#"}
		}
		for _, key := range routingKeys {
			if err := ch.QueueBind(s.cfg.Queue, key, s.cfg.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue key=%s: %w", key, err)
			}
		}
	}
	deliveries, err := ch.Consume(s.cfg.Queue, s.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}
	generation := s.resetPending()
	s.logger.Info("rabbitmq consumer started", "generation", generation)

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(s.cfg.ConsumerTag, false)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := s.handleDelivery(ctx, queue, generation, d); err != nil {
				return err
			}
		}
	}
}

// resetPending starts a new channel generation. Unacked deliveries from the
// old channel are redelivered by the broker.
func (s *Source) resetPending() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.pending = map[string]amqp091.Delivery{}
	return s.generation
}

// channelID names a channel uniquely across restarts. Refs persisted by a
// durable queue outlive the process, and generations restart at one.
func (s *Source) channelID(generation uint64) string {
	return s.process + "." + strconv.FormatUint(generation, 10)
}

func (s *Source) handleDelivery(ctx context.Context, queue relayjournal.Queue, generation uint64, d amqp091.Delivery) error {
	sender := d.UserId
	if v, ok := d.Headers["sender"]; ok {
		sender = fmt.Sprint(v)
	}
	in, err := transport.ParsePayload(d.Body, sender, d.Timestamp.UTC())
	if err != nil {
		s.logger.Warn("dropping undecodable delivery", "delivery_tag", d.DeliveryTag, "error", err)
		_ = d.Nack(false, false)
		return nil
	}
	if !s.whitelist.Allows(in.Sender) {
		s.logger.Warn("dropping delivery from sender outside whitelist", "sender", in.Sender, "delivery_tag", d.DeliveryTag)
		_ = d.Nack(false, false)
		return nil
	}
	ref := relayjournal.SourceRef{
		Transport: TransportName,
		Chat:      s.channelID(generation),
		Message:   strconv.FormatUint(d.DeliveryTag, 10),
	}
	s.mu.Lock()
	s.pending[ref.Chat+":"+ref.Message] = d
	s.mu.Unlock()

	msg := relayjournal.NewPendingMessage(ref, in.Sender, in.Text, in.Timestamp)
	if err := relayjournal.Submit(ctx, queue, msg); err != nil {
		s.mu.Lock()
		delete(s.pending, ref.Chat+":"+ref.Message)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Acknowledge acks the delivery. A ref from an earlier channel or process has
// nothing left to ack: the broker requeued that delivery when the channel
// closed and will deliver it again.
func (s *Source) Acknowledge(ctx context.Context, ref relayjournal.SourceRef) error {
	key := ref.Chat + ":" + ref.Message
	s.mu.Lock()
	d, ok := s.pending[key]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("no pending delivery for ref", "ref", ref.String())
		return nil
	}
	if err := d.Ack(false); err != nil {
		if errors.Is(err, amqp091.ErrClosed) {
			s.mu.Lock()
			delete(s.pending, key)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("ack delivery %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
	return nil
}
