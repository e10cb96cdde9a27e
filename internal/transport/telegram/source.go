// Package telegram feeds whitelisted Telegram chat messages into the journal
// queue and deletes them from the chat once they are journaled.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relayjournal/internal/relayjournal"
)

const (
	TransportName          = "telegram"
	DefaultRejectionNotice = "you are not in whitelist"
	defaultPollTimeout     = 30 * time.Second
)

var ErrNoAllowedChats = errors.New("telegram transport needs at least one allowed chat")

type Options struct {
	Token           string
	BaseURL         string
	AllowedChats    []string
	PollTimeout     time.Duration
	RejectionNotice string
	HTTPClient      *http.Client
	Backoff         relayjournal.Backoff
	Logger          *slog.Logger
}

type Source struct {
	client          *Client
	whitelist       relayjournal.Whitelist
	pollTimeout     time.Duration
	rejectionNotice string
	backoff         relayjournal.Backoff
	logger          *slog.Logger
	offset          int64
}

func New(opts Options) (*Source, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("%w: telegram token is required", relayjournal.ErrInvalidInput)
	}
	whitelist := relayjournal.NewWhitelist(opts.AllowedChats)
	if whitelist.Empty() {
		return nil, ErrNoAllowedChats
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	notice := strings.TrimSpace(opts.RejectionNotice)
	if notice == "" {
		notice = DefaultRejectionNotice
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Long polls hold the connection for pollTimeout.
		httpClient = &http.Client{Timeout: pollTimeout + 15*time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Source{
		client:          NewClient(opts.BaseURL, opts.Token, httpClient),
		whitelist:       whitelist,
		pollTimeout:     pollTimeout,
		rejectionNotice: notice,
		backoff:         opts.Backoff,
		logger:          logger.With("transport", TransportName),
	}, nil
}

func (s *Source) Name() string {
	return TransportName
}

// Run long-polls for updates and enqueues accepted messages until ctx is
// done. The update offset only advances past messages that were enqueued.
func (s *Source) Run(ctx context.Context, queue relayjournal.Queue) error {
	s.logger.Info("telegram polling started")
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := s.client.GetUpdates(ctx, s.offset, s.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			var apiErr *APIError
			retryAfter := time.Duration(0)
			if errors.As(err, &apiErr) {
				retryAfter = apiErr.RetryAfter
			}
			s.logger.Warn("getUpdates failed", "attempt", failures, "error", err)
			if waitErr := s.backoff.Wait(ctx, failures, retryAfter); waitErr != nil {
				return nil
			}
			continue
		}
		failures = 0
		for _, update := range updates {
			if err := s.handle(ctx, queue, update); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			s.offset = update.UpdateID + 1
		}
	}
}

func (s *Source) handle(ctx context.Context, queue relayjournal.Queue, update Update) error {
	msg := update.Message
	if msg == nil {
		return nil
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if !s.whitelist.Allows(chatID) {
		s.logger.Warn("message from chat outside whitelist", "chat", chatID)
		if err := s.client.SendMessage(ctx, msg.Chat.ID, s.rejectionNotice); err != nil {
			s.logger.Warn("rejection notice failed", "chat", chatID, "error", err)
		}
		return nil
	}
	if strings.TrimSpace(msg.Text) == "" {
		s.logger.Debug("ignoring message without text", "chat", chatID, "message", msg.MessageID)
		return nil
	}
	pending := relayjournal.NewPendingMessage(
		relayjournal.SourceRef{Transport: TransportName, Chat: chatID, Message: strconv.FormatInt(msg.MessageID, 10)},
		chatID,
		msg.Text,
		time.Unix(msg.Date, 0).UTC(),
	)
	if err := relayjournal.Submit(ctx, queue, pending); err != nil {
		return err
	}
	s.logger.Debug("message queued", "chat", chatID, "message_id", pending.ID)
	return nil
}

// Acknowledge deletes the journaled message from the chat. A message that is
// already gone, or too old for a bot to delete, counts as acknowledged.
func (s *Source) Acknowledge(ctx context.Context, ref relayjournal.SourceRef) error {
	chatID, err := strconv.ParseInt(ref.Chat, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: telegram chat %q", relayjournal.ErrInvalidInput, ref.Chat)
	}
	messageID, err := strconv.ParseInt(ref.Message, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: telegram message %q", relayjournal.ErrInvalidInput, ref.Message)
	}
	err = s.client.DeleteMessage(ctx, chatID, messageID)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		description := strings.ToLower(apiErr.Description)
		switch {
		case strings.Contains(description, "message to delete not found"):
			return nil
		case strings.Contains(description, "message can't be deleted"):
			s.logger.Warn("journaled message cannot be deleted", "chat", ref.Chat, "message", ref.Message, "error", err)
			return nil
		}
	}
	return err
}
