package relayjournal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/relayjournal/internal/docstore"
	"github.com/agentworkforce/relayjournal/internal/journal"
)

type PublisherOptions struct {
	Store        docstore.Store
	Queue        Queue
	Acknowledger Acknowledger
	// Location decides which month and day an entry belongs to. Nil is UTC.
	Location *time.Location
	Backoff  Backoff
	Logger   *slog.Logger
	Now      func() time.Time
}

// Publisher is the single consumer of the ingestion queue. It handles one
// message at a time and does not move on until that message is journaled
// and acknowledged, or found to target a document it cannot decode.
type Publisher struct {
	store    docstore.Store
	queue    Queue
	ack      Acknowledger
	location *time.Location
	backoff  Backoff
	logger   *slog.Logger
	now      func() time.Time
	hub      *eventHub

	mu    sync.Mutex
	stats Stats
}

type Stats struct {
	Published     uint64    `json:"published"`
	Recovered     uint64    `json:"recovered"`
	Conflicts     uint64    `json:"conflicts"`
	Retries       uint64    `json:"retries"`
	Skipped       uint64    `json:"skipped"`
	Acknowledged  uint64    `json:"acknowledged"`
	InFlight      string    `json:"inFlight,omitempty"`
	LastPublished time.Time `json:"lastPublished,omitempty"`
	QueueDepth    int       `json:"queueDepth"`
	QueueCapacity int       `json:"queueCapacity"`
}

type publishState int

const (
	stateFetching publishState = iota
	stateMerging
	stateWriting
	stateAcknowledging
	stateDone
)

func (s publishState) String() string {
	switch s {
	case stateFetching:
		return "fetching"
	case stateMerging:
		return "merging"
	case stateWriting:
		return "writing"
	case stateAcknowledging:
		return "acknowledging"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: publisher needs a document store", ErrInvalidInput)
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryQueue(defaultQueueCapacity)
	}
	ack := opts.Acknowledger
	if ack == nil {
		ack = NoopAcknowledger
	}
	location := opts.Location
	if location == nil {
		location = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Publisher{
		store:    opts.Store,
		queue:    queue,
		ack:      ack,
		location: location,
		backoff:  opts.Backoff,
		logger:   logger,
		now:      now,
		hub:      newEventHub(),
	}, nil
}

func (p *Publisher) Queue() Queue {
	return p.queue
}

// Run drains the queue until ctx is done. A message whose document cannot be
// decoded is logged and skipped without acknowledgment.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("publish loop started", "queue_capacity", p.queue.Capacity())
	for {
		msg, ok := p.queue.Dequeue(ctx)
		if !ok {
			if ctx.Err() != nil {
				p.logger.Info("publish loop stopped")
				return nil
			}
			continue
		}
		if _, err := p.Process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				p.logger.Warn("publish loop stopped with message in flight", "message_id", msg.ID)
				return nil
			}
			p.logger.Error("message skipped", "message_id", msg.ID, "source", msg.Source.String(), "error", err)
		}
	}
}

// Process journals a single message and acknowledges it. It returns an error
// only when ctx is done or the target document is corrupt; every other
// failure is retried.
//
// A write that fails without a conflict may still have landed. From then on
// each re-merge compares how many copies of the entry the document holds with
// the count seen before that write; a surplus means the write went through
// and the message moves on to acknowledgment without writing again.
func (p *Publisher) Process(ctx context.Context, msg PendingMessage) (Published, error) {
	entry := msg.Entry(p.location)
	path := journal.DocumentPath(entry.Timestamp)
	logger := p.logger.With("message_id", msg.ID, "path", path)

	p.setInFlight(msg.ID)
	defer p.setInFlight("")

	var (
		doc       docstore.Document
		found     bool
		merged    journal.MergeResult
		version   string
		failures  int
		conflicts int
		uncertain bool
		before    int
		recovered bool
	)
	state := stateFetching
	for state != stateDone {
		switch state {
		case stateFetching:
			d, ok, err := p.store.Read(ctx, path)
			if err != nil {
				failures++
				if waitErr := p.retry(ctx, logger, state, failures, err); waitErr != nil {
					return Published{}, waitErr
				}
				continue
			}
			doc, found, failures = d, ok, 0
			state = stateMerging

		case stateMerging:
			var stored *journal.Stored
			if found {
				stored = &journal.Stored{Content: doc.Content, Encoding: doc.Encoding}
			}
			result, err := journal.Merge(stored, entry)
			if err != nil {
				p.bump(func(s *Stats) { s.Skipped++ })
				logger.Error("journal document is corrupt", "error", err)
				return Published{}, err
			}
			merged = result
			if uncertain && merged.Present > before {
				version, recovered = doc.Version, true
				p.bump(func(s *Stats) { s.Recovered++ })
				logger.Info("earlier write landed, not writing again", "version", version)
				state = stateAcknowledging
				continue
			}
			if !uncertain {
				before = merged.Present
			}
			state = stateWriting

		case stateWriting:
			base := ""
			if found {
				base = doc.Version
			}
			res, err := p.store.Write(ctx, path, base, merged.Body)
			if errors.Is(err, docstore.ErrConflict) {
				conflicts++
				p.bump(func(s *Stats) { s.Conflicts++ })
				delay := p.backoff.Delay(conflicts, 0)
				logger.Info("document changed underneath, refetching", "version", base, "conflicts", conflicts, "delay", delay)
				if waitErr := waitWithContext(ctx, delay); waitErr != nil {
					return Published{}, waitErr
				}
				state = stateFetching
				continue
			}
			if err != nil {
				uncertain = true
				failures++
				if waitErr := p.retry(ctx, logger, state, failures, err); waitErr != nil {
					return Published{}, waitErr
				}
				continue
			}
			version, failures = res.Version, 0
			logger.Info("entry journaled", "version", version, "conflicts", conflicts)
			state = stateAcknowledging

		case stateAcknowledging:
			if err := p.ack.Acknowledge(ctx, msg.Source); err != nil {
				failures++
				if waitErr := p.retry(ctx, logger, state, failures, err); waitErr != nil {
					return Published{}, waitErr
				}
				continue
			}
			p.bump(func(s *Stats) { s.Acknowledged++ })
			state = stateDone
		}
	}

	event := Published{
		MessageID: msg.ID,
		Source:    msg.Source,
		Path:      path,
		Version:   version,
		Line:      merged.Line,
		Recovered: recovered,
		At:        p.now().UTC(),
	}
	p.bump(func(s *Stats) {
		s.Published++
		s.LastPublished = event.At
	})
	p.hub.publish(event)
	return event, nil
}

func (p *Publisher) retry(ctx context.Context, logger *slog.Logger, state publishState, attempt int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	p.bump(func(s *Stats) { s.Retries++ })
	delay := p.backoff.Delay(attempt, docstore.RetryAfter(err))
	logger.Warn("transient failure, retrying", "state", state.String(), "attempt", attempt, "delay", delay, "error", err)
	return waitWithContext(ctx, delay)
}

// Subscribe returns a feed of published messages. Call the returned function
// to stop receiving; a slow subscriber drops events rather than stalling the
// publisher.
func (p *Publisher) Subscribe(buffer int) (<-chan Published, func()) {
	return p.hub.subscribe(buffer)
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	stats := p.stats
	p.mu.Unlock()
	stats.QueueDepth = p.queue.Depth()
	stats.QueueCapacity = p.queue.Capacity()
	return stats
}

func (p *Publisher) setInFlight(id string) {
	p.bump(func(s *Stats) { s.InFlight = id })
}

func (p *Publisher) bump(update func(*Stats)) {
	p.mu.Lock()
	update(&p.stats)
	p.mu.Unlock()
}
