package relayjournal

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Acknowledger removes or confirms a message at its source. Errors are
// retried by the Publisher, so implementations should report an already
// acknowledged message as success.
type Acknowledger interface {
	Acknowledge(ctx context.Context, ref SourceRef) error
}

type AcknowledgerFunc func(ctx context.Context, ref SourceRef) error

func (f AcknowledgerFunc) Acknowledge(ctx context.Context, ref SourceRef) error {
	return f(ctx, ref)
}

// NoopAcknowledger is used for sources with nothing to acknowledge, such as
// the CLI and the HTTP webhook.
var NoopAcknowledger Acknowledger = AcknowledgerFunc(func(context.Context, SourceRef) error { return nil })

// AckRouter dispatches acknowledgments to the transport named in the ref.
type AckRouter struct {
	mu     sync.RWMutex
	routes map[string]Acknowledger
}

func NewAckRouter() *AckRouter {
	return &AckRouter{routes: map[string]Acknowledger{}}
}

func (r *AckRouter) Register(transport string, ack Acknowledger) {
	transport = strings.ToLower(strings.TrimSpace(transport))
	if transport == "" || ack == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[transport] = ack
}

func (r *AckRouter) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	return names
}

func (r *AckRouter) Acknowledge(ctx context.Context, ref SourceRef) error {
	transport := strings.ToLower(strings.TrimSpace(ref.Transport))
	r.mu.RLock()
	ack, ok := r.routes[transport]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("acknowledge %s: %w", ref, ErrUnknownTransport)
	}
	return ack.Acknowledge(ctx, ref)
}
