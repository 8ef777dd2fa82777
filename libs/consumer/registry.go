package consumer

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
)

// Handler applies one event inside the transaction that also holds the
// ledger row. Returning an error rolls both back.
type Handler func(ctx context.Context, tx pgx.Tx, env events.Envelope, p events.Payload) error

type handlerKey struct {
	domain    string
	eventType string
}

// Registry maps (domain, event_type) to a handler. It is filled before the
// consumer starts and read-only afterwards.
type Registry struct {
	handlers map[handlerKey]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[handlerKey]Handler{}}
}

func (r *Registry) Register(domain, eventType string, h Handler) error {
	if domain == "" || eventType == "" || h == nil {
		return fmt.Errorf("%w: domain=%q event_type=%q", ErrInvalidHandler, domain, eventType)
	}
	key := handlerKey{domain: domain, eventType: eventType}
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("%w: %s %s", ErrHandlerExists, domain, eventType)
	}
	r.handlers[key] = h
	return nil
}

func (r *Registry) Lookup(domain, eventType string) (Handler, bool) {
	h, ok := r.handlers[handlerKey{domain: domain, eventType: eventType}]
	return h, ok
}

// EventTypes lists the event types registered for domain, sorted.
func (r *Registry) EventTypes(domain string) []string {
	var out []string
	for k := range r.handlers {
		if k.domain == domain {
			out = append(out, k.eventType)
		}
	}
	sort.Strings(out)
	return out
}
