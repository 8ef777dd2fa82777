package dlq

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/streams"
)

const topErrorLimit = 10

// Operator implements the manual DLQ workflows: list, inspect, reprocess,
// resolve and report.
type Operator struct {
	streams *streams.Client
	now     func() time.Time
}

type OperatorOption func(*Operator)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) OperatorOption {
	return func(o *Operator) { o.now = now }
}

func NewOperator(c *streams.Client, opts ...OperatorOption) *Operator {
	o := &Operator{streams: c, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// List returns the most recent entries, newest first.
func (o *Operator) List(ctx context.Context, stream string, count int64) ([]Entry, error) {
	if strings.TrimSpace(stream) == "" {
		return nil, ErrStreamRequired
	}
	if count <= 0 {
		count = 20
	}
	msgs, err := o.streams.Latest(ctx, stream, count)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, EntryFromMessage(m))
	}
	return out, nil
}

func (o *Operator) Inspect(ctx context.Context, stream, id string) (Entry, error) {
	if strings.TrimSpace(stream) == "" {
		return Entry{}, ErrStreamRequired
	}
	if strings.TrimSpace(id) == "" {
		return Entry{}, ErrIDRequired
	}
	m, err := o.streams.Get(ctx, stream, id)
	if err != nil {
		return Entry{}, err
	}
	return EntryFromMessage(m), nil
}

type ReprocessResult struct {
	Target     string     `json:"target"`
	NewID      string     `json:"new_id"`
	EventID    string     `json:"event_id"`
	Resolution Resolution `json:"resolution"`
}

// Reprocess republishes the entry with a fresh occurred_at and the original
// event_id, then records a resolution. target defaults to the primary topic.
// The first occurred_at travels as original_occurred_at so read models do not
// treat the replay as newer than later changes.
func (o *Operator) Reprocess(ctx context.Context, stream, id, target string) (ReprocessResult, error) {
	entry, err := o.Inspect(ctx, stream, id)
	if err != nil {
		return ReprocessResult{}, err
	}
	if target == "" {
		if !strings.HasSuffix(stream, Suffix) {
			return ReprocessResult{}, fmt.Errorf("%w: %s", ErrNotDeadLetter, stream)
		}
		target = BaseTopic(stream)
	}

	env := entry.Envelope
	if env.OriginalOccurredAt.IsZero() {
		env.OriginalOccurredAt = env.OccurredAt
	}
	env.OccurredAt = o.now().UTC()
	env.Topic = target

	newID, err := o.streams.Append(ctx, target, env.Values())
	if err != nil {
		return ReprocessResult{}, fmt.Errorf("republish %s to %s: %w", id, target, err)
	}

	res, err := o.resolve(ctx, stream, entry, MethodReprocess)
	if err != nil {
		return ReprocessResult{}, err
	}
	return ReprocessResult{Target: target, NewID: newID, EventID: env.EventID, Resolution: res}, nil
}

// Resolve marks an entry handled without republishing it.
func (o *Operator) Resolve(ctx context.Context, stream, id string) (Resolution, error) {
	entry, err := o.Inspect(ctx, stream, id)
	if err != nil {
		return Resolution{}, err
	}
	return o.resolve(ctx, stream, entry, MethodManual)
}

func (o *Operator) resolve(ctx context.Context, stream string, entry Entry, method string) (Resolution, error) {
	res := Resolution{
		OriginalDLQID:   entry.ID,
		OriginalEventID: entry.Envelope.EventID,
		ResolvedAt:      o.now().UTC(),
		Method:          method,
	}
	id, err := o.streams.Append(ctx, ResolvedStreamFor(stream), res.Values())
	if err != nil {
		return Resolution{}, fmt.Errorf("record resolution for %s: %w", entry.ID, err)
	}
	res.ID = id
	return res, nil
}

type Report struct {
	Stream              string         `json:"stream"`
	WindowHours         int            `json:"window_hours"`
	TotalFailedMessages int            `json:"total_failed_messages"`
	TopErrors           map[string]int `json:"top_errors"`
	ByEventType         map[string]int `json:"by_event_type"`
}

// Report summarises entries whose failed_at falls within the last hours.
func (o *Operator) Report(ctx context.Context, stream string, hours int) (Report, error) {
	if strings.TrimSpace(stream) == "" {
		return Report{}, ErrStreamRequired
	}
	if hours <= 0 {
		hours = 24
	}
	cutoff := o.now().UTC().Add(-time.Duration(hours) * time.Hour)

	errCounts := map[string]int{}
	rep := Report{Stream: stream, WindowHours: hours, ByEventType: map[string]int{}}
	err := o.streams.Scan(ctx, stream, 500, func(m streams.Message) error {
		e := EntryFromMessage(m)
		if e.FailedAt.IsZero() || e.FailedAt.Before(cutoff) {
			return nil
		}
		rep.TotalFailedMessages++
		errCounts[e.ErrorMessage]++
		rep.ByEventType[e.Envelope.EventType]++
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	rep.TopErrors = topN(errCounts, topErrorLimit)
	return rep, nil
}

// Groups reports consumer-group health for stream.
func (o *Operator) Groups(ctx context.Context, stream string) ([]streams.GroupHealth, error) {
	if strings.TrimSpace(stream) == "" {
		return nil, ErrStreamRequired
	}
	return o.streams.Health(ctx, stream)
}

func topN(counts map[string]int, n int) map[string]int {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	out := make(map[string]int, len(keys))
	for _, k := range keys {
		out[k] = counts[k]
	}
	return out
}
