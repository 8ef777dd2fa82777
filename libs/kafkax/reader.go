package kafkax

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/dlq"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
	"github.com/md-rashed-zaman/eventpipe/libs/streams"
	"github.com/segmentio/kafka-go"
)

var ErrNoDeadLetterSink = errors.New("kafka reader has no dead-letter sink")

// Wait for further buffered messages once a batch has started.
const drainWait = 10 * time.Millisecond

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ReaderConfig struct {
	Brokers string
	Group   string
	Topics  []string
}

type partitionKey struct {
	topic     string
	partition int
}

type inflight struct {
	msg         kafka.Message
	key         partitionKey
	deliveries  int64
	deliveredAt time.Time
	acked       bool
}

// Reader consumes relayed envelopes from a Kafka consumer group with the
// pending-entry semantics of a Redis group: a message is in flight until
// acked, can be claimed again once idle, and offsets are committed only up
// to the oldest unacked message of each partition. A message that is never
// acked is therefore refetched after a restart.
//
// Append sends to the dead-letter sink, so DLQ entries written by the
// reclaimer stay where the operator tool reads them.
type Reader struct {
	r     messageReader
	dead  dlq.Appender
	group string
	now   func() time.Time

	commitMu sync.Mutex

	mu        sync.Mutex
	inflight  map[string]*inflight
	order     map[partitionKey][]string
	lastFetch time.Time
}

func NewReader(cfg ReaderConfig, dead dlq.Appender) (*Reader, error) {
	list := SplitBrokers(cfg.Brokers)
	if len(list) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.Group == "" || len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka reader needs a group and at least one topic")
	}
	kr := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     list,
		GroupID:     cfg.Group,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newReader(kr, dead, cfg.Group, time.Now), nil
}

func newReader(r messageReader, dead dlq.Appender, group string, now func() time.Time) *Reader {
	return &Reader{
		r:        r,
		dead:     dead,
		group:    group,
		now:      now,
		inflight: map[string]*inflight{},
		order:    map[partitionKey][]string{},
	}
}

func messageID(m kafka.Message) string {
	return strconv.Itoa(m.Partition) + "-" + strconv.FormatInt(m.Offset, 10)
}

// IDs repeat across topics, so in-flight state is keyed by both.
func inflightKey(topic, id string) string { return topic + "/" + id }

// EnsureGroup checks the group name; Kafka joins the group on first fetch.
func (r *Reader) EnsureGroup(_ context.Context, _, group string) error {
	if group != r.group {
		return fmt.Errorf("kafka reader is bound to group %q, not %q", r.group, group)
	}
	return nil
}

// ReadGroup waits up to args.Block for a first message and then takes what
// is already buffered, up to args.Count.
func (r *Reader) ReadGroup(ctx context.Context, args streams.ReadArgs) ([]streams.Message, error) {
	r.mu.Lock()
	r.lastFetch = r.now()
	r.mu.Unlock()

	first, err := r.fetch(ctx, args.Block)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("kafka fetch: %w", err)
	}
	out := []streams.Message{r.track(first)}
	for args.Count <= 0 || int64(len(out)) < args.Count {
		m, err := r.fetch(ctx, drainWait)
		if err != nil {
			break
		}
		out = append(out, r.track(m))
	}
	return out, nil
}

func (r *Reader) fetch(ctx context.Context, wait time.Duration) (kafka.Message, error) {
	if wait <= 0 {
		wait = drainWait
	}
	fctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return r.r.FetchMessage(fctx)
}

func (r *Reader) track(m kafka.Message) streams.Message {
	id := inflightKey(m.Topic, messageID(m))
	key := partitionKey{topic: m.Topic, partition: m.Partition}
	now := r.now()

	r.mu.Lock()
	if in, ok := r.inflight[id]; ok {
		// Refetched after a rebalance.
		in.deliveries++
		in.deliveredAt = now
	} else {
		r.inflight[id] = &inflight{msg: m, key: key, deliveries: 1, deliveredAt: now}
		r.order[key] = append(r.order[key], id)
	}
	r.mu.Unlock()
	return toStreamMessage(m)
}

// toStreamMessage decodes the JSON envelope written by Writer. Header meta
// and trace context fill fields the value lacks; an undecodable value is
// kept whole as the payload so the consumer reports it as malformed.
func toStreamMessage(m kafka.Message) streams.Message {
	values := map[string]any{}
	if err := json.Unmarshal(m.Value, &values); err != nil {
		values = map[string]any{events.FieldPayload: string(m.Value)}
	}
	meta := ExtractEventMeta(m)
	if events.Field(values, events.FieldEventID) == "" && meta.EventID != "" {
		values[events.FieldEventID] = meta.EventID
	}
	if events.Field(values, events.FieldEventType) == "" && meta.EventType != "" {
		values[events.FieldEventType] = meta.EventType
	}
	if events.Field(values, events.FieldTraceparent) == "" {
		tp, ts := otelx.TraceContextStrings(ExtractTraceContext(context.Background(), m))
		if tp != "" {
			values[events.FieldTraceparent] = tp
		}
		if ts != "" {
			values[events.FieldTracestate] = ts
		}
	}
	return streams.Message{Stream: m.Topic, ID: messageID(m), Values: values}
}

// Ack marks ids done and commits each touched partition up to its oldest
// unacked message.
func (r *Reader) Ack(ctx context.Context, stream, _ string, ids ...string) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.mu.Lock()
	touched := map[partitionKey]bool{}
	for _, id := range ids {
		if in, ok := r.inflight[inflightKey(stream, id)]; ok {
			in.acked = true
			touched[in.key] = true
		}
	}
	var commit []kafka.Message
	for key := range touched {
		queue := r.order[key]
		var last *inflight
		for len(queue) > 0 {
			in := r.inflight[queue[0]]
			if !in.acked {
				break
			}
			last = in
			delete(r.inflight, queue[0])
			queue = queue[1:]
		}
		if len(queue) == 0 {
			delete(r.order, key)
		} else {
			r.order[key] = queue
		}
		if last != nil {
			commit = append(commit, last.msg)
		}
	}
	r.mu.Unlock()

	if len(commit) == 0 {
		return nil
	}
	if err := r.r.CommitMessages(ctx, commit...); err != nil {
		return fmt.Errorf("kafka commit: %w", err)
	}
	return nil
}

// Claim hands back unacked messages idle for at least minIdle and counts a
// new delivery for each.
func (r *Reader) Claim(_ context.Context, stream, _, _ string, minIdle time.Duration, count int64) ([]streams.Message, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*inflight
	for _, in := range r.inflight {
		if in.acked || in.msg.Topic != stream || now.Sub(in.deliveredAt) < minIdle {
			continue
		}
		stale = append(stale, in)
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].key.partition != stale[j].key.partition {
			return stale[i].key.partition < stale[j].key.partition
		}
		return stale[i].msg.Offset < stale[j].msg.Offset
	})
	if count > 0 && int64(len(stale)) > count {
		stale = stale[:count]
	}
	out := make([]streams.Message, 0, len(stale))
	for _, in := range stale {
		in.deliveries++
		in.deliveredAt = now
		out = append(out, toStreamMessage(in.msg))
	}
	return out, nil
}

func (r *Reader) DeliveryCount(_ context.Context, stream, _, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.inflight[inflightKey(stream, id)]
	if !ok || in.acked {
		return 0, streams.ErrNotFound
	}
	return in.deliveries, nil
}

func (r *Reader) Append(ctx context.Context, stream string, values map[string]any) (string, error) {
	if r.dead == nil {
		return "", ErrNoDeadLetterSink
	}
	return r.dead.Append(ctx, stream, values)
}

// Health reports this process as the only visible member of the group.
func (r *Reader) Health(_ context.Context, stream string) ([]streams.GroupHealth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending int64
	for _, in := range r.inflight {
		if !in.acked && in.msg.Topic == stream {
			pending++
		}
	}
	h := streams.GroupHealth{Stream: stream, Group: r.group, TotalConsumers: 1, Pending: pending}
	if !r.lastFetch.IsZero() && r.now().Sub(r.lastFetch) < streams.ActiveIdleLimit && pending < streams.ActivePendingLimit {
		h.ActiveConsumers = 1
	}
	return []streams.GroupHealth{h}, nil
}

func (r *Reader) Close() error {
	return r.r.Close()
}
