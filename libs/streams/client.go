package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("stream entry not found")

// Message is one stream entry.
type Message struct {
	Stream string
	ID     string
	Values map[string]any
}

// Client wraps the Redis Streams commands the pipeline uses.
type Client struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Open connects using a redis:// or rediss:// URL and pings the server.
func Open(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func ReadyCheck(c *Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if c == nil || c.rdb == nil {
			return errors.New("redis not configured")
		}
		return c.rdb.Ping(ctx).Err()
	}
}

// Append adds an entry with an auto-generated ID and returns that ID.
func (c *Client) Append(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates group on stream, creating the stream if needed. The
// group starts at the beginning of the stream so entries appended before the
// first consumer joined are still delivered. An existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s %s: %w", stream, group, err)
	}
	return nil
}

type ReadArgs struct {
	Group    string
	Consumer string
	Streams  []string
	Count    int64
	Block    time.Duration
}

// ReadGroup returns undelivered entries across all streams. A timeout with no
// entries yields an empty slice and no error.
func (c *Client) ReadGroup(ctx context.Context, args ReadArgs) ([]Message, error) {
	keys := make([]string, 0, len(args.Streams)*2)
	keys = append(keys, args.Streams...)
	for range args.Streams {
		keys = append(keys, ">")
	}
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  keys,
		Count:    args.Count,
		Block:    args.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Message{Stream: s.Stream, ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", stream, err)
	}
	return nil
}

// Pending returns the XPENDING summary for group.
func (c *Client) Pending(ctx context.Context, stream, group string) (*redis.XPending, error) {
	p, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s: %w", stream, err)
	}
	return p, nil
}

// DeliveryCount reports how many times id has been delivered within group.
func (c *Client) DeliveryCount(ctx context.Context, stream, group, id string) (int64, error) {
	res, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s %s: %w", stream, id, err)
	}
	if len(res) == 0 {
		return 0, ErrNotFound
	}
	return res[0].RetryCount, nil
}

// Claim transfers entries idle for at least minIdle to consumer.
func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	return toMessages(stream, msgs), nil
}

// Latest returns up to count entries, newest first.
func (c *Client) Latest(ctx context.Context, stream string, count int64) ([]Message, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	return toMessages(stream, msgs), nil
}

func (c *Client) Get(ctx context.Context, stream, id string) (Message, error) {
	msgs, err := c.rdb.XRangeN(ctx, stream, id, id, 1).Result()
	if err != nil {
		return Message{}, fmt.Errorf("xrange %s %s: %w", stream, id, err)
	}
	if len(msgs) == 0 {
		return Message{}, fmt.Errorf("%w: %s %s", ErrNotFound, stream, id)
	}
	return Message{Stream: stream, ID: msgs[0].ID, Values: msgs[0].Values}, nil
}

// Scan walks the whole stream oldest first in pages of pageSize.
func (c *Client) Scan(ctx context.Context, stream string, pageSize int64, fn func(Message) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	// Each page after the first repeats the previous last entry.
	if pageSize < 2 {
		pageSize = 2
	}
	start := "-"
	last := ""
	for {
		msgs, err := c.rdb.XRangeN(ctx, stream, start, "+", pageSize).Result()
		if err != nil {
			return fmt.Errorf("xrange %s: %w", stream, err)
		}
		seen := 0
		for _, m := range msgs {
			if m.ID == last {
				continue
			}
			seen++
			if err := fn(Message{Stream: stream, ID: m.ID, Values: m.Values}); err != nil {
				return err
			}
			last = m.ID
		}
		if seen == 0 || int64(len(msgs)) < pageSize {
			return nil
		}
		start = last
	}
}

func toMessages(stream string, msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{Stream: stream, ID: m.ID, Values: m.Values})
	}
	return out
}
