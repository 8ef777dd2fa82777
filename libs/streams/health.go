package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// A consumer counts as active when it was seen recently and is not sitting
// on a large backlog.
const (
	ActiveIdleLimit    = 5 * time.Minute
	ActivePendingLimit = 50
)

type GroupHealth struct {
	Stream          string `json:"stream"`
	Group           string `json:"group"`
	TotalConsumers  int    `json:"total_consumers"`
	ActiveConsumers int    `json:"active_consumers"`
	Pending         int64  `json:"pending"`
}

func Summarize(stream, group string, pending int64, consumers []redis.XInfoConsumer) GroupHealth {
	h := GroupHealth{Stream: stream, Group: group, TotalConsumers: len(consumers), Pending: pending}
	for _, c := range consumers {
		if c.Idle < ActiveIdleLimit && c.Pending < ActivePendingLimit {
			h.ActiveConsumers++
		}
	}
	return h
}

// Health reports every consumer group registered on stream.
func (c *Client) Health(ctx context.Context, stream string) ([]GroupHealth, error) {
	groups, err := c.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}
	out := make([]GroupHealth, 0, len(groups))
	for _, g := range groups {
		consumers, err := c.rdb.XInfoConsumers(ctx, stream, g.Name).Result()
		if err != nil {
			return nil, fmt.Errorf("xinfo consumers %s %s: %w", stream, g.Name, err)
		}
		out = append(out, Summarize(stream, g.Name, g.Pending, consumers))
	}
	return out, nil
}
