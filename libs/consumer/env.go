package consumer

import (
	"os"

	"github.com/md-rashed-zaman/eventpipe/libs/config"
)

// ConfigFromEnv overlays CONSUMER_* variables on base.
func ConfigFromEnv(base Config) (Config, error) {
	cfg := base
	cfg.Group = config.String("CONSUMER_GROUP", base.Group)
	cfg.Name = config.String("CONSUMER_NAME", base.Name)
	if cfg.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = cfg.Group + "-1"
		}
		cfg.Name = host
	}
	if topics := config.List("CONSUMER_TOPICS", ""); len(topics) > 0 {
		cfg.Topics = topics
	}

	count, err := config.Int("CONSUMER_COUNT", int(base.Count))
	if err != nil {
		return Config{}, err
	}
	cfg.Count = int64(count)
	if cfg.Block, err = config.Duration("CONSUMER_BLOCK", base.Block); err != nil {
		return Config{}, err
	}
	if cfg.ReclaimEvery, err = config.Duration("CONSUMER_RECLAIM_EVERY", base.ReclaimEvery); err != nil {
		return Config{}, err
	}
	if cfg.ReclaimMinIdle, err = config.Duration("CONSUMER_RECLAIM_MIN_IDLE", base.ReclaimMinIdle); err != nil {
		return Config{}, err
	}
	maxDeliveries, err := config.Int("CONSUMER_MAX_DELIVERIES", int(base.MaxDeliveries))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxDeliveries = int64(maxDeliveries)
	return cfg, nil
}
