package outbox

import (
	"github.com/md-rashed-zaman/eventpipe/libs/config"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
)

// RelayConfigFromEnv reads RELAY_* variables. Unset values keep the relay
// defaults.
func RelayConfigFromEnv() (RelayConfig, error) {
	var cfg RelayConfig
	var err error
	if cfg.PollEvery, err = config.Duration("RELAY_POLL_EVERY", 0); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = config.Int("RELAY_BATCH_SIZE", 0); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = config.Int("RELAY_MAX_ATTEMPTS", 0); err != nil {
		return cfg, err
	}
	if cfg.BackoffBase, err = config.Duration("RELAY_BACKOFF_BASE", 0); err != nil {
		return cfg, err
	}
	if cfg.BackoffMax, err = config.Duration("RELAY_BACKOFF_MAX", 0); err != nil {
		return cfg, err
	}
	if cfg.BatchTimeout, err = config.Duration("RELAY_BATCH_TIMEOUT", 0); err != nil {
		return cfg, err
	}
	if cfg.PublishTimeout, err = config.Duration("RELAY_PUBLISH_TIMEOUT", 0); err != nil {
		return cfg, err
	}
	cfg.normalize()
	return cfg, nil
}

// TopicRouterFromEnv reads RELAY_TOPIC_DOMAINS ("user=identity,...") and
// RELAY_DEFAULT_DOMAIN.
func TopicRouterFromEnv() (events.TopicRouter, error) {
	domains, err := config.Map("RELAY_TOPIC_DOMAINS", "user=identity")
	if err != nil {
		return events.TopicRouter{}, err
	}
	return events.TopicRouter{
		Default: config.String("RELAY_DEFAULT_DOMAIN", "identity"),
		Domains: domains,
	}, nil
}
