package events

import (
	"fmt"
	"strconv"
	"strings"
)

// EventType is a parsed <aggregate>.<action>.v<n> name.
type EventType struct {
	Aggregate string
	Action    string
	Version   int
}

func ParseEventType(s string) (EventType, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 3 {
		return EventType{}, fmt.Errorf("%w: %q", ErrInvalidEventType, s)
	}
	last := parts[len(parts)-1]
	if !strings.HasPrefix(last, "v") {
		return EventType{}, fmt.Errorf("%w: %q has no version suffix", ErrInvalidEventType, s)
	}
	version, err := strconv.Atoi(last[1:])
	if err != nil || version < 1 {
		return EventType{}, fmt.Errorf("%w: %q has a bad version", ErrInvalidEventType, s)
	}
	for _, p := range parts[:len(parts)-1] {
		if p == "" {
			return EventType{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidEventType, s)
		}
	}
	return EventType{
		Aggregate: parts[0],
		Action:    strings.Join(parts[1:len(parts)-1], "."),
		Version:   version,
	}, nil
}

func (t EventType) String() string {
	return fmt.Sprintf("%s.%s.v%d", t.Aggregate, t.Action, t.Version)
}

// Topic builds <domain>.<aggregate>.v<n>.
func Topic(domain, aggregate string, version int) string {
	return fmt.Sprintf("%s.%s.v%d", domain, aggregate, version)
}

// TopicRouter maps an event type to its stream. Domains overrides the domain
// per aggregate; Default is used for everything else.
type TopicRouter struct {
	Default string
	Domains map[string]string
}

func (r TopicRouter) TopicFor(eventType string) (string, error) {
	et, err := ParseEventType(eventType)
	if err != nil {
		return "", err
	}
	domain := r.Domains[et.Aggregate]
	if domain == "" {
		domain = r.Default
	}
	if domain == "" {
		return "", fmt.Errorf("%w: %s", ErrNoTopicDomain, et.Aggregate)
	}
	return Topic(domain, et.Aggregate, et.Version), nil
}
