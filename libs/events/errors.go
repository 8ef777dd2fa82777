package events

import "errors"

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrInvalidEventType  = errors.New("invalid event type")
	ErrNoTopicDomain     = errors.New("no domain configured for aggregate")
)
