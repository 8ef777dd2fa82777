package dlq

import "errors"

var (
	ErrStreamRequired = errors.New("stream is required")
	ErrIDRequired     = errors.New("entry id is required")
	ErrNotDeadLetter  = errors.New("stream is not a dead-letter stream")
)
