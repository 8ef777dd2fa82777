package outbox

import "errors"

var (
	ErrAggregateIDRequired = errors.New("aggregate id is required")
	ErrPayloadNotJSON      = errors.New("payload must be valid JSON")
	ErrTxRequired          = errors.New("caller transaction is required")
)
