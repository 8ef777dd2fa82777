package consumer

import "errors"

var (
	ErrHandlerExists  = errors.New("handler already registered")
	ErrInvalidHandler = errors.New("invalid handler registration")
	ErrMaxDeliveries  = errors.New("max deliveries exceeded")
)
