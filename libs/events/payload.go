package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	UserCreatedV1 = "user.created.v1"
	UserUpdatedV1 = "user.updated.v1"
	UserDeletedV1 = "user.deleted.v1"
)

// Payload is the closed set of typed event bodies. Handlers type-switch on it.
type Payload interface {
	payload()
}

type UserCreated struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}

type UserUpdated struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}

type UserDeleted struct {
	UserID string `json:"user_id"`
}

// RawPayload carries bodies of event types no decoder is registered for.
type RawPayload json.RawMessage

func (UserCreated) payload() {}
func (UserUpdated) payload() {}
func (UserDeleted) payload() {}
func (RawPayload) payload()  {}

func (p UserCreated) Validate() error { return requireUserID(p.UserID) }
func (p UserUpdated) Validate() error { return requireUserID(p.UserID) }
func (p UserDeleted) Validate() error { return requireUserID(p.UserID) }

func requireUserID(id string) error {
	if id == "" {
		return errors.New("user_id is required")
	}
	return nil
}

// DecodeFunc turns a raw payload into its typed form.
type DecodeFunc func(raw json.RawMessage) (Payload, error)

// JSON decodes into T and runs T.Validate when T has one.
func JSON[T Payload]() DecodeFunc {
	return func(raw json.RawMessage) (Payload, error) {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if v, ok := any(p).(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
}

type decoderKey struct {
	eventType string
	version   int
}

// Decoder picks a DecodeFunc by (event_type, schema_version).
type Decoder struct {
	funcs map[decoderKey]DecodeFunc
}

func NewDecoder() *Decoder {
	return &Decoder{funcs: map[decoderKey]DecodeFunc{}}
}

// NewUserDecoder knows the identity user lifecycle events.
func NewUserDecoder() *Decoder {
	d := NewDecoder()
	d.Register(UserCreatedV1, 1, JSON[UserCreated]())
	d.Register(UserUpdatedV1, 1, JSON[UserUpdated]())
	d.Register(UserDeletedV1, 1, JSON[UserDeleted]())
	return d
}

func (d *Decoder) Register(eventType string, schemaVersion int, fn DecodeFunc) {
	d.funcs[decoderKey{eventType: eventType, version: schemaVersion}] = fn
}

// Decode returns RawPayload for unknown types; decode failures wrap ErrMalformedPayload.
func (d *Decoder) Decode(env Envelope) (Payload, error) {
	fn, ok := d.funcs[decoderKey{eventType: env.EventType, version: env.SchemaVersion}]
	if !ok {
		return RawPayload(env.Payload), nil
	}
	p, err := fn(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s v%d: %v", ErrMalformedPayload, env.EventType, env.SchemaVersion, err)
	}
	return p, nil
}
