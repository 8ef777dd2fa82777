// Package events defines the wire envelope carried on every stream entry,
// topic naming, and the typed payloads handlers receive.
//
// Event types are named <aggregate>.<action>.v<n> (user.created.v1) and are
// routed to topics named <domain>.<aggregate>.v<n> (identity.user.v1).
package events
