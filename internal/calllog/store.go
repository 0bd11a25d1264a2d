// Package calllog records call detail records: when a bridged call started,
// when and why it ended, and the status callbacks the telephony provider
// posts along the way. No conversation content is stored.
package calllog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested call.
var ErrNotFound = errors.New("calllog: record not found")

// Direction of a call relative to this service.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Record is one call detail record, keyed by the bridge-assigned call id.
type Record struct {
	// CallID is the bridge-assigned identifier.
	CallID string

	// CallSID and StreamSID are the telephony-assigned identifiers,
	// learned from the start frame; empty if the call never bootstrapped.
	CallSID   string
	StreamSID string

	// Direction is inbound or outbound.
	Direction string

	// From and To are the call endpoints as reported by the provider.
	From string
	To   string

	StartedAt time.Time

	// EndedAt is zero while the call is live.
	EndedAt time.Time

	// EndReason is the bridge teardown reason, empty while live.
	EndReason string
}

// StatusEvent is one provider status callback (initiated, ringing,
// in-progress, completed, ...).
type StatusEvent struct {
	CallSID  string
	Status   string
	Duration string
	At       time.Time
}

// Store persists call detail records. Implementations must be safe for
// concurrent use.
type Store interface {
	// CallStarted inserts the initial record for a call.
	CallStarted(ctx context.Context, rec Record) error

	// CallEnded marks the call finished, filling in the telephony ids
	// captured during the call. Upserts: ending a call that was never
	// recorded as started still produces a row.
	CallEnded(ctx context.Context, rec Record) error

	// RecordStatus appends one provider status callback.
	RecordStatus(ctx context.Context, ev StatusEvent) error

	// Get returns the record for the given bridge call id.
	Get(ctx context.Context, callID string) (Record, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}
