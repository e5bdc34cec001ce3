// Package store persists call records. Every backend is idempotent: writing
// the same record twice leaves one copy.
package store

import (
	"context"
	"errors"

	"github.com/dense-identity/callsession/internal/call"
)

// ErrNotFound is returned when a record id is unknown.
var ErrNotFound = errors.New("call record not found")

// CallStore is the persistence surface the effect dispatcher writes to.
type CallStore interface {
	CreateCallRecord(ctx context.Context, rec call.Record) error
	UpdateCallRecord(ctx context.Context, rec call.Record) error
	// FetchActiveCallRecord returns the most recent record that has not ended.
	FetchActiveCallRecord(ctx context.Context) (call.Record, bool, error)
}

// HistoryReader lists finished calls, newest first.
type HistoryReader interface {
	History(ctx context.Context, limit int) ([]call.Record, error)
}

// ContactLookup resolves a handle to an address book entry.
type ContactLookup interface {
	LookupContact(ctx context.Context, handle string) (string, bool, error)
}

// Backend is what every store in this package implements.
type Backend interface {
	CallStore
	HistoryReader
	ContactLookup
	SaveContact(ctx context.Context, handle, contactID string) error
	Close() error
}
