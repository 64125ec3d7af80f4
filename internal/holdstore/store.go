// Package holdstore caches in-flight holds by reservation token, plus the
// confirmations that still need a ledger write.  The cache is never the
// lock: a miss only means this process forgot the token.
package holdstore

import (
	"context"
	"errors"

	"github.com/iliyamo/bus-ticketing/internal/model"
)

// ErrNotFound is returned for unknown or expired tokens.
var ErrNotFound = errors.New("holdstore: not found")

// Store is implemented by Redis and Memory.
type Store interface {
	// Put caches h until h.ExpiresAt.  An already expired hold is not
	// stored.
	Put(ctx context.Context, h model.Hold) error
	Get(ctx context.Context, token string) (model.Hold, error)
	Delete(ctx context.Context, token string) error

	// PutPending stores p without expiry, replacing any record for the
	// same token.
	PutPending(ctx context.Context, p model.PendingConfirmation) error
	GetPending(ctx context.Context, token string) (model.PendingConfirmation, error)
	ListPending(ctx context.Context) ([]model.PendingConfirmation, error)
	DeletePending(ctx context.Context, token string) error
}
