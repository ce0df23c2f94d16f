package docstore

import (
	"context"

	"keygate/internal/domain"
)

// Event is one change observed on a watched key document. Exists=false means
// the document has been deleted remotely.
type Event struct {
	Exists bool                `json:"exists"`
	Key    *domain.KeyDocument `json:"key,omitempty"`
}

// AccessRequest is the best-effort write-back performed on a successful
// fresh validation. The server computes timestamps and counters; the client
// only states who accessed from where.
type AccessRequest struct {
	UID           string `json:"uid"`
	ActivatedFrom string `json:"activatedFrom,omitempty"`
}

// Watcher is an owned, cancellable per-document subscription. The Events
// channel closes when the subscription dies; Err reports why (nil after
// Close).
type Watcher interface {
	Events() <-chan Event
	Err() error
	Close()
}

// Store is the remote activation-key document collection.
//
// Get returns domain.ErrKeyNotFound for absent documents and wraps transport
// or permission failures in domain.ErrRemoteUnavailable. RecordAccess may
// additionally return domain.ErrKeyBound when the server refuses a
// conflicting bind.
type Store interface {
	Get(ctx context.Context, keyID string) (*domain.KeyDocument, error)
	RecordAccess(ctx context.Context, keyID string, req AccessRequest) error
	Watch(ctx context.Context, keyID string) (Watcher, error)
}
