package collaboration

import (
	"context"
	"io"

	"wikicollab/internal/models"
)

// The collaboration engine is the consumer of these collaborators, so their
// interfaces live here. Implementations: repository.PageRepositoryImpl,
// repository.PermissionRepositoryImpl and presence.RedisStore.

// DocumentStore is durable storage for a document's latest content and version
type DocumentStore interface {
	LoadState(ctx context.Context, docID string) ([]byte, int64, error)
	SaveState(ctx context.Context, docID string, state []byte, version int64) error
}

// PermissionChecker decides whether a user may access a document
type PermissionChecker interface {
	CheckPermission(ctx context.Context, userID, docID string, required models.PermissionLevel) (bool, error)
}

// PresenceStore is the shared cache and pub/sub layer used for presence,
// short-lived document state and cross-process cursor fan-out
type PresenceStore interface {
	SetPresence(ctx context.Context, docID string, p models.Presence) error
	RemovePresence(ctx context.Context, docID, userID string) error
	CacheDocument(ctx context.Context, docID string, state []byte, version int64) error
	LoadCachedDocument(ctx context.Context, docID string) (*models.CachedDocument, error)
	PublishCursor(ctx context.Context, docID string, evt models.CursorEvent) error
	SubscribeCursors(ctx context.Context, docID string, handle func(models.CursorEvent)) (io.Closer, error)
}
