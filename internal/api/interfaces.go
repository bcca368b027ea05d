package api

import (
	"context"
	"net/http"

	"wikicollab/internal/auth"
	"wikicollab/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.

The handler doesn't care about service implementation details - it only cares about
the methods it needs to call. Tests hand it small fakes instead of a database.
*/

// CollaborationService is what the admin endpoints need from the collaboration engine
type CollaborationService interface {
	Stats(docID string) models.DocumentStats
	FlushDocument(ctx context.Context, docID string) (int64, error)
	KickUser(ctx context.Context, docID, userID string) bool
	ActiveDocuments() []string
	PendingFlushes() int
}

// PermissionChecker decides whether a user may access a document
type PermissionChecker interface {
	CheckPermission(ctx context.Context, userID, docID string, required models.PermissionLevel) (bool, error)
}

// TokenVerifier validates bearer credentials
type TokenVerifier interface {
	Verify(raw string) (*auth.Claims, error)
}

// PresenceStore is the shared presence layer. It sees the users of every
// server process, not only the ones connected here.
type PresenceStore interface {
	Ping(ctx context.Context) error
	ListPresence(ctx context.Context, docID string) ([]models.Presence, error)
}

// DocumentConnectionHandler upgrades document websocket connections
type DocumentConnectionHandler interface {
	HandleDocumentConnection(w http.ResponseWriter, r *http.Request)
}
