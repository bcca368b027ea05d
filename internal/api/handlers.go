package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"wikicollab/internal/auth"
	"wikicollab/internal/middleware"
	"wikicollab/internal/models"
	"wikicollab/internal/services/collaboration"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	collab      CollaborationService
	permissions PermissionChecker
	verifier    TokenVerifier
	wsHandler   DocumentConnectionHandler
	redis       PresenceStore
}

func NewHandler(
	collab CollaborationService,
	permissions PermissionChecker,
	verifier TokenVerifier,
	wsHandler DocumentConnectionHandler,
	redis PresenceStore,
) *Handler {
	return &Handler{
		collab:      collab,
		permissions: permissions,
		verifier:    verifier,
		wsHandler:   wsHandler,
		redis:       redis,
	}
}

// RequireDocumentAdmin rejects requests without a valid bearer credential
// (401) or without admin permission on the {id} document (403)
func (h *Handler) RequireDocumentAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.verifier.Verify(auth.BearerToken(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		docID := mux.Vars(r)["id"]
		ok, err := h.permissions.CheckPermission(r.Context(), claims.UserID(), docID, models.PermissionAdmin)
		if err != nil {
			middleware.AddSpanError(r.Context(), err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Collaboration handlers

// collaborationStats is this process's view of a document plus the
// presence records of every process
type collaborationStats struct {
	models.DocumentStats
	Presence []models.Presence `json:"presence"`
}

func (h *Handler) GetCollaborationStats(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]
	resp := collaborationStats{
		DocumentStats: h.collab.Stats(docID),
		Presence:      []models.Presence{},
	}

	if h.redis != nil {
		presence, err := h.redis.ListPresence(r.Context(), docID)
		if err != nil {
			// Local stats are still useful without the shared view
			log.Printf("[%s] ⚠️  Failed to list presence for %s: %v", middleware.GetRequestID(r.Context()), docID, err)
			middleware.AddSpanError(r.Context(), err)
		} else {
			resp.Presence = presence
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) FlushDocument(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	version, err := h.collab.FlushDocument(r.Context(), docID)
	if errors.Is(err, collaboration.ErrNoSuchDocument) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log.Printf("[%s] Flushed document %s at version %d", middleware.GetRequestID(r.Context()), docID, version)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"doc_id":  docID,
		"version": version,
	})
}

func (h *Handler) KickUser(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if !h.collab.KickUser(r.Context(), vars["id"], vars["userID"]) {
		http.Error(w, "user is not connected to this document", http.StatusNotFound)
		return
	}

	log.Printf("[%s] Removed user %s from document %s", middleware.GetRequestID(r.Context()), vars["userID"], vars["id"])
	w.WriteHeader(http.StatusNoContent)
}

// Health reports the process as healthy when redis answers
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status":           "ok",
		"active_documents": len(h.collab.ActiveDocuments()),
		"pending_flushes":  h.collab.PendingFlushes(),
	}

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.redis.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["redis"] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
