package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wikicollab/internal/auth"
	"wikicollab/internal/middleware"
	"wikicollab/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: browsers send Origin on the handshake, so only the wiki's
  own frontends are let through. Non-browser clients send no Origin.

Authentication happens after the upgrade so the client gets a proper close
code (4001) instead of a bare HTTP error it cannot read from JavaScript.
*/

// TokenVerifier validates a bearer credential
type TokenVerifier interface {
	Verify(raw string) (*auth.Claims, error)
}

// WebSocketHandler handles WebSocket connections for document collaboration
type WebSocketHandler struct {
	service  *Service
	verifier TokenVerifier
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler. An empty
// allowedOrigins accepts any origin.
func NewWebSocketHandler(service *Service, verifier TokenVerifier, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		service:  service,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

// HandleDocumentConnection handles WebSocket connection for a specific document
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("document.id", documentID),
	)

	// Upgrade HTTP connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		span.End()
		return
	}

	claims, err := h.verifier.Verify(auth.BearerToken(r))
	if err != nil {
		log.Printf("⚠️  Rejected connection to document %s: %v", documentID, err)
		middleware.AddSpanError(ctx, err)
		span.End()
		rejectConn(conn, CloseUnauthorized, "unauthorized")
		return
	}
	span.SetAttributes(attribute.String("user.id", claims.UserID()))

	session := h.service.NewSession(documentID, models.UserInfo{
		ID:    claims.UserID(),
		Name:  claims.Name,
		Color: claims.Color,
	}, conn)

	// Learning: Separate goroutines prevent deadlock between reading and writing
	go session.WritePump()

	// The request context ends with the handler, so the session gets its own
	sessionCtx := context.WithoutCancel(ctx)

	if err := h.service.JoinDocument(sessionCtx, documentID, session); err != nil {
		log.Printf("⚠️  User %s could not join document %s: %v", claims.UserID(), documentID, err)
		middleware.AddSpanError(ctx, err)
		span.End()
		// Drain until the write pump closes the connection
		session.ReadPump(func(*Session, []byte) {}, func(*Session) {})
		return
	}
	span.End()

	log.Printf("✓ WebSocket connection established for document %s (user: %s, session: %s)",
		documentID, claims.Name, session.ID)

	session.ReadPump(
		func(s *Session, message []byte) { h.handleMessage(sessionCtx, s, message) },
		func(s *Session) { h.service.leaveSession(sessionCtx, s) },
	)
}

// handleMessage decodes one client frame and dispatches it. Problems are
// reported to the client as error messages; the connection stays open.
func (h *WebSocketHandler) handleMessage(ctx context.Context, s *Session, message []byte) {
	s.touch(h.service.now())

	msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("session.id", s.ID),
		attribute.String("document.id", s.DocumentID),
		attribute.Int("message.size", len(message)),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			log.Printf("⚠️  Recovered while handling message from session %s: %v", s.ID, rec)
			middleware.AddSpanError(msgCtx, err)
			s.Send(encodeError("internal error"))
		}
	}()

	if !h.service.isCurrent(s) {
		return
	}

	msg, err := DecodeInbound(message)
	if err != nil {
		log.Printf("⚠️  Bad message from %s on %s: %v", s.User.ID, s.DocumentID, err)
		middleware.AddSpanError(msgCtx, err)
		s.Send(encodeError(clientError(err)))
		return
	}

	if err := h.service.DispatchMessage(msgCtx, s.DocumentID, s.User.ID, msg); err != nil {
		log.Printf("⚠️  Failed to handle %T from %s on %s: %v", msg, s.User.ID, s.DocumentID, err)
		middleware.AddSpanError(msgCtx, err)
		s.Send(encodeError(clientError(err)))
	}
}

func clientError(err error) string {
	switch {
	case errors.Is(err, ErrUnknownMessageType):
		return "unknown message type"
	case errors.Is(err, ErrMalformedMessage):
		return "malformed message"
	case errors.Is(err, ErrReadOnly):
		return "read-only access"
	case errors.Is(err, ErrNotJoined):
		return "not joined"
	default:
		return "failed to process message"
	}
}

func rejectConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
