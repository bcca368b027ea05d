package collaboration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"wikicollab/internal/models"
	"wikicollab/internal/repository"

	"github.com/gorilla/websocket"
)

/*
LEARNING: ONE LOCK PER DOCUMENT

DocumentManager is the hub for a single document. Every mutation of its
state (sessions, content, version, update log) happens while holding mu, so
at most one join/leave/update/cursor move is in flight per document, while
different documents never contend.

Holding the lock during fan-out is safe because Session.Send only enqueues.
A session whose queue is full or closed is treated as disconnected and
dropped after the fan-out loop, which iterates over a snapshot.
*/

var (
	ErrManagerClosed = errors.New("document manager closed")
	ErrNotJoined     = errors.New("user has not joined the document")
	ErrReadOnly      = errors.New("read-only access")
)

const storeTimeout = 2 * time.Second

// LoggedUpdate is one accepted update
type LoggedUpdate struct {
	UserID    string
	Payload   []byte
	Timestamp time.Time
	Version   int64
}

type submitter interface {
	Submit(job FlushJob) error
}

// DocumentManager owns the in-memory collaboration state of one document
type DocumentManager struct {
	docID      string
	nodeID     string
	flushEvery int

	docs      DocumentStore
	presence  PresenceStore
	persister submitter
	now       func() time.Time

	mu               sync.Mutex
	sessions         map[string]*Session // userID -> session
	content          []byte              // nil until the first update or a non-empty load
	version          int64
	updateLog        []LoggedUpdate // accepted since the last flush was scheduled
	updateCount      int64
	persistedVersion int64
	loaded           bool
	closed           bool
	cursorSub        io.Closer
}

func newDocumentManager(docID string, svc *Service) *DocumentManager {
	return &DocumentManager{
		docID:      docID,
		nodeID:     svc.cfg.NodeID,
		flushEvery: svc.cfg.FlushEvery,
		docs:       svc.docs,
		presence:   svc.presence,
		persister:  svc.persister,
		now:        svc.now,
		sessions:   make(map[string]*Session),
	}
}

// AddSession registers a session and brings it up to date: sync_state (when
// there is content), the user list, a user_joined broadcast to everyone else
// and a presence record.
func (m *DocumentManager) AddSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if !m.loaded {
		if err := m.loadLocked(ctx); err != nil {
			return err
		}
	}

	userID := s.User.ID
	if prev, ok := m.sessions[userID]; ok && prev != s {
		// One connection per user per document: the newer one wins
		log.Printf("  Session %s replaced by %s for user %s on document %s", prev.ID, s.ID, userID, m.docID)
		prev.Close(CloseReplaced, "replaced by a newer connection")
	}
	m.sessions[userID] = s

	var failed []string
	if m.content != nil {
		if err := s.Send(encode(syncStateMessage{
			Type:     TypeSyncState,
			State:    encodeState(m.content),
			Encoding: EncodingHex,
			Version:  m.version,
		})); err != nil {
			failed = append(failed, userID)
		}
	}

	if err := s.Send(encode(usersUpdatedMessage{Type: TypeUsersUpdated, Users: m.usersLocked()})); err != nil && len(failed) == 0 {
		failed = append(failed, userID)
	}

	failed = append(failed, m.fanOutLocked(encode(userEventMessage{
		Type: TypeUserJoined,
		User: s.User,
	}), userID)...)

	m.setPresenceLocked(ctx, s)

	log.Printf("  Session %s (user %s) joined document %s (total: %d users)",
		s.ID, userID, m.docID, len(m.sessions))

	m.dropLocked(ctx, failed...)
	return nil
}

// loadLocked seeds content and version from the cache or the document
// store, whichever is newer, and subscribes to cross-process cursor events.
func (m *DocumentManager) loadLocked(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	state, version, err := m.docs.LoadState(loadCtx, m.docID)
	switch {
	case errors.Is(err, repository.ErrPageNotFound):
		state, version = nil, 0
	case err != nil:
		return fmt.Errorf("load document %s: %w", m.docID, err)
	}
	m.persistedVersion = version

	cached, err := m.presence.LoadCachedDocument(loadCtx, m.docID)
	if err != nil {
		log.Printf("⚠️  Failed to read cached state of document %s: %v", m.docID, err)
	}
	if cached != nil && cached.Version > version {
		state, version = cached.State, cached.Version
	}

	if len(state) > 0 {
		m.content = state
	}
	m.version = version
	m.loaded = true

	sub, err := m.presence.SubscribeCursors(loadCtx, m.docID, m.relayCursor)
	if err != nil {
		log.Printf("⚠️  Cursor relay disabled for document %s: %v", m.docID, err)
	} else {
		m.cursorSub = sub
	}

	return nil
}

// RemoveSession removes a user's session. Removing an absent user is a no-op.
func (m *DocumentManager) RemoveSession(ctx context.Context, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropLocked(ctx, userID)
}

// removeSessionIf removes s only if it is still the registered session of
// its user, so a replaced connection cannot remove its successor.
func (m *DocumentManager) removeSessionIf(ctx context.Context, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.User.ID] == s {
		m.dropLocked(ctx, s.User.ID)
	}
}

// ApplyUpdate accepts an update: last write wins, the version moves by
// exactly one and every other session gets the new content.
func (m *DocumentManager) ApplyUpdate(ctx context.Context, userID string, update ContentUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return 0, ErrNotJoined
	}
	if !s.canWrite {
		return 0, ErrReadOnly
	}

	payload := make([]byte, len(update.Payload))
	copy(payload, update.Payload)

	m.version++
	m.updateCount++
	m.updateLog = append(m.updateLog, LoggedUpdate{
		UserID:    userID,
		Payload:   payload,
		Timestamp: m.now(),
		Version:   m.version,
	})
	m.content = payload

	m.broadcastLocked(ctx, encode(newUpdateMessage(payload, update.Encoding, m.version, userID)), userID)

	cacheCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	if err := m.presence.CacheDocument(cacheCtx, m.docID, payload, m.version); err != nil {
		log.Printf("⚠️  Failed to cache document %s at version %d: %v", m.docID, m.version, err)
	}
	cancel()

	if len(m.updateLog) >= m.flushEvery {
		m.scheduleFlushLocked()
	}

	return m.version, nil
}

// scheduleFlushLocked hands the current snapshot to the persister and
// starts a new batch. A rejected job is only logged: the next batch retries.
func (m *DocumentManager) scheduleFlushLocked() {
	m.updateLog = nil

	job := FlushJob{
		DocumentID: m.docID,
		State:      m.content,
		Version:    m.version,
		OnDone:     m.markPersisted,
	}
	if err := m.persister.Submit(job); err != nil {
		log.Printf("⚠️  Flush of document %s at version %d not scheduled: %v", m.docID, m.version, err)
	}
}

func (m *DocumentManager) markPersisted(version int64, err error) {
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if version > m.persistedVersion {
		m.persistedVersion = version
	}
}

// UpdateCursor records a cursor move, tells the other sessions and publishes
// it for sessions connected to other processes.
func (m *DocumentManager) UpdateCursor(ctx context.Context, userID string, cursor CursorUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return ErrNotJoined
	}
	s.cursorPosition = cursor.Position
	s.selection = cursor.Selection
	s.touch(m.now())

	m.broadcastLocked(ctx, encode(cursorMessage{
		Type:      TypeCursorUpdate,
		UserID:    userID,
		Position:  cursor.Position,
		Selection: cursor.Selection,
	}), userID)

	pubCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	err := m.presence.PublishCursor(pubCtx, m.docID, models.CursorEvent{
		NodeID:     m.nodeID,
		DocumentID: m.docID,
		UserID:     userID,
		Position:   cursor.Position,
		Selection:  cursor.Selection,
	})
	if err != nil {
		log.Printf("⚠️  Failed to publish cursor of %s on document %s: %v", userID, m.docID, err)
	}

	return nil
}

// UpdatePresence refreshes a user's presence record. Nothing is broadcast.
func (m *DocumentManager) UpdatePresence(ctx context.Context, userID string, p PresenceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return ErrNotJoined
	}
	if p.CursorPosition != nil {
		s.cursorPosition = p.CursorPosition
	}
	if p.Selection != nil {
		s.selection = p.Selection
	}
	if p.Viewport != nil {
		s.viewport = p.Viewport
	}
	s.touch(m.now())

	m.setPresenceLocked(ctx, s)
	return nil
}

// Ping marks the user active and answers with a pong
func (m *DocumentManager) Ping(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return ErrNotJoined
	}
	now := m.now()
	s.touch(now)

	if err := s.Send(encode(pongMessage{Type: TypePong, Timestamp: now})); err != nil {
		m.dropLocked(ctx, userID)
	}
	return nil
}

// EvictInactive closes and removes every session idle for longer than timeout
func (m *DocumentManager) EvictInactive(ctx context.Context, timeout time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var evicted []string
	for userID, s := range m.sessions {
		if now.Sub(s.LastActive()) > timeout {
			log.Printf("  Evicting inactive session %s (user %s) from document %s", s.ID, userID, m.docID)
			s.Close(CloseInactive, "inactive")
			evicted = append(evicted, userID)
		}
	}
	m.dropLocked(ctx, evicted...)

	return evicted
}

// Kick forcibly disconnects a user. Reports whether the user was connected.
func (m *DocumentManager) Kick(ctx context.Context, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return false
	}
	_ = s.Send(encodeError("removed from document"))
	s.Close(CloseKicked, "removed by an administrator")
	m.dropLocked(ctx, userID)
	return true
}

// Flush writes the current state to the document store right away
func (m *DocumentManager) Flush(ctx context.Context) (int64, error) {
	m.mu.Lock()
	state, version := m.content, m.version
	m.mu.Unlock()

	if state == nil {
		return version, nil
	}

	if err := m.docs.SaveState(ctx, m.docID, state, version); err != nil {
		return version, fmt.Errorf("flush document %s: %w", m.docID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if version > m.persistedVersion {
		m.persistedVersion = version
	}
	// The saved state covers the pending batch unless updates arrived meanwhile
	if m.version == version {
		m.updateLog = nil
	}
	return version, nil
}

// Stats returns a snapshot of the document's collaboration state
func (m *DocumentManager) Stats() models.DocumentStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]models.Collaborator, 0, len(m.sessions))
	for _, s := range m.sessions {
		users = append(users, s.collaborator())
	}

	return models.DocumentStats{
		DocumentID:       m.docID,
		Active:           !m.closed,
		ActiveUsers:      len(m.sessions),
		Users:            users,
		Version:          m.version,
		UpdateCount:      m.updateCount,
		PersistedVersion: m.persistedVersion,
	}
}

// SessionCount returns the number of connected sessions
func (m *DocumentManager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *DocumentManager) hasSession(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[s.User.ID] == s
}

// closeIfEmpty marks the manager closed when it has no sessions left.
// A closed manager rejects AddSession so the caller creates a fresh one.
func (m *DocumentManager) closeIfEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) > 0 {
		return false
	}
	m.closed = true
	return true
}

// closeAll disconnects every session without notifying the others
func (m *DocumentManager) closeAll(ctx context.Context, code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for userID, s := range m.sessions {
		s.Close(code, reason)
		delete(m.sessions, userID)
		m.removePresenceLocked(ctx, userID)
	}
}

// release stops the cursor relay and returns a flush job when there are
// updates the document store has not seen yet.
func (m *DocumentManager) release() (FlushJob, bool) {
	m.mu.Lock()
	sub := m.cursorSub
	m.cursorSub = nil
	dirty := m.content != nil && m.version > m.persistedVersion
	job := FlushJob{DocumentID: m.docID, State: m.content, Version: m.version, OnDone: m.markPersisted}
	m.mu.Unlock()

	// Closing waits for the relay goroutine, which may be waiting on mu
	if sub != nil {
		if err := sub.Close(); err != nil {
			log.Printf("⚠️  Failed to close cursor relay of document %s: %v", m.docID, err)
		}
	}
	return job, dirty
}

// relayCursor re-broadcasts cursor events published by other processes
func (m *DocumentManager) relayCursor(evt models.CursorEvent) {
	if evt.NodeID == m.nodeID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.broadcastLocked(context.Background(), encode(cursorMessage{
		Type:      TypeCursorUpdate,
		UserID:    evt.UserID,
		Position:  evt.Position,
		Selection: evt.Selection,
	}), evt.UserID)
}

// fanOutLocked sends data to every session except the excluded user and
// returns the users whose send failed.
func (m *DocumentManager) fanOutLocked(data []byte, exceptUserID string) []string {
	snapshot := make([]*Session, 0, len(m.sessions))
	for userID, s := range m.sessions {
		if userID != exceptUserID {
			snapshot = append(snapshot, s)
		}
	}

	var failed []string
	for _, s := range snapshot {
		if err := s.Send(data); err != nil {
			log.Printf("⚠️  Failed to send to session %s (user %s) on document %s: %v", s.ID, s.User.ID, m.docID, err)
			failed = append(failed, s.User.ID)
		}
	}
	return failed
}

func (m *DocumentManager) broadcastLocked(ctx context.Context, data []byte, exceptUserID string) {
	m.dropLocked(ctx, m.fanOutLocked(data, exceptUserID)...)
}

// dropLocked removes sessions and tells the rest. A failed user_left send
// removes that session too, so removal keeps going until nothing fails.
func (m *DocumentManager) dropLocked(ctx context.Context, userIDs ...string) {
	queue := append([]string(nil), userIDs...)

	for len(queue) > 0 {
		userID := queue[0]
		queue = queue[1:]

		s, ok := m.sessions[userID]
		if !ok {
			continue
		}
		delete(m.sessions, userID)
		s.Close(websocket.CloseNormalClosure, "")

		log.Printf("  Session %s (user %s) left document %s (remaining: %d users)",
			s.ID, userID, m.docID, len(m.sessions))

		queue = append(queue, m.fanOutLocked(encode(userEventMessage{
			Type: TypeUserLeft,
			User: models.UserInfo{ID: userID, Name: s.User.Name},
		}), userID)...)

		m.removePresenceLocked(ctx, userID)
	}
}

func (m *DocumentManager) usersLocked() []wireUser {
	users := make([]wireUser, 0, len(m.sessions))
	for _, s := range m.sessions {
		users = append(users, wireUser{
			ID:             s.User.ID,
			Name:           s.User.Name,
			Color:          s.User.Color,
			CursorPosition: s.cursorPosition,
			Selection:      s.selection,
		})
	}
	return users
}

func (m *DocumentManager) setPresenceLocked(ctx context.Context, s *Session) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	err := m.presence.SetPresence(ctx, m.docID, models.Presence{
		UserID:         s.User.ID,
		Name:           s.User.Name,
		Color:          s.User.Color,
		NodeID:         m.nodeID,
		CursorPosition: s.cursorPosition,
		Selection:      s.selection,
		Viewport:       s.viewport,
		LastSeen:       s.LastActive(),
	})
	if err != nil {
		log.Printf("⚠️  Failed to set presence of %s on document %s: %v", s.User.ID, m.docID, err)
	}
}

func (m *DocumentManager) removePresenceLocked(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := m.presence.RemovePresence(ctx, m.docID, userID); err != nil {
		log.Printf("⚠️  Failed to remove presence of %s on document %s: %v", userID, m.docID, err)
	}
}
