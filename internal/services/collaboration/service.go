package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"wikicollab/internal/models"

	"github.com/gorilla/websocket"
)

/*
LEARNING: REGISTRY OF DOCUMENT MANAGERS

The service maps document IDs to DocumentManagers. A manager is created on
the first join and removed once its last session leaves.

Locking order is always registry lock → manager lock. A manager that has
been marked closed (empty, about to be dropped) rejects AddSession, and
JoinDocument simply retries with a fresh manager. That keeps "find or
create" and "remove when empty" atomic without holding the registry lock
while a manager loads its state.
*/

var (
	ErrForbidden      = errors.New("access to document denied")
	ErrServiceStopped = errors.New("collaboration service stopped")
	ErrNoSuchDocument = errors.New("document has no active collaboration")
)

// CloseShutdown is sent to every session when the server stops
const CloseShutdown = websocket.CloseGoingAway

// Config tunes the collaboration service
type Config struct {
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
	FlushEvery        int
	SendBufferSize    int
	NodeID            string
}

func (c *Config) withDefaults() {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 10
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
}

// Service coordinates real-time collaboration across documents
type Service struct {
	cfg         Config
	docs        DocumentStore
	presence    PresenceStore
	permissions PermissionChecker
	persister   *Persister
	now         func() time.Time

	mu       sync.Mutex
	managers map[string]*DocumentManager
	stopped  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the collaboration service
func NewService(cfg Config, docs DocumentStore, presence PresenceStore, permissions PermissionChecker, persister *Persister) *Service {
	cfg.withDefaults()
	return &Service{
		cfg:         cfg,
		docs:        docs,
		presence:    presence,
		permissions: permissions,
		persister:   persister,
		now:         time.Now,
		managers:    make(map[string]*DocumentManager),
	}
}

// NewSession wraps an accepted connection for a user
func (s *Service) NewSession(docID string, user models.UserInfo, conn Conn) *Session {
	user.Color = ColorFor(user.Name, user.Color)
	return newSession(models.NewSession(docID, user), conn, s.cfg.SendBufferSize, s.now())
}

// Start spawns the persistence workers and the inactivity sweeper
func (s *Service) Start() {
	s.persister.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	log.Println("✓ Collaboration service started")
}

// JoinDocument checks access, greets the session and adds it to the
// document's manager. On failure the session is closed with a close code
// that says why.
func (s *Service) JoinDocument(ctx context.Context, docID string, session *Session) error {
	userID := session.User.ID

	canRead, err := s.permissions.CheckPermission(ctx, userID, docID, models.PermissionRead)
	if err != nil {
		session.Close(websocket.CloseInternalServerErr, "permission check failed")
		return fmt.Errorf("check permission: %w", err)
	}
	if !canRead {
		session.Close(CloseForbidden, "access denied")
		return ErrForbidden
	}

	canWrite, err := s.permissions.CheckPermission(ctx, userID, docID, models.PermissionWrite)
	if err != nil {
		log.Printf("⚠️  Write permission check failed for %s on %s, joining read-only: %v", userID, docID, err)
	}
	session.canWrite = canWrite

	_ = session.Send(encode(connectedMessage{
		Type:      TypeConnected,
		DocID:     docID,
		UserID:    userID,
		SessionID: session.ID,
		Timestamp: s.now(),
	}))

	for {
		m, err := s.getOrCreate(docID)
		if err != nil {
			session.Close(CloseShutdown, "server shutting down")
			return err
		}

		err = m.AddSession(ctx, session)
		if errors.Is(err, ErrManagerClosed) {
			// Closed but maybe not yet unregistered
			s.retire(docID, m)
			continue
		}
		if err != nil {
			session.Close(websocket.CloseInternalServerErr, "failed to load document")
			s.releaseIfEmpty(docID)
			return err
		}
		return nil
	}
}

// LeaveDocument removes a user from a document. Leaving twice is a no-op.
func (s *Service) LeaveDocument(ctx context.Context, docID, userID string) {
	m := s.manager(docID)
	if m == nil {
		return
	}
	m.RemoveSession(ctx, userID)
	s.releaseIfEmpty(docID)
}

// leaveSession is the read pump's exit path. It only removes the session if
// it has not been replaced by a newer connection of the same user.
func (s *Service) leaveSession(ctx context.Context, session *Session) {
	m := s.manager(session.DocumentID)
	if m == nil {
		return
	}
	m.removeSessionIf(ctx, session)
	s.releaseIfEmpty(session.DocumentID)
}

// DispatchMessage routes a decoded client message to the document's manager
func (s *Service) DispatchMessage(ctx context.Context, docID, userID string, msg Inbound) error {
	m := s.manager(docID)
	if m == nil {
		return ErrNotJoined
	}

	switch msg := msg.(type) {
	case ContentUpdate:
		_, err := m.ApplyUpdate(ctx, userID, msg)
		return err
	case CursorUpdate:
		return m.UpdateCursor(ctx, userID, msg)
	case PresenceUpdate:
		return m.UpdatePresence(ctx, userID, msg)
	case Ping:
		return m.Ping(ctx, userID)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
}

// Stats returns the collaboration state of a document
func (s *Service) Stats(docID string) models.DocumentStats {
	m := s.manager(docID)
	if m == nil {
		return models.DocumentStats{DocumentID: docID, Users: []models.Collaborator{}}
	}
	return m.Stats()
}

// FlushDocument writes the document's current state to the store now
func (s *Service) FlushDocument(ctx context.Context, docID string) (int64, error) {
	m := s.manager(docID)
	if m == nil {
		return 0, ErrNoSuchDocument
	}
	return m.Flush(ctx)
}

// KickUser disconnects a user from a document
func (s *Service) KickUser(ctx context.Context, docID, userID string) bool {
	m := s.manager(docID)
	if m == nil {
		return false
	}
	kicked := m.Kick(ctx, userID)
	s.releaseIfEmpty(docID)
	return kicked
}

// ActiveDocuments lists the documents that currently have a manager
func (s *Service) ActiveDocuments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.managers))
	for id := range s.managers {
		ids = append(ids, id)
	}
	return ids
}

// PendingFlushes returns the number of queued flush jobs
func (s *Service) PendingFlushes() int {
	return s.persister.GetQueueLength()
}

// Sweep evicts inactive sessions and drops managers left empty
func (s *Service) Sweep(ctx context.Context) {
	s.mu.Lock()
	managers := make(map[string]*DocumentManager, len(s.managers))
	for id, m := range s.managers {
		managers[id] = m
	}
	s.mu.Unlock()

	for docID, m := range managers {
		if evicted := m.EvictInactive(ctx, s.cfg.InactivityTimeout); len(evicted) > 0 {
			log.Printf("  Evicted %d inactive sessions from document %s", len(evicted), docID)
		}
		s.releaseIfEmpty(docID)
	}
}

// cleanupLoop periodically removes inactive sessions
func (s *Service) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop closes every session, flushes unsaved documents and stops the workers
func (s *Service) Stop(ctx context.Context) {
	log.Println("🛑 Shutting down collaboration service...")

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	managers := s.managers
	s.managers = make(map[string]*DocumentManager)
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	for docID, m := range managers {
		m.closeAll(ctx, CloseShutdown, "server shutting down")

		job, dirty := m.release()
		if !dirty {
			continue
		}
		if err := s.docs.SaveState(ctx, docID, job.State, job.Version); err != nil {
			log.Printf("⚠️  Failed to persist document %s on shutdown: %v", docID, err)
			continue
		}
		m.markPersisted(job.Version, nil)
	}

	s.persister.Shutdown()
	log.Println("✓ Collaboration service shutdown complete")
}

// isCurrent reports whether session is still the registered connection of its user
func (s *Service) isCurrent(session *Session) bool {
	m := s.manager(session.DocumentID)
	return m != nil && m.hasSession(session)
}

func (s *Service) manager(docID string) *DocumentManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.managers[docID]
}

func (s *Service) getOrCreate(docID string) (*DocumentManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrServiceStopped
	}
	if m, ok := s.managers[docID]; ok {
		return m, nil
	}
	m := newDocumentManager(docID, s)
	s.managers[docID] = m
	log.Printf("  Opened collaboration on document %s", docID)
	return m, nil
}

// releaseIfEmpty drops the document's manager once it has no sessions.
// The manager lock is never taken while holding the registry lock: a
// manager may be busy loading its document.
func (s *Service) releaseIfEmpty(docID string) {
	m := s.manager(docID)
	if m == nil || !m.closeIfEmpty() {
		return
	}
	s.retire(docID, m)
}

// retire removes a closed manager from the registry and hands its unsaved
// updates to the persister. Only the caller that removes it releases it.
func (s *Service) retire(docID string, m *DocumentManager) {
	s.mu.Lock()
	if s.managers[docID] != m {
		s.mu.Unlock()
		return
	}
	delete(s.managers, docID)
	s.mu.Unlock()

	job, dirty := m.release()
	if dirty {
		if err := s.persister.Submit(job); err != nil {
			log.Printf("⚠️  Final flush of document %s not scheduled: %v", docID, err)
		}
	}
	log.Printf("  Closed collaboration on document %s", docID)
}
