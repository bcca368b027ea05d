package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"wikicollab/internal/models"
	"wikicollab/internal/repository"
)

type savedState struct {
	State   []byte
	Version int64
}

type fakeStore struct {
	mu        sync.Mutex
	states    map[string]savedState
	saves     []savedState
	loadErr   error
	saveErr   error
	saveCalls int
	loading   int
	gates     map[string]chan struct{} // docID -> LoadState waits until closed
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]savedState)}
}

func (f *fakeStore) LoadState(ctx context.Context, docID string) ([]byte, int64, error) {
	f.mu.Lock()
	gate := f.gates[docID]
	f.loading++
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.loadErr != nil {
		return nil, 0, f.loadErr
	}
	st, ok := f.states[docID]
	if !ok {
		return nil, 0, repository.ErrPageNotFound
	}
	return st.State, st.Version, nil
}

func (f *fakeStore) SaveState(ctx context.Context, docID string, state []byte, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.saveCalls++
	if f.saveErr != nil {
		return f.saveErr
	}

	if cur, ok := f.states[docID]; ok && cur.Version >= version {
		return nil
	}
	st := savedState{State: append([]byte(nil), state...), Version: version}
	f.states[docID] = st
	f.saves = append(f.saves, st)
	return nil
}

// gate makes LoadState for docID block until the returned channel is closed
func (f *fakeStore) gate(docID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates = make(map[string]chan struct{})
	}
	ch := make(chan struct{})
	f.gates[docID] = ch
	return ch
}

func (f *fakeStore) loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loading
}

func (f *fakeStore) failSaves(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

func (f *fakeStore) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveCalls
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeStore) state(docID string) savedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[docID]
}

type fakePermissions struct {
	mu     sync.Mutex
	levels map[string]models.PermissionLevel // userID -> level
	err    error
}

func newFakePermissions() *fakePermissions {
	return &fakePermissions{levels: make(map[string]models.PermissionLevel)}
}

func (f *fakePermissions) set(userID string, level models.PermissionLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels[userID] = level
}

func (f *fakePermissions) CheckPermission(ctx context.Context, userID, docID string, required models.PermissionLevel) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return false, f.err
	}
	level, ok := f.levels[userID]
	if !ok {
		return false, nil
	}
	return level.Allows(required), nil
}

type fakePresence struct {
	mu        sync.Mutex
	presence  map[string]models.Presence // docID/userID -> record
	cache     map[string]*models.CachedDocument
	published []models.CursorEvent
	handlers  map[string]func(models.CursorEvent)
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		presence: make(map[string]models.Presence),
		cache:    make(map[string]*models.CachedDocument),
		handlers: make(map[string]func(models.CursorEvent)),
	}
}

func (f *fakePresence) SetPresence(ctx context.Context, docID string, p models.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[docID+"/"+p.UserID] = p
	return nil
}

func (f *fakePresence) RemovePresence(ctx context.Context, docID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.presence, docID+"/"+userID)
	return nil
}

func (f *fakePresence) CacheDocument(ctx context.Context, docID string, state []byte, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[docID] = &models.CachedDocument{State: state, Version: version, LastUpdated: time.Now()}
	return nil
}

func (f *fakePresence) LoadCachedDocument(ctx context.Context, docID string) (*models.CachedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache[docID], nil
}

func (f *fakePresence) PublishCursor(ctx context.Context, docID string, evt models.CursorEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, evt)
	return nil
}

func (f *fakePresence) SubscribeCursors(ctx context.Context, docID string, handle func(models.CursorEvent)) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[docID] = handle
	return closerFunc(func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, docID)
		return nil
	}), nil
}

// deliver simulates a cursor event arriving from another process
func (f *fakePresence) deliver(docID string, evt models.CursorEvent) bool {
	f.mu.Lock()
	handle := f.handlers[docID]
	f.mu.Unlock()

	if handle == nil {
		return false
	}
	handle(evt)
	return true
}

func (f *fakePresence) has(docID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.presence[docID+"/"+userID]
	return ok
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc       *Service
	store     *fakeStore
	perms     *fakePermissions
	presence  *fakePresence
	persister *Persister
	clock     *fakeClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	if cfg.NodeID == "" {
		cfg.NodeID = "node-a"
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}

	env := &testEnv{
		store:    newFakeStore(),
		perms:    newFakePermissions(),
		presence: newFakePresence(),
		clock:    &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	env.persister = NewPersister(env.store, 2, 16)
	env.svc = NewService(cfg, env.store, env.presence, env.perms, env.persister)
	env.svc.now = env.clock.Now
	env.svc.Start()
	t.Cleanup(func() { env.svc.Stop(context.Background()) })

	return env
}

// join creates a session for userID with the given access level and joins it
func (e *testEnv) join(t *testing.T, docID, userID string, level models.PermissionLevel) *Session {
	t.Helper()

	e.perms.set(userID, level)
	s := e.svc.NewSession(docID, models.UserInfo{ID: userID, Name: userID}, nil)
	if err := e.svc.JoinDocument(context.Background(), docID, s); err != nil {
		t.Fatalf("join %s as %s failed: %v", docID, userID, err)
	}
	return s
}

type wireMessage map[string]any

func (m wireMessage) typ() string {
	t, _ := m["type"].(string)
	return t
}

// drain returns every message queued for the session so far
func drain(t *testing.T, s *Session) []wireMessage {
	t.Helper()

	var out []wireMessage
	for {
		select {
		case data := <-s.send:
			var msg wireMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("queued message is not JSON: %v", err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func types(msgs []wireMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.typ())
	}
	return out
}

func find(msgs []wireMessage, typ MessageType) (wireMessage, bool) {
	for _, m := range msgs {
		if m.typ() == string(typ) {
			return m, true
		}
	}
	return nil, false
}

func closeCodeOf(t *testing.T, s *Session) int {
	t.Helper()
	select {
	case <-s.Done():
		return s.closeCode
	default:
		t.Fatalf("session %s is still open", s.ID)
		return 0
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func textUpdate(content string) ContentUpdate {
	return ContentUpdate{Payload: []byte(content), Encoding: EncodingText}
}

var errBoom = errors.New("boom")
