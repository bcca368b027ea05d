package collaboration

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wikicollab/internal/models"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

const docID = "doc-1"

func TestJoinSendsConnectedSyncStateAndUsers(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.states[docID] = savedState{State: []byte("hello"), Version: 3}

	alice := env.join(t, docID, "alice", models.PermissionWrite)
	msgs := drain(t, alice)

	assert.Equal(t, types(msgs), []string{"connected", "sync_state", "users_updated"})

	connected := msgs[0]
	assert.Equal(t, connected["doc_id"], docID)
	assert.Equal(t, connected["user_id"], "alice")
	assert.Equal(t, connected["session_id"], alice.ID)

	syncMsg := msgs[1]
	assert.Equal(t, syncMsg["state"], hex.EncodeToString([]byte("hello")))
	assert.Equal(t, syncMsg["encoding"], "hex")
	assert.Equal(t, syncMsg["version"], float64(3))

	users := msgs[2]["users"].([]any)
	assert.Equal(t, len(users), 1)
	assert.Equal(t, users[0].(map[string]any)["id"], "alice")

	assert.Equal(t, env.presence.has(docID, "alice"), true)
}

func TestJoinEmptyDocumentSkipsSyncState(t *testing.T) {
	env := newTestEnv(t, Config{})

	alice := env.join(t, docID, "alice", models.PermissionWrite)

	assert.Equal(t, types(drain(t, alice)), []string{"connected", "users_updated"})
	assert.Equal(t, env.svc.Stats(docID).Version, int64(0))
}

func TestJoinPrefersNewerCachedState(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.states[docID] = savedState{State: []byte("old"), Version: 2}
	env.presence.cache[docID] = &models.CachedDocument{State: []byte("new"), Version: 5}

	alice := env.join(t, docID, "alice", models.PermissionRead)

	syncMsg, ok := find(drain(t, alice), TypeSyncState)
	assert.Equal(t, ok, true)
	assert.Equal(t, syncMsg["state"], hex.EncodeToString([]byte("new")))
	assert.Equal(t, syncMsg["version"], float64(5))

	stats := env.svc.Stats(docID)
	assert.Equal(t, stats.Version, int64(5))
	assert.Equal(t, stats.PersistedVersion, int64(2))
}

func TestJoinForbidden(t *testing.T) {
	env := newTestEnv(t, Config{})

	s := env.svc.NewSession(docID, models.UserInfo{ID: "mallory", Name: "Mallory"}, nil)
	err := env.svc.JoinDocument(context.Background(), docID, s)

	assert.Equal(t, errors.Is(err, ErrForbidden), true)
	assert.Equal(t, closeCodeOf(t, s), CloseForbidden)
	assert.Equal(t, len(drain(t, s)), 0)
	assert.Equal(t, len(env.svc.ActiveDocuments()), 0)
}

func TestJoinPermissionErrorClosesSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.perms.err = errBoom

	s := env.svc.NewSession(docID, models.UserInfo{ID: "alice", Name: "Alice"}, nil)
	err := env.svc.JoinDocument(context.Background(), docID, s)

	assert.Equal(t, errors.Is(err, errBoom), true)
	assert.Equal(t, closeCodeOf(t, s), websocket.CloseInternalServerErr)
}

func TestJoinLoadFailureClosesSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.loadErr = errBoom
	env.perms.set("alice", models.PermissionWrite)

	s := env.svc.NewSession(docID, models.UserInfo{ID: "alice", Name: "Alice"}, nil)
	err := env.svc.JoinDocument(context.Background(), docID, s)

	assert.Equal(t, errors.Is(err, errBoom), true)
	assert.Equal(t, closeCodeOf(t, s), websocket.CloseInternalServerErr)
	assert.Equal(t, len(env.svc.ActiveDocuments()), 0)
}

func TestUserJoinedIsBroadcastToOthers(t *testing.T) {
	env := newTestEnv(t, Config{})

	alice := env.join(t, docID, "alice", models.PermissionWrite)
	drain(t, alice)
	bob := env.join(t, docID, "bob", models.PermissionWrite)

	aliceMsgs := drain(t, alice)
	assert.Equal(t, types(aliceMsgs), []string{"user_joined"})
	assert.Equal(t, aliceMsgs[0]["user"].(map[string]any)["id"], "bob")

	bobMsgs := drain(t, bob)
	users, ok := find(bobMsgs, TypeUsersUpdated)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(users["users"].([]any)), 2)
	_, echoed := find(bobMsgs, TypeUserJoined)
	assert.Equal(t, echoed, false)
}

func TestUpdateIsBroadcastToOthersOnly(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.join(t, docID, "alice", models.PermissionWrite)
	bob := env.join(t, docID, "bob", models.PermissionWrite)
	drain(t, alice)
	drain(t, bob)

	err := env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate("hello world"))
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	assert.Equal(t, len(drain(t, alice)), 0)

	bobMsgs := drain(t, bob)
	assert.Equal(t, types(bobMsgs), []string{"update"})
	assert.Equal(t, bobMsgs[0]["content"], "hello world")
	assert.Equal(t, bobMsgs[0]["version"], float64(1))
	assert.Equal(t, bobMsgs[0]["user_id"], "alice")

	stats := env.svc.Stats(docID)
	assert.Equal(t, stats.Version, int64(1))
	assert.Equal(t, stats.UpdateCount, int64(1))

	cached, _ := env.presence.LoadCachedDocument(context.Background(), docID)
	assert.Equal(t, cached.Version, int64(1))
	assert.Equal(t, cached.State, []byte("hello world"))
}

func TestHexUpdateIsRelayedAsHex(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.join(t, docID, "alice", models.PermissionWrite)
	bob := env.join(t, docID, "bob", models.PermissionWrite)
	drain(t, alice)
	drain(t, bob)

	msg, err := DecodeInbound([]byte(`{"type":"yjs_update","update":"01020304"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if err := env.svc.DispatchMessage(context.Background(), docID, "alice", msg); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	bobMsgs := drain(t, bob)
	assert.Equal(t, types(bobMsgs), []string{"yjs_update"})
	assert.Equal(t, bobMsgs[0]["update"], "01020304")

	// A late joiner gets the same bytes as sync_state
	carol := env.join(t, docID, "carol", models.PermissionRead)
	syncMsg, ok := find(drain(t, carol), TypeSyncState)
	assert.Equal(t, ok, true)
	assert.Equal(t, syncMsg["state"], "01020304")
	assert.Equal(t, syncMsg["version"], float64(1))
}

func TestReadOnlyUserCannotUpdate(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.join(t, docID, "alice", models.PermissionWrite)
	env.join(t, docID, "viewer", models.PermissionRead)
	drain(t, alice)

	err := env.svc.DispatchMessage(context.Background(), docID, "viewer", textUpdate("vandalism"))

	assert.Equal(t, errors.Is(err, ErrReadOnly), true)
	assert.Equal(t, env.svc.Stats(docID).Version, int64(0))
	assert.Equal(t, len(drain(t, alice)), 0)
}

func TestCommentersAreReadOnly(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.join(t, docID, "critic", models.PermissionComment)

	err := env.svc.DispatchMessage(context.Background(), docID, "critic", textUpdate("edit"))
	assert.Equal(t, errors.Is(err, ErrReadOnly), true)
}

func TestDispatchWithoutJoin(t *testing.T) {
	env := newTestEnv(t, Config{})

	err := env.svc.DispatchMessage(context.Background(), docID, "ghost", Ping{})
	assert.Equal(t, errors.Is(err, ErrNotJoined), true)

	env.join(t, docID, "alice", models.PermissionWrite)
	err = env.svc.DispatchMessage(context.Background(), docID, "ghost", textUpdate("x"))
	assert.Equal(t, errors.Is(err, ErrNotJoined), true)
}

func TestFlushEveryTenUpdates(t *testing.T) {
	env := newTestEnv(t, Config{FlushEvery: 10})
	env.join(t, docID, "alice", models.PermissionWrite)

	for i := 1; i <= 9; i++ {
		if err := env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("update %d failed: %v", i, err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, env.store.saveCount(), 0)

	if err := env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate("v10")); err != nil {
		t.Fatalf("update 10 failed: %v", err)
	}

	eventually(t, func() bool { return env.store.saveCount() == 1 })
	saved := env.store.state(docID)
	assert.Equal(t, saved.Version, int64(10))
	assert.Equal(t, saved.State, []byte("v10"))

	eventually(t, func() bool { return env.svc.Stats(docID).PersistedVersion == 10 })

	for i := 11; i <= 20; i++ {
		if err := env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("update %d failed: %v", i, err)
		}
	}
	eventually(t, func() bool { return env.store.saveCount() == 2 })
	assert.Equal(t, env.store.state(docID).Version, int64(20))
}

func TestFailedFlushKeepsStateAndRetriesOnNextBatch(t *testing.T) {
	env := newTestEnv(t, Config{FlushEvery: 10})
	env.join(t, docID, "alice", models.PermissionWrite)
	env.store.failSaves(errBoom)

	for i := 1; i <= 10; i++ {
		if err := env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("update %d failed: %v", i, err)
		}
	}
	eventually(t, func() bool { return env.store.attempts() == 1 })

	// No retry until the next batch
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, env.store.attempts(), 1)
	assert.Equal(t, env.store.saveCount(), 0)

	stats := env.svc.Stats(docID)
	assert.Equal(t, stats.Version, int64(10))
	assert.Equal(t, stats.PersistedVersion, int64(0))

	bob := env.join(t, docID, "bob", models.PermissionRead)
	syncMsg, ok := find(drain(t, bob), TypeSyncState)
	assert.Equal(t, ok, true)
	assert.Equal(t, syncMsg["state"], hex.EncodeToString([]byte("v10")))
	assert.Equal(t, syncMsg["version"], float64(10))

	env.store.failSaves(nil)
	for i := 11; i <= 20; i++ {
		if err := env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("update %d failed: %v", i, err)
		}
	}
	eventually(t, func() bool { return env.store.saveCount() == 1 })
	assert.Equal(t, env.store.attempts(), 2)
	assert.Equal(t, env.store.state(docID).Version, int64(20))
	assert.Equal(t, env.store.state(docID).State, []byte("v20"))
	eventually(t, func() bool { return env.svc.Stats(docID).PersistedVersion == 20 })
}

func TestConcurrentUpdatesIncrementVersionOncePerUpdate(t *testing.T) {
	env := newTestEnv(t, Config{FlushEvery: 1000, SendBufferSize: 1024})

	const writers, perWriter = 8, 25
	for i := 0; i < writers; i++ {
		env.join(t, docID, fmt.Sprintf("user-%d", i), models.PermissionWrite)
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := env.svc.DispatchMessage(context.Background(), docID, userID, textUpdate(userID)); err != nil {
					t.Errorf("update from %s failed: %v", userID, err)
				}
			}
		}(fmt.Sprintf("user-%d", i))
	}
	wg.Wait()

	stats := env.svc.Stats(docID)
	assert.Equal(t, stats.Version, int64(writers*perWriter))
	assert.Equal(t, stats.UpdateCount, int64(writers*perWriter))
	assert.Equal(t, stats.ActiveUsers, writers)
}

func TestLeaveIsIdempotentAndReleasesManager(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.join(t, docID, "alice", models.PermissionWrite)
	bob := env.join(t, docID, "bob", models.PermissionWrite)
	drain(t, alice)

	env.svc.LeaveDocument(context.Background(), docID, "bob")
	env.svc.LeaveDocument(context.Background(), docID, "bob")

	aliceMsgs := drain(t, alice)
	assert.Equal(t, types(aliceMsgs), []string{"user_left"})
	assert.Equal(t, aliceMsgs[0]["user"].(map[string]any)["id"], "bob")
	assert.Equal(t, closeCodeOf(t, bob), websocket.CloseNormalClosure)
	assert.Equal(t, env.presence.has(docID, "bob"), false)

	env.svc.LeaveDocument(context.Background(), docID, "alice")
	assert.Equal(t, len(env.svc.ActiveDocuments()), 0)
	assert.Equal(t, env.svc.Stats(docID).ActiveUsers, 0)

	// Leaving a document nobody is editing is a no-op
	env.svc.LeaveDocument(context.Background(), "doc-unknown", "alice")
}

func TestSlowLoadDoesNotBlockOtherDocuments(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.join(t, "doc-fast", "alice", models.PermissionWrite)

	gate := env.store.gate("doc-slow")
	var openGate sync.Once
	t.Cleanup(func() { openGate.Do(func() { close(gate) }) })

	env.perms.set("bob", models.PermissionWrite)
	bob := env.svc.NewSession("doc-slow", models.UserInfo{ID: "bob", Name: "bob"}, nil)
	joined := make(chan error, 1)
	go func() { joined <- env.svc.JoinDocument(context.Background(), "doc-slow", bob) }()
	eventually(t, func() bool { return env.store.loads() == 2 })

	// A departure reaches the loading document and waits on its manager
	released := make(chan struct{})
	go func() {
		env.svc.releaseIfEmpty("doc-slow")
		close(released)
	}()
	time.Sleep(20 * time.Millisecond)

	pinged := make(chan error, 1)
	go func() { pinged <- env.svc.DispatchMessage(context.Background(), "doc-fast", "alice", Ping{}) }()
	select {
	case err := <-pinged:
		if err != nil {
			t.Fatalf("ping failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ping on doc-fast waited for doc-slow to finish loading")
	}

	openGate.Do(func() { close(gate) })
	if err := <-joined; err != nil {
		t.Fatalf("join doc-slow failed: %v", err)
	}
	<-released
	assert.Equal(t, env.svc.Stats("doc-slow").ActiveUsers, 1)
	assert.Equal(t, len(env.svc.ActiveDocuments()), 2)
}

func TestLastLeaveFlushesUnsavedUpdates(t *testing.T) {
	env := newTestEnv(t, Config{FlushEvery: 10})
	env.join(t, docID, "alice", models.PermissionWrite)

	for i := 0; i < 3; i++ {
		if err := env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate("draft")); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}
	env.svc.LeaveDocument(context.Background(), docID, "alice")

	eventually(t, func() bool { return env.store.state(docID).Version == 3 })

	// The next join starts from what was persisted
	bob := env.join(t, docID, "bob", models.PermissionRead)
	syncMsg, ok := find(drain(t, bob), TypeSyncState)
	assert.Equal(t, ok, true)
	assert.Equal(t, syncMsg["version"], float64(3))
}

func TestDuplicateJoinReplacesPreviousSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	first := env.join(t, docID, "alice", models.PermissionWrite)
	second := env.join(t, docID, "alice", models.PermissionWrite)

	assert.Equal(t, closeCodeOf(t, first), CloseReplaced)
	assert.Equal(t, env.svc.Stats(docID).ActiveUsers, 1)
	assert.Equal(t, env.svc.isCurrent(first), false)
	assert.Equal(t, env.svc.isCurrent(second), true)

	// The replaced connection's read pump exits and must not remove its successor
	env.svc.leaveSession(context.Background(), first)
	assert.Equal(t, env.svc.Stats(docID).ActiveUsers, 1)
	assert.Equal(t, env.svc.isCurrent(second), true)

	env.svc.leaveSession(context.Background(), second)
	assert.Equal(t, env.svc.Stats(docID).ActiveUsers, 0)
}

func TestSweepEvictsInactiveSessions(t *testing.T) {
	env := newTestEnv(t, Config{InactivityTimeout: 5 * time.Minute})
	idle := env.join(t, docID, "idle", models.PermissionWrite)
	env.clock.Advance(3 * time.Minute)
	busy := env.join(t, docID, "busy", models.PermissionWrite)
	drain(t, busy)

	env.clock.Advance(3 * time.Minute)
	env.svc.Sweep(context.Background())

	assert.Equal(t, closeCodeOf(t, idle), CloseInactive)
	assert.Equal(t, env.svc.isCurrent(busy), true)
	assert.Equal(t, types(drain(t, busy)), []string{"user_left"})

	// Activity keeps a session alive
	env.clock.Advance(4 * time.Minute)
	if err := env.svc.DispatchMessage(context.Background(), docID, "busy", Ping{}); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	env.clock.Advance(4 * time.Minute)
	env.svc.Sweep(context.Background())
	assert.Equal(t, env.svc.isCurrent(busy), true)

	env.clock.Advance(2 * time.Minute)
	env.svc.Sweep(context.Background())
	assert.Equal(t, closeCodeOf(t, busy), CloseInactive)
	assert.Equal(t, len(env.svc.ActiveDocuments()), 0)
}

func TestPingRepliesWithPong(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.join(t, docID, "alice", models.PermissionRead)
	drain(t, alice)

	if err := env.svc.DispatchMessage(context.Background(), docID, "alice", Ping{}); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	assert.Equal(t, types(drain(t, alice)), []string{"pong"})
}

func TestCursorUpdateIsBroadcastAndPublished(t *testing.T) {
	env := newTestEnv(t, Config{NodeID: "node-a"})
	alice := env.join(t, docID, "alice", models.PermissionRead)
	bob := env.join(t, docID, "bob", models.PermissionRead)
	drain(t, alice)
	drain(t, bob)

	pos := 42
	err := env.svc.DispatchMessage(context.Background(), docID, "alice", CursorUpdate{Position: &pos})
	if err != nil {
		t.Fatalf("cursor update failed: %v", err)
	}

	assert.Equal(t, len(drain(t, alice)), 0)
	bobMsgs := drain(t, bob)
	assert.Equal(t, types(bobMsgs), []string{"cursor_update"})
	assert.Equal(t, bobMsgs[0]["user_id"], "alice")
	assert.Equal(t, bobMsgs[0]["position"], float64(42))

	env.presence.mu.Lock()
	published := append([]models.CursorEvent(nil), env.presence.published...)
	env.presence.mu.Unlock()
	assert.Equal(t, len(published), 1)
	assert.Equal(t, published[0].NodeID, "node-a")
	assert.Equal(t, *published[0].Position, 42)

	// Late joiners see the cursor in the user list
	carol := env.join(t, docID, "carol", models.PermissionRead)
	users, _ := find(drain(t, carol), TypeUsersUpdated)
	for _, u := range users["users"].([]any) {
		user := u.(map[string]any)
		if user["id"] == "alice" {
			assert.Equal(t, user["cursor_position"], float64(42))
		}
	}
}

func TestCursorEventsFromOtherNodesAreRelayed(t *testing.T) {
	env := newTestEnv(t, Config{NodeID: "node-a"})
	alice := env.join(t, docID, "alice", models.PermissionRead)
	drain(t, alice)

	pos := 7
	delivered := env.presence.deliver(docID, models.CursorEvent{NodeID: "node-b", DocumentID: docID, UserID: "remote", Position: &pos})
	assert.Equal(t, delivered, true)

	msgs := drain(t, alice)
	assert.Equal(t, types(msgs), []string{"cursor_update"})
	assert.Equal(t, msgs[0]["user_id"], "remote")

	// Our own events come back through the channel and are ignored
	env.presence.deliver(docID, models.CursorEvent{NodeID: "node-a", DocumentID: docID, UserID: "alice", Position: &pos})
	assert.Equal(t, len(drain(t, alice)), 0)

	// The relay stops with the manager
	env.svc.LeaveDocument(context.Background(), docID, "alice")
	assert.Equal(t, env.presence.deliver(docID, models.CursorEvent{NodeID: "node-b"}), false)
}

func TestPresenceUpdateIsNotBroadcast(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.join(t, docID, "alice", models.PermissionRead)
	bob := env.join(t, docID, "bob", models.PermissionRead)
	drain(t, alice)
	drain(t, bob)

	pos := 3
	err := env.svc.DispatchMessage(context.Background(), docID, "alice", PresenceUpdate{
		CursorPosition: &pos,
		Viewport:       []byte(`{"top":10}`),
	})
	if err != nil {
		t.Fatalf("presence update failed: %v", err)
	}

	assert.Equal(t, len(drain(t, bob)), 0)

	env.presence.mu.Lock()
	record := env.presence.presence[docID+"/alice"]
	env.presence.mu.Unlock()
	assert.Equal(t, *record.CursorPosition, 3)
	assert.Equal(t, string(record.Viewport), `{"top":10}`)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	env := newTestEnv(t, Config{SendBufferSize: 4, FlushEvery: 1000})
	alice := env.join(t, docID, "alice", models.PermissionWrite)
	slow := env.join(t, docID, "slow", models.PermissionWrite)
	drain(t, alice)

	// slow never drains; its queue already holds connected + users_updated
	for i := 0; i < 4; i++ {
		if err := env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate("x")); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow session was not closed")
	}
	assert.Equal(t, env.svc.isCurrent(slow), false)
	assert.Equal(t, env.svc.Stats(docID).ActiveUsers, 1)
	_, left := find(drain(t, alice), TypeUserLeft)
	assert.Equal(t, left, true)
}

func TestKickUser(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.join(t, docID, "alice", models.PermissionWrite)
	bob := env.join(t, docID, "bob", models.PermissionWrite)
	drain(t, alice)
	drain(t, bob)

	assert.Equal(t, env.svc.KickUser(context.Background(), docID, "bob"), true)
	assert.Equal(t, closeCodeOf(t, bob), CloseKicked)
	_, notified := find(drain(t, bob), TypeError)
	assert.Equal(t, notified, true)
	assert.Equal(t, types(drain(t, alice)), []string{"user_left"})

	assert.Equal(t, env.svc.KickUser(context.Background(), docID, "bob"), false)
	assert.Equal(t, env.svc.KickUser(context.Background(), "doc-unknown", "bob"), false)
}

func TestFlushDocumentWritesImmediately(t *testing.T) {
	env := newTestEnv(t, Config{FlushEvery: 10})
	env.join(t, docID, "alice", models.PermissionWrite)

	_, err := env.svc.FlushDocument(context.Background(), "doc-unknown")
	assert.Equal(t, errors.Is(err, ErrNoSuchDocument), true)

	if err := env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate("saved")); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	version, err := env.svc.FlushDocument(context.Background(), docID)
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	assert.Equal(t, version, int64(1))
	assert.Equal(t, env.store.state(docID).State, []byte("saved"))
	assert.Equal(t, env.svc.Stats(docID).PersistedVersion, int64(1))
}

func TestFlushDocumentStartsANewBatch(t *testing.T) {
	env := newTestEnv(t, Config{FlushEvery: 10})
	env.join(t, docID, "alice", models.PermissionWrite)

	update := func(from, to int) {
		t.Helper()
		for i := from; i <= to; i++ {
			if err := env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate(fmt.Sprintf("v%d", i))); err != nil {
				t.Fatalf("update %d failed: %v", i, err)
			}
		}
	}

	update(1, 5)
	if _, err := env.svc.FlushDocument(context.Background(), docID); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	assert.Equal(t, env.store.saveCount(), 1)

	update(6, 14)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, env.store.attempts(), 1)

	update(15, 15)
	eventually(t, func() bool { return env.store.saveCount() == 2 })
	assert.Equal(t, env.store.state(docID).Version, int64(15))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.withDefaults()

	assert.Equal(t, cfg.InactivityTimeout, 5*time.Minute)
	assert.Equal(t, cfg.CleanupInterval, 60*time.Second)
	assert.Equal(t, cfg.FlushEvery, 10)
	assert.Equal(t, cfg.SendBufferSize, 256)
}

func TestStopClosesSessionsAndFlushes(t *testing.T) {
	env := newTestEnv(t, Config{FlushEvery: 10})
	alice := env.join(t, docID, "alice", models.PermissionWrite)

	for i := 0; i < 3; i++ {
		if err := env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate(fmt.Sprintf("v%d", i+1))); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}

	env.svc.Stop(context.Background())

	assert.Equal(t, closeCodeOf(t, alice), CloseShutdown)
	assert.Equal(t, env.store.state(docID).Version, int64(3))
	assert.Equal(t, env.store.state(docID).State, []byte("v3"))

	late := env.svc.NewSession(docID, models.UserInfo{ID: "late"}, nil)
	env.perms.set("late", models.PermissionWrite)
	err := env.svc.JoinDocument(context.Background(), docID, late)
	assert.Equal(t, errors.Is(err, ErrServiceStopped), true)
	assert.Equal(t, closeCodeOf(t, late), CloseShutdown)

	// Stop is idempotent
	env.svc.Stop(context.Background())
}

func TestScenarioTwoEditorsAndAViewer(t *testing.T) {
	env := newTestEnv(t, Config{FlushEvery: 10})
	env.store.states[docID] = savedState{State: []byte("# Title"), Version: 1}

	alice := env.join(t, docID, "alice", models.PermissionAdmin)
	bob := env.join(t, docID, "bob", models.PermissionWrite)
	viewer := env.join(t, docID, "viewer", models.PermissionRead)

	for _, s := range []*Session{alice, bob, viewer} {
		syncMsg, ok := find(drain(t, s), TypeSyncState)
		assert.Equal(t, ok, true)
		assert.Equal(t, syncMsg["version"], float64(1))
	}

	_ = env.svc.DispatchMessage(context.Background(), docID, "alice", textUpdate("# Title\nalice"))
	_ = env.svc.DispatchMessage(context.Background(), docID, "bob", textUpdate("# Title\nbob"))

	assert.Equal(t, types(drain(t, alice)), []string{"update"})
	assert.Equal(t, types(drain(t, bob)), []string{"update"})
	viewerMsgs := drain(t, viewer)
	assert.Equal(t, types(viewerMsgs), []string{"update", "update"})
	assert.Equal(t, viewerMsgs[1]["content"], "# Title\nbob")
	assert.Equal(t, viewerMsgs[1]["version"], float64(3))

	env.svc.LeaveDocument(context.Background(), docID, "bob")
	stats := env.svc.Stats(docID)
	assert.Equal(t, stats.ActiveUsers, 2)
	assert.Equal(t, stats.Version, int64(3))
}
