package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timekeeper/internal/timers"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/users"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	pings     int
	closed    bool
	failWrite bool
}

func (t *recordingTransport) WriteMessage(messageType int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWrite {
		return errors.New("broken pipe")
	}
	switch messageType {
	case websocket.TextMessage:
		t.frames = append(t.frames, append([]byte(nil), data...))
	case websocket.PingMessage:
		t.pings++
	}
	return nil
}

func (t *recordingTransport) pingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

func (t *recordingTransport) SetWriteDeadline(time.Time) error {
	return nil
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *recordingTransport) decoded(tb testing.TB) []map[string]any {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	messages := make([]map[string]any, 0, len(t.frames))
	for _, frame := range t.frames {
		var message map[string]any
		require.NoError(tb, json.Unmarshal(frame, &message))
		messages = append(messages, message)
	}
	return messages
}

func (t *recordingTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type memoryTimers struct {
	byOwner map[string][]timers.Timer
	failFor string
}

func (m *memoryTimers) List(_ context.Context, owner string, filter timers.Filter) ([]timers.Timer, error) {
	if owner == m.failFor {
		return nil, errors.New("store unavailable")
	}
	var records []timers.Timer
	for _, record := range m.byOwner[owner] {
		if filter == timers.FilterActive && !record.IsActive {
			continue
		}
		if filter == timers.FilterInactive && record.IsActive {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

type memoryUsers map[string]users.User

func (m memoryUsers) FindByID(_ context.Context, userID string) (users.User, error) {
	user, ok := m[userID]
	if !ok {
		return users.User{}, users.ErrUserNotFound
	}
	return user, nil
}

func newTestManager(t *testing.T) (*Manager, *memoryTimers) {
	t.Helper()
	end := int64(1700000005000)
	duration := int64(5000)
	store := &memoryTimers{byOwner: map[string][]timers.Timer{
		"alice": {
			{ID: "a-1", Owner: "alice", StartMs: 1700000000000, IsActive: true, ProgressMs: 2000},
			{ID: "a-2", Owner: "alice", StartMs: 1700000000000, IsActive: false, ProgressMs: 5000, EndMs: &end, DurationMs: &duration},
		},
		"bob": {
			{ID: "b-1", Owner: "bob", StartMs: 1700000000000, IsActive: true, ProgressMs: 1000},
		},
	}}
	directory := memoryUsers{
		"u-alice": {ID: "u-alice", Username: "alice"},
		"u-bob":   {ID: "u-bob", Username: "bob"},
		"u-carol": {ID: "u-carol", Username: "carol"},
	}
	manager, err := NewManager(ManagerConfig{
		Timers: store,
		Users:  directory,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return manager, store
}

func timerIDs(t *testing.T, message map[string]any) []string {
	t.Helper()
	raw, ok := message["timers"].([]any)
	require.True(t, ok, "expected timers array in %v", message)
	ids := make([]string, 0, len(raw))
	for _, entry := range raw {
		ids = append(ids, entry.(map[string]any)["id"].(string))
	}
	return ids
}

func TestRegisterPushesOwnFullSnapshot(t *testing.T) {
	manager, _ := newTestManager(t)
	transport := &recordingTransport{}
	conn := NewConnection("u-alice", "alice", transport, time.Second)

	manager.Register(context.Background(), conn)

	messages := transport.decoded(t)
	require.Len(t, messages, 1)
	require.Equal(t, MessageTypeAllTimers, messages[0]["type"])
	require.ElementsMatch(t, []string{"a-1", "a-2"}, timerIDs(t, messages[0]))
}

func TestRegisterReplacesAndClosesPreviousConnection(t *testing.T) {
	manager, _ := newTestManager(t)
	firstTransport := &recordingTransport{}
	first := NewConnection("u-alice", "alice", firstTransport, time.Second)
	second := NewConnection("u-alice", "alice", &recordingTransport{}, time.Second)

	manager.Register(context.Background(), first)
	manager.Register(context.Background(), second)

	require.True(t, firstTransport.isClosed())
	require.Equal(t, 1, manager.Registry().Len())

	// the superseded connection unregistering late must not evict its replacement.
	manager.Unregister(first)
	current, ok := manager.Registry().Get("u-alice")
	require.True(t, ok)
	require.Same(t, second, current)

	manager.Unregister(second)
	manager.Unregister(second)
	require.Equal(t, 0, manager.Registry().Len())
}

func TestBroadcastAllScopesSnapshotsPerUser(t *testing.T) {
	manager, _ := newTestManager(t)
	aliceTransport := &recordingTransport{}
	bobTransport := &recordingTransport{}
	manager.Register(context.Background(), NewConnection("u-alice", "alice", aliceTransport, time.Second))
	manager.Register(context.Background(), NewConnection("u-bob", "bob", bobTransport, time.Second))

	manager.BroadcastAll(context.Background())

	aliceMessages := aliceTransport.decoded(t)
	require.Len(t, aliceMessages, 3)
	byType := map[string][]string{}
	for _, message := range aliceMessages[1:] {
		byType[message["type"].(string)] = timerIDs(t, message)
	}
	require.ElementsMatch(t, []string{"a-1", "a-2"}, byType[MessageTypeAllTimers])
	require.Equal(t, []string{"a-1"}, byType[MessageTypeActiveTimers])

	bobMessages := bobTransport.decoded(t)
	require.Len(t, bobMessages, 3)
	for _, message := range bobMessages {
		require.Equal(t, []string{"b-1"}, timerIDs(t, message))
	}
}

func TestBroadcastAllSendsEmptyListsForUsersWithoutTimers(t *testing.T) {
	manager, _ := newTestManager(t)
	transport := &recordingTransport{}
	manager.Register(context.Background(), NewConnection("u-carol", "carol", transport, time.Second))

	manager.BroadcastAll(context.Background())

	messages := transport.decoded(t)
	require.Len(t, messages, 3)
	for _, message := range messages {
		require.Empty(t, timerIDs(t, message))
	}
}

func TestBroadcastAllIsolatesFailures(t *testing.T) {
	manager, store := newTestManager(t)
	store.failFor = "bob"

	ghostTransport := &recordingTransport{}
	brokenTransport := &recordingTransport{failWrite: true}
	bobTransport := &recordingTransport{}
	aliceTransport := &recordingTransport{}
	manager.Register(context.Background(), NewConnection("u-ghost", "ghost", ghostTransport, time.Second))
	manager.Register(context.Background(), NewConnection("u-carol", "carol", brokenTransport, time.Second))
	manager.Register(context.Background(), NewConnection("u-bob", "bob", bobTransport, time.Second))
	manager.Register(context.Background(), NewConnection("u-alice", "alice", aliceTransport, time.Second))

	manager.BroadcastAll(context.Background())

	require.Empty(t, ghostTransport.decoded(t))
	require.Empty(t, bobTransport.decoded(t))
	require.Len(t, aliceTransport.decoded(t), 3)
}

func TestRelayEchoesToEveryConnection(t *testing.T) {
	manager, _ := newTestManager(t)
	aliceTransport := &recordingTransport{}
	bobTransport := &recordingTransport{}
	alice := NewConnection("u-alice", "alice", aliceTransport, time.Second)
	manager.Register(context.Background(), alice)
	manager.Register(context.Background(), NewConnection("u-bob", "bob", bobTransport, time.Second))

	manager.handleClientMessage(context.Background(), alice, []byte(`{"type":"active_timers","message":{"refresh":true}}`))

	for _, transport := range []*recordingTransport{aliceTransport, bobTransport} {
		messages := transport.decoded(t)
		require.Len(t, messages, 2)
		relayed := messages[1]
		require.Equal(t, MessageTypeActiveTimers, relayed["type"])
		require.Equal(t, "alice", relayed["name"])
		require.Equal(t, map[string]any{"refresh": true}, relayed["message"])
	}
}

func TestClientMessagesWithUnknownTypeAreIgnored(t *testing.T) {
	manager, _ := newTestManager(t)
	transport := &recordingTransport{}
	conn := NewConnection("u-alice", "alice", transport, time.Second)
	manager.Register(context.Background(), conn)

	manager.handleClientMessage(context.Background(), conn, []byte(`{"USER_ID":"x","TOKEN":"y"}`))
	manager.handleClientMessage(context.Background(), conn, []byte(`not json`))

	require.Len(t, transport.decoded(t), 1)
}

func TestDisconnectSessionClosesOnlyThatSessionsConnection(t *testing.T) {
	manager, _ := newTestManager(t)
	transport := &recordingTransport{}
	conn := NewConnection("u-alice", "alice", transport, time.Second)
	conn.sessionToken = "session-b"
	manager.Register(context.Background(), conn)

	manager.DisconnectSession("u-alice", "session-a")
	require.False(t, transport.isClosed())
	require.Equal(t, 1, manager.Registry().Len())

	manager.DisconnectSession("u-alice", "session-b")
	manager.DisconnectSession("u-alice", "session-b")
	require.True(t, transport.isClosed())
	require.Equal(t, 0, manager.Registry().Len())
}

func startKeepAlive(t *testing.T, pingInterval time.Duration) (*Manager, *Connection, *recordingTransport, *clockwork.FakeClock, <-chan struct{}) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	manager, err := NewManager(ManagerConfig{
		Timers:       &memoryTimers{},
		Users:        memoryUsers{},
		Logger:       zap.NewNop(),
		Clock:        clock,
		PingInterval: pingInterval,
	})
	require.NoError(t, err)

	transport := &recordingTransport{}
	conn := NewConnection("u-alice", "alice", transport, time.Second)
	conn.touch(clock.Now())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		manager.keepAlive(ctx, conn, 2*pingInterval)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	return manager, conn, transport, clock, done
}

func TestKeepAliveClosesSilentConnection(t *testing.T) {
	_, _, transport, clock, done := startKeepAlive(t, time.Second)

	for ping := 1; ping <= 2; ping++ {
		clock.Advance(time.Second)
		require.Eventually(t, func() bool { return transport.pingCount() == ping }, 2*time.Second, 5*time.Millisecond)
	}

	clock.Advance(time.Second)
	require.Eventually(t, transport.isClosed, 2*time.Second, 5*time.Millisecond)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not exit after closing the connection")
	}
	require.Equal(t, 2, transport.pingCount())
}

func TestKeepAliveKeepsRespondingConnection(t *testing.T) {
	_, conn, transport, clock, _ := startKeepAlive(t, time.Second)

	for ping := 1; ping <= 4; ping++ {
		clock.Advance(time.Second)
		require.Eventually(t, func() bool { return transport.pingCount() == ping }, 2*time.Second, 5*time.Millisecond)
		conn.touch(clock.Now())
	}
	require.False(t, transport.isClosed())
}

func TestServeStreamsSnapshotAndRelays(t *testing.T) {
	manager, _ := newTestManager(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = manager.Serve(w, r, users.User{ID: "u-alice", Username: "alice"}, "session-a")
	}))
	t.Cleanup(server.Close)
	t.Cleanup(manager.CloseAll)

	socketURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, response, err := websocket.DefaultDialer.Dial(socketURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, response.StatusCode)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	var snapshot map[string]any
	require.NoError(t, client.ReadJSON(&snapshot))
	require.Equal(t, MessageTypeAllTimers, snapshot["type"])
	require.ElementsMatch(t, []string{"a-1", "a-2"}, timerIDs(t, snapshot))

	require.NoError(t, client.WriteJSON(map[string]any{"type": MessageTypeAllTimers, "message": "refresh"}))
	var relayed map[string]any
	require.NoError(t, client.ReadJSON(&relayed))
	require.Equal(t, "alice", relayed["name"])
	require.Equal(t, "refresh", relayed["message"])

	current, ok := manager.Registry().Get("u-alice")
	require.True(t, ok)
	require.Equal(t, "session-a", current.SessionToken())
}
