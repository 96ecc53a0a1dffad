// ABOUTME: End-to-end tests for the WebSocket handler over a real HTTP server
// ABOUTME: Covers identity assignment, posting, participant scoping, dedup and error frames

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle-chat/internal/auth"
	"github.com/2389/huddle-chat/internal/conversation"
	"github.com/2389/huddle-chat/internal/dedupe"
	"github.com/2389/huddle-chat/internal/store"
)

type wsFixture struct {
	server *httptest.Server
	store  *store.MockStore
	b      *Broadcaster
}

func newWSFixture(t *testing.T, cfg HandlerConfig) *wsFixture {
	t.Helper()

	st := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: 1, Role: store.RoleVendor, FirstName: "A"}))
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: 2, Role: store.RolePlanner, FirstName: "B"}))
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: 3, Role: store.RolePlanner, FirstName: "C"}))

	b := NewBroadcaster(0, nil, nil)
	svc := conversation.New(st, b, conversation.Options{}, nil)
	cache := dedupe.New(time.Minute, 100)
	handler := NewHandler(b, svc, cache, cfg, nil)

	// Development mode auth: the user id travels in a header
	server := httptest.NewServer(auth.HTTPAuthMiddleware(st, nil, nil)(handler))
	t.Cleanup(func() {
		b.Close()
		server.Close()
		cache.Close()
	})
	return &wsFixture{server: server, store: st, b: b}
}

func (f *wsFixture) dial(t *testing.T, userID int64) (*websocket.Conn, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{auth.DevUserHeader: []string{strconv.FormatInt(userID, 10)}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	frame := readFrame(t, conn)
	require.Equal(t, FrameIdentityAssigned, frame["type"])
	connID, _ := frame["connectionId"].(string)
	require.NotEmpty(t, connID)
	return conn, connID
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestWebSocket_IdentityAssignedFirst(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})

	_, id1 := f.dial(t, 1)
	_, id2 := f.dial(t, 1)
	assert.NotEqual(t, id1, id2, "each connection gets its own identity")
}

func TestWebSocket_MessageReachesOnlyParticipants(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})

	connA, _ := f.dial(t, 1)
	connB, _ := f.dial(t, 2)
	connC, _ := f.dial(t, 3)

	sendFrame(t, connB, map[string]any{"type": "message", "toUser": 1, "message": "Hi"})

	for _, conn := range []*websocket.Conn{connA, connB} {
		frame := readFrame(t, conn)
		assert.Equal(t, FrameMessage, frame["type"])
		assert.Equal(t, "Hi", frame["message"])
		assert.Equal(t, 2.0, frame["fromUser"])
		assert.Equal(t, 1.0, frame["toUser"])
		assert.NotZero(t, frame["id"])
	}
	expectNoFrame(t, connC)

	thread, err := f.store.FindBetween(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, thread, 1, "socket messages are persisted")
}

func TestWebSocket_RejectsSpoofedSender(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})

	connC, _ := f.dial(t, 3)
	connA, _ := f.dial(t, 1)

	sendFrame(t, connC, map[string]any{"type": "message", "fromUser": 2, "toUser": 1, "message": "I am B"})

	frame := readFrame(t, connC)
	assert.Equal(t, FrameError, frame["type"])
	assert.Contains(t, frame["error"], "fromUser")
	expectNoFrame(t, connA)
}

func TestWebSocket_DuplicateClientMessageID(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})

	connA, _ := f.dial(t, 1)
	msg := map[string]any{"type": "message", "toUser": 2, "message": "once", "clientMessageId": "abc-1"}

	sendFrame(t, connA, msg)
	first := readFrame(t, connA)
	assert.Equal(t, FrameMessage, first["type"])

	sendFrame(t, connA, msg)
	expectNoFrame(t, connA)

	thread, err := f.store.FindBetween(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Len(t, thread, 1)
}

func TestWebSocket_ErrorFrames(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})
	connA, _ := f.dial(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, connA.Write(ctx, websocket.MessageText, []byte("{not json")))
	assert.Equal(t, "malformed frame", readFrame(t, connA)["error"])

	sendFrame(t, connA, map[string]any{"type": "typing"})
	assert.Contains(t, readFrame(t, connA)["error"], "unsupported frame type")

	sendFrame(t, connA, map[string]any{"type": "message", "toUser": 1, "message": "me"})
	assert.Contains(t, readFrame(t, connA)["error"], "cannot message yourself")

	sendFrame(t, connA, map[string]any{"type": "message", "toUser": 404, "message": "ghost"})
	assert.Contains(t, readFrame(t, connA)["error"], "participant does not exist")
}

func TestWebSocket_RateLimited(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{MessagesPerSecond: 0.001, Burst: 1})
	connA, _ := f.dial(t, 1)

	sendFrame(t, connA, map[string]any{"type": "message", "toUser": 2, "message": "first"})
	assert.Equal(t, FrameMessage, readFrame(t, connA)["type"])

	sendFrame(t, connA, map[string]any{"type": "message", "toUser": 2, "message": "second"})
	frame := readFrame(t, connA)
	assert.Equal(t, FrameError, frame["type"])
	assert.Equal(t, "rate limit exceeded", frame["error"])
}

func TestWebSocket_Unauthenticated(t *testing.T) {
	b := NewBroadcaster(0, nil, nil)
	defer b.Close()
	handler := NewHandler(b, nil, nil, HandlerConfig{}, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})
	conn, _ := f.dial(t, 1)
	require.Equal(t, 1, f.b.ConnectionCount())

	conn.Close(websocket.StatusNormalClosure, "bye")

	assert.Eventually(t, func() bool { return f.b.ConnectionCount() == 0 },
		2*time.Second, 20*time.Millisecond)
}
