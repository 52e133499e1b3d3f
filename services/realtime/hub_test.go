package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/message"
	logsvc "github.com/trezcool/shule/services/logger"
)

type testHub struct {
	*Hub
	srv *httptest.Server
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	conf := core.NewTestConfig()
	hub, err := NewHub(NewLocalBus(), conf, logsvc.NewDiscardLogger(conf))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return &testHub{Hub: hub, srv: srv}
}

func (th *testHub) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	before := th.ConnCount(userID)
	u := "ws" + strings.TrimPrefix(th.srv.URL, "http") + "/?user=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	// the connection is registered right after the handshake completes
	require.Eventually(t, func() bool { return th.ConnCount(userID) == before+1 }, time.Second, 5*time.Millisecond)
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func assertNoEvent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestHub_PublishMessage(t *testing.T) {
	hub := newTestHub(t)
	teacher1 := hub.dial(t, "teacher")
	teacher2 := hub.dial(t, "teacher")
	student := hub.dial(t, "student")
	other := hub.dial(t, "other")
	require.Equal(t, 2, hub.ConnCount("teacher"))

	msg := message.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "teacher",
		ReceiverID:     "student",
		Body:           "Hello",
		ContentType:    message.ContentText,
		SentAt:         core.Now(),
	}
	hub.PublishMessage(context.Background(), msg)

	for _, ws := range []*websocket.Conn{student, teacher1, teacher2} {
		ev := readEvent(t, ws)
		assert.Equal(t, EventMessage, ev.Name)

		var got message.Message
		require.NoError(t, json.Unmarshal(ev.Data, &got))
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, msg.Body, got.Body)
		assert.True(t, msg.SentAt.Equal(got.SentAt))
	}
	assertNoEvent(t, other)
}

func TestHub_PublishSeen(t *testing.T) {
	hub := newTestHub(t)
	teacher := hub.dial(t, "teacher")
	student := hub.dial(t, "student")

	receipt := message.SeenReceipt{MessageID: "m1", ConversationID: "c1", SeenAt: core.Now()}
	hub.PublishSeen(context.Background(), "teacher", receipt)

	ev := readEvent(t, teacher)
	assert.Equal(t, EventSeen, ev.Name)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, "m1", got["message_id"])
	assert.Equal(t, "c1", got["conversation_id"])
	assert.NotEmpty(t, got["seen_at"])

	assertNoEvent(t, student)
}

func TestHub_Typing(t *testing.T) {
	hub := newTestHub(t)
	teacher := hub.dial(t, "teacher")
	student := hub.dial(t, "student")

	require.NoError(t, student.WriteJSON(map[string]interface{}{
		"event": "typing",
		"data":  map[string]string{"to": "teacher"},
	}))

	ev := readEvent(t, teacher)
	assert.Equal(t, EventTyping, ev.Name)
	assert.JSONEq(t, `{"from":"student"}`, string(ev.Data))

	// garbage and self-typing are ignored, the connection survives
	require.NoError(t, student.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, student.WriteJSON(map[string]interface{}{
		"event": "typing",
		"data":  map[string]string{"to": "student"},
	}))
	assertNoEvent(t, student)
	assert.True(t, hub.IsOnline("student"))
}

func TestHub_Presence(t *testing.T) {
	hub := newTestHub(t)
	assert.False(t, hub.IsOnline("student"))

	ws := hub.dial(t, "student")
	assert.True(t, hub.IsOnline("student"))

	_ = ws.Close()
	assert.Eventually(t, func() bool { return !hub.IsOnline("student") }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	hub := newTestHub(t)
	ws := hub.dial(t, "student")

	require.NoError(t, hub.Close())
	assert.False(t, hub.IsOnline("student"))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)

	rec := httptest.NewRecorder()
	err = hub.Serve(rec, httptest.NewRequest(http.MethodGet, "/", nil), "student")
	assert.Equal(t, ErrHubClosed, err)
}

func Test_checkOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no origin", allowed: []string{"https://school.cd"}, origin: "", want: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://evil.cd", want: true},
		{name: "allowed", allowed: []string{"https://school.cd"}, origin: "https://SCHOOL.cd", want: true},
		{name: "same host", allowed: nil, origin: "http://example.com", want: true},
		{name: "denied", allowed: []string{"https://school.cd"}, origin: "https://evil.cd", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/messages/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(tt.allowed)(req))
		})
	}
}

func Test_decodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope(`{"to":["u1"],"event":{"event":"typing","data":{"from":"u2"}}}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, env.To)
	assert.Equal(t, EventTyping, env.Event.Name)
	assert.JSONEq(t, `{"from":"u2"}`, string(env.Event.Data))

	for _, payload := range []string{`nope`, `{"to":[],"event":{"event":"typing"}}`, `{"to":["u1"],"event":{}}`} {
		_, err = decodeEnvelope(payload)
		assert.Error(t, err, payload)
	}
}
