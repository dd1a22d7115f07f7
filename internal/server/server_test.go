package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/lifesync/internal/auth"
	"github.com/Tyrowin/lifesync/internal/chat"
	"github.com/Tyrowin/lifesync/internal/config"
	"github.com/Tyrowin/lifesync/internal/entitysync"
	"github.com/Tyrowin/lifesync/internal/events"
	"github.com/Tyrowin/lifesync/internal/store"
)

const (
	testSecret = "server-test-secret"
	testOrigin = "http://localhost:8080"
)

type testEnv struct {
	t      *testing.T
	srv    *Server
	http   *httptest.Server
	signer *auth.JWTVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.JWTSecret = testSecret
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.TypingExpiry = 100 * time.Millisecond

	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	s, err := New(config.Sanitize(cfg), st, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.gateway.Shutdown(2 * time.Second)
		ts.Close()
		s.Close()
		_ = st.Close()
	})
	return &testEnv{t: t, srv: s, http: ts, signer: auth.NewJWTVerifier(testSecret)}
}

func (e *testEnv) token(id, name string) string {
	e.t.Helper()
	token, err := e.signer.Sign(id, name, time.Hour)
	if err != nil {
		e.t.Fatalf("Sign: %v", err)
	}
	return token
}

func (e *testEnv) do(method, path, token, body string, header http.Header) (int, []byte) {
	e.t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rdr)
	if err != nil {
		e.t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

// device opens a realtime connection for id and waits for its registration.
func (e *testEnv) device(id, name string) *websocket.Conn {
	e.t.Helper()
	before := e.srv.presence.Connections(id)
	header := http.Header{}
	header.Set("Origin", testOrigin)
	header.Set("Authorization", "Bearer "+e.token(id, name))
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.http.URL, "http")+"/ws", header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		e.t.Fatalf("Dial: %v", err)
	}
	e.t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for e.srv.presence.Connections(id) != before+1 {
		if time.Now().After(deadline) {
			e.t.Fatal("device not registered in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func expectEvent(t *testing.T, conn *websocket.Conn, name events.Name) events.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		env, err := events.Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if env.Event == name {
			return env
		}
	}
}

func expectNoEntityEvents(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, _ := events.Decode(raw)
		switch env.Event {
		case events.EntityAdd, events.EntityUpdate, events.EntityDelete, events.ActivityNew:
			t.Fatalf("unexpected %s: %s", env.Event, env.Data)
		}
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	status, body := e.do(http.MethodGet, "/healthz", "", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil || got["status"] != "ok" {
		t.Fatalf("body = %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.device("u1", "Ada")

	status, body := e.do(http.MethodGet, "/metrics", "", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(string(body), "lifesync_connections 1") {
		t.Fatalf("metrics missing live connection gauge:\n%s", body)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	e := newTestEnv(t)
	if status, _ := e.do(http.MethodGet, "/api/v1/entities/goals", "", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", status)
	}
	if status, _ := e.do(http.MethodGet, "/api/v1/entities/goals", "forged", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", status)
	}
}

// TestEntitySyncAcrossDevices tests REST mutations reaching live devices. It
// verifies both devices of the owner, the originating one included, receive
// identical events that converge a Replica, and another identity receives
// nothing.
func TestEntitySyncAcrossDevices(t *testing.T) {
	e := newTestEnv(t)
	deviceA := e.device("u1", "Ada")
	deviceB := e.device("u1", "Ada")
	deviceC := e.device("u2", "Bob")
	token := e.token("u1", "Ada")

	origin := http.Header{}
	origin.Set(originHeader, "conn-a")
	status, body := e.do(http.MethodPost, "/api/v1/entities/goals", token, `{"title":"Run 5k","progress":10}`, origin)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d: %s", status, body)
	}
	var created recordResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}

	status, body = e.do(http.MethodPut, "/api/v1/entities/goals/"+created.ID, token, `{"progress":40}`, origin)
	if status != http.StatusOK {
		t.Fatalf("update status = %d: %s", status, body)
	}

	for _, device := range []*websocket.Conn{deviceA, deviceB} {
		replica := entitysync.NewReplica()
		add := expectEvent(t, device, events.EntityAdd)
		update := expectEvent(t, device, events.EntityUpdate)

		var p events.EntityPayload
		if err := update.Bind(&p); err != nil {
			t.Fatal(err)
		}
		if p.ID != created.ID || p.EntityKind != events.KindGoal || p.OriginConnectionID != "conn-a" {
			t.Fatalf("update payload = %+v", p)
		}

		for _, env := range []events.Envelope{add, update, add} {
			if _, err := replica.Apply(env); err != nil {
				t.Fatalf("Apply: %v", err)
			}
		}
		data, ok := replica.Get(events.KindGoal, created.ID)
		if !ok {
			t.Fatal("replica missing goal")
		}
		var fields struct {
			Title    string `json:"title"`
			Progress int    `json:"progress"`
		}
		if err := json.Unmarshal(data, &fields); err != nil || fields.Progress != 40 || fields.Title != "Run 5k" {
			t.Fatalf("replica goal = %s", data)
		}
	}

	expectNoEntityEvents(t, deviceC, 200*time.Millisecond)
}

func TestEntityActivityAndDelete(t *testing.T) {
	e := newTestEnv(t)
	device := e.device("u1", "Ada")
	token := e.token("u1", "Ada")

	_, body := e.do(http.MethodPost, "/api/v1/entities/tasks", token, `{"title":"Water plants"}`, nil)
	var created recordResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}

	env := expectEvent(t, device, events.ActivityNew)
	var activity events.ActivityPayload
	if err := env.Bind(&activity); err != nil {
		t.Fatal(err)
	}
	if activity.Kind != events.KindTask || activity.Action != events.ActionAdd || activity.ItemTitle != "Water plants" {
		t.Fatalf("activity = %+v", activity)
	}

	if status, _ := e.do(http.MethodDelete, "/api/v1/entities/tasks/"+created.ID, token, "", nil); status != http.StatusNoContent {
		t.Fatalf("delete status = %d", status)
	}
	del := expectEvent(t, device, events.EntityDelete)
	var p events.EntityPayload
	if err := del.Bind(&p); err != nil || p.ID != created.ID {
		t.Fatalf("delete payload = %+v, %v", p, err)
	}

	status, body := e.do(http.MethodGet, "/api/v1/entities/tasks", token, "", nil)
	if status != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("list after delete = %d %s", status, body)
	}
}

func TestEntityErrors(t *testing.T) {
	e := newTestEnv(t)
	token := e.token("u1", "Ada")

	if status, _ := e.do(http.MethodGet, "/api/v1/entities/recipes", token, "", nil); status != http.StatusNotFound {
		t.Fatalf("unknown kind status = %d", status)
	}
	if status, _ := e.do(http.MethodPost, "/api/v1/entities/notes", token, `["not","an","object"]`, nil); status != http.StatusBadRequest {
		t.Fatalf("invalid data status = %d", status)
	}
	if status, _ := e.do(http.MethodPut, "/api/v1/entities/notes/missing", token, `{"title":"x"}`, nil); status != http.StatusNotFound {
		t.Fatalf("missing record status = %d", status)
	}

	_, body := e.do(http.MethodPost, "/api/v1/entities/notes", token, `{"title":"mine"}`, nil)
	var created recordResponse
	_ = json.Unmarshal(body, &created)
	if status, _ := e.do(http.MethodDelete, "/api/v1/entities/notes/"+created.ID, e.token("u2", "Bob"), "", nil); status != http.StatusNotFound {
		t.Fatalf("other owner delete status = %d", status)
	}
}

// TestNotificationsFromMutations verifies achievement records and completed
// goals push notices to the owner's devices.
func TestNotificationsFromMutations(t *testing.T) {
	e := newTestEnv(t)
	device := e.device("u1", "Ada")
	token := e.token("u1", "Ada")

	e.do(http.MethodPost, "/api/v1/entities/achievements", token, `{"title":"Early bird","description":"Up before six"}`, nil)
	env := expectEvent(t, device, events.AchievementUnlocked)
	var notice events.NoticePayload
	if err := env.Bind(&notice); err != nil || notice.Message != "Early bird" {
		t.Fatalf("achievement notice = %+v, %v", notice, err)
	}

	_, body := e.do(http.MethodPost, "/api/v1/entities/goals", token, `{"title":"Read 12 books","progress":90}`, nil)
	var goal recordResponse
	_ = json.Unmarshal(body, &goal)
	e.do(http.MethodPut, "/api/v1/entities/goals/"+goal.ID, token, `{"progress":100}`, nil)

	env = expectEvent(t, device, events.MilestoneReached)
	if err := env.Bind(&notice); err != nil || notice.Message != "Read 12 books" {
		t.Fatalf("milestone notice = %+v, %v", notice, err)
	}
}

// TestChatRESTHooks tests private chat creation and history. It verifies only
// participants can read a private history and that messages sent over the
// realtime connection are returned in order.
func TestChatRESTHooks(t *testing.T) {
	e := newTestEnv(t)
	ada := e.token("u1", "Ada")

	status, body := e.do(http.MethodPost, "/api/v1/chats/private", ada, `{"userId":"u2"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("create private status = %d: %s", status, body)
	}
	var room chatResponse
	if err := json.Unmarshal(body, &room); err != nil {
		t.Fatal(err)
	}
	if room.Kind != chat.KindPrivate || len(room.Participants) != 2 {
		t.Fatalf("room = %+v", room)
	}

	if status, _ := e.do(http.MethodPost, "/api/v1/chats/private", ada, `{"userId":"u1"}`, nil); status != http.StatusBadRequest {
		t.Fatalf("self chat status = %d", status)
	}
	if status, _ := e.do(http.MethodGet, "/api/v1/chats/"+room.ID+"/messages", e.token("u3", "Eve"), "", nil); status != http.StatusForbidden {
		t.Fatalf("outsider history status = %d", status)
	}

	conn := e.device("u1", "Ada")
	var live []events.ChatMessagePayload
	for _, content := range []string{"first", "second"} {
		frame, _ := events.Encode(events.ChatMessage, events.ChatSendRequest{RoomID: room.ID, Content: content})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			t.Fatal(err)
		}
		var msg events.ChatMessagePayload
		if err := expectEvent(t, conn, events.ChatMessageNew).Bind(&msg); err != nil {
			t.Fatal(err)
		}
		live = append(live, msg)
	}

	status, body = e.do(http.MethodGet, "/api/v1/chats/"+room.ID+"/messages?limit=10", e.token("u2", "Bob"), "", nil)
	if status != http.StatusOK {
		t.Fatalf("history status = %d", status)
	}
	var history []events.ChatMessagePayload
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Content != "first" || history[1].Content != "second" {
		t.Fatalf("history = %+v", history)
	}
	for i := range history {
		if history[i].ID != live[i].ID || !history[i].CreatedAt.Equal(live[i].CreatedAt) {
			t.Fatalf("history[%d] = %+v, live copy = %+v", i, history[i], live[i])
		}
	}

	status, body = e.do(http.MethodGet, "/api/v1/chats", ada, "", nil)
	var chats []chatResponse
	if err := json.Unmarshal(body, &chats); err != nil || status != http.StatusOK {
		t.Fatalf("chats = %d %s", status, body)
	}
	if len(chats) != 2 || chats[0].ID != chat.GlobalRoomID || chats[1].LastMessageAt == nil {
		t.Fatalf("chats = %+v", chats)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(config.Default(), nil, nil); err == nil {
		t.Fatal("expected error without a JWT secret")
	}
}
