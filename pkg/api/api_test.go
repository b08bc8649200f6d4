package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentpkg "github.com/palaver-dev/palaver/pkg/agent"
	"github.com/palaver-dev/palaver/pkg/auth"
	"github.com/palaver-dev/palaver/pkg/cache"
	"github.com/palaver-dev/palaver/pkg/config"
	"github.com/palaver-dev/palaver/pkg/database"
	"github.com/palaver-dev/palaver/pkg/events"
	"github.com/palaver-dev/palaver/pkg/llm"
	"github.com/palaver-dev/palaver/pkg/models"
	"github.com/palaver-dev/palaver/pkg/orchestrator"
	"github.com/palaver-dev/palaver/pkg/queue"
	"github.com/palaver-dev/palaver/pkg/services"
	"github.com/palaver-dev/palaver/pkg/streaming"
)

type testEnv struct {
	server *Server
	store  *services.Store
	table  *streaming.Table
	admin  string
	guest  string
}

// noopRunner skips every turn so API tests never spawn a runtime client.
type noopRunner struct{}

func (noopRunner) Generate(ctx context.Context, req agentpkg.TurnRequest) (models.TurnOutcome, error) {
	return models.TurnSkipped, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.Default()

	cfg := &config.Config{
		HTTPPort:      "0",
		AuthSecret:    "test-secret",
		AdminPassword: "admin-pass",
		GuestPassword: "guest-pass",
		TokenTTL:      time.Hour,
	}

	db := database.NewTestClient(t)
	wq := queue.NewWriteQueue()
	wq.Start()
	t.Cleanup(func() { _ = wq.Stop(time.Second) })

	store := services.NewStore(db, wq, cache.New(), logger)
	table := streaming.NewTable()
	pool := agentpkg.NewPool(func(llm.Options) llm.Client { return nil }, logger)
	manager := agentpkg.NewManager(pool, table, logger)
	orch := orchestrator.New(store, noopRunner{}, manager,
		orchestrator.Config{MaxFollowUpRounds: 2, MaxTotalMessages: 10}, logger)

	tokens := auth.NewManager(cfg.AuthSecret, cfg.TokenTTL)
	server := NewServer(cfg, db, store, orch, events.NewBroadcaster(logger), table,
		tokens, auth.NewTicketStore(), logger)

	adminToken, err := tokens.Issue("admin", auth.RoleAdmin)
	require.NoError(t, err)
	guestToken, err := tokens.Issue("guest", auth.RoleGuest)
	require.NoError(t, err)

	return &testEnv{server: server, store: store, table: table, admin: adminToken, guest: guestToken}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("X-API-Key", token)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

// ── Auth ───────────────────────────────────────────────────────────────

func TestLoginAdmin(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/auth/login", "", gin_H{"password": "admin-pass"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp loginResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, auth.RoleAdmin, resp.Role)
	assert.NotEmpty(t, resp.Token)
}

func TestLoginGuestAndBadPassword(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/auth/login", "", gin_H{"password": "guest-pass"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp loginResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, auth.RoleGuest, resp.Role)

	w = e.do(t, http.MethodPost, "/auth/login", "", gin_H{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthIsPublic(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/auth/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMissingTokenRejected(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodGet, "/rooms", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ── Rooms ──────────────────────────────────────────────────────────────

func createRoomHTTP(t *testing.T, e *testEnv, token, name string) models.Room {
	t.Helper()
	w := e.do(t, http.MethodPost, "/rooms", token, gin_H{"name": name})
	require.Equal(t, http.StatusCreated, w.Code)
	var room models.Room
	decodeJSON(t, w, &room)
	return room
}

func TestCreateRoomAndDuplicate(t *testing.T) {
	e := newTestEnv(t)
	room := createRoomHTTP(t, e, e.admin, "tavern")
	assert.Equal(t, "tavern", room.Name)

	w := e.do(t, http.MethodPost, "/rooms", e.admin, gin_H{"name": "tavern"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGuestCannotTouchOthersRoom(t *testing.T) {
	e := newTestEnv(t)
	room := createRoomHTTP(t, e, e.admin, "tavern")

	w := e.do(t, http.MethodGet, fmt.Sprintf("/rooms/%d", room.ID), e.guest, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminSeesAllRoomsGuestSeesOwn(t *testing.T) {
	e := newTestEnv(t)
	createRoomHTTP(t, e, e.admin, "admins")
	createRoomHTTP(t, e, e.guest, "guests")

	var resp struct {
		Rooms []models.Room `json:"rooms"`
	}
	w := e.do(t, http.MethodGet, "/rooms", e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &resp)
	assert.Len(t, resp.Rooms, 2)

	w = e.do(t, http.MethodGet, "/rooms", e.guest, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &resp)
	require.Len(t, resp.Rooms, 1)
	assert.Equal(t, "guests", resp.Rooms[0].Name)
}

func TestGetRoomNotFound(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/rooms/999", e.admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPatchRoomPause(t *testing.T) {
	e := newTestEnv(t)
	room := createRoomHTTP(t, e, e.admin, "tavern")

	w := e.do(t, http.MethodPatch, fmt.Sprintf("/rooms/%d", room.ID), e.admin, gin_H{"is_paused": true})
	require.Equal(t, http.StatusOK, w.Code)
	var updated models.Room
	decodeJSON(t, w, &updated)
	assert.True(t, updated.IsPaused)
}

func TestDeleteRoomAdminOnly(t *testing.T) {
	e := newTestEnv(t)
	room := createRoomHTTP(t, e, e.guest, "guests")

	w := e.do(t, http.MethodDelete, fmt.Sprintf("/rooms/%d", room.ID), e.guest, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodDelete, fmt.Sprintf("/rooms/%d", room.ID), e.admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

// ── Agents ─────────────────────────────────────────────────────────────

func TestCreateAgentAdminOnly(t *testing.T) {
	e := newTestEnv(t)
	body := gin_H{"name": "Mira", "system_prompt": "You are Mira."}

	w := e.do(t, http.MethodPost, "/agents", e.guest, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPost, "/agents", e.admin, body)
	require.Equal(t, http.StatusCreated, w.Code)
	var agent models.Agent
	decodeJSON(t, w, &agent)
	assert.Equal(t, "Mira", agent.Name)
}

func TestAddAgentToRoom(t *testing.T) {
	e := newTestEnv(t)
	room := createRoomHTTP(t, e, e.admin, "tavern")
	w := e.do(t, http.MethodPost, "/agents", e.admin, gin_H{"name": "Mira", "system_prompt": "x"})
	require.Equal(t, http.StatusCreated, w.Code)
	var agent models.Agent
	decodeJSON(t, w, &agent)

	w = e.do(t, http.MethodPost, fmt.Sprintf("/rooms/%d/agents", room.ID), e.admin, gin_H{"agent_id": agent.ID})
	assert.Equal(t, http.StatusNoContent, w.Code)

	var detail struct {
		Agents []models.Agent `json:"agents"`
	}
	w = e.do(t, http.MethodGet, fmt.Sprintf("/rooms/%d", room.ID), e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &detail)
	assert.Len(t, detail.Agents, 1)
}

// ── Messages ───────────────────────────────────────────────────────────

func TestSendAndListMessages(t *testing.T) {
	e := newTestEnv(t)
	room := createRoomHTTP(t, e, e.admin, "tavern")

	w := e.do(t, http.MethodPost, fmt.Sprintf("/rooms/%d/messages/send", room.ID), e.admin, gin_H{"content": "hello"})
	require.Equal(t, http.StatusCreated, w.Code)
	var saved models.Message
	decodeJSON(t, w, &saved)
	assert.Equal(t, "hello", saved.Content)
	assert.Equal(t, models.RoleUser, saved.Role)

	var list struct {
		Messages []models.Message `json:"messages"`
	}
	w = e.do(t, http.MethodGet, fmt.Sprintf("/rooms/%d/messages", room.ID), e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &list)
	require.Len(t, list.Messages, 1)
}

func TestPollReturnsStreamingSnapshot(t *testing.T) {
	e := newTestEnv(t)
	room := createRoomHTTP(t, e, e.admin, "tavern")

	task := models.TaskID{RoomID: room.ID, AgentID: 42}
	e.table.Init(task, "Mira", false)
	e.table.Update(task, "thinking", "partial text")

	var resp struct {
		Messages  []models.Message             `json:"messages"`
		Streaming map[string]streaming.Snapshot `json:"streaming"`
	}
	w := e.do(t, http.MethodGet, fmt.Sprintf("/rooms/%d/messages/poll?since_id=0", room.ID), e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &resp)
	require.Contains(t, resp.Streaming, "42")
	assert.Equal(t, "partial text", resp.Streaming["42"].Response)
}

func TestClearMessages(t *testing.T) {
	e := newTestEnv(t)
	room := createRoomHTTP(t, e, e.admin, "tavern")
	w := e.do(t, http.MethodPost, fmt.Sprintf("/rooms/%d/messages/send", room.ID), e.admin, gin_H{"content": "hello"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = e.do(t, http.MethodDelete, fmt.Sprintf("/rooms/%d/messages", room.ID), e.admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	var list struct {
		Messages []models.Message `json:"messages"`
	}
	w = e.do(t, http.MethodGet, fmt.Sprintf("/rooms/%d/messages", room.ID), e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &list)
	assert.Empty(t, list.Messages)
}

// ── Stream ─────────────────────────────────────────────────────────────

func TestStreamRequiresValidTicket(t *testing.T) {
	e := newTestEnv(t)
	room := createRoomHTTP(t, e, e.admin, "tavern")

	w := e.do(t, http.MethodGet, fmt.Sprintf("/rooms/%d/stream", room.ID), "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodGet, fmt.Sprintf("/rooms/%d/stream?ticket=bogus", room.ID), "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStreamTicketFlow(t *testing.T) {
	e := newTestEnv(t)
	room := createRoomHTTP(t, e, e.admin, "tavern")

	w := e.do(t, http.MethodPost, fmt.Sprintf("/rooms/%d/stream/ticket", room.ID), e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Ticket string `json:"ticket"`
	}
	decodeJSON(t, w, &resp)
	require.NotEmpty(t, resp.Ticket)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/rooms/%d/stream?ticket=%s", room.ID, resp.Ticket), nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"connected"`)

	// Tickets are single-use.
	req = httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/rooms/%d/stream?ticket=%s", room.ID, resp.Ticket), nil)
	rec = httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// gin_H mirrors gin.H for request bodies without importing gin here.
type gin_H = map[string]any
