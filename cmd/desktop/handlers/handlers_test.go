package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tripplanner/internal/db"
	"github.com/kimhsiao/tripplanner/internal/models"
	"github.com/kimhsiao/tripplanner/internal/remote"
	"github.com/kimhsiao/tripplanner/internal/sync"
	"github.com/kimhsiao/tripplanner/internal/sync/connectivity"
	"github.com/kimhsiao/tripplanner/internal/uuid"
)

type testServer struct {
	orch    *sync.Orchestrator
	backend *remote.Memory
	router  http.Handler
}

func setupTestServer(t *testing.T, online bool) *testServer {
	t.Helper()

	store := db.NewStore("", nil)
	backend := remote.NewMemory()
	o, err := sync.New(sync.Options{
		Store:        store,
		Backend:      backend,
		Connectivity: connectivity.NewManual(online),
		SyncInterval: time.Hour,
		UserID:       "u1",
	})
	require.NoError(t, err)
	require.NoError(t, o.Init(context.Background()))
	o.Wait()

	t.Cleanup(func() {
		o.Dispose()
		store.Close()
	})
	return &testServer{orch: o, backend: backend, router: NewRouter(o, nil)}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body %s", w.Body.String())
}

func TestHealth(t *testing.T) {
	s := setupTestServer(t, false)

	w := s.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, ServiceName, body["service"])
}

func TestEntityHandler_CreateAndList(t *testing.T) {
	s := setupTestServer(t, false)

	w := s.do(t, http.MethodPost, "/api/trips", `{"title":"Paris trip","column_id":"col-1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		ID     string      `json:"id"`
		Entity models.Trip `json:"entity"`
	}
	decode(t, w, &created)
	assert.True(t, uuid.IsOfflineID(created.ID))
	assert.Equal(t, "Paris trip", created.Entity.Title)
	assert.True(t, created.Entity.IsOffline)

	w = s.do(t, http.MethodGet, "/api/trips?parent_id=col-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var trips []models.Trip
	decode(t, w, &trips)
	require.Len(t, trips, 1)
	assert.Equal(t, created.ID, trips[0].ID)
	assert.Equal(t, "u1", trips[0].UserID)
	assert.True(t, trips[0].IsOffline)
}

func TestEntityHandler_ListEmpty(t *testing.T) {
	s := setupTestServer(t, false)

	w := s.do(t, http.MethodGet, "/api/notes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestEntityHandler_BadRequests(t *testing.T) {
	s := setupTestServer(t, false)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown kind", http.MethodGet, "/api/documents", "", http.StatusNotFound},
		{"malformed create", http.MethodPost, "/api/trips", `{"title":`, http.StatusBadRequest},
		{"wrong field type", http.MethodPost, "/api/columns", `{"position":"first"}`, http.StatusBadRequest},
		{"empty patch", http.MethodPatch, "/api/trips/trip-1", `{}`, http.StatusBadRequest},
		{"malformed patch", http.MethodPatch, "/api/trips/trip-1", `nope`, http.StatusBadRequest},
		{"patch type mismatch on cached entity", http.MethodPatch, "/api/trips/cached", `{"position":"first"}`, http.StatusBadRequest},
	}

	require.NoError(t, s.orch.Store().SaveEntity(context.Background(), &models.Trip{ID: "cached", UserID: "u1"}, false))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	n, err := s.orch.Queue().Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "rejected requests queue nothing")
}

func TestEntityHandler_UpdateAndDeleteQueue(t *testing.T) {
	s := setupTestServer(t, false)

	w := s.do(t, http.MethodPatch, "/api/trips/trip-42", `{"title":"Kyoto"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = s.do(t, http.MethodDelete, "/api/notes/note-7", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = s.do(t, http.MethodGet, "/api/sync/queue", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Operations []models.PendingOperation `json:"operations"`
		MaxRetries int                       `json:"max_retries"`
	}
	decode(t, w, &body)
	require.Len(t, body.Operations, 2)
	assert.Equal(t, models.OperationUpdate, body.Operations[0].Type)
	assert.Equal(t, "trip-42", body.Operations[0].EntityID())
	assert.Equal(t, models.OperationDelete, body.Operations[1].Type)
	assert.Equal(t, models.KindNotes, body.Operations[1].Table)
	assert.Equal(t, 3, body.MaxRetries)
}

func TestSyncHandler_GetStatus(t *testing.T) {
	s := setupTestServer(t, false)
	s.do(t, http.MethodPost, "/api/columns", `{"title":"Ideas"}`)

	w := s.do(t, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		IsOnline          bool `json:"is_online"`
		IsSyncing         bool `json:"is_syncing"`
		PendingOperations int  `json:"pending_operations"`
		Queue             struct {
			Total   int            `json:"total"`
			ByTable map[string]int `json:"by_table"`
		} `json:"queue"`
	}
	decode(t, w, &body)
	assert.False(t, body.IsOnline)
	assert.False(t, body.IsSyncing)
	assert.Equal(t, 1, body.PendingOperations)
	assert.Equal(t, 1, body.Queue.Total)
	assert.Equal(t, 1, body.Queue.ByTable["columns"])
}

func TestSyncHandler_TriggerSyncOffline(t *testing.T) {
	s := setupTestServer(t, false)

	w := s.do(t, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Result sync.DrainResult `json:"result"`
	}
	decode(t, w, &body)
	assert.True(t, body.Result.Skipped)
	assert.Equal(t, sync.SkipOffline, body.Result.Reason)
}

func TestSyncHandler_TriggerSyncOnline(t *testing.T) {
	s := setupTestServer(t, true)
	s.backend.SetGate(make(chan struct{}))

	// Hold the background drain at the gate so the queued CREATE stays in flight.
	w := s.do(t, http.MethodPost, "/api/trips", `{"title":"Lima"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Eventually(t, func() bool { return len(s.backend.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	w = s.do(t, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSyncHandler_SetConnectivity(t *testing.T) {
	s := setupTestServer(t, false)
	s.do(t, http.MethodPost, "/api/notes", `{"trip_id":"trip-1","content":"Pack adapters"}`)

	w := s.do(t, http.MethodPost, "/api/connectivity", `{"online":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	var st sync.Status
	decode(t, w, &st)
	assert.True(t, st.IsOnline)

	s.orch.Wait()
	assert.Equal(t, 0, s.orch.GetStatus(context.Background()).PendingOperations)
	assert.Len(t, s.backend.Rows(models.KindNotes), 1)
}

func TestSyncHandler_SetConnectivityValidation(t *testing.T) {
	s := setupTestServer(t, false)

	for _, body := range []string{`{}`, `not json`, `{"online":"yes"}`} {
		w := s.do(t, http.MethodPost, "/api/connectivity", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %s", body)
	}
	assert.False(t, s.orch.IsOnline())
}
