package main

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

	"github.com/kimhsiao/tripplanner/internal/db"
	"github.com/kimhsiao/tripplanner/internal/models"
	"github.com/kimhsiao/tripplanner/internal/remote"
	"github.com/kimhsiao/tripplanner/internal/sync/connectivity"

	tripsync "github.com/kimhsiao/tripplanner/internal/sync"
)

func startHub(t *testing.T) (*WSHub, *httptest.Server) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(HandleWebSocket(hub))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, hub *WSHub, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	before := hub.ClientCount()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == before+1 }, time.Second, 10*time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWSHub_BroadcastReachesClients(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)

	hub.Broadcast(EventStoreChanged, map[string]string{"table": "trips"})

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventStoreChanged, msg["type"])
	assert.Equal(t, map[string]interface{}{"table": "trips"}, msg["data"])
}

func TestWSHub_SubscriptionFiltersEvents(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventSyncNotice},
	}))
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.Broadcast(EventStoreChanged, map[string]string{"table": "notes"})
	hub.Broadcast(EventSyncNotice, map[string]string{"message": "hello"})

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventSyncNotice, msg["type"], "unsubscribed events must be skipped")
}

func TestWSHub_PingPong(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "pong", msg["action"])
}

func TestWSHub_DisconnectUnregisters(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWSHub_AttachForwardsOrchestratorEvents(t *testing.T) {
	ctx := context.Background()
	store := db.NewStore("", nil)
	o, err := tripsync.New(tripsync.Options{
		Store:        store,
		Backend:      remote.NewMemory(),
		Connectivity: connectivity.NewManual(false),
		SyncInterval: time.Hour,
		UserID:       "u1",
	})
	require.NoError(t, err)
	require.NoError(t, o.Init(ctx))
	t.Cleanup(func() {
		o.Dispose()
		store.Close()
	})

	hub, srv := startHub(t)
	detach := hub.Attach(o)
	defer detach()
	conn := dial(t, hub, srv)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventStoreChanged},
	}))
	readEnvelope(t, conn)

	_, err = o.CreateOptimistic(ctx, &models.Trip{Title: "Kyoto"})
	require.NoError(t, err)

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventStoreChanged, msg["type"])
	data, ok := msg["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, []interface{}{"trips", models.QueueTable}, data["table"])
}

func TestIsLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://example.com", false},
		{"http://10.0.0.5:8090", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, isLocalOrigin(r), tt.origin)
	}
}

func TestWSEnvelope_JSON(t *testing.T) {
	data, err := json.Marshal(WSEnvelope{Type: EventSyncStatus, Data: tripsync.Status{IsOnline: true}, Timestamp: 1})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"sync.status"`)
	assert.Contains(t, string(data), `"is_online":true`)
}
