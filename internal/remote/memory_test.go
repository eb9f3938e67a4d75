package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tripplanner/internal/config"
	"github.com/kimhsiao/tripplanner/internal/models"
	"github.com/kimhsiao/tripplanner/internal/uuid"
)

func TestMemory_InsertAssignsServerID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	row, err := m.Insert(ctx, models.KindTrips, models.Row{
		"id": uuid.NewOfflineID(), "title": "Paris trip", "column_id": "col-1", "is_offline": true,
	})
	require.NoError(t, err)

	id, _ := row["id"].(string)
	assert.True(t, uuid.IsValid(id), "server id %q", id)
	assert.Equal(t, "Paris trip", row["title"])
	assert.NotContains(t, row, "is_offline", "unknown columns are dropped")

	kept, err := m.Insert(ctx, models.KindTrips, models.Row{"id": "srv-7"})
	require.NoError(t, err)
	assert.Equal(t, "srv-7", kept["id"])

	_, err = m.Insert(ctx, models.KindTrips, models.Row{"id": "srv-7"})
	assert.Error(t, err, "duplicate ids are rejected")
}

func TestMemory_UpdateDeleteSelect(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Seed(models.KindNotes,
		models.Row{"id": "n1", "user_id": "u1", "trip_id": "t1", "content": "a"},
		models.Row{"id": "n2", "user_id": "u1", "trip_id": "t2", "content": "b"},
		models.Row{"id": "n3", "user_id": "u2", "trip_id": "t1", "content": "c"},
	)

	require.NoError(t, m.Update(ctx, models.KindNotes, "n1", models.Row{"content": "edited", "id": "hijack"}))
	err := m.Update(ctx, models.KindNotes, "missing", models.Row{"content": "x"})
	assert.ErrorIs(t, err, ErrRowNotFound)

	rows, err := m.Select(ctx, models.KindNotes, Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "edited", rows[0]["content"])
	assert.Equal(t, "n1", rows[0]["id"])

	rows, err = m.Select(ctx, models.KindNotes, Filter{ParentID: "t1"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, m.Delete(ctx, models.KindNotes, "n1"))
	require.NoError(t, m.Delete(ctx, models.KindNotes, "n1"), "deleting an absent row is not an error")
	assert.Len(t, m.Rows(models.KindNotes), 2)

	rows, err = m.Select(ctx, models.KindColumns, Filter{ParentID: "anything"})
	require.NoError(t, err)
	assert.Empty(t, rows, "columns have no parent")
}

func TestMemory_recordsCalls(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _ = m.Insert(ctx, models.KindColumns, models.Row{"title": "Ideas"})
	_ = m.Update(ctx, models.KindTrips, "t1", models.Row{"title": "x"})
	_ = m.Delete(ctx, models.KindNotes, "n1")

	calls := m.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "Insert", calls[0].Method)
	assert.Equal(t, models.KindColumns, calls[0].Kind)
	assert.Equal(t, "Update", calls[1].Method)
	assert.Equal(t, "t1", calls[1].ID)
	assert.Equal(t, "Delete", calls[2].Method)
}

func TestMemory_failureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")

	m.FailNext(boom)
	_, err := m.Insert(ctx, models.KindTrips, models.Row{"title": "a"})
	assert.ErrorIs(t, err, boom)
	_, err = m.Insert(ctx, models.KindTrips, models.Row{"title": "b"})
	assert.NoError(t, err, "FailNext is consumed")

	m.FailWhen(func(c Call) error {
		if c.Method == "Update" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, m.Update(ctx, models.KindTrips, "x", models.Row{}), boom)
	assert.NoError(t, m.Delete(ctx, models.KindTrips, "x"))
	m.FailWhen(nil)

	m.SetReachable(false)
	assert.ErrorIs(t, m.Ping(ctx), ErrUnreachable)
	assert.ErrorIs(t, m.Delete(ctx, models.KindTrips, "x"), ErrUnreachable)
	m.SetReachable(true)
	assert.NoError(t, m.Ping(ctx))
}

func TestMemory_gate(t *testing.T) {
	m := NewMemory()
	gate := make(chan struct{})
	m.SetGate(gate)

	done := make(chan error, 1)
	go func() {
		done <- m.Delete(context.Background(), models.KindTrips, "t1")
	}()

	require.Eventually(t, func() bool { return len(m.Calls()) == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("call should be held by the gate")
	default:
	}

	close(gate)
	require.NoError(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	m.SetGate(make(chan struct{}))
	cancel()
	assert.ErrorIs(t, m.Delete(ctx, models.KindTrips, "t2"), context.Canceled)
}

func TestMemory_unsupportedKind(t *testing.T) {
	m := NewMemory()
	_, err := m.Insert(context.Background(), "clients", models.Row{})
	assert.Error(t, err)
	assert.Empty(t, m.Calls())
}

func TestOpen(t *testing.T) {
	b, err := Open(config.RemoteConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	b, err = Open(config.RemoteConfig{Driver: config.DriverPostgres, DSN: "postgres://localhost/none?sslmode=disable"})
	require.NoError(t, err, "opening the pool does not connect")
	assert.IsType(t, &Postgres{}, b)
	require.NoError(t, b.Close())

	_, err = Open(config.RemoteConfig{Driver: "mongo"})
	assert.Error(t, err)
}
