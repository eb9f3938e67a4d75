package remote

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tripplanner/internal/models"
)

func TestSortedColumns(t *testing.T) {
	cols, err := sortedColumns(models.KindTrips, models.Row{
		"title": "x", "column_id": "c", "is_offline": true, "offline_id": "offline_1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"column_id", "title"}, cols)

	_, err = sortedColumns("clients", models.Row{})
	assert.Error(t, err)
}

func TestSelectList(t *testing.T) {
	assert.Equal(t, `"id", "user_id", "trip_id", "content", "created_at", "updated_at"`, selectList(models.KindNotes))
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2026, 7, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "2026-07-01T10:00:00Z", formatValue(ts))
	assert.Equal(t, "abc", formatValue([]byte("abc")))
	assert.Equal(t, int64(3), formatValue(int64(3)))
	assert.Nil(t, formatValue(nil))
}

// TestPostgres_roundTrip runs against a real server when
// TRIPPLANNER_TEST_POSTGRES_DSN is set.
func TestPostgres_roundTrip(t *testing.T) {
	dsn := os.Getenv("TRIPPLANNER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TRIPPLANNER_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	p, err := NewPostgres(dsn)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Ping(ctx))
	require.NoError(t, p.EnsureSchema(ctx))

	row, err := p.Insert(ctx, models.KindColumns, models.Row{"user_id": "pg-test", "title": "Ideas", "position": 1})
	require.NoError(t, err)
	id, _ := row["id"].(string)
	require.NotEmpty(t, id)
	defer p.Delete(ctx, models.KindColumns, id)

	require.NoError(t, p.Update(ctx, models.KindColumns, id, models.Row{"title": "Booked"}))
	assert.ErrorIs(t, p.Update(ctx, models.KindColumns, "missing-id", models.Row{"title": "x"}), ErrRowNotFound)

	rows, err := p.Select(ctx, models.KindColumns, Filter{UserID: "pg-test"})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "Booked", rows[len(rows)-1]["title"])

	require.NoError(t, p.Delete(ctx, models.KindColumns, id))
	require.NoError(t, p.Delete(ctx, models.KindColumns, id))
}
