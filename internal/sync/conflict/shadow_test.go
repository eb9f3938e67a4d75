package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tripplanner/internal/models"
)

func trip(id, title string, offline bool) models.Entity {
	t := &models.Trip{ID: id, Title: title}
	t.IsOffline = offline
	return t
}

func titles(entities []models.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.(*models.Trip).Title)
	}
	return out
}

func TestShadow_offlineWins(t *testing.T) {
	server := []models.Entity{
		trip("a", "server A", false),
		trip("b", "server B", false),
		trip("c", "server C", false),
	}
	offline := []models.Entity{
		trip("offline_x", "new X", true),
		trip("b", "edited B", true),
	}

	merged := Shadow(server, offline)
	assert.Equal(t, []string{"server A", "edited B", "server C", "new X"}, titles(merged))
}

func TestMerge_reportsShadowed(t *testing.T) {
	res := Merge(
		[]models.Entity{trip("b", "server B", false)},
		[]models.Entity{trip("b", "edited B", true)},
	)
	require.Len(t, res.Shadowed, 1)
	assert.Equal(t, "b", res.Shadowed[0].ID)
	assert.Equal(t, models.KindTrips, res.Shadowed[0].Kind)
	assert.Equal(t, "server B", res.Shadowed[0].Server.(*models.Trip).Title)
	assert.Len(t, res.Entities, 1, "no double rendering")
}

func TestShadow_duplicatesCollapse(t *testing.T) {
	merged := Shadow(
		[]models.Entity{trip("a", "first", false), trip("a", "dup", false)},
		[]models.Entity{trip("o", "one", true), trip("o", "again", true)},
	)
	assert.Equal(t, []string{"first", "one"}, titles(merged))
}

func TestShadow_empty(t *testing.T) {
	assert.Empty(t, Shadow(nil, nil))
	assert.Equal(t, []string{"x"}, titles(Shadow(nil, []models.Entity{trip("x", "x", true)})))
	assert.Equal(t, []string{"y"}, titles(Shadow([]models.Entity{trip("y", "y", false)}, nil)))
}
