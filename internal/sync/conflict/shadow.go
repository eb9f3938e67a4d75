// Package conflict merges server-sourced and offline-sourced records into
// the single view the UI reads.
package conflict

import (
	"github.com/kimhsiao/tripplanner/internal/logging"
	"github.com/kimhsiao/tripplanner/internal/models"
)

// Conflict is an id present in both the server and the offline set.
type Conflict struct {
	ID      string
	Kind    models.EntityKind
	Server  models.Entity
	Offline models.Entity
}

// Result is the outcome of a merge.
type Result struct {
	Entities []models.Entity
	Shadowed []Conflict
}

// Merge combines server and offline records keyed by id. On collision the
// offline record wins and takes the server record's position; offline-only
// records follow the server records in their original order.
func Merge(server, offline []models.Entity) *Result {
	byID := make(map[string]models.Entity, len(offline))
	for _, e := range offline {
		if _, dup := byID[e.EntityID()]; !dup {
			byID[e.EntityID()] = e
		}
	}

	res := &Result{Entities: make([]models.Entity, 0, len(server)+len(offline))}
	used := make(map[string]bool, len(offline))
	seen := make(map[string]bool, len(server))
	for _, s := range server {
		id := s.EntityID()
		if seen[id] {
			continue
		}
		seen[id] = true

		if o, ok := byID[id]; ok {
			res.Entities = append(res.Entities, o)
			res.Shadowed = append(res.Shadowed, Conflict{ID: id, Kind: s.Kind(), Server: s, Offline: o})
			used[id] = true
			continue
		}
		res.Entities = append(res.Entities, s)
	}
	for _, o := range offline {
		id := o.EntityID()
		if used[id] {
			continue
		}
		used[id] = true
		res.Entities = append(res.Entities, o)
	}

	if len(res.Shadowed) > 0 {
		logging.Debug("Offline records shadow server records", map[string]interface{}{
			"kind":     res.Shadowed[0].Kind,
			"shadowed": len(res.Shadowed),
		})
	}
	return res
}

// Shadow returns the merged view of server and offline records.
func Shadow(server, offline []models.Entity) []models.Entity {
	return Merge(server, offline).Entities
}
