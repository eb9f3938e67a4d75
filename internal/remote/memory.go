package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kimhsiao/tripplanner/internal/models"
	"github.com/kimhsiao/tripplanner/internal/uuid"
)

// ErrUnreachable is returned by every Memory call while it is marked unreachable.
var ErrUnreachable = errors.New("backend unreachable")

// Call records one request received by a Memory backend.
type Call struct {
	Method string // Insert, Update, Delete or Select
	Kind   models.EntityKind
	ID     string
	Row    models.Row
}

// Memory is an in-process Backend. It backs the default "memory" driver
// and doubles as a scriptable fake in tests: calls are recorded, failures
// can be injected, and a gate can hold calls in flight.
type Memory struct {
	mu       sync.Mutex
	tables   map[models.EntityKind][]models.Row
	calls    []Call
	failures []error
	failWhen func(Call) error
	gate     <-chan struct{}
	down     bool
}

// NewMemory creates an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{tables: make(map[models.EntityKind][]models.Row)}
}

// FailNext makes the next len(errs) calls fail with errs, in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// FailWhen installs fn to decide, per call, whether it fails. nil clears it.
func (m *Memory) FailWhen(fn func(Call) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWhen = fn
}

// SetGate makes every subsequent call block after being recorded until it
// receives from gate (or gate is closed). nil removes the gate.
func (m *Memory) SetGate(gate <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
}

// SetReachable toggles whether calls and pings succeed.
func (m *Memory) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = !ok
}

// Calls returns a copy of the recorded calls.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Rows returns a copy of the stored rows of kind.
func (m *Memory) Rows(kind models.EntityKind) []models.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Row, 0, len(m.tables[kind]))
	for _, r := range m.tables[kind] {
		out = append(out, copyRow(r))
	}
	return out
}

// Seed stores rows directly, bypassing call recording.
func (m *Memory) Seed(kind models.EntityKind, rows ...models.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[kind] = append(m.tables[kind], copyRow(r))
	}
}

func copyRow(r models.Row) models.Row {
	out := make(models.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// begin records c, waits on the gate and returns any injected failure.
func (m *Memory) begin(ctx context.Context, c Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnreachable
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	if m.failWhen != nil {
		return m.failWhen(c)
	}
	return nil
}

func (m *Memory) indexOf(kind models.EntityKind, id string) int {
	for i, r := range m.tables[kind] {
		if rid, _ := r["id"].(string); rid == id {
			return i
		}
	}
	return -1
}

// Insert stores row. A missing or client-minted id is replaced by a new uuid.
func (m *Memory) Insert(ctx context.Context, kind models.EntityKind, row models.Row) (models.Row, error) {
	allowed, err := columnSet(kind)
	if err != nil {
		return nil, err
	}
	if err := m.begin(ctx, Call{Method: "Insert", Kind: kind, Row: copyRow(row)}); err != nil {
		return nil, err
	}

	stored := make(models.Row, len(row))
	for k, v := range row {
		if allowed[k] {
			stored[k] = v
		}
	}
	if id, _ := stored["id"].(string); id == "" || uuid.IsOfflineID(id) {
		stored["id"] = uuid.New()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexOf(kind, stored["id"].(string)) >= 0 {
		return nil, fmt.Errorf("insert %s: duplicate id %v", kind, stored["id"])
	}
	m.tables[kind] = append(m.tables[kind], stored)
	return copyRow(stored), nil
}

// Update merges patch into the stored row.
func (m *Memory) Update(ctx context.Context, kind models.EntityKind, id string, patch models.Row) error {
	allowed, err := columnSet(kind)
	if err != nil {
		return err
	}
	if err := m.begin(ctx, Call{Method: "Update", Kind: kind, ID: id, Row: copyRow(patch)}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(kind, id)
	if i < 0 {
		return fmt.Errorf("update %s %s: %w", kind, id, ErrRowNotFound)
	}
	for k, v := range patch {
		if allowed[k] && k != "id" {
			m.tables[kind][i][k] = v
		}
	}
	return nil
}

// Delete removes the stored row if present.
func (m *Memory) Delete(ctx context.Context, kind models.EntityKind, id string) error {
	if _, err := columnSet(kind); err != nil {
		return err
	}
	if err := m.begin(ctx, Call{Method: "Delete", Kind: kind, ID: id}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexOf(kind, id); i >= 0 {
		m.tables[kind] = append(m.tables[kind][:i], m.tables[kind][i+1:]...)
	}
	return nil
}

// Select returns the stored rows matching filter in insertion order.
func (m *Memory) Select(ctx context.Context, kind models.EntityKind, filter Filter) ([]models.Row, error) {
	if _, err := columnSet(kind); err != nil {
		return nil, err
	}
	if err := m.begin(ctx, Call{Method: "Select", Kind: kind}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	parent := parentColumn[kind]
	var out []models.Row
	for _, r := range m.tables[kind] {
		if filter.UserID != "" && r["user_id"] != filter.UserID {
			continue
		}
		if filter.ParentID != "" && (parent == "" || r[parent] != filter.ParentID) {
			continue
		}
		out = append(out, copyRow(r))
	}
	return out, nil
}

// Ping fails while the backend is marked unreachable.
func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnreachable
	}
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*Postgres)(nil)
)
