package remote

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/kimhsiao/tripplanner/internal/models"
)

// schema creates the remote tables when they are missing. Ids default to
// a server-generated uuid so inserts without an id get a permanent one.
const schema = `
CREATE TABLE IF NOT EXISTS columns (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id    TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	color      TEXT NOT NULL DEFAULT '',
	position   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS trips (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id     TEXT NOT NULL DEFAULT '',
	column_id   TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	destination TEXT NOT NULL DEFAULT '',
	start_date  TEXT NOT NULL DEFAULT '',
	end_date    TEXT NOT NULL DEFAULT '',
	position    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS notes (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id    TEXT NOT NULL DEFAULT '',
	trip_id    TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_trips_user ON trips(user_id);
CREATE INDEX IF NOT EXISTS idx_notes_trip ON notes(trip_id);
`

// Postgres is a Backend over a Postgres database reached through lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool for dsn. No connection is made
// until the first call.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &Postgres{db: db}, nil
}

// EnsureSchema creates the remote tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// sortedColumns returns the whitelisted keys of row in a stable order.
func sortedColumns(kind models.EntityKind, row models.Row) ([]string, error) {
	allowed, err := columnSet(kind)
	if err != nil {
		return nil, err
	}
	cols := make([]string, 0, len(row))
	for k := range row {
		if allowed[k] {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	return cols, nil
}

func quote(name string) string {
	return `"` + name + `"`
}

func selectList(kind models.EntityKind) string {
	cols := columns[kind]
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	return strings.Join(quoted, ", ")
}

// Insert runs INSERT ... RETURNING so the server-assigned id comes back.
func (p *Postgres) Insert(ctx context.Context, kind models.EntityKind, row models.Row) (models.Row, error) {
	cols, err := sortedColumns(kind, row)
	if err != nil {
		return nil, err
	}

	var query string
	args := make([]interface{}, 0, len(cols))
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", quote(string(kind)), selectList(kind))
	} else {
		quoted := make([]string, len(cols))
		placeholders := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quote(c)
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, row[c])
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			quote(string(kind)), strings.Join(quoted, ", "), strings.Join(placeholders, ", "), selectList(kind))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", kind, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", kind, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("insert %s: expected 1 returned row, got %d", kind, len(out))
	}
	return out[0], nil
}

// Update sets the whitelisted columns of patch on the row with the given id.
func (p *Postgres) Update(ctx context.Context, kind models.EntityKind, id string, patch models.Row) error {
	cols, err := sortedColumns(kind, patch)
	if err != nil {
		return err
	}

	sets := make([]string, 0, len(cols))
	args := make([]interface{}, 0, len(cols)+1)
	for _, c := range cols {
		if c == "id" {
			continue
		}
		args = append(args, patch[c])
		sets = append(sets, fmt.Sprintf("%s = $%d", quote(c), len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", quote(string(kind)), strings.Join(sets, ", "), len(args))
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update %s %s: %w", kind, id, ErrRowNotFound)
	}
	return nil
}

// Delete removes the row with the given id.
func (p *Postgres) Delete(ctx context.Context, kind models.EntityKind, id string) error {
	if _, err := columnSet(kind); err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", quote(string(kind))), id); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return nil
}

// Select returns the rows matching filter, oldest first.
func (p *Postgres) Select(ctx context.Context, kind models.EntityKind, filter Filter) ([]models.Row, error) {
	if _, err := columnSet(kind); err != nil {
		return nil, err
	}

	var where []string
	var args []interface{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.ParentID != "" {
		col, ok := parentColumn[kind]
		if !ok {
			return nil, fmt.Errorf("%s has no parent column", kind)
		}
		args = append(args, filter.ParentID)
		where = append(where, fmt.Sprintf("%s = $%d", quote(col), len(args)))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", selectList(kind), quote(string(kind)))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", kind, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", kind, err)
	}
	return out, nil
}

// scanRows reads every row into a column-keyed map.
func scanRows(rows *sql.Rows) ([]models.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []models.Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(models.Row, len(cols))
		for i, c := range cols {
			row[c] = formatValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}

// formatValue converts a driver value into a JSON-friendly one.
func formatValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}
