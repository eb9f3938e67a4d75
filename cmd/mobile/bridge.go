package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/kimhsiao/tripplanner/internal/config"
	"github.com/kimhsiao/tripplanner/internal/db"
	"github.com/kimhsiao/tripplanner/internal/errors"
	"github.com/kimhsiao/tripplanner/internal/logging"
	"github.com/kimhsiao/tripplanner/internal/models"
	"github.com/kimhsiao/tripplanner/internal/remote"
	"github.com/kimhsiao/tripplanner/internal/sync/connectivity"

	tripsync "github.com/kimhsiao/tripplanner/internal/sync"
)

// maxBufferedEvents caps the events kept between two PollEvents calls.
const maxBufferedEvents = 512

// event is a status change, store change or notice waiting to be polled
// by the host app.
type event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// response is the envelope every exported call returns.
type response struct {
	Data  interface{}  `json:"data,omitempty"`
	Error *errorDetail `json:"error,omitempty"`
}

type errorDetail struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// listFilter mirrors remote.Filter for JSON callers.
type listFilter struct {
	UserID   string `json:"user_id"`
	ParentID string `json:"parent_id"`
}

// bridge owns the orchestrator on behalf of a host app that cannot hold Go
// values. The host's own network monitor drives connectivity.
type bridge struct {
	mu      sync.Mutex
	orch    *tripsync.Orchestrator
	store   *db.Store
	backend remote.Backend
	conn    *connectivity.Manual
	detach  []func()

	eventsMu sync.Mutex
	events   []event
}

// open wires the sync core from a JSON document using the same keys as
// config.yaml, plus "online" for the platform's initial reachability.
// Without a data_dir the store lives in memory.
func (b *bridge) open(ctx context.Context, configJSON string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.orch != nil {
		return nil
	}

	v := config.NewViper()
	v.SetDefault(config.KeyDataDir, "")
	v.SetDefault("online", false)
	if strings.TrimSpace(configJSON) != "" {
		v.SetConfigType("json")
		if err := v.ReadConfig(strings.NewReader(configJSON)); err != nil {
			return errors.Wrap(errors.ErrInvalid, "invalid bridge configuration", err)
		}
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid bridge configuration", err)
	}
	logging.Configure(cfg.Log)

	backend, err := remote.Open(cfg.Remote)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to open remote backend", err)
	}
	conn := connectivity.NewManual(v.GetBool("online"))

	build := func(store *db.Store) (*tripsync.Orchestrator, error) {
		return tripsync.New(tripsync.Options{
			Store:         store,
			Backend:       backend,
			Connectivity:  conn,
			MaxRetries:    cfg.Sync.MaxRetries,
			SyncInterval:  cfg.Sync.Interval,
			RemoteTimeout: cfg.Remote.Timeout,
			UserID:        cfg.UserID,
		})
	}

	store := db.NewStore(cfg.DataDir, nil)
	orch, err := build(store)
	if err == nil {
		err = orch.Init(ctx)
	}
	if errors.Is(err, errors.ErrStorageInit) {
		logging.ErrorWithCode("Local storage unavailable; continuing without durability",
			string(errors.ErrStorageInit), err, map[string]interface{}{"data_dir": cfg.DataDir})
		store = db.NewStore("", nil)
		if orch, err = build(store); err == nil {
			err = orch.Init(ctx)
		}
	}
	if err != nil {
		backend.Close()
		return err
	}

	b.orch, b.store, b.backend, b.conn = orch, store, backend, conn
	b.detach = []func(){
		orch.OnStatusChange(func(s tripsync.Status) { b.push("sync.status", s) }),
		orch.OnChange(func(table string) { b.push("store.changed", map[string]string{"table": table}) }),
		orch.OnNotice(func(n tripsync.Notice) { b.push("sync.notice", n) }),
	}
	return nil
}

// close stops the orchestrator and releases everything open acquired.
func (b *bridge) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.orch == nil {
		return
	}
	for _, d := range b.detach {
		d()
	}
	b.orch.Dispose()
	if err := b.store.Close(); err != nil {
		logging.Warn("Failed to close local store", map[string]interface{}{"error": err.Error()})
	}
	b.backend.Close()
	b.orch, b.store, b.backend, b.conn, b.detach = nil, nil, nil, nil, nil
}

func (b *bridge) orchestrator() (*tripsync.Orchestrator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.orch == nil {
		return nil, errors.New(errors.ErrInvalid, "sync core not initialized")
	}
	return b.orch, nil
}

func (b *bridge) push(typ string, data interface{}) {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	if len(b.events) == maxBufferedEvents {
		b.events = b.events[1:]
	}
	b.events = append(b.events, event{Type: typ, Data: data})
}

// pollEvents returns and clears the buffered events, oldest first.
func (b *bridge) pollEvents() []event {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	out := b.events
	b.events = nil
	if out == nil {
		out = []event{}
	}
	return out
}

func (b *bridge) create(ctx context.Context, kind, entityJSON string) (interface{}, error) {
	o, err := b.orchestrator()
	if err != nil {
		return nil, err
	}
	k, err := models.ParseKind(kind)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "unknown entity kind", err)
	}
	e, err := models.DecodeEntity(k, []byte(entityJSON))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid entity", err)
	}
	id, err := o.CreateOptimistic(ctx, e)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "entity": e}, nil
}

func (b *bridge) update(ctx context.Context, kind, id, patchJSON string) (interface{}, error) {
	o, err := b.orchestrator()
	if err != nil {
		return nil, err
	}
	k, err := models.ParseKind(kind)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "unknown entity kind", err)
	}
	var patch map[string]interface{}
	if err := json.Unmarshal([]byte(patchJSON), &patch); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid patch", err)
	}
	if len(patch) == 0 {
		return nil, errors.New(errors.ErrInvalid, "patch is empty")
	}
	if err := o.UpdateOptimistic(ctx, k, id, patch); err != nil {
		return nil, err
	}
	return map[string]string{"status": "queued", "id": id}, nil
}

func (b *bridge) remove(ctx context.Context, kind, id string) (interface{}, error) {
	o, err := b.orchestrator()
	if err != nil {
		return nil, err
	}
	k, err := models.ParseKind(kind)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "unknown entity kind", err)
	}
	if err := o.DeleteOptimistic(ctx, k, id); err != nil {
		return nil, err
	}
	return map[string]string{"status": "queued", "id": id}, nil
}

func (b *bridge) list(ctx context.Context, kind, filterJSON string) (interface{}, error) {
	o, err := b.orchestrator()
	if err != nil {
		return nil, err
	}
	k, err := models.ParseKind(kind)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "unknown entity kind", err)
	}
	var f listFilter
	if strings.TrimSpace(filterJSON) != "" {
		if err := json.Unmarshal([]byte(filterJSON), &f); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "invalid filter", err)
		}
	}
	entities, err := o.List(ctx, k, remote.Filter{UserID: f.UserID, ParentID: f.ParentID})
	if err != nil {
		return nil, err
	}
	if entities == nil {
		entities = []models.Entity{}
	}
	return entities, nil
}

func (b *bridge) status(ctx context.Context) (interface{}, error) {
	o, err := b.orchestrator()
	if err != nil {
		return nil, err
	}
	return o.GetStatus(ctx), nil
}

// setOnline forwards the platform's reachability signal.
func (b *bridge) setOnline(online bool) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New(errors.ErrInvalid, "sync core not initialized")
	}
	conn.SetOnline(online)
	return nil
}

func (b *bridge) syncNow(ctx context.Context) (interface{}, error) {
	o, err := b.orchestrator()
	if err != nil {
		return nil, err
	}
	res := o.SyncPendingOperations(ctx)
	if res.Err != nil {
		return nil, res.Err
	}
	return res, nil
}

// encode renders a call outcome as the JSON envelope handed to the host.
func encode(data interface{}, err error) string {
	resp := response{Data: data}
	if err != nil {
		resp = response{Error: &errorDetail{Code: errors.CodeOf(err), Message: err.Error()}}
	}
	out, mErr := json.Marshal(resp)
	if mErr != nil {
		return `{"error":{"code":"INTERNAL_ERROR","message":"failed to encode response"}}`
	}
	return string(out)
}
