// Package sync keeps the local cache and the remote backend converging:
// optimistic writes land locally and in a durable queue, and the
// Orchestrator drains that queue whenever the backend is reachable.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/tripplanner/internal/db"
	"github.com/kimhsiao/tripplanner/internal/errors"
	"github.com/kimhsiao/tripplanner/internal/events"
	"github.com/kimhsiao/tripplanner/internal/logging"
	"github.com/kimhsiao/tripplanner/internal/models"
	"github.com/kimhsiao/tripplanner/internal/remote"
	"github.com/kimhsiao/tripplanner/internal/sync/conflict"
	"github.com/kimhsiao/tripplanner/internal/sync/connectivity"
	"github.com/kimhsiao/tripplanner/internal/sync/queue"
	"github.com/kimhsiao/tripplanner/internal/sync/scheduler"
	"github.com/kimhsiao/tripplanner/internal/uuid"
)

// DefaultRemoteTimeout bounds a single backend call made during a drain.
const DefaultRemoteTimeout = 10 * time.Second

// Reasons reported by a skipped drain.
const (
	SkipInProgress = "in_progress"
	SkipOffline    = "offline"
)

// Options configures an Orchestrator. Store and Backend are required.
type Options struct {
	Store        db.LocalStore
	Backend      remote.Backend
	Connectivity connectivity.Source
	Clock        func() time.Time
	Notifier     Notifier

	MaxRetries    int
	SyncInterval  time.Duration
	RemoteTimeout time.Duration

	// UserID scopes List calls that pass no filter.
	UserID string
}

// DrainResult describes one SyncPendingOperations call.
type DrainResult struct {
	Skipped     bool   `json:"skipped"`
	Reason      string `json:"reason,omitempty"`
	Attempted   int    `json:"attempted"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Abandoned   int    `json:"abandoned"`
	Interrupted bool   `json:"interrupted,omitempty"`
	Err         error  `json:"-"`
}

// Orchestrator owns the optimistic write path and the drain loop. It is
// the only component that writes cached kinds to the backend.
type Orchestrator struct {
	store         db.LocalStore
	backend       remote.Backend
	conn          connectivity.Source
	queue         *queue.Queue
	handlers      map[models.EntityKind]Handler
	notifier      Notifier
	now           func() time.Time
	userID        string
	remoteTimeout time.Duration
	scheduler     *scheduler.Scheduler

	online   atomic.Bool
	syncing  atomic.Bool
	lastSync atomic.Int64

	statusBus *events.Bus[Status]
	noticeBus *events.Bus[Notice]

	mu          stdsync.Mutex
	initialized bool
	closed      bool
	bgCtx       context.Context
	cancel      context.CancelFunc
	unsubscribe []func()
}

// New creates an Orchestrator. Call Init before any other method.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New(errors.ErrInvalid, "local store is required")
	}
	if opts.Backend == nil {
		return nil, errors.New(errors.ErrInvalid, "remote backend is required")
	}
	if opts.Connectivity == nil {
		opts.Connectivity = connectivity.NewManual(true)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = DefaultRemoteTimeout
	}

	q := queue.New(opts.Store, opts.MaxRetries)
	o := &Orchestrator{
		store:         opts.Store,
		backend:       opts.Backend,
		conn:          opts.Connectivity,
		queue:         q,
		handlers:      newRoutingTable(opts.Backend, opts.Store, q),
		notifier:      opts.Notifier,
		now:           opts.Clock,
		userID:        opts.UserID,
		remoteTimeout: opts.RemoteTimeout,
		statusBus:     events.NewBus[Status](),
		noticeBus:     events.NewBus[Notice](),
	}
	for _, kind := range models.Kinds() {
		if _, ok := o.handlers[kind]; !ok {
			return nil, fmt.Errorf("no handler for %s", kind)
		}
	}
	o.scheduler = scheduler.New(opts.SyncInterval, func(ctx context.Context) {
		o.SyncPendingOperations(ctx)
	})
	return o, nil
}

// Store returns the local store.
func (o *Orchestrator) Store() db.LocalStore {
	return o.store
}

// Queue returns the pending operation queue.
func (o *Orchestrator) Queue() *queue.Queue {
	return o.queue
}

// Init opens the local store, seeds the online flag from the connectivity
// source, subscribes to connectivity and store events and starts the
// periodic drain. Calling Init again is a no-op. A StorageInitError is
// returned unchanged so the caller can degrade.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.initialized {
		return nil
	}
	if o.closed {
		return errors.New(errors.ErrInternal, "orchestrator is disposed")
	}

	if err := o.store.Init(ctx); err != nil {
		return err
	}
	meta, err := o.store.GetMetadata(ctx)
	if err != nil {
		return err
	}
	o.lastSync.Store(meta.LastSyncTimestamp)

	online := o.conn.IsOnline()
	o.online.Store(online)
	if _, err := o.store.PutMetadata(ctx, models.MetadataPatch{IsOnline: &online}); err != nil {
		return err
	}

	o.bgCtx, o.cancel = context.WithCancel(context.Background())
	if err := o.scheduler.Start(o.bgCtx); err != nil {
		o.cancel()
		return err
	}
	o.unsubscribe = append(o.unsubscribe,
		o.conn.Subscribe(o.handleOnline, o.handleOffline),
		o.store.Bus().Subscribe(o.onStoreChange),
	)
	o.initialized = true

	logging.Info("Sync orchestrator initialized", map[string]interface{}{
		"online":      online,
		"interval":    o.scheduler.Interval().String(),
		"max_retries": o.queue.MaxRetries(),
	})

	if online {
		o.scheduler.TriggerNow()
	}
	return nil
}

// Dispose stops the periodic drain, drops subscriptions and waits for
// background drains to return. The store is left open.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	unsubs := o.unsubscribe
	o.unsubscribe = nil
	cancel := o.cancel
	o.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	o.scheduler.Stop()
}

// Wait blocks until every background drain triggered so far has returned.
func (o *Orchestrator) Wait() {
	o.scheduler.Wait()
}

func (o *Orchestrator) handleOnline() {
	o.setOnline(o.backgroundContext(), true)
}

func (o *Orchestrator) handleOffline() {
	o.setOnline(o.backgroundContext(), false)
}

func (o *Orchestrator) backgroundContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bgCtx == nil {
		return context.Background()
	}
	return o.bgCtx
}

// SetOnline overrides the online flag, persisting it and notifying status
// listeners. Going online starts a drain in the background.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) error {
	return o.setOnline(ctx, online)
}

func (o *Orchestrator) setOnline(ctx context.Context, online bool) error {
	was := o.online.Swap(online)

	_, err := o.store.PutMetadata(ctx, models.MetadataPatch{IsOnline: &online})
	if err != nil {
		logging.Error("Failed to persist connectivity state", err, map[string]interface{}{"online": online})
	}
	if was != online {
		logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	}
	o.notifyStatus(ctx)

	if online {
		o.triggerDrain()
	}
	return err
}

// IsOnline returns the in-memory online flag.
func (o *Orchestrator) IsOnline() bool {
	return o.online.Load()
}

// triggerDrain starts a background drain. It does nothing before Init
// or after Dispose, when the scheduler is not running.
func (o *Orchestrator) triggerDrain() {
	o.scheduler.TriggerNow()
}

// SyncPendingOperations runs one drain pass. It returns a skipped result
// when another pass is running or the backend is unreachable.
func (o *Orchestrator) SyncPendingOperations(ctx context.Context) (res DrainResult) {
	if o.syncing.Load() {
		return DrainResult{Skipped: true, Reason: SkipInProgress}
	}
	if !o.online.Load() {
		return DrainResult{Skipped: true, Reason: SkipOffline}
	}
	if !o.syncing.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true, Reason: SkipInProgress}
	}
	o.notifyStatus(ctx)

	defer func() {
		if r := recover(); r != nil {
			err := errors.New(errors.ErrUnexpectedDrain, fmt.Sprintf("drain panicked: %v", r))
			o.unexpected(err)
			res.Err = err
		}
		o.syncing.Store(false)
		o.notifyStatus(context.WithoutCancel(ctx))
	}()

	res = o.drain(ctx)
	return res
}

func (o *Orchestrator) drain(ctx context.Context) DrainResult {
	var res DrainResult

	ops, err := o.queue.Pending(ctx)
	if err != nil {
		res.Err = o.unexpected(err)
		return res
	}
	if len(ops) > 0 {
		logging.Info("Draining pending operations", map[string]interface{}{"pending": len(ops)})
	}

	for i := 0; i < len(ops); i++ {
		op := ops[i]
		if !o.online.Load() || ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		res.Attempted++

		applyErr := o.apply(ctx, op)
		if applyErr == nil {
			if err := o.queue.Complete(ctx, op.ID); err != nil {
				res.Err = o.unexpected(err)
				return res
			}
			res.Succeeded++
			if err := o.settle(ctx, op, false); err != nil {
				res.Err = o.unexpected(err)
				return res
			}
			if op.Type == models.OperationCreate {
				// Later payloads may have been remapped to the server id.
				if ops, err = o.reload(ctx, ops, i); err != nil {
					res.Err = o.unexpected(err)
					return res
				}
			}
			continue
		}

		if isLocalFailure(applyErr) {
			res.Err = o.unexpected(applyErr)
			return res
		}
		if ctx.Err() != nil {
			// Shutdown is not a failed attempt.
			res.Attempted--
			res.Interrupted = true
			break
		}

		res.Failed++
		abandoned, err := o.queue.Failed(ctx, op, applyErr)
		if err != nil {
			res.Err = o.unexpected(err)
			return res
		}
		if abandoned {
			res.Abandoned++
			if err := o.settle(ctx, op, true); err != nil {
				res.Err = o.unexpected(err)
				return res
			}
			o.notice(Notice{
				Level: NoticeWarning,
				Code:  errors.ErrSyncAbandoned,
				Message: fmt.Sprintf("Could not sync %s of %s after %d attempts; the change was discarded",
					strings.ToLower(string(op.Type)), singular(op.Table), o.queue.MaxRetries()),
				OpType: op.Type,
				Table:  op.Table,
			})
		}
	}

	now := o.now().UnixMilli()
	bg := context.WithoutCancel(ctx)
	if _, err := o.store.PutMetadata(bg, models.MetadataPatch{LastSyncTimestamp: &now}); err != nil {
		res.Err = o.unexpected(err)
		return res
	}
	o.lastSync.Store(now)
	o.notifyStatus(bg)

	if res.Succeeded > 0 {
		o.notice(Notice{
			Level:   NoticeSuccess,
			Message: fmt.Sprintf("Synced %d pending %s", res.Succeeded, plural(res.Succeeded, "change", "changes")),
			Count:   res.Succeeded,
		})
	}

	logging.Debug("Drain finished", map[string]interface{}{
		"attempted": res.Attempted,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"abandoned": res.Abandoned,
	})
	return res
}

// settle updates the cached copy of op's entity once no queued operation
// targets it any more: a confirmed change clears the offline flag, an
// abandoned one drops the copy so the next List caches the server's
// version again.
func (o *Orchestrator) settle(ctx context.Context, op *models.PendingOperation, abandoned bool) error {
	if op.Type == models.OperationDelete {
		return nil
	}
	id := op.EntityID()
	if id == "" {
		return nil
	}
	pending, err := o.queue.HasPendingFor(ctx, op.Table, id, op.ID)
	if err != nil || pending {
		return err
	}

	e, err := o.store.GetEntity(ctx, op.Table, id)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		// Re-keyed by reconcile, or deleted locally.
		return nil
	case err != nil:
		return err
	}
	if !e.Offline().IsOffline {
		return nil
	}
	if abandoned {
		return o.store.DeleteEntity(ctx, op.Table, id)
	}
	return o.store.SaveEntity(ctx, e, false)
}

// reload replaces ops[done+1:] with their current stored versions,
// keeping the pass limited to operations queued when it started.
func (o *Orchestrator) reload(ctx context.Context, ops []*models.PendingOperation, done int) ([]*models.PendingOperation, error) {
	remaining := make(map[string]bool, len(ops)-done-1)
	for _, op := range ops[done+1:] {
		remaining[op.ID] = true
	}
	if len(remaining) == 0 {
		return ops, nil
	}

	fresh, err := o.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := append([]*models.PendingOperation(nil), ops[:done+1]...)
	for _, op := range fresh {
		if remaining[op.ID] {
			out = append(out, op)
		}
	}
	return out, nil
}

// apply routes op to its table handler under the per-call timeout.
func (o *Orchestrator) apply(ctx context.Context, op *models.PendingOperation) error {
	h, ok := o.handlers[op.Table]
	if !ok {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("no handler for table %q", op.Table))
	}

	callCtx, cancel := context.WithTimeout(ctx, o.remoteTimeout)
	defer cancel()

	err := h.Apply(callCtx, op)
	if err != nil && stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errors.Wrap(errors.ErrSyncTimeout,
			fmt.Sprintf("%s %s timed out after %s", op.Type, op.Table, o.remoteTimeout), err)
	}
	return err
}

// isLocalFailure reports whether err came from local bookkeeping rather
// than the backend. Such errors abort the pass instead of consuming a retry.
func isLocalFailure(err error) bool {
	if errors.Is(err, errors.ErrRemoteOperation) || errors.Is(err, errors.ErrSyncTimeout) {
		return false
	}
	return errors.Is(err, errors.ErrStorageWrite) ||
		errors.Is(err, errors.ErrStorageInit) ||
		errors.Is(err, errors.ErrDatabase)
}

// unexpected reports a whole-pass failure. The queue is left as it is.
func (o *Orchestrator) unexpected(err error) error {
	if !errors.Is(err, errors.ErrUnexpectedDrain) {
		err = errors.Wrap(errors.ErrUnexpectedDrain, "drain aborted", err)
	}
	logging.ErrorWithCode("Drain aborted", string(errors.ErrUnexpectedDrain), err, nil)
	o.notice(Notice{
		Level:   NoticeError,
		Code:    errors.ErrUnexpectedDrain,
		Message: "Sync failed; pending changes will be retried",
	})
	return err
}

// =====================================================
// Optimistic writes
// =====================================================

// CreateOptimistic stores e locally under a fresh placeholder id, queues a
// CREATE and returns the placeholder id. Only local storage errors are
// returned.
func (o *Orchestrator) CreateOptimistic(ctx context.Context, e models.Entity) (string, error) {
	if e == nil || !e.Kind().Valid() {
		return "", errors.New(errors.ErrInvalid, "unsupported entity")
	}
	if e.OwnerID() == "" && o.userID != "" {
		if err := models.MergePatch(e, map[string]interface{}{"user_id": o.userID}); err != nil {
			return "", errors.Wrap(errors.ErrInvalid, "set owner", err)
		}
	}

	id := uuid.NewOfflineID()
	e.SetEntityID(id)
	e.Touch(o.now().UTC(), true)

	row, err := models.ToRow(e)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "encode entity", err)
	}
	if _, err := o.queue.EnqueueWithEntity(ctx, models.OperationCreate, e, row); err != nil {
		return "", err
	}

	o.afterWrite()
	return id, nil
}

// UpdateOptimistic merges patch into the cached copy when there is one and
// always queues an UPDATE, since the remote row may exist uncached. The
// cached copy and the UPDATE are written together or not at all. A
// placeholder id returned by CreateOptimistic keeps working after the
// entity has been reconciled.
func (o *Orchestrator) UpdateOptimistic(ctx context.Context, kind models.EntityKind, id string, patch map[string]interface{}) error {
	id, err := o.resolve(ctx, kind, id)
	if err != nil {
		return err
	}
	now := o.now().UTC()

	data := make(map[string]interface{}, len(patch)+2)
	for k, v := range patch {
		data[k] = v
	}
	data["id"] = id
	data["updated_at"] = now.Format(time.RFC3339Nano)

	e, err := o.store.GetEntity(ctx, kind, id)
	switch {
	case err == nil:
		if err := models.MergePatch(e, patch); err != nil {
			return errors.Wrap(errors.ErrInvalid, fmt.Sprintf("patch %s %s", kind, id), err)
		}
		e.Touch(now, false)
		_, err = o.queue.EnqueueWithEntity(ctx, models.OperationUpdate, e, data)
	case errors.Is(err, errors.ErrNotFound):
		_, err = o.queue.Enqueue(ctx, models.OperationUpdate, kind, data)
	}
	if err != nil {
		return err
	}
	o.afterWrite()
	return nil
}

// DeleteOptimistic removes the cached copy and queues a DELETE. Like
// UpdateOptimistic it accepts a reconciled placeholder id.
func (o *Orchestrator) DeleteOptimistic(ctx context.Context, kind models.EntityKind, id string) error {
	id, err := o.resolve(ctx, kind, id)
	if err != nil {
		return err
	}

	if err := o.store.DeleteEntity(ctx, kind, id); err != nil {
		return err
	}
	if _, err := o.queue.Enqueue(ctx, models.OperationDelete, kind, map[string]interface{}{"id": id}); err != nil {
		return err
	}
	o.afterWrite()
	return nil
}

// resolve validates kind and id and maps a reconciled placeholder to the
// server id it was replaced with.
func (o *Orchestrator) resolve(ctx context.Context, kind models.EntityKind, id string) (string, error) {
	if !kind.Valid() {
		return "", errors.New(errors.ErrInvalid, fmt.Sprintf("unsupported entity kind %q", kind))
	}
	if id == "" {
		return "", errors.New(errors.ErrInvalid, "entity id is required")
	}
	if !uuid.IsOfflineID(id) {
		return id, nil
	}
	return o.store.ResolveEntityID(ctx, kind, id)
}

func (o *Orchestrator) afterWrite() {
	if o.online.Load() {
		o.triggerDrain()
	}
}

// =====================================================
// Reads
// =====================================================

// List returns the entities of kind matching filter. Offline records
// shadow server records with the same id. While online the backend is
// queried and confirmed rows are cached; on failure or while offline the
// cached confirmed rows stand in for the server set.
func (o *Orchestrator) List(ctx context.Context, kind models.EntityKind, filter remote.Filter) ([]models.Entity, error) {
	if !kind.Valid() {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unsupported entity kind %q", kind))
	}
	if filter.UserID == "" && filter.ParentID == "" {
		filter.UserID = o.userID
	}

	local, err := o.listLocal(ctx, kind, filter)
	if err != nil {
		return nil, err
	}
	var offline, confirmed []models.Entity
	for _, e := range local {
		if e.Offline().IsOffline {
			offline = append(offline, e)
		} else {
			confirmed = append(confirmed, e)
		}
	}

	if !o.online.Load() {
		return conflict.Shadow(confirmed, offline), nil
	}

	server, err := o.refresh(ctx, kind, filter, offline, confirmed)
	if err != nil {
		if isLocalFailure(err) {
			return nil, err
		}
		logging.Warn("Serving cached records", map[string]interface{}{
			"kind":  kind,
			"error": err.Error(),
		})
		return conflict.Shadow(confirmed, offline), nil
	}
	return conflict.Shadow(server, offline), nil
}

func (o *Orchestrator) listLocal(ctx context.Context, kind models.EntityKind, filter remote.Filter) ([]models.Entity, error) {
	var (
		entities []models.Entity
		err      error
	)
	switch {
	case filter.ParentID != "":
		entities, err = o.store.GetEntitiesByParent(ctx, kind, filter.ParentID)
	case filter.UserID != "":
		entities, err = o.store.GetEntitiesByUser(ctx, kind, filter.UserID)
	default:
		entities, err = o.store.GetAllEntities(ctx, kind)
	}
	if err != nil || filter.ParentID == "" || filter.UserID == "" {
		return entities, err
	}

	owned := entities[:0]
	for _, e := range entities {
		if e.OwnerID() == filter.UserID {
			owned = append(owned, e)
		}
	}
	return owned, nil
}

// refresh selects kind from the backend and brings the confirmed part of
// the cache in line with it. Ids with a queued DELETE are left out.
func (o *Orchestrator) refresh(ctx context.Context, kind models.EntityKind, filter remote.Filter, offline, confirmed []models.Entity) ([]models.Entity, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.remoteTimeout)
	rows, err := o.backend.Select(callCtx, kind, filter)
	cancel()
	if err != nil {
		return nil, errors.Wrap(errors.ErrRemoteOperation, fmt.Sprintf("select %s", kind), err)
	}

	deleting, err := o.pendingDeletes(ctx, kind)
	if err != nil {
		return nil, err
	}
	isOffline := make(map[string]bool, len(offline))
	for _, e := range offline {
		isOffline[e.EntityID()] = true
	}
	cached := make(map[string]models.Entity, len(confirmed))
	for _, e := range confirmed {
		cached[e.EntityID()] = e
	}

	server := make([]models.Entity, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		e, err := models.FromRow(kind, row)
		if err != nil {
			logging.Warn("Skipping malformed server row", map[string]interface{}{"kind": kind, "error": err.Error()})
			continue
		}
		id := e.EntityID()
		if id == "" || deleting[id] || seen[id] {
			continue
		}
		seen[id] = true
		server = append(server, e)

		if isOffline[id] {
			continue
		}
		prev, ok := cached[id]
		if ok {
			e.Offline().OfflineID = prev.Offline().OfflineID
			if sameRow(prev, e) {
				continue
			}
		}
		if err := o.store.SaveEntity(ctx, e, false); err != nil {
			return nil, err
		}
	}

	for id := range cached {
		if seen[id] || deleting[id] {
			continue
		}
		if err := o.store.DeleteEntity(ctx, kind, id); err != nil {
			return nil, err
		}
	}
	return server, nil
}

func (o *Orchestrator) pendingDeletes(ctx context.Context, kind models.EntityKind) (map[string]bool, error) {
	ops, err := o.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, op := range ops {
		if op.Type == models.OperationDelete && op.Table == kind {
			if id := op.EntityID(); id != "" {
				ids[id] = true
			}
		}
	}
	return ids, nil
}

// sameRow compares the remote-visible fields of two entities.
func sameRow(a, b models.Entity) bool {
	ra, err := models.ToRow(a)
	if err != nil {
		return false
	}
	rb, err := models.ToRow(b)
	if err != nil {
		return false
	}
	ja, _ := json.Marshal(ra)
	jb, _ := json.Marshal(rb)
	return bytes.Equal(ja, jb)
}

func singular(kind models.EntityKind) string {
	return strings.TrimSuffix(string(kind), "s")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
