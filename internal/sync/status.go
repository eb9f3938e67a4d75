package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/tripplanner/internal/logging"
	"github.com/kimhsiao/tripplanner/internal/models"
)

// Status is a point-in-time snapshot for connectivity and sync indicators.
type Status struct {
	IsOnline          bool       `json:"is_online"`
	IsSyncing         bool       `json:"is_syncing"`
	PendingOperations int        `json:"pending_operations"`
	LastSyncTime      *time.Time `json:"last_sync_time,omitempty"`
}

// GetStatus composes the current status. It never touches the network;
// a failed queue count is logged and reported as zero.
func (o *Orchestrator) GetStatus(ctx context.Context) Status {
	st := Status{
		IsOnline:  o.online.Load(),
		IsSyncing: o.syncing.Load(),
	}

	if n, err := o.store.GetPendingOperationsCount(ctx); err == nil {
		st.PendingOperations = n
	} else {
		logging.Warn("Failed to count pending operations", map[string]interface{}{"error": err.Error()})
	}

	if ms := o.lastSync.Load(); ms > 0 {
		t := time.UnixMilli(ms).UTC()
		st.LastSyncTime = &t
	}
	return st
}

// OnStatusChange registers listener for a fresh snapshot after every
// connectivity change, drain start, drain end and queue mutation.
func (o *Orchestrator) OnStatusChange(listener func(Status)) (unsubscribe func()) {
	return o.statusBus.Subscribe(listener)
}

// OnChange registers listener for local store change notifications. The
// listener receives the changed table name.
func (o *Orchestrator) OnChange(listener func(table string)) (unsubscribe func()) {
	return o.store.Bus().Subscribe(listener)
}

// OnNotice registers listener for user-visible notices.
func (o *Orchestrator) OnNotice(listener func(Notice)) (unsubscribe func()) {
	return o.noticeBus.Subscribe(listener)
}

func (o *Orchestrator) notifyStatus(ctx context.Context) {
	if o.statusBus.Len() == 0 {
		return
	}
	o.statusBus.Publish(o.GetStatus(ctx))
}

// onStoreChange turns queue mutations into status notifications.
func (o *Orchestrator) onStoreChange(table string) {
	if table == models.QueueTable {
		o.notifyStatus(context.Background())
	}
}

func (o *Orchestrator) notice(n Notice) {
	n.Time = o.now()
	o.notifier.Notify(n)
	o.noticeBus.Publish(n)
}
