package sync

import (
	"time"

	"github.com/kimhsiao/tripplanner/internal/errors"
	"github.com/kimhsiao/tripplanner/internal/logging"
	"github.com/kimhsiao/tripplanner/internal/models"
)

// NoticeLevel is the severity of a user-visible notice.
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a toast-style message for the user about background sync.
type Notice struct {
	Level   NoticeLevel          `json:"level"`
	Code    errors.ErrorCode     `json:"code,omitempty"`
	Message string               `json:"message"`
	Count   int                  `json:"count,omitempty"`
	OpType  models.OperationType `json:"op_type,omitempty"`
	Table   models.EntityKind    `json:"table,omitempty"`
	Time    time.Time            `json:"time"`
}

// Notifier delivers notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notice) { f(n) }

// MultiNotifier fans a notice out to several notifiers.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(n Notice) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(n)
		}
	}
}

// LogNotifier writes notices to the structured log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(n Notice) {
	ctx := map[string]interface{}{"level": n.Level}
	if n.Count > 0 {
		ctx["count"] = n.Count
	}
	if n.OpType != "" {
		ctx["op_type"] = n.OpType
		ctx["table"] = n.Table
	}

	switch n.Level {
	case NoticeError, NoticeWarning:
		logging.Warn(n.Message, map[string]interface{}{"code": n.Code, "notice": ctx})
	default:
		logging.Info(n.Message, ctx)
	}
}
