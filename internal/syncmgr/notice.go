package syncmgr

import (
	"time"

	"github.com/silvachamo/agrosync/pkg/models"
)

// NoticeType names a change in the manager's state.
type NoticeType string

const (
	NoticeEnqueued  NoticeType = "enqueued"
	NoticeDrained   NoticeType = "drained"
	NoticeFailed    NoticeType = "failed"
	NoticeRetried   NoticeType = "retried"
	NoticeDiscarded NoticeType = "discarded"
	NoticeSnapshot  NoticeType = "snapshot"
)

// Notice is published through Config.Notify.
type Notice struct {
	Type    NoticeType
	Op      *models.Operation
	Label   string
	Count   int
	Pending int
	Kind    models.ErrorKind
	Message string
	At      time.Time
}
