package domain

import (
	"encoding/json"
	"time"
)

// MaxRetries is the delivery attempt ceiling. A task that fails this many
// times stops being auto-retried and requires a manual retry.
const MaxRetries = 5

type EntityType string

const (
	EntityTimeEntryStart  EntityType = "time_entry_start"
	EntityTimeEntryPause  EntityType = "time_entry_pause"
	EntityTimeEntryResume EntityType = "time_entry_resume"
	EntityTimeEntryStop   EntityType = "time_entry_stop"
	EntityScreenshot      EntityType = "screenshot"
	EntityActivity        EntityType = "activity"
)

type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusSent    TaskStatus = "sent"
	StatusFailed  TaskStatus = "failed"
)

// Task is one queued unit of work awaiting delivery to the remote system.
type Task struct {
	ID           int64           `json:"id"`
	EntityType   EntityType      `json:"entity_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       TaskStatus      `json:"status"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
	LastRetryAt  *time.Time      `json:"last_retry_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

// QueueStats is the aggregate view over the task set.
type QueueStats struct {
	PendingCount  int                `json:"pending_count"`
	FailedCount   int                `json:"failed_count"`
	SentCount     int                `json:"sent_count"`
	PendingByType map[EntityType]int `json:"pending_by_type"`
}

// SyncStatus is derived on demand from the task set plus live connectivity,
// never persisted.
type SyncStatus struct {
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
	IsOnline     bool       `json:"is_online"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
}

type TimerState string

const (
	TimerRunning TimerState = "RUNNING"
	TimerPaused  TimerState = "PAUSED"
	TimerStopped TimerState = "STOPPED"
)

// TimerSnapshot is an immutable view of the timer state machine. Revision
// increases on every transition; a poller adopts a snapshot only if its
// revision is newer than the one it already holds.
type TimerSnapshot struct {
	State               TimerState `json:"state"`
	ElapsedSeconds      int64      `json:"elapsed_seconds"`
	DayStart            time.Time  `json:"day_start"`
	RestoredFromRunning bool       `json:"restored_from_running"`
	IdlePauseStart      *time.Time `json:"idle_pause_start,omitempty"`
	ProjectID           string     `json:"project_id,omitempty"`
	Revision            uint64     `json:"revision"`
}

// TimeEntryPayload is the serialized record carried by time_entry_* tasks.
// EntryID stays stable across the start/pause/resume/stop transitions of one
// tracked entry so the remote can correlate them.
type TimeEntryPayload struct {
	EntryID        string `json:"entry_id"`
	ProjectID      string `json:"project_id,omitempty"`
	Action         string `json:"action"`
	At             int64  `json:"at"` // unix seconds, local wall clock
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	// Automatic marks pauses entered by the idle/sleep detector rather
	// than the user.
	Automatic bool `json:"automatic,omitempty"`
	// FromIdleWindow marks resumes requested through the idle popup. The
	// resume is still user-initiated, so it is never Automatic.
	FromIdleWindow bool `json:"from_idle_window,omitempty"`
}
