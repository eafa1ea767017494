package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskConflictEscalate notifies supervisors about a lot expiration
	// conflict recorded during ingestion.
	TaskConflictEscalate = "ledger:conflict:escalate"
	// TaskKeyRetention sweeps movement keys past the retention window.
	TaskKeyRetention = "ledger:keys:retention"
)

// ConflictEscalationPayload carries one recorded lot conflict.
type ConflictEscalationPayload struct {
	FacilityID         string    `json:"facility_id"`
	ProductCode        string    `json:"product_code"`
	LotCode            string    `json:"lot_code"`
	ExistingExpiration string    `json:"existing_expiration,omitempty"`
	ReportedExpiration string    `json:"reported_expiration,omitempty"`
	ReportedAt         time.Time `json:"reported_at"`
}

// NewConflictEscalationTask constructs an Asynq task for one conflict.
func NewConflictEscalationTask(payload ConflictEscalationPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConflictEscalate, data, asynq.Queue(QueueDefault)), nil
}

// KeyRetentionPayload carries scheduling metadata for the retention sweep.
type KeyRetentionPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewKeyRetentionTask constructs the nightly retention sweep task.
func NewKeyRetentionTask(at time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(KeyRetentionPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskKeyRetention, data, asynq.Queue(QueueDefault)), nil
}
