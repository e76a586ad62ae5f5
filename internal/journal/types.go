package journal

import (
	"time"

	"github.com/ChuLiYu/queuectl/pkg/types"
)

// EventType 事件類型
type EventType string

const (
	EventEnqueue   EventType = "ENQUEUE"    // Job created
	EventClaim     EventType = "CLAIM"      // Worker took the lease
	EventComplete  EventType = "COMPLETE"   // Exit 0
	EventRetry     EventType = "RETRY"      // Failed, scheduled with backoff
	EventDead      EventType = "DEAD"       // Retries exhausted
	EventReclaim   EventType = "RECLAIM"    // Stale leases reverted by a sweep
	EventDLQRetry  EventType = "DLQ_RETRY"  // Operator reset a dead job
	EventLeaseLost EventType = "LEASE_LOST" // Result dropped, another worker owns the job
	EventCommand   EventType = "COMMAND"    // Operator command audit
)

// Event is one JSON line in the journal.
type Event struct {
	At       time.Time      `json:"at"`
	Type     EventType      `json:"type"`
	JobID    string         `json:"job_id,omitempty"`
	WorkerID string         `json:"worker_id,omitempty"`
	State    types.JobState `json:"state,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Checksum uint32         `json:"checksum"`
}

// EventHandler is called for every event during Replay.
type EventHandler func(event Event) error
