// Package ingeststore implements IngestStore from spec.md section 4.1: the
// persistent queue of ObservationGroups and their SubbandFiles, advancing
// each group through the collecting → pending → in_progress →
// completed|failed state machine.
package ingeststore

import "time"

// GroupState is one of the ObservationGroup lifecycle states from
// spec.md section 3.
type GroupState string

const (
	StateCollecting GroupState = "collecting"
	StatePending    GroupState = "pending"
	StateInProgress GroupState = "in_progress"
	StateCompleted  GroupState = "completed"
	StateFailed     GroupState = "failed"
	StateRetired    GroupState = "retired"
)

// Outcome is what finalize() records for an in_progress group.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// ObservationGroup is the queue row for one observation window.
type ObservationGroup struct {
	GroupID               string
	ExpectedSubbandCount  int
	ReceivedAt            time.Time
	LastUpdated           time.Time
	State                 GroupState
	RetryCount            int
	ErrorMessage          string
	ProcessingStage       string
	CheckpointPayload     []byte
	WorkerID              string
	LeaseExpiresAt        *time.Time
	NextClaimAt           *time.Time
	SubbandCount          int // distinct subband indices currently registered
}

// SubbandFile is one input file belonging to an ObservationGroup.
type SubbandFile struct {
	GroupID      string
	SubbandIndex int
	Path         string
	Size         int64
	DiscoveredAt time.Time
}

// FileRegistration is the input to RegisterFile: a discovered subband file
// plus the (group_id, subband_index) pair already extracted from its path
// by the configured PathParser.
type FileRegistration struct {
	GroupID              string
	SubbandIndex         int
	Path                 string
	Size                 int64
	DiscoveredAt         time.Time
	ExpectedSubbandCount int // used only when this call creates the group
}
