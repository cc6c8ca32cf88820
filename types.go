package farmsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus is the local reconciliation state of a record.
type SyncStatus string

const (
	// StatusPending means created or modified locally and not yet confirmed by the remote.
	StatusPending SyncStatus = "pending"
	// StatusSynced means the remote accepted the record and bound a permanent ID. Terminal.
	StatusSynced SyncStatus = "synced"
	// StatusFailed means the last submission was explicitly rejected by the remote.
	StatusFailed SyncStatus = "failed"
)

// ValidStatuses returns all sync statuses.
func ValidStatuses() []SyncStatus {
	return []SyncStatus{StatusPending, StatusSynced, StatusFailed}
}

// IsValid checks if the status is one of the known values.
func (s SyncStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// ChildKind classifies records owned by a farmer.
type ChildKind string

const (
	ChildLandParcel ChildKind = "land_parcel"
	ChildCrop       ChildKind = "crop"
)

// ValidChildKinds returns all child kinds.
func ValidChildKinds() []ChildKind {
	return []ChildKind{ChildLandParcel, ChildCrop}
}

// IsValid checks if the kind is one of the known values.
func (k ChildKind) IsValid() bool {
	switch k {
	case ChildLandParcel, ChildCrop:
		return true
	}
	return false
}

// Record is a locally captured farmer registration.
//
// Payload is opaque to the sync layer: it is stored and transmitted unmodified.
type Record struct {
	TempID      string          `json:"temp_id"`
	PermanentID string          `json:"permanent_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      SyncStatus      `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	Attempts    int             `json:"attempts"`
	// Revision increases on every local edit to the payload or children.
	Revision  int64      `json:"revision"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

// Promote returns the record bound to permanentID.
// Re-promoting with the same ID returns the record unchanged; a different ID
// on a record that already has one is a *ConflictError.
func (r Record) Promote(permanentID string, at time.Time) (Record, error) {
	next, err := r.Bind(permanentID, at)
	if err != nil || r.Status == StatusSynced {
		return next, err
	}

	next.Status = StatusSynced
	next.LastError = ""
	next.UpdatedAt = at
	syncedAt := at
	next.SyncedAt = &syncedAt
	return next, nil
}

// Bind returns the record carrying permanentID without changing its status.
// Used when the remote accepted a revision that has since been edited locally.
func (r Record) Bind(permanentID string, at time.Time) (Record, error) {
	if permanentID == "" {
		return r, &ValidationError{Field: "permanent_id", Message: "required"}
	}
	if r.PermanentID != "" {
		if r.PermanentID == permanentID {
			return r, nil
		}
		return r, &ConflictError{TempID: r.TempID, Existing: r.PermanentID, Attempted: permanentID}
	}

	next := r
	next.PermanentID = permanentID
	next.UpdatedAt = at
	return next, nil
}

// Fail returns the record marked as rejected with reason.
func (r Record) Fail(reason string, at time.Time) (Record, error) {
	if r.Status == StatusSynced {
		return r, fmt.Errorf("%w: %s is synced", ErrInvalidTransition, r.TempID)
	}

	next := r
	next.Status = StatusFailed
	next.LastError = reason
	next.Attempts = r.Attempts + 1
	next.UpdatedAt = at
	return next, nil
}

// Requeue returns a failed record moved back to pending. Pending records are returned unchanged.
func (r Record) Requeue(at time.Time) (Record, error) {
	switch r.Status {
	case StatusPending:
		return r, nil
	case StatusFailed:
		next := r
		next.Status = StatusPending
		next.UpdatedAt = at
		return next, nil
	default:
		return r, fmt.Errorf("%w: %s is synced", ErrInvalidTransition, r.TempID)
	}
}

// Child is a land parcel or crop attached to a farmer record.
// Children have no sync status of their own and travel with their parent.
type Child struct {
	ID           string          `json:"id"`
	ParentTempID string          `json:"parent_temp_id"`
	Kind         ChildKind       `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// LedgerEvent names an entry in the change ledger.
type LedgerEvent string

const (
	EventCreated       LedgerEvent = "created"
	EventChildAttached LedgerEvent = "child_attached"
	EventUpdated       LedgerEvent = "updated"
	EventSynced        LedgerEvent = "synced"
	EventFailed        LedgerEvent = "failed"
	EventRequeued      LedgerEvent = "requeued"
	EventSuperseded    LedgerEvent = "superseded"
)

// LedgerEntry is one row of a record's change history.
type LedgerEntry struct {
	Sequence   int64       `json:"sequence"`
	TempID     string      `json:"temp_id"`
	Event      LedgerEvent `json:"event"`
	Detail     string      `json:"detail,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Stats contains aggregate counts for display.
type Stats struct {
	Total         int       `json:"total"`
	PendingCount  int       `json:"pending"`
	SyncedCount   int       `json:"synced"`
	FailedCount   int       `json:"failed"`
	ChildCount    int       `json:"children"`
	LastSync      time.Time `json:"last_sync,omitempty"`
	SchemaVersion string    `json:"schema_version"`
}

// CycleOutcome summarises how a sync cycle ended.
type CycleOutcome string

const (
	CycleCompleted CycleOutcome = "completed"
	CycleSkipped   CycleOutcome = "skipped"
	CycleAborted   CycleOutcome = "aborted"
)

// CycleResult is the structured result of one sync cycle.
type CycleResult struct {
	ID      string       `json:"id"`
	Outcome CycleOutcome `json:"outcome"`
	Success bool         `json:"success"`
	Synced  int          `json:"synced"`
	Failed  int          `json:"failed"`
	// Superseded counts outcomes for records edited while the batch was in flight.
	// Those records stay pending and are resubmitted next cycle.
	Superseded int                    `json:"superseded"`
	Remaining  int                    `json:"remaining"`
	Errors     []*RecordRejectedError `json:"errors,omitempty"`
	Message    string                 `json:"message,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	Duration   time.Duration          `json:"duration"`

	// Err is the typed cause of an aborted cycle, for errors.Is/As.
	Err error `json:"-"`
}

// HealthStatus reports client health.
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	StoreOK         bool   `json:"store_ok"`
	RemoteReachable bool   `json:"remote_reachable"`
	Error           string `json:"error,omitempty"`
}

// RemoteUpdate is a farmer whose registration state changed on the remote side.
type RemoteUpdate struct {
	FarmerID  string `json:"farmer_id"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Status    string `json:"status"`
}

// RemoteStatus lists remote changes since the last sync.
type RemoteStatus struct {
	LastSync     string         `json:"last_sync"`
	CurrentTime  string         `json:"current_time"`
	UpdatesCount int            `json:"updates_count"`
	Farmers      []RemoteUpdate `json:"farmers"`
}
