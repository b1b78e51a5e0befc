// Package conflict provides offline-sync conflict detection and resolution
// for a single-authority replication model: one server, one local replica.
// It supports field-level diffing of versioned snapshots, per-entity-type
// merge policies, and an auditable store of how every conflict was settled.
package conflict

import (
	"context"
	"encoding/json"
	"time"
)

// Snapshot is a point-in-time view of an entity's fields. Two system fields
// are expected on every snapshot: "version" (monotonic integer assigned by
// the authoritative side) and "updatedAt". The kit never mutates a snapshot
// it is handed; merge outputs are always freshly allocated maps.
type Snapshot map[string]any

// Version returns the snapshot's version field coerced to int64, or 0 when
// absent or not numeric.
func (s Snapshot) Version() int64 {
	v, ok := s["version"]
	if !ok {
		return 0
	}
	n, ok := toInt64(v)
	if !ok {
		return 0
	}
	return n
}

// Clone returns a shallow copy of the snapshot. Nested values are shared;
// callers must not mutate them.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// FieldDiff describes one field whose value differs between the local and
// server snapshots.
type FieldDiff struct {
	Field       string `json:"field"`
	LocalValue  any    `json:"localValue"`
	ServerValue any    `json:"serverValue"`
}

// DetectionResult is the outcome of comparing two snapshots of the same
// logical entity. HasConflict is true iff at least one of the three field
// lists is non-empty; equal versions always mean no conflict.
type DetectionResult struct {
	HasConflict       bool        `json:"hasConflict"`
	ConflictingFields []FieldDiff `json:"conflictingFields"`
	LocalOnlyFields   []string    `json:"localOnlyFields"`
	ServerOnlyFields  []string    `json:"serverOnlyFields"`
	LocalVersion      int64       `json:"localVersion"`
	ServerVersion     int64       `json:"serverVersion"`
}

// ResolutionType identifies how a conflict was (or would be) settled.
type ResolutionType string

const (
	ResolutionLocal  ResolutionType = "local"
	ResolutionServer ResolutionType = "server"
	ResolutionMerged ResolutionType = "merged"
	ResolutionManual ResolutionType = "manual"
)

// Side names one of the two snapshots involved in a conflict.
type Side string

const (
	SideLocal  Side = "local"
	SideServer Side = "server"
)

// Resolution is the persisted outcome of a resolved conflict record.
type Resolution struct {
	Type ResolutionType `json:"type"`
	Data Snapshot       `json:"data"`
}

// Record is a durable conflict occurrence. It is created the first time a
// real conflict is detected for an entity and transitions exactly once from
// unresolved to resolved; a resolved record is final.
type Record struct {
	ID                string      `json:"id"`
	EntityType        string      `json:"entityType"`
	EntityID          string      `json:"entityId"`
	LocalData         Snapshot    `json:"localData"`
	ServerData        Snapshot    `json:"serverData"`
	ConflictingFields []FieldDiff `json:"conflictingFields"`
	Resolution        *Resolution `json:"resolution,omitempty"`
	ResolvedAt        *time.Time  `json:"resolvedAt,omitempty"`
	ResolvedBy        string      `json:"resolvedBy,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
}

// Resolved reports whether the record has reached its terminal state.
func (r *Record) Resolved() bool {
	return r.ResolvedAt != nil
}

// MergeResult is the outcome of applying merge policy to a conflict record.
// Success is false iff ManualFields is non-empty.
type MergeResult struct {
	Success      bool           `json:"success"`
	Strategy     ResolutionType `json:"strategy"`
	MergedData   Snapshot       `json:"mergedData"`
	ManualFields []string       `json:"manualFields,omitempty"`
}

// CreateParams carries everything needed to persist a new conflict record.
type CreateParams struct {
	EntityType        string
	EntityID          string
	LocalData         Snapshot
	ServerData        Snapshot
	ConflictingFields []FieldDiff
}

// RecordStore provides persistence for conflict records. Implementations
// must back Resolve with a conditional write that only succeeds while the
// record is unresolved; that conditional write is the kit's sole concurrency
// guard.
type RecordStore interface {
	// Create persists a new unresolved record and returns it with its
	// generated id and creation timestamp filled in.
	Create(ctx context.Context, params CreateParams) (*Record, error)

	// Get returns the record with the given id, or nil when it does not
	// exist. A missing record is not an error.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByEntity returns every record for one entity, newest first.
	GetByEntity(ctx context.Context, entityType, entityID string) ([]*Record, error)

	// Resolve performs the conditional unresolved-to-resolved transition.
	// It returns false when the record is missing or already resolved;
	// callers must treat false as "someone else settled it", not an error.
	Resolve(ctx context.Context, id string, res Resolution, resolvedBy string) (bool, error)

	// ResolveBatch resolves each still-unresolved record in ids to the
	// named side's full snapshot, inside a single transaction. It returns
	// how many records were actually resolved; skips are expected.
	ResolveBatch(ctx context.Context, ids []string, side Side, resolvedBy string) (int, error)

	// GetUnresolved lists unresolved records, newest first. An empty
	// entityType matches all types.
	GetUnresolved(ctx context.Context, entityType string) ([]*Record, error)

	// GetUnresolvedByEntity returns the unresolved record for one entity,
	// or nil when there is none.
	GetUnresolvedByEntity(ctx context.Context, entityType, entityID string) (*Record, error)

	// GetUnresolvedCount returns the number of unresolved records.
	GetUnresolvedCount(ctx context.Context) (int, error)

	// HasUnresolvedConflict reports whether an unresolved record exists
	// for the given entity.
	HasUnresolvedConflict(ctx context.Context, entityType, entityID string) (bool, error)

	// CleanupResolved deletes resolved records older than the retention
	// window and returns how many were removed. Unresolved records are
	// never touched.
	CleanupResolved(ctx context.Context, retentionDays int) (int, error)

	// Close releases the underlying storage resources.
	Close() error
}

// Filter narrows record queries on the read side.
type Filter struct {
	EntityType string
	EntityID   string
	Resolution ResolutionType
	// Resolved filters by lifecycle state when non-nil.
	Resolved *bool
	From     time.Time
	To       time.Time
}

// Page selects one page of a query result.
type Page struct {
	Number int
	Size   int
}

// TrendPoint is one day's worth of conflict activity.
type TrendPoint struct {
	Date     string `json:"date"`
	Detected int    `json:"detected"`
	Resolved int    `json:"resolved"`
}

// Stats summarizes the conflict history.
type Stats struct {
	Total                 int            `json:"total"`
	Unresolved            int            `json:"unresolved"`
	Resolved              int            `json:"resolved"`
	ByEntityType          map[string]int `json:"byEntityType"`
	ByResolution          map[string]int `json:"byResolution"`
	AverageResolutionTime time.Duration  `json:"-"`
}

// MarshalJSON emits the average resolution time as a millisecond integer
// under the Ms-suffixed key; time.Duration would otherwise serialize as
// nanoseconds.
func (s Stats) MarshalJSON() ([]byte, error) {
	type alias Stats
	return json.Marshal(struct {
		alias
		AverageResolutionTimeMs int64 `json:"averageResolutionTimeMs"`
	}{alias(s), s.AverageResolutionTime.Milliseconds()})
}

// RecordQuerier is the read-side contract the History component runs on.
// Nothing reachable through this interface may mutate state.
type RecordQuerier interface {
	// Query returns one page of records matching the filter plus the total
	// match count, newest first.
	Query(ctx context.Context, f Filter, p Page) ([]*Record, int, error)

	// Stats aggregates counts and the average resolution time.
	Stats(ctx context.Context) (*Stats, error)

	// Trend returns per-day detected/resolved counts for the last n days.
	Trend(ctx context.Context, days int) ([]TrendPoint, error)

	// Search matches keyword against record id, entity id and the stored
	// snapshot content.
	Search(ctx context.Context, keyword string) ([]*Record, error)
}
