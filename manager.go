package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	conflictErrors "github.com/dayplan-app/conflictkit/errors"
	"github.com/dayplan-app/conflictkit/logging"
)

// Options configures a Manager.
type Options struct {
	// DisableAutoResolve skips merge policy entirely: every detected
	// conflict is persisted unresolved and announced via
	// EventDetected. Auto-resolution is on by default.
	DisableAutoResolve bool

	// Detect is passed through to every detection call.
	Detect *DetectOptions

	// Metrics receives observability hooks (optional).
	Metrics MetricsCollector
}

// HandleResult is what the sync engine gets back from HandleSyncConflict.
// The engine owns writing any merged data back to local storage and the
// remote service; the Manager never performs that write itself.
type HandleResult struct {
	HasConflict  bool             `json:"hasConflict"`
	AutoResolved bool             `json:"autoResolved"`
	Record       *Record          `json:"record,omitempty"`
	Resolution   *MergeResult     `json:"resolution,omitempty"`
	ManualFields []string         `json:"manualFields,omitempty"`
	Detection    *DetectionResult `json:"detection,omitempty"`
}

// Manager is the orchestrator and the only component other subsystems call.
// It wires Detector, RecordStore and Resolver behind HandleSyncConflict and
// the manual resolution entry points, and announces outcomes through
// in-process events. All collaborators are injected at construction; the
// Manager holds no hidden global state.
type Manager struct {
	detector *Detector
	resolver *Resolver
	store    RecordStore
	history  *History
	options  Options
	logger   *logging.Logger

	// Internal state
	mu        sync.RWMutex
	listeners []EventListener
	closed    bool
}

// NewManager wires the conflict pipeline together. All four collaborators
// are required; opts may be nil for defaults.
func NewManager(detector *Detector, resolver *Resolver, store RecordStore, history *History, opts *Options) *Manager {
	options := Options{}
	if opts != nil {
		options = *opts
	}
	if options.Metrics == nil {
		options.Metrics = &NoOpMetricsCollector{}
	}

	return &Manager{
		detector: detector,
		resolver: resolver,
		store:    store,
		history:  history,
		options:  options,
		logger:   logging.WithComponent(logging.Component("conflict-manager")),
	}
}

// HandleSyncConflict reconciles one entity after a period of disconnection.
// lastSynced is the snapshot from the last successful sync and may be nil.
//
// The flow: detect; bail out when nothing diverged; silently adopt the
// server copy when the baseline proves the local copy was never edited;
// otherwise persist a record and either auto-resolve it through merge
// policy or hand it to a human.
func (m *Manager) HandleSyncConflict(ctx context.Context, entityType, entityID string, local, server, lastSynced Snapshot) (*HandleResult, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, conflictErrors.New(conflictErrors.OpHandle, fmt.Errorf("conflict manager is closed"))
	}
	m.mu.RUnlock()

	detection := m.detector.Detect(local, server, m.options.Detect)
	if !detection.HasConflict {
		return &HandleResult{HasConflict: false, Detection: detection}, nil
	}

	autoResolve := !m.options.DisableAutoResolve

	// Cheap path: the baseline proves the local copy was never edited, so
	// the server copy can be adopted without recording anything.
	if autoResolve && lastSynced != nil && m.detector.ShouldAutoResolveToServer(local, server, lastSynced) {
		return &HandleResult{
			HasConflict:  true,
			AutoResolved: true,
			Detection:    detection,
			Resolution: &MergeResult{
				Success:    true,
				Strategy:   ResolutionServer,
				MergedData: server.Clone(),
			},
		}, nil
	}

	record, err := m.store.Create(ctx, CreateParams{
		EntityType:        entityType,
		EntityID:          entityID,
		LocalData:         local,
		ServerData:        server,
		ConflictingFields: detection.ConflictingFields,
	})
	if err != nil {
		return nil, err
	}
	m.options.Metrics.RecordConflictDetected(entityType)

	m.logger.InfoContext(ctx, "Conflict recorded",
		slog.String("record_id", record.ID),
		slog.String("entity_type", entityType),
		slog.String("entity_id", entityID),
		slog.Int("conflicting_fields", len(detection.ConflictingFields)),
	)

	if !autoResolve {
		m.emit(Event{Type: EventDetected, Record: record})
		return &HandleResult{
			HasConflict: true,
			Record:      record,
			Detection:   detection,
		}, nil
	}

	merge := m.resolver.TryAutoResolve(record)
	if !merge.Success {
		m.options.Metrics.RecordManualRequired(entityType)
		m.emit(Event{Type: EventManualRequired, Record: record, Resolution: merge})
		return &HandleResult{
			HasConflict:  true,
			Record:       record,
			Resolution:   merge,
			ManualFields: merge.ManualFields,
			Detection:    detection,
		}, nil
	}

	ok, err := m.persistResolution(ctx, record, merge, "auto")
	if err != nil {
		return nil, err
	}
	if !ok {
		// Someone settled the record between Create and the conditional
		// write. Report the conflict without claiming our merge applied.
		return &HandleResult{
			HasConflict: true,
			Record:      record,
			Detection:   detection,
		}, nil
	}
	m.options.Metrics.RecordAutoResolved(entityType, merge.Strategy)
	m.emit(Event{Type: EventAutoResolved, Record: record, Resolution: merge})

	return &HandleResult{
		HasConflict:  true,
		AutoResolved: true,
		Record:       record,
		Resolution:   merge,
		Detection:    detection,
	}, nil
}

// ResolveManually settles a recorded conflict from a human's per-field side
// selections. It returns nil when the record does not exist, was already
// settled, or the conditional write loses to a concurrent resolution; none
// of those cases is an error, and the winner's resolution stands.
func (m *Manager) ResolveManually(ctx context.Context, recordID string, selections map[string]Side, resolvedBy string) (*MergeResult, error) {
	return m.resolveRecorded(ctx, recordID, resolvedBy, func(record *Record) *MergeResult {
		return m.resolver.ManualResolve(record, selections)
	})
}

// ResolveWithLocal settles a recorded conflict by adopting the local
// snapshot wholesale, bypassing all merge policy.
func (m *Manager) ResolveWithLocal(ctx context.Context, recordID, resolvedBy string) (*MergeResult, error) {
	return m.resolveRecorded(ctx, recordID, resolvedBy, m.resolver.ResolveWithLocal)
}

// ResolveWithServer settles a recorded conflict by adopting the server
// snapshot wholesale, bypassing all merge policy.
func (m *Manager) ResolveWithServer(ctx context.Context, recordID, resolvedBy string) (*MergeResult, error) {
	return m.resolveRecorded(ctx, recordID, resolvedBy, m.resolver.ResolveWithServer)
}

func (m *Manager) resolveRecorded(ctx context.Context, recordID, resolvedBy string, merge func(*Record) *MergeResult) (*MergeResult, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, conflictErrors.New(conflictErrors.OpResolve, fmt.Errorf("conflict manager is closed"))
	}
	m.mu.RUnlock()

	record, err := m.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Resolved() {
		return nil, nil
	}

	result := merge(record)
	ok, err := m.persistResolution(ctx, record, result, resolvedBy)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the conditional write: someone else settled the record
		// between the read and the update. Their resolution stands, ours
		// was never applied.
		return nil, nil
	}
	if record.ResolvedAt != nil {
		m.options.Metrics.RecordResolutionDuration(record.ResolvedAt.Sub(record.CreatedAt))
	}
	m.emit(Event{Type: EventResolved, Record: record, Resolution: result})
	return result, nil
}

// persistResolution performs the conditional unresolved-to-resolved write
// and mirrors the outcome onto the in-memory record for event payloads. It
// reports whether the write landed: false means another caller settled the
// record first, their resolution owns the record, and ours must not be
// announced or handed back as applied.
func (m *Manager) persistResolution(ctx context.Context, record *Record, result *MergeResult, resolvedBy string) (bool, error) {
	resolution := Resolution{Type: result.Strategy, Data: result.MergedData}
	ok, err := m.store.Resolve(ctx, record.ID, resolution, resolvedBy)
	if err != nil {
		return false, err
	}
	if !ok {
		m.logger.WarnContext(ctx, "Resolution lost the conditional write",
			slog.String("record_id", record.ID),
		)
		return false, nil
	}

	now := time.Now().UTC()
	record.Resolution = &resolution
	record.ResolvedAt = &now
	record.ResolvedBy = resolvedBy
	return true, nil
}

// ResolveBatch resolves every still-unresolved record in ids to the named
// side's snapshot. The count of records actually resolved is returned;
// already-settled ids are skipped, not failed.
func (m *Manager) ResolveBatch(ctx context.Context, ids []string, side Side, resolvedBy string) (int, error) {
	return m.store.ResolveBatch(ctx, ids, side, resolvedBy)
}

// Unresolved lists unresolved conflict records, newest first. An empty
// entityType matches all types.
func (m *Manager) Unresolved(ctx context.Context, entityType string) ([]*Record, error) {
	return m.store.GetUnresolved(ctx, entityType)
}

// UnresolvedCount returns the number of unresolved conflict records.
func (m *Manager) UnresolvedCount(ctx context.Context) (int, error) {
	return m.store.GetUnresolvedCount(ctx)
}

// HasUnresolvedConflict reports whether an unresolved record exists for the
// given entity.
func (m *Manager) HasUnresolvedConflict(ctx context.Context, entityType, entityID string) (bool, error) {
	return m.store.HasUnresolvedConflict(ctx, entityType, entityID)
}

// CleanupResolved deletes resolved records older than the retention window
// and returns how many were removed.
func (m *Manager) CleanupResolved(ctx context.Context, retentionDays int) (int, error) {
	return m.store.CleanupResolved(ctx, retentionDays)
}

// Detector returns the injected detector for ad-hoc comparisons.
func (m *Manager) Detector() *Detector {
	return m.detector
}

// Resolver returns the injected resolver, e.g. for registering additional
// entity rules at runtime.
func (m *Manager) Resolver() *Resolver {
	return m.resolver
}

// History returns the read-side view over the conflict records.
func (m *Manager) History() *History {
	return m.history
}

// OnEvent registers a listener for conflict events.
func (m *Manager) OnEvent(listener EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// emit delivers an event to every listener, after the corresponding durable
// write. A panicking listener is recovered and logged so it cannot abort
// the Manager call that triggered it.
func (m *Manager) emit(event Event) {
	m.mu.RLock()
	listeners := make([]EventListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		func(l EventListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Event listener panicked",
						slog.String("event_type", string(event.Type)),
						slog.Any("panic", r),
					)
				}
			}()
			l(event)
		}(listener)
	}
}

// Close shuts down the manager and its store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if err := m.store.Close(); err != nil {
		return conflictErrors.NewWithComponent(conflictErrors.OpClose, "store", err)
	}
	return nil
}
