package conflict

import "time"

// MetricsCollector provides hooks for observability.
type MetricsCollector interface {
	// RecordConflictDetected counts a persisted conflict by entity type
	RecordConflictDetected(entityType string)

	// RecordAutoResolved counts a policy-settled conflict by entity type
	// and winning strategy
	RecordAutoResolved(entityType string, strategy ResolutionType)

	// RecordManualRequired counts a conflict that needs human input
	RecordManualRequired(entityType string)

	// RecordResolutionDuration records detection-to-resolution latency
	RecordResolutionDuration(d time.Duration)
}

// NoOpMetricsCollector is a stub implementation that discards metrics.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordConflictDetected(entityType string)                      {}
func (*NoOpMetricsCollector) RecordAutoResolved(entityType string, strategy ResolutionType) {}
func (*NoOpMetricsCollector) RecordManualRequired(entityType string)                        {}
func (*NoOpMetricsCollector) RecordResolutionDuration(d time.Duration)                      {}
