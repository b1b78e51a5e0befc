package conflict

import (
	"sort"
)

// systemFields are never compared: they are bookkeeping assigned by the
// authoritative side, not user-visible content. Both camelCase and
// snake_case spellings are covered.
var systemFields = map[string]struct{}{
	"version":    {},
	"updatedAt":  {},
	"updated_at": {},
	"createdAt":  {},
	"created_at": {},
}

// DetectOptions narrows or widens what Detect looks at.
type DetectOptions struct {
	// FieldsToIgnore are skipped in addition to the system fields.
	FieldsToIgnore []string

	// FieldsToCompare restricts comparison to this set when non-empty.
	// The ignore set still applies.
	FieldsToCompare []string
}

// Detector compares versioned snapshots of the same logical entity. It is
// pure computation: no I/O, no state beyond the method arguments.
type Detector struct{}

// NewDetector returns a Detector ready for use.
func NewDetector() *Detector {
	return &Detector{}
}

// Detect compares a local and a server snapshot and reports every field
// whose value diverges. Equal version numbers are treated as proof of no
// divergence and short-circuit the comparison entirely.
func (d *Detector) Detect(local, server Snapshot, opts *DetectOptions) *DetectionResult {
	result := &DetectionResult{
		ConflictingFields: []FieldDiff{},
		LocalOnlyFields:   []string{},
		ServerOnlyFields:  []string{},
		LocalVersion:      local.Version(),
		ServerVersion:     server.Version(),
	}

	if result.LocalVersion == result.ServerVersion {
		return result
	}

	for _, field := range d.fieldsToExamine(local, server, opts) {
		lv, inLocal := local[field]
		sv, inServer := server[field]

		switch {
		case inLocal && !inServer:
			result.LocalOnlyFields = append(result.LocalOnlyFields, field)
		case !inLocal && inServer:
			result.ServerOnlyFields = append(result.ServerOnlyFields, field)
		case !deepEqual(lv, sv):
			result.ConflictingFields = append(result.ConflictingFields, FieldDiff{
				Field:       field,
				LocalValue:  lv,
				ServerValue: sv,
			})
		}
	}

	result.HasConflict = len(result.ConflictingFields) > 0 ||
		len(result.LocalOnlyFields) > 0 ||
		len(result.ServerOnlyFields) > 0
	return result
}

// DetectBatch diffs an entire page of entities in one call. Only ids present
// in both maps and carrying a detected conflict produce an entry.
func (d *Detector) DetectBatch(local, server map[string]Snapshot, opts *DetectOptions) map[string]*DetectionResult {
	results := make(map[string]*DetectionResult)
	for id, localSnap := range local {
		serverSnap, ok := server[id]
		if !ok {
			continue
		}
		if res := d.Detect(localSnap, serverSnap, opts); res.HasConflict {
			results[id] = res
		}
	}
	return results
}

// CompareFields is a lighter entry point for ad-hoc comparison outside the
// full conflict pipeline, e.g. a UI diff preview. It reports a diff for
// every named field whose values differ, including fields present on only
// one side.
func (d *Detector) CompareFields(local, server Snapshot, fields []string) []FieldDiff {
	diffs := []FieldDiff{}
	for _, field := range fields {
		lv, inLocal := local[field]
		sv, inServer := server[field]
		if !inLocal && !inServer {
			continue
		}
		if inLocal && inServer && deepEqual(lv, sv) {
			continue
		}
		diffs = append(diffs, FieldDiff{Field: field, LocalValue: lv, ServerValue: sv})
	}
	return diffs
}

// ShouldAutoResolveToServer reports whether the server copy can be adopted
// without recording a conflict. With a baseline it is true exactly when the
// local copy is field-identical to that baseline, i.e. never edited since
// the last successful sync. Without a baseline it falls back to trusting a
// strictly greater server version; callers adopting that path accept that
// local-only fields are discarded.
func (d *Detector) ShouldAutoResolveToServer(local, server, lastSynced Snapshot) bool {
	if lastSynced != nil {
		return !d.fieldsChanged(local, lastSynced)
	}
	return server.Version() > local.Version()
}

// fieldsChanged compares two snapshots field by field, bypassing the version
// short-circuit: a locally edited copy keeps the version the server assigned
// at the last sync, so version equality proves nothing here.
func (d *Detector) fieldsChanged(a, b Snapshot) bool {
	for _, field := range d.fieldsToExamine(a, b, nil) {
		av, inA := a[field]
		bv, inB := b[field]
		if inA != inB {
			return true
		}
		if inA && !deepEqual(av, bv) {
			return true
		}
	}
	return false
}

// fieldsToExamine returns the sorted union of field names on both sides,
// minus the system fields, honoring FieldsToIgnore and FieldsToCompare.
func (d *Detector) fieldsToExamine(local, server Snapshot, opts *DetectOptions) []string {
	ignored := make(map[string]struct{}, len(systemFields))
	for f := range systemFields {
		ignored[f] = struct{}{}
	}

	var restrict map[string]struct{}
	if opts != nil {
		for _, f := range opts.FieldsToIgnore {
			ignored[f] = struct{}{}
		}
		if len(opts.FieldsToCompare) > 0 {
			restrict = make(map[string]struct{}, len(opts.FieldsToCompare))
			for _, f := range opts.FieldsToCompare {
				restrict[f] = struct{}{}
			}
		}
	}

	seen := make(map[string]struct{}, len(local)+len(server))
	fields := make([]string, 0, len(local)+len(server))
	collect := func(s Snapshot) {
		for f := range s {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			if _, skip := ignored[f]; skip {
				continue
			}
			if restrict != nil {
				if _, keep := restrict[f]; !keep {
					continue
				}
			}
			fields = append(fields, f)
		}
	}
	collect(local)
	collect(server)

	sort.Strings(fields)
	return fields
}
