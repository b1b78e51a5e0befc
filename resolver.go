package conflict

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	conflictErrors "github.com/dayplan-app/conflictkit/errors"
)

// Strategy is a field-level merge policy. The set is closed; registration
// rejects anything outside it so that strategy dispatch stays exhaustive.
type Strategy string

const (
	// StrategyLocal keeps the local value.
	StrategyLocal Strategy = "local"
	// StrategyServer keeps the server value. A field literally named
	// "status" is merged through the status priority table instead of
	// being overwritten raw.
	StrategyServer Strategy = "server"
	// StrategyMax keeps the numerically greater value, with a date-string
	// fallback for non-numeric values.
	StrategyMax Strategy = "max"
	// StrategyMin keeps the numerically smaller value, with the same
	// date-string fallback.
	StrategyMin Strategy = "min"
	// StrategyLatest keeps the most recently written value. Under the
	// single-authority model the server write always postdates the local
	// baseline, so this resolves to the server value.
	StrategyLatest Strategy = "latest"
	// StrategyConcat unions arrays with set semantics and joins strings
	// with a newline.
	StrategyConcat Strategy = "concat"
	// StrategyManual flags the field for human input, keeping the server
	// value as a provisional placeholder.
	StrategyManual Strategy = "manual"
)

// IsValid reports whether s is one of the known strategies.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyLocal, StrategyServer, StrategyMax, StrategyMin,
		StrategyLatest, StrategyConcat, StrategyManual:
		return true
	}
	return false
}

// EntityRules maps an entity type's fields to merge strategies. Fields
// without an explicit rule fall back to DefaultStrategy.
type EntityRules struct {
	EntityType      string              `json:"entityType" validate:"required"`
	FieldRules      map[string]Strategy `json:"fieldRules" validate:"dive,oneof=local server max min latest concat manual"`
	DefaultStrategy Strategy            `json:"defaultStrategy" validate:"required,oneof=local server max min latest concat manual"`
}

// statusRank orders workflow states so that the further-progressed value
// wins a status conflict regardless of which side it came from. Unranked
// values sit at 0.
var statusRank = map[string]int{
	"COMPLETED":   8,
	"IN_PROGRESS": 7,
	"ACTIVE":      6,
	"PAUSED":      5,
	"PENDING":     4,
	"CANCELLED":   3,
	"ARCHIVED":    2,
	"DRAFT":       1,
}

// Resolver owns the merge-policy registry and applies it to conflict
// records. The registry is instance state, mutated only through
// RegisterEntityRules and read on every resolve call.
type Resolver struct {
	mu       sync.RWMutex
	rules    map[string]EntityRules
	validate *validator.Validate
}

// NewResolver returns a Resolver seeded with the built-in rules for the
// suite's entity kinds.
func NewResolver() *Resolver {
	r := &Resolver{
		rules:    make(map[string]EntityRules),
		validate: validator.New(),
	}
	for _, rules := range builtinRules() {
		// Built-ins are static and well-formed; a registration failure
		// here is a programming error.
		if err := r.RegisterEntityRules(rules); err != nil {
			panic(fmt.Sprintf("conflict: invalid built-in rules for %q: %v", rules.EntityType, err))
		}
	}
	return r
}

// RegisterEntityRules adds or replaces the merge rules for one entity type.
// Keys are case-insensitive.
func (r *Resolver) RegisterEntityRules(rules EntityRules) error {
	if err := r.validate.Struct(rules); err != nil {
		return conflictErrors.NewValidationError(conflictErrors.OpRegisterRules, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[strings.ToLower(rules.EntityType)] = rules
	return nil
}

// EntityRulesFor looks up the registered rules for an entity type,
// case-insensitively.
func (r *Resolver) EntityRulesFor(entityType string) (EntityRules, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules, ok := r.rules[strings.ToLower(entityType)]
	return rules, ok
}

// TryAutoResolve applies the registered merge policy to a conflict record.
// Unknown entity types are server-authoritative: the whole record resolves
// to the server snapshot. When any conflicting field carries the manual
// strategy the result is unsuccessful and names those fields; the merged
// data still holds server values for them as provisional placeholders.
func (r *Resolver) TryAutoResolve(record *Record) *MergeResult {
	rules, ok := r.EntityRulesFor(record.EntityType)
	if !ok {
		return &MergeResult{
			Success:    true,
			Strategy:   ResolutionServer,
			MergedData: record.ServerData.Clone(),
		}
	}

	conflicting := make(map[string]FieldDiff, len(record.ConflictingFields))
	for _, diff := range record.ConflictingFields {
		conflicting[diff.Field] = diff
	}

	merged := make(Snapshot)
	manual := []string{}

	for _, field := range unionFields(record.LocalData, record.ServerData) {
		lv, inLocal := record.LocalData[field]
		sv, inServer := record.ServerData[field]

		if _, isConflicting := conflicting[field]; !isConflicting {
			if inServer {
				merged[field] = sv
			} else if inLocal {
				merged[field] = lv
			}
			continue
		}

		strategy, explicit := rules.FieldRules[field]
		if !explicit {
			strategy = rules.DefaultStrategy
		}

		value, needsManual := applyStrategy(strategy, field, lv, sv)
		if needsManual {
			manual = append(manual, field)
			merged[field] = sv
			continue
		}
		merged[field] = value
	}

	if len(manual) > 0 {
		sort.Strings(manual)
		return &MergeResult{
			Success:      false,
			Strategy:     ResolutionManual,
			MergedData:   merged,
			ManualFields: manual,
		}
	}
	return &MergeResult{
		Success:    true,
		Strategy:   ResolutionMerged,
		MergedData: merged,
	}
}

// ManualResolve builds the merged snapshot from a human's per-field side
// selections. It is deterministic and always succeeds: fields without a
// selection default to the server value when present, the local one
// otherwise.
func (r *Resolver) ManualResolve(record *Record, selections map[string]Side) *MergeResult {
	merged := make(Snapshot)

	for _, field := range unionFields(record.LocalData, record.ServerData) {
		lv, inLocal := record.LocalData[field]
		sv, inServer := record.ServerData[field]

		side, selected := selections[field]
		switch {
		case selected && side == SideLocal:
			if inLocal {
				merged[field] = lv
			}
		case selected && side == SideServer:
			if inServer {
				merged[field] = sv
			}
		case inServer:
			merged[field] = sv
		case inLocal:
			merged[field] = lv
		}
	}

	return &MergeResult{
		Success:    true,
		Strategy:   ResolutionManual,
		MergedData: merged,
	}
}

// ResolveWithLocal is the explicit full-snapshot override that bypasses all
// policy in favor of the local copy.
func (r *Resolver) ResolveWithLocal(record *Record) *MergeResult {
	return &MergeResult{
		Success:    true,
		Strategy:   ResolutionLocal,
		MergedData: record.LocalData.Clone(),
	}
}

// ResolveWithServer is the explicit full-snapshot override that bypasses all
// policy in favor of the server copy.
func (r *Resolver) ResolveWithServer(record *Record) *MergeResult {
	return &MergeResult{
		Success:    true,
		Strategy:   ResolutionServer,
		MergedData: record.ServerData.Clone(),
	}
}

// applyStrategy resolves one conflicting field. The bool result flags a
// field that needs human input.
func applyStrategy(strategy Strategy, field string, local, server any) (any, bool) {
	switch strategy {
	case StrategyLocal:
		return local, false
	case StrategyServer:
		if field == "status" {
			return mergeStatus(local, server), false
		}
		return server, false
	case StrategyMax:
		return pickExtreme(local, server, true), false
	case StrategyMin:
		return pickExtreme(local, server, false), false
	case StrategyLatest:
		return server, false
	case StrategyConcat:
		return concatValues(local, server), false
	case StrategyManual:
		return nil, true
	}
	// Registration validates strategies, so this branch is unreachable for
	// records resolved through the registry.
	return server, false
}

// mergeStatus picks the further-progressed workflow state. Ties and
// non-string values fall to the server side.
func mergeStatus(local, server any) any {
	ls, lok := local.(string)
	ss, sok := server.(string)
	if !lok || !sok {
		return server
	}
	if statusRank[strings.ToUpper(ls)] > statusRank[strings.ToUpper(ss)] {
		return local
	}
	return server
}

// pickExtreme compares numerically first, then falls back to comparing the
// values as date strings. Incomparable values resolve to the server side.
func pickExtreme(local, server any, max bool) any {
	if lf, lok := toFloat64(local); lok {
		if sf, sok := toFloat64(server); sok {
			if (max && lf > sf) || (!max && lf < sf) {
				return local
			}
			return server
		}
	}

	if lt, lok := toInstant(local); lok {
		if st, sok := toInstant(server); sok {
			if (max && lt.After(st)) || (!max && lt.Before(st)) {
				return local
			}
			return server
		}
	}

	return server
}

// concatValues unions arrays with set semantics (local order first, server
// additions appended) and joins distinct strings with a newline. Anything
// else resolves to the server side.
func concatValues(local, server any) any {
	if la, lok := local.([]any); lok {
		if sa, sok := server.([]any); sok {
			out := make([]any, 0, len(la)+len(sa))
			for _, v := range la {
				if !containsValue(out, v) {
					out = append(out, v)
				}
			}
			for _, v := range sa {
				if !containsValue(out, v) {
					out = append(out, v)
				}
			}
			return out
		}
	}

	if ls, lok := local.(string); lok {
		if ss, sok := server.(string); sok {
			if ls == ss {
				return ls
			}
			return ls + "\n" + ss
		}
	}

	return server
}

func containsValue(values []any, v any) bool {
	for _, existing := range values {
		if deepEqual(existing, v) {
			return true
		}
	}
	return false
}

func unionFields(local, server Snapshot) []string {
	seen := make(map[string]struct{}, len(local)+len(server))
	fields := make([]string, 0, len(local)+len(server))
	for f := range local {
		if _, dup := seen[f]; !dup {
			seen[f] = struct{}{}
			fields = append(fields, f)
		}
	}
	for f := range server {
		if _, dup := seen[f]; !dup {
			seen[f] = struct{}{}
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	return fields
}
