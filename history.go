package conflict

import (
	"context"
	"encoding/json"
	"time"

	conflictErrors "github.com/dayplan-app/conflictkit/errors"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200

	// exportSchemaVersion is bumped on any shape change to the export
	// envelope so consumers can reject blobs they do not understand.
	exportSchemaVersion = 1
)

// PageResult is one page of conflict history.
type PageResult struct {
	Records    []*Record `json:"records"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	TotalPages int       `json:"totalPages"`
}

// Export is the serialized envelope produced by History.Export.
type Export struct {
	Schema     int       `json:"schema"`
	ExportedAt time.Time `json:"exportedAt"`
	Count      int       `json:"count"`
	Records    []*Record `json:"records"`
}

// History is the read-side view over the durable conflict records. It never
// mutates state; everything below it is reached through RecordQuerier.
type History struct {
	querier RecordQuerier
}

// NewHistory creates a History over the given read-side querier.
func NewHistory(querier RecordQuerier) *History {
	return &History{querier: querier}
}

// Query returns a filtered, paginated slice of the conflict history,
// newest first. Page numbers start at 1; sizes are clamped to a sane cap.
func (h *History) Query(ctx context.Context, f Filter, p Page) (*PageResult, error) {
	if p.Number <= 0 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}

	records, total, err := h.querier.Query(ctx, f, p)
	if err != nil {
		return nil, err
	}

	totalPages := total / p.Size
	if total%p.Size != 0 {
		totalPages++
	}

	return &PageResult{
		Records:    records,
		Total:      total,
		Page:       p.Number,
		PageSize:   p.Size,
		TotalPages: totalPages,
	}, nil
}

// Stats aggregates counts and the average resolution time across the whole
// history.
func (h *History) Stats(ctx context.Context) (*Stats, error) {
	return h.querier.Stats(ctx)
}

// Trend returns per-day detected/resolved counts for the last days days.
func (h *History) Trend(ctx context.Context, days int) ([]TrendPoint, error) {
	return h.querier.Trend(ctx, days)
}

// Search matches keyword against record ids, entity ids, and snapshot
// content.
func (h *History) Search(ctx context.Context, keyword string) ([]*Record, error) {
	return h.querier.Search(ctx, keyword)
}

// Export serializes every record matching the filter into a versioned JSON
// envelope. The export is unpaginated; large histories should be narrowed
// with the filter first.
func (h *History) Export(ctx context.Context, f Filter) ([]byte, error) {
	records := []*Record{}
	page := Page{Number: 1, Size: maxPageSize}
	for {
		batch, total, err := h.querier.Query(ctx, f, page)
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
		if len(records) >= total || len(batch) == 0 {
			break
		}
		page.Number++
	}

	blob, err := json.Marshal(Export{
		Schema:     exportSchemaVersion,
		ExportedAt: time.Now().UTC(),
		Count:      len(records),
		Records:    records,
	})
	if err != nil {
		return nil, conflictErrors.New(conflictErrors.OpExport, err)
	}
	return blob, nil
}
