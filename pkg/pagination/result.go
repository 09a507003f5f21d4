package pagination

import (
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/canvas-client/pkg/linkheader"
)

// Result is a materialized page: its items and pagination metadata. All
// getters return copies, so a Result can be shared between goroutines.
type Result struct {
	data        []json.RawMessage
	currentPage int
	totalPages  int
	hasTotal    bool
	perPage     int
	hasPerPage  bool
	links       linkheader.Relations
}

// Data returns the items.
func (r *Result) Data() []json.RawMessage { return cloneItems(r.data) }

// Len returns the number of items.
func (r *Result) Len() int { return len(r.data) }

// CurrentPage returns the page number, 1 when unknown.
func (r *Result) CurrentPage() int { return r.currentPage }

// TotalPages returns the total page count when a last relation was present.
func (r *Result) TotalPages() (int, bool) { return r.totalPages, r.hasTotal }

// PerPage returns the page size when known.
func (r *Result) PerPage() (int, bool) { return r.perPage, r.hasPerPage }

// Links returns the relation map.
func (r *Result) Links() linkheader.Relations { return r.links.Clone() }

// Link returns one relation.
func (r *Result) Link(rel string) (string, bool) { return r.links.Get(rel) }

// HasNext reports a next relation.
func (r *Result) HasNext() bool {
	_, ok := r.links.Get(linkheader.RelNext)
	return ok
}

// HasPrev reports a prev relation.
func (r *Result) HasPrev() bool {
	_, ok := r.links.Get(linkheader.RelPrev)
	return ok
}

type resultJSON struct {
	Data       []json.RawMessage `json:"data"`
	Pagination paginationJSON    `json:"pagination"`
}

type paginationJSON struct {
	CurrentPage int               `json:"current_page"`
	TotalPages  *int              `json:"total_pages"`
	PerPage     *int              `json:"per_page"`
	HasNext     bool              `json:"has_next"`
	HasPrev     bool              `json:"has_prev"`
	Links       map[string]string `json:"links"`
}

// MarshalJSON renders {"data": [...], "pagination": {...}}. Unknown totals
// are null.
func (r *Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Data: r.data,
		Pagination: paginationJSON{
			CurrentPage: r.currentPage,
			HasNext:     r.HasNext(),
			HasPrev:     r.HasPrev(),
			Links:       r.links,
		},
	}
	if out.Data == nil {
		out.Data = []json.RawMessage{}
	}
	if out.Pagination.Links == nil {
		out.Pagination.Links = map[string]string{}
	}
	if r.hasTotal {
		total := r.totalPages
		out.Pagination.TotalPages = &total
	}
	if r.hasPerPage {
		per := r.perPage
		out.Pagination.PerPage = &per
	}
	return json.Marshal(out)
}

// Decode unmarshals every item into T.
func Decode[T any](items []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(items))
	for i, item := range items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func cloneItems(items []json.RawMessage) []json.RawMessage {
	if items == nil {
		return nil
	}
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = append(json.RawMessage(nil), item...)
	}
	return out
}
