package pagination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/canvas-client/pkg/linkheader"
	"github.com/rs/zerolog"
)

var (
	// ErrTruncated is wrapped by FetchAllPages when traversal stopped before
	// the last page. The partial aggregate is still returned.
	ErrTruncated = errors.New("pagination truncated")

	// ErrNotCollection indicates a page body that is not a JSON array.
	ErrNotCollection = errors.New("response body is not a JSON array")
)

type options struct {
	maxPages int
	logger   zerolog.Logger
}

// Option configures navigation.
type Option func(*options)

// WithMaxPages stops FetchAllPages after n pages. Zero means no limit.
func WithMaxPages(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxPages = n
		}
	}
}

// WithLogger sets the logger used during traversal.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Response is one page of a collection plus what is needed to reach the
// others. It is immutable.
type Response struct {
	raw     RawResponse
	links   linkheader.Relations
	cursor  Cursor
	fetcher Fetcher
	opts    []Option
	cfg     options
}

// New wraps a fetched page. cursor is the request that produced raw.
func New(raw *RawResponse, cursor Cursor, fetcher Fetcher, opts ...Option) *Response {
	r := &Response{
		cursor:  Cursor{Endpoint: cursor.Endpoint, Query: cloneValues(cursor.Query)},
		fetcher: fetcher,
		opts:    opts,
		cfg:     options{logger: zerolog.Nop()},
	}
	for _, opt := range opts {
		opt(&r.cfg)
	}
	if raw != nil {
		r.raw = RawResponse{
			StatusCode: raw.StatusCode,
			Header:     raw.Header.Clone(),
			Body:       bytes.Clone(raw.Body),
		}
	}
	if r.raw.Header == nil {
		r.raw.Header = http.Header{}
	}
	r.links = linkheader.Parse(r.raw.Header.Get("Link"))
	return r
}

// StatusCode returns the page's HTTP status.
func (r *Response) StatusCode() int { return r.raw.StatusCode }

// Header returns a copy of the page's headers.
func (r *Response) Header() http.Header { return r.raw.Header.Clone() }

// Body returns a copy of the raw body.
func (r *Response) Body() []byte { return bytes.Clone(r.raw.Body) }

// Cursor returns the request that produced this page.
func (r *Response) Cursor() Cursor {
	return Cursor{Endpoint: r.cursor.Endpoint, Query: cloneValues(r.cursor.Query)}
}

// Links returns a copy of the parsed relations.
func (r *Response) Links() linkheader.Relations { return r.links.Clone() }

// NextURL returns the next relation.
func (r *Response) NextURL() (string, bool) { return r.links.Get(linkheader.RelNext) }

// PrevURL returns the prev relation.
func (r *Response) PrevURL() (string, bool) { return r.links.Get(linkheader.RelPrev) }

// FirstURL returns the first relation.
func (r *Response) FirstURL() (string, bool) { return r.links.Get(linkheader.RelFirst) }

// LastURL returns the last relation.
func (r *Response) LastURL() (string, bool) { return r.links.Get(linkheader.RelLast) }

// CurrentURL returns the current relation.
func (r *Response) CurrentURL() (string, bool) { return r.links.Get(linkheader.RelCurrent) }

// HasNext reports a next relation.
func (r *Response) HasNext() bool {
	_, ok := r.NextURL()
	return ok
}

// CurrentPage is the page number of the current relation, 1 when unknown.
func (r *Response) CurrentPage() int {
	if u, ok := r.CurrentURL(); ok {
		if page, ok := linkheader.ExtractPageNumber(u); ok {
			return page
		}
	}
	return 1
}

// TotalPages is the page number of the last relation. Without it the total
// is unknown.
func (r *Response) TotalPages() (int, bool) {
	u, ok := r.LastURL()
	if !ok {
		return 0, false
	}
	return linkheader.ExtractPageNumber(u)
}

// PerPage returns per_page from the first relation URL that carries it.
func (r *Response) PerPage() (int, bool) {
	for _, rel := range []string{linkheader.RelCurrent, linkheader.RelNext, linkheader.RelPrev, linkheader.RelFirst, linkheader.RelLast} {
		if u, ok := r.links.Get(rel); ok {
			if n, ok := linkheader.ExtractPerPage(u); ok {
				return n, true
			}
		}
	}
	for _, rel := range r.links.Names() {
		if n, ok := linkheader.ExtractPerPage(r.links[rel]); ok {
			return n, true
		}
	}
	return 0, false
}

// Data decodes the page body into its items. A JSON object with a single
// array member (e.g. {"enrollment_terms": [...]}) is unwrapped.
func (r *Response) Data() ([]json.RawMessage, error) {
	return decodeItems(r.raw.Body)
}

func decodeItems(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []json.RawMessage{}, nil
	}

	var items []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode page: %w", err)
		}
		return items, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err == nil && len(envelope) == 1 {
		for _, v := range envelope {
			if err := json.Unmarshal(v, &items); err == nil {
				return items, nil
			}
		}
	}
	return nil, ErrNotCollection
}

// Next fetches the next page. It returns (nil, nil) without a request when
// there is no next relation.
func (r *Response) Next(ctx context.Context) (*Response, error) {
	return r.follow(ctx, linkheader.RelNext)
}

// Prev fetches the previous page.
func (r *Response) Prev(ctx context.Context) (*Response, error) {
	return r.follow(ctx, linkheader.RelPrev)
}

// First fetches the first page.
func (r *Response) First(ctx context.Context) (*Response, error) {
	return r.follow(ctx, linkheader.RelFirst)
}

// Last fetches the last page.
func (r *Response) Last(ctx context.Context) (*Response, error) {
	return r.follow(ctx, linkheader.RelLast)
}

// Follow fetches the page behind any relation name.
func (r *Response) Follow(ctx context.Context, rel string) (*Response, error) {
	return r.follow(ctx, rel)
}

func (r *Response) follow(ctx context.Context, rel string) (*Response, error) {
	target, ok := r.links.Get(rel)
	if !ok {
		return nil, nil
	}
	if r.fetcher == nil {
		return nil, fmt.Errorf("follow %s: no fetcher", rel)
	}

	cursor, err := r.cursor.At(target)
	if err != nil {
		return nil, fmt.Errorf("follow %s: %w", rel, err)
	}

	r.cfg.logger.Debug().
		Str("rel", rel).
		Str("cursor", cursor.String()).
		Msg("Following pagination link")

	raw, err := r.fetcher.Fetch(ctx, cursor.Endpoint, cursor.Query)
	if err != nil {
		return nil, fmt.Errorf("fetch %s page: %w", rel, err)
	}
	pagesFetchedTotal.WithLabelValues(rel).Inc()
	return New(raw, cursor, r.fetcher, r.opts...), nil
}

// Aggregate is the outcome of FetchAllPages.
type Aggregate struct {
	// Items holds every item fetched, in page order.
	Items []json.RawMessage

	// Pages is the number of pages whose items are included.
	Pages int

	// Truncated is set when traversal stopped before the last page.
	Truncated bool
}

// FetchAllPages collects the items of this page and every following page.
// When a follow-up page fails, the items fetched so far are returned with
// Truncated set and an error wrapping ErrTruncated.
func (r *Response) FetchAllPages(ctx context.Context) (*Aggregate, error) {
	items, err := r.Data()
	if err != nil {
		return nil, err
	}
	agg := &Aggregate{Items: items, Pages: 1}

	seen := map[string]bool{r.cursor.String(): true}
	page := r
	for page.HasNext() {
		if r.cfg.maxPages > 0 && agg.Pages >= r.cfg.maxPages {
			return r.truncate(agg, "max_pages", fmt.Errorf("%w: stopped at max pages (%d)", ErrTruncated, r.cfg.maxPages))
		}

		next, err := page.Next(ctx)
		if err != nil {
			return r.truncate(agg, "error", fmt.Errorf("%w after %d pages: %w", ErrTruncated, agg.Pages, err))
		}

		key := next.cursor.String()
		if seen[key] {
			return r.truncate(agg, "cycle", fmt.Errorf("%w: link cycle at %s", ErrTruncated, key))
		}
		seen[key] = true

		data, err := next.Data()
		if err != nil {
			return r.truncate(agg, "error", fmt.Errorf("%w after %d pages: %w", ErrTruncated, agg.Pages, err))
		}
		agg.Items = append(agg.Items, data...)
		agg.Pages++
		page = next
	}
	return agg, nil
}

func (r *Response) truncate(agg *Aggregate, reason string, err error) (*Aggregate, error) {
	agg.Truncated = true
	traversalsTruncatedTotal.WithLabelValues(reason).Inc()
	r.cfg.logger.Warn().
		Err(err).
		Str("endpoint", r.cursor.Endpoint).
		Int("pages", agg.Pages).
		Int("items", len(agg.Items)).
		Msg("Pagination stopped before the last page")
	return agg, err
}

// Walk calls fn for this page and each following page until fn returns an
// error, there is no next page, or a fetch fails.
func (r *Response) Walk(ctx context.Context, fn func(page *Response) error) error {
	for page := r; page != nil; {
		if err := fn(page); err != nil {
			return err
		}
		next, err := page.Next(ctx)
		if err != nil {
			return err
		}
		page = next
	}
	return nil
}

// ToResult snapshots the page metadata with data into an immutable Result.
func (r *Response) ToResult(data []json.RawMessage) *Result {
	res := &Result{
		data:        cloneItems(data),
		currentPage: r.CurrentPage(),
		links:       r.links.Clone(),
	}
	res.totalPages, res.hasTotal = r.TotalPages()
	res.perPage, res.hasPerPage = r.PerPage()
	return res
}

// Result decodes this page and snapshots it.
func (r *Response) Result() (*Result, error) {
	data, err := r.Data()
	if err != nil {
		return nil, err
	}
	return r.ToResult(data), nil
}
