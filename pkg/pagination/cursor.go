package pagination

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// RawResponse is one fetched page.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher issues a GET for endpoint with query. The Canvas client
// implements it; tests use FetcherFunc.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string, query url.Values) (*RawResponse, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, endpoint string, query url.Values) (*RawResponse, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, endpoint string, query url.Values) (*RawResponse, error) {
	return f(ctx, endpoint, query)
}

// Pagination query parameters.
const (
	ParamPage    = "page"
	ParamPerPage = "per_page"
)

// Cursor is the state needed to request a page: the endpoint and its query.
type Cursor struct {
	Endpoint string
	Query    url.Values
}

// At returns the cursor for the page target points at. page and per_page
// are copied verbatim from target; the remaining query is kept. A target
// without either parameter is followed as is.
func (c Cursor) At(target string) (Cursor, error) {
	u, err := url.Parse(target)
	if err != nil {
		return Cursor{}, fmt.Errorf("parse link %q: %w", target, err)
	}

	tq := u.Query()
	_, hasPage := tq[ParamPage]
	_, hasPerPage := tq[ParamPerPage]
	if !hasPage && !hasPerPage {
		return Cursor{Endpoint: target}, nil
	}

	q := cloneValues(c.Query)
	if hasPage {
		q[ParamPage] = append([]string(nil), tq[ParamPage]...)
	}
	if hasPerPage {
		q[ParamPerPage] = append([]string(nil), tq[ParamPerPage]...)
	}
	return Cursor{Endpoint: c.Endpoint, Query: q}, nil
}

// String renders the cursor as endpoint?query.
func (c Cursor) String() string {
	if len(c.Query) == 0 {
		return c.Endpoint
	}
	return c.Endpoint + "?" + c.Query.Encode()
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
