package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = "https://school.instructure.com/api/v1/courses"

// fakeCanvas serves total pages of perPage items with Canvas-style Link headers.
type fakeCanvas struct {
	total   int
	perPage int
	failAt  int // page number that fails, 0 for none
	calls   int32
	queries []url.Values
}

func (f *fakeCanvas) linkHeader(page int) string {
	link := func(p int, rel string) string {
		return fmt.Sprintf(`<%s?page=%d&per_page=%d>; rel="%s"`, testBase, p, f.perPage, rel)
	}
	parts := []string{link(page, "current")}
	if page < f.total {
		parts = append(parts, link(page+1, "next"))
	}
	if page > 1 {
		parts = append(parts, link(page-1, "prev"))
	}
	parts = append(parts, link(1, "first"), link(f.total, "last"))
	return strings.Join(parts, ",")
}

func (f *fakeCanvas) page(page int) *RawResponse {
	items := make([]map[string]int, 0, f.perPage)
	for i := 0; i < f.perPage; i++ {
		items = append(items, map[string]int{"id": (page-1)*f.perPage + i + 1})
	}
	body, _ := json.Marshal(items)

	h := http.Header{}
	h.Set("Link", f.linkHeader(page))
	return &RawResponse{StatusCode: http.StatusOK, Header: h, Body: body}
}

func (f *fakeCanvas) Fetch(_ context.Context, endpoint string, query url.Values) (*RawResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	f.queries = append(f.queries, query)

	page := 1
	if v := query.Get(ParamPage); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bad page %q", v)
		}
		page = n
	}
	if page == f.failAt {
		return nil, errors.New("503 service unavailable")
	}
	return f.page(page), nil
}

func (f *fakeCanvas) first() *Response {
	return New(f.page(1), Cursor{Endpoint: "courses", Query: url.Values{"per_page": {strconv.Itoa(f.perPage)}}}, f)
}

func ids(t *testing.T, items []json.RawMessage) []int {
	t.Helper()
	type course struct {
		ID int `json:"id"`
	}
	decoded, err := Decode[course](items)
	require.NoError(t, err)
	out := make([]int, len(decoded))
	for i, c := range decoded {
		out[i] = c.ID
	}
	return out
}

func TestFetchAllPages_ThreePages(t *testing.T) {
	canvas := &fakeCanvas{total: 3, perPage: 2}

	agg, err := canvas.first().FetchAllPages(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, ids(t, agg.Items))
	assert.Equal(t, 3, agg.Pages)
	assert.False(t, agg.Truncated)
	assert.Equal(t, int32(2), atomic.LoadInt32(&canvas.calls), "first page is not refetched")
}

func TestFetchAllPages_SinglePage(t *testing.T) {
	var calls int32
	fetcher := FetcherFunc(func(context.Context, string, url.Values) (*RawResponse, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("unexpected fetch")
	})
	page := New(&RawResponse{StatusCode: 200, Body: []byte(`[{"id":1},{"id":2}]`)}, Cursor{Endpoint: "courses"}, fetcher)

	next, err := page.Next(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, next)

	agg, err := page.FetchAllPages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ids(t, agg.Items))
	assert.Equal(t, 1, agg.Pages)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestFetchAllPages_FailureTruncates(t *testing.T) {
	canvas := &fakeCanvas{total: 5, perPage: 2, failAt: 3}

	agg, err := canvas.first().FetchAllPages(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Contains(t, err.Error(), "503")

	require.NotNil(t, agg)
	assert.True(t, agg.Truncated)
	assert.Equal(t, 2, agg.Pages)
	assert.Equal(t, []int{1, 2, 3, 4}, ids(t, agg.Items), "everything fetched before the failure is kept")
}

func TestFetchAllPages_MaxPages(t *testing.T) {
	canvas := &fakeCanvas{total: 10, perPage: 1}
	first := New(canvas.page(1), Cursor{Endpoint: "courses"}, canvas, WithMaxPages(3))

	agg, err := first.FetchAllPages(context.Background())
	assert.ErrorIs(t, err, ErrTruncated)
	assert.True(t, agg.Truncated)
	assert.Equal(t, 3, agg.Pages)
	assert.Len(t, agg.Items, 3)
}

func TestFetchAllPages_LinkCycle(t *testing.T) {
	h := http.Header{}
	h.Set("Link", `<`+testBase+`?page=2&per_page=1>; rel="next"`)
	loop := &RawResponse{StatusCode: 200, Header: h, Body: []byte(`[{"id":1}]`)}

	fetcher := FetcherFunc(func(context.Context, string, url.Values) (*RawResponse, error) {
		return loop, nil
	})

	agg, err := New(loop, Cursor{Endpoint: "courses"}, fetcher).FetchAllPages(context.Background())
	assert.ErrorIs(t, err, ErrTruncated)
	assert.True(t, agg.Truncated)
	assert.Equal(t, 2, agg.Pages)
}

func TestResponse_Accessors(t *testing.T) {
	canvas := &fakeCanvas{total: 3, perPage: 2}
	page := New(canvas.page(2), Cursor{Endpoint: "courses"}, canvas)

	assert.Equal(t, 2, page.CurrentPage())

	total, ok := page.TotalPages()
	assert.True(t, ok)
	assert.Equal(t, 3, total)

	per, ok := page.PerPage()
	assert.True(t, ok)
	assert.Equal(t, 2, per)

	next, ok := page.NextURL()
	assert.True(t, ok)
	assert.Contains(t, next, "page=3")

	_, ok = page.PrevURL()
	assert.True(t, ok)
}

func TestResponse_NoLinks(t *testing.T) {
	page := New(&RawResponse{StatusCode: 200, Body: []byte(`[]`)}, Cursor{Endpoint: "courses"}, nil)

	assert.Equal(t, 1, page.CurrentPage(), "current page defaults to 1")
	_, ok := page.TotalPages()
	assert.False(t, ok, "total is unknown without a last relation")
	_, ok = page.PerPage()
	assert.False(t, ok)

	items, err := page.Data()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestResponse_Navigation(t *testing.T) {
	canvas := &fakeCanvas{total: 4, perPage: 2}
	page := New(canvas.page(2), Cursor{Endpoint: "courses"}, canvas)
	ctx := context.Background()

	tests := []struct {
		name     string
		navigate func(context.Context) (*Response, error)
		expected int
	}{
		{"next", page.Next, 3},
		{"prev", page.Prev, 1},
		{"first", page.First, 1},
		{"last", page.Last, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.navigate(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.expected, got.CurrentPage())
		})
	}

	assert.Equal(t, 2, page.CurrentPage(), "navigation does not mutate the original page")
}

func TestResponse_NavigationError(t *testing.T) {
	canvas := &fakeCanvas{total: 3, perPage: 2, failAt: 2}

	next, err := canvas.first().Next(context.Background())
	assert.Nil(t, next)
	assert.Error(t, err)
}

func TestResponse_NavigationKeepsQuery(t *testing.T) {
	canvas := &fakeCanvas{total: 2, perPage: 2}
	first := New(canvas.page(1), Cursor{
		Endpoint: "courses",
		Query:    url.Values{"include[]": {"term"}, "per_page": {"2"}},
	}, canvas)

	_, err := first.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, canvas.queries, 1)

	q := canvas.queries[0]
	assert.Equal(t, "2", q.Get("page"))
	assert.Equal(t, "2", q.Get("per_page"))
	assert.Equal(t, "term", q.Get("include[]"))
}

func TestResponse_Walk(t *testing.T) {
	canvas := &fakeCanvas{total: 3, perPage: 1}

	var pages []int
	err := canvas.first().Walk(context.Background(), func(page *Response) error {
		pages = append(pages, page.CurrentPage())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, pages)

	stop := errors.New("stop")
	err = canvas.first().Walk(context.Background(), func(page *Response) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
}

func TestResponse_Data(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		count   int
		wantErr error
	}{
		{name: "array", body: `[{"id":1},{"id":2}]`, count: 2},
		{name: "empty body", body: ``, count: 0},
		{name: "single key envelope", body: `{"enrollment_terms":[{"id":1}]}`, count: 1},
		{name: "plain object", body: `{"id":1,"name":"x"}`, wantErr: ErrNotCollection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := New(&RawResponse{StatusCode: 200, Body: []byte(tt.body)}, Cursor{}, nil)
			items, err := page.Data()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, items, tt.count)
		})
	}
}

func TestResponse_ImmutableRaw(t *testing.T) {
	body := []byte(`[{"id":1}]`)
	h := http.Header{}
	h.Set("Link", `<`+testBase+`?page=2>; rel="next"`)

	page := New(&RawResponse{StatusCode: 200, Header: h, Body: body}, Cursor{}, nil)
	body[2] = 'X'
	h.Del("Link")

	assert.True(t, page.HasNext())
	assert.Equal(t, `[{"id":1}]`, string(page.Body()))
}
