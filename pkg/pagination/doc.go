// Package pagination follows RFC 5988 Link relations across the pages of a
// Canvas collection endpoint.
//
// Canvas announces neighbouring pages in the Link header:
//
//	Link: <https://school.instructure.com/api/v1/courses?page=2&per_page=10>; rel="next",
//	      <https://school.instructure.com/api/v1/courses?page=1&per_page=10>; rel="first",
//	      <https://school.instructure.com/api/v1/courses?page=5&per_page=10>; rel="last"
//
// A Response wraps one page together with a Cursor (endpoint + query) and a
// Fetcher used to request further pages. Navigation is lazy, one request per
// page, and returns new Response values; a Response is never mutated.
//
// Example usage:
//
//	page, err := canvas.GetPaginated(ctx, "courses", url.Values{"per_page": {"100"}})
//	if err != nil {
//		return err
//	}
//	all, err := page.FetchAllPages(ctx)
//	if errors.Is(err, pagination.ErrTruncated) {
//		// all.Items holds every item fetched before the failure
//	}
//
// Navigation failures are explicit: Next returns (nil, nil) when there is no
// next page and (nil, err) when fetching it failed. FetchAllPages reports a
// failed follow-up as truncation instead of dropping what it already has.
//
// Some Canvas endpoints use opaque bookmark pages (page=bookmark:...). Page
// values are copied verbatim, so those traverse like numbered pages; only
// CurrentPage and TotalPages are unavailable for them.
package pagination
