// Package linkheader parses RFC 5988 Link headers into relation maps and
// reads page/per_page values from the linked URLs.
//
// Canvas paginates list endpoints with headers of the form:
//
//	Link: <https://canvas.example.com/api/v1/courses?page=2&per_page=10>; rel="next",
//	      <https://canvas.example.com/api/v1/courses?page=1&per_page=10>; rel="first"
//
// Parsing never fails: malformed entries are skipped and the result degrades
// to a partial or empty map.
package linkheader

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Standard relation names used by the pagination engine.
const (
	RelNext    = "next"
	RelPrev    = "prev"
	RelFirst   = "first"
	RelLast    = "last"
	RelCurrent = "current"
)

// Relations maps a relation name to the absolute URL it points at.
type Relations map[string]string

// Get returns the URL for a relation.
func (r Relations) Get(name string) (string, bool) {
	u, ok := r[name]
	return u, ok
}

// Names returns the relation names in sorted order.
func (r Relations) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy.
func (r Relations) Clone() Relations {
	out := make(Relations, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Parse parses a Link header value. Relation names are kept verbatim
// (case-sensitive). When a relation repeats, the last occurrence wins.
func Parse(header string) Relations {
	rels := make(Relations)
	for _, entry := range splitEntries(header) {
		link, names, ok := parseEntry(entry)
		if !ok {
			continue
		}
		for _, name := range names {
			rels[name] = link
		}
	}
	return rels
}

// ExtractRelation returns the URL of a single relation.
func ExtractRelation(header, name string) (string, bool) {
	return Parse(header).Get(name)
}

// HasRelation reports whether the header contains the relation.
func HasRelation(header, name string) bool {
	_, ok := Parse(header)[name]
	return ok
}

// GetRelations returns all relation names present in the header, sorted.
func GetRelations(header string) []string {
	return Parse(header).Names()
}

// ExtractPageNumber returns the integer "page" query parameter of rawURL.
// Bookmark pages ("page=bookmark:...") are not integers and report false.
func ExtractPageNumber(rawURL string) (int, bool) {
	return intParam(rawURL, "page")
}

// ExtractPerPage returns the integer "per_page" query parameter of rawURL.
func ExtractPerPage(rawURL string) (int, bool) {
	return intParam(rawURL, "per_page")
}

func intParam(rawURL, name string) (int, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	v := u.Query().Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// splitEntries splits on commas that are outside <...> and quoted strings,
// so URLs containing commas survive.
func splitEntries(header string) []string {
	var (
		entries []string
		inURL   bool
		inQuote bool
		start   int
	)
	for i := 0; i < len(header); i++ {
		switch header[i] {
		case '<':
			if !inQuote {
				inURL = true
			}
		case '>':
			if !inQuote {
				inURL = false
			}
		case '"':
			if !inURL {
				inQuote = !inQuote
			}
		case ',':
			if !inURL && !inQuote {
				entries = append(entries, header[start:i])
				start = i + 1
			}
		}
	}
	if start < len(header) {
		entries = append(entries, header[start:])
	}
	return entries
}

func parseEntry(entry string) (string, []string, bool) {
	entry = strings.TrimSpace(entry)
	if !strings.HasPrefix(entry, "<") {
		return "", nil, false
	}
	end := strings.IndexByte(entry, '>')
	if end < 0 {
		return "", nil, false
	}
	link := strings.TrimSpace(entry[1:end])
	if link == "" {
		return "", nil, false
	}

	var names []string
	for _, param := range strings.Split(entry[end+1:], ";") {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		key, value, found := strings.Cut(param, "=")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "rel") {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		names = strings.Fields(value)
		break
	}
	if len(names) == 0 {
		return "", nil, false
	}
	return link, names, true
}
