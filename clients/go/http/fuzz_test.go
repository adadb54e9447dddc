// Fuzz / property-based tests for the HTTP wire mapping. Uses the white-box
// package (package http) to reach unexported symbols.
package http

import (
	"net/url"
	"strings"
	"testing"

	togglr "github.com/togglr/togglr/clients/go"
)

// FuzzReadErrorMessage ensures error body extraction never panics and never
// returns more than the 4 KiB it reads.
func FuzzReadErrorMessage(f *testing.F) {
	f.Add(`{"error":"feature not found"}`)
	f.Add(`{"error":""}`)
	f.Add("plain text error")
	f.Add("")
	f.Add(`{"error":42}`)
	f.Add(strings.Repeat("x", 10000))

	f.Fuzz(func(t *testing.T, body string) {
		msg := readErrorMessage(strings.NewReader(body))
		if len(msg) > 4096 {
			t.Errorf("message length %d exceeds read limit", len(msg))
		}
	})
}

// FuzzListQuery verifies the rendered query string always parses back and
// round-trips the cursor and keyword values.
func FuzzListQuery(f *testing.F) {
	f.Add("", "", 0)
	f.Add("Mg", "dark mode", 50)
	f.Add("cursor&with=meta", "a+b c%", 201)
	f.Add(strings.Repeat("z", 300), "", -1)

	f.Fuzz(func(t *testing.T, cursor, keyword string, pageSize int) {
		raw := listQuery(togglr.ListFeaturesOptions{
			Cursor:        cursor,
			SearchKeyword: keyword,
			PageSize:      pageSize,
		})
		if raw == "" {
			if cursor != "" || keyword != "" || pageSize > 0 {
				t.Fatalf("empty query for non-zero options (%q, %q, %d)", cursor, keyword, pageSize)
			}
			return
		}
		parsed, err := url.ParseQuery(strings.TrimPrefix(raw, "?"))
		if err != nil {
			t.Fatalf("query %q does not parse: %v", raw, err)
		}
		if parsed.Get("cursor") != cursor {
			t.Errorf("cursor: got %q, want %q", parsed.Get("cursor"), cursor)
		}
		if parsed.Get("search_keyword") != keyword {
			t.Errorf("search_keyword: got %q, want %q", parsed.Get("search_keyword"), keyword)
		}
	})
}
