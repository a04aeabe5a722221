package api

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// SearchResult is one mapped citation. Score is nil when the backend
// did not supply one; nil sorts after every real score.
type SearchResult struct {
	ID      string
	Title   string
	Snippet string
	URL     string
	Score   *float64
}

// Field-alias priority lists for the loosely-specified citation shapes
// the search backends emit. Each alias is also probed under a
// "metadata" sub-object before moving to the next.
var (
	titleKeys   = []string{"title", "name", "heading", "documentTitle"}
	snippetKeys = []string{"snippet", "summary", "excerpt", "text", "content", "description"}
	urlKeys     = []string{"url", "link", "href", "source", "src"}
	scoreKeys   = []string{"score", "relevance", "rank", "confidence"}
)

var htmlTagRE = regexp.MustCompile(`<[^>]*>`)

// pick probes keys on row and then on row["metadata"], returning the
// first non-empty string or finite number.
func pick(row map[string]any, keys []string) any {
	meta, _ := row["metadata"].(map[string]any)
	for _, k := range keys {
		if v, ok := pickOne(row[k]); ok {
			return v
		}
		if meta != nil {
			if v, ok := pickOne(meta[k]); ok {
				return v
			}
		}
	}
	return nil
}

func pickOne(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) != "" {
			return x, true
		}
	case float64:
		return x, true
	}
	return nil, false
}

func pickString(row map[string]any, keys []string) string {
	if s, ok := pick(row, keys).(string); ok {
		return s
	}
	return ""
}

// pickScore accepts a number or a numeric string.
func pickScore(row map[string]any) *float64 {
	switch v := pick(row, scoreKeys).(type) {
	case float64:
		return &v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return &f
		}
	}
	return nil
}

// validHTTPURL returns s when it is an absolute http(s) URL, else "".
func validHTTPURL(s string) string {
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return ""
	}
	return s
}

// stripHTML flattens markup in snippets to plain text.
func stripHTML(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return s
	}
	flat := htmlTagRE.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(flat), " ")
}

// MapCitations maps heterogeneous citation rows to typed results:
// synthesized defaults fill missing fields (URL hostname as title, a
// numbered "Untitled N" placeholder last), duplicates collapse by URL
// (or by title+snippet when no URL) keeping the highest-scoring row,
// and the output is sorted by descending score (rows without a score
// last, ties in first-seen order) then truncated to max.
func MapCitations(rows []map[string]any, max int) []SearchResult {
	if max <= 0 {
		max = DefaultMaxResults
	}

	type slot struct {
		result SearchResult
		order  int
	}
	var out []slot
	index := make(map[string]int)

	for i, row := range rows {
		if row == nil {
			continue
		}

		resultURL := validHTTPURL(pickString(row, urlKeys))
		score := pickScore(row)

		title := pickString(row, titleKeys)
		if title == "" && resultURL != "" {
			if u, err := url.Parse(resultURL); err == nil {
				title = u.Hostname()
			}
		}
		if title == "" {
			title = fmt.Sprintf("Untitled %d", i+1)
		}

		snippet := stripHTML(pickString(row, snippetKeys))

		id := firstString(row, "id", "_id", "uuid")
		if id == "" {
			id = resultURL
		}
		if id == "" {
			id = strconv.Itoa(i)
		}

		key := resultURL
		if key == "" {
			key = title + "|" + snippet
		}

		r := SearchResult{ID: id, Title: title, Snippet: snippet, URL: resultURL, Score: score}

		if at, dup := index[key]; dup {
			// Keep whichever duplicate scored higher; a scored row
			// always beats an unscored one.
			if scoreValue(score) > scoreValue(out[at].result.Score) {
				out[at].result = r
			}
			continue
		}
		index[key] = len(out)
		out = append(out, slot{result: r, order: i})
	}

	sort.SliceStable(out, func(a, b int) bool {
		sa, sb := scoreValue(out[a].result.Score), scoreValue(out[b].result.Score)
		if sa != sb {
			return sa > sb
		}
		return out[a].order < out[b].order
	})

	if len(out) > max {
		out = out[:max]
	}

	results := make([]SearchResult, len(out))
	for i, s := range out {
		results[i] = s.result
	}
	return results
}

func scoreValue(s *float64) float64 {
	if s == nil {
		return -1e308
	}
	return *s
}

func firstString(row map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := row[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
