package api

import (
	"context"
	"encoding/json"
	"fmt"
)

// DefaultMaxResults caps help-search results when the caller passes 0.
const DefaultMaxResults = 5

// searchPaths are tried in order; deployments differ on the trailing
// slash and the first success wins.
var searchPaths = []string{"/api/ai-search", "/api/ai-search/"}

// SearchResponse is a normalized help-search result set.
type SearchResponse struct {
	Answer  string
	Results []SearchResult
}

// searchEnvelope tolerates the citation-list aliases across backend
// versions.
type searchEnvelope struct {
	AnswerMarkdown string          `json:"answer_markdown"`
	Answer         string          `json:"answer"`
	Citations      json.RawMessage `json:"citations"`
	Results        json.RawMessage `json:"results"`
	Data           json.RawMessage `json:"data"`
	Items          json.RawMessage `json:"items"`
}

// rawList returns the first citation-list alias that decodes to an
// array of objects.
func (e *searchEnvelope) rawList() []map[string]any {
	for _, raw := range [][]byte{e.Citations, e.Results, e.Data, e.Items} {
		if len(raw) == 0 {
			continue
		}
		var rows []map[string]any
		if err := json.Unmarshal(raw, &rows); err == nil && rows != nil {
			return rows
		}
	}
	return nil
}

// Search runs a help-desk query, returning the synthesized answer (when
// the backend produced one) and mapped, de-duplicated citations. Each
// candidate endpoint path is tried in order; the last error is returned
// only when all fail.
func (c *Client) Search(ctx context.Context, query string, maxResults int) (*SearchResponse, error) {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	body := map[string]any{"query": query, "max_results": maxResults}

	var lastErr error
	for _, path := range searchPaths {
		var raw json.RawMessage
		if err := c.postJSON(ctx, path, "", body, &raw); err != nil {
			lastErr = err
			continue
		}

		var env searchEnvelope
		rows := []map[string]any{}
		if err := json.Unmarshal(raw, &env); err == nil {
			rows = env.rawList()
		}
		if len(rows) == 0 {
			// Some deployments return the citation array bare.
			var bare []map[string]any
			if err := json.Unmarshal(raw, &bare); err == nil {
				rows = bare
			}
		}

		answer := env.AnswerMarkdown
		if answer == "" {
			answer = env.Answer
		}

		return &SearchResponse{
			Answer:  answer,
			Results: MapCitations(rows, maxResults),
		}, nil
	}

	return nil, fmt.Errorf("search failed on all endpoints: %w", lastErr)
}
