package widget

import (
	"context"
	"strings"
	"time"
)

// maxSearchResults caps the citation list shown under an answer.
const maxSearchResults = 5

// Search schedules a type-ahead query. Rapid successive calls collapse
// into one request fired after a 350ms pause; an empty query cancels
// any pending one.
func (w *Widget) Search(query string) {
	query = strings.TrimSpace(query)
	w.post(func() {
		if w.searchTimer != nil {
			w.searchTimer.Stop()
			w.searchTimer = nil
		}
		if query == "" {
			return
		}
		bg := w.bg
		w.searchTimer = time.AfterFunc(searchDebounce, func() {
			w.runSearch(bg, query)
		})
	})
}

// SearchNow runs the query immediately, bypassing the debounce. Used
// when the visitor presses enter in the search box.
func (w *Widget) SearchNow(ctx context.Context, query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		return
	}
	w.post(func() {
		if w.searchTimer != nil {
			w.searchTimer.Stop()
			w.searchTimer = nil
		}
	})
	w.runSearch(ctx, query)
}

func (w *Widget) runSearch(ctx context.Context, query string) {
	res, err := w.client.Search(ctx, query, maxSearchResults)
	if err != nil {
		w.logger.Warn("search failed", "query", query, "error", err)
		w.call(func() {
			w.emit(Event{Kind: EventNotice, Notice: noticeSearchError, Tone: ToneError})
		})
		return
	}
	w.call(func() {
		w.emit(Event{Kind: EventSearch, Search: res})
	})
}
