package handlers

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	DefaultHistoryLimit = 0 // Whole history
	MaxHistoryLimit     = 1000
)

// PaginationParams selects a window of a list. Limit 0 means no limit.
type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit and offset query parameters. Values outside
// their range are a client error.
func ParsePagination(r *http.Request, defaultLimit int) (PaginationParams, error) {
	p := PaginationParams{Limit: defaultLimit}

	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			return p, fmt.Errorf("limit must be a positive integer")
		}
		p.Limit = min(parsed, MaxHistoryLimit)
	}

	if o := r.URL.Query().Get("offset"); o != "" {
		parsed, err := strconv.Atoi(o)
		if err != nil || parsed < 0 {
			return p, fmt.Errorf("offset must be a non-negative integer")
		}
		p.Offset = parsed
	}

	return p, nil
}

// paginate returns the window of items selected by p.
func paginate[T any](items []T, p PaginationParams) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}
