package handlers

import (
	"net/http"
	"strconv"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// PageParams is a one-based page request.
type PageParams struct {
	Number int
	Size   int
}

func (p PageParams) Offset() int {
	return (p.Number - 1) * p.Size
}

// Page is a paginated response envelope. TotalRecords counts the whole
// result set, not the page.
type Page[T any] struct {
	Items        []T `json:"items"`
	PageNumber   int `json:"page_number"`
	PageSize     int `json:"page_size"`
	TotalPages   int `json:"total_pages"`
	TotalRecords int `json:"total_records"`
}

func NewPage[T any](items []T, params PageParams, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Items:        items,
		PageNumber:   params.Number,
		PageSize:     params.Size,
		TotalPages:   totalPages(total, params.Size),
		TotalRecords: total,
	}
}

// ParsePage reads the page_number and page_size query parameters.
// Out-of-range values clamp rather than error.
func ParsePage(r *http.Request, defaultSize int) PageParams {
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}

	params := PageParams{Number: 1, Size: defaultSize}

	if raw := r.URL.Query().Get("page_number"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			params.Number = n
		}
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			params.Size = min(n, MaxPageSize)
		}
	}
	return params
}

func totalPages(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}
