// Package paging provides shared pagination types for list operations.
package paging

import "sort"

// Direction is the sort direction for a page request.
type Direction string

const (
	ASC  Direction = "ASC"
	DESC Direction = "DESC"
)

// PageRequest describes the slice of a collection a caller wants.
type PageRequest struct {
	PageNumber    int       `json:"page_number"`
	PageSize      int       `json:"page_size"`
	SortBy        string    `json:"sort_by,omitempty"`
	SortDirection Direction `json:"sort_direction,omitempty"`
}

// DefaultPageRequest returns the first page with a reasonable size.
func DefaultPageRequest() PageRequest {
	return PageRequest{PageNumber: 0, PageSize: 20, SortDirection: DESC}
}

// Normalize clamps nonsensical values so stores never see them.
func (r PageRequest) Normalize() PageRequest {
	if r.PageNumber < 0 {
		r.PageNumber = 0
	}
	if r.PageSize <= 0 {
		r.PageSize = 20
	}
	if r.SortDirection != ASC && r.SortDirection != DESC {
		r.SortDirection = DESC
	}
	return r
}

// Offset returns the absolute index of the first element of the page.
func (r PageRequest) Offset() int {
	return r.PageNumber * r.PageSize
}

// Page is one slice of a collection plus totals.
type Page[T any] struct {
	Content       []T `json:"content"`
	PageNumber    int `json:"page_number"`
	PageSize      int `json:"page_size"`
	TotalElements int `json:"total_elements"`
	TotalPages    int `json:"total_pages"`
}

// NewPage slices the already-sorted collection according to req.
func NewPage[T any](all []T, req PageRequest) Page[T] {
	req = req.Normalize()
	total := len(all)
	totalPages := (total + req.PageSize - 1) / req.PageSize

	start := req.Offset()
	if start > total {
		start = total
	}
	end := start + req.PageSize
	if end > total {
		end = total
	}

	content := make([]T, end-start)
	copy(content, all[start:end])

	return Page[T]{
		Content:       content,
		PageNumber:    req.PageNumber,
		PageSize:      req.PageSize,
		TotalElements: total,
		TotalPages:    totalPages,
	}
}

// SortSlice orders all by the given less function, reversed for DESC.
func SortSlice[T any](all []T, dir Direction, less func(a, b T) bool) {
	if dir == DESC {
		sort.SliceStable(all, func(i, j int) bool { return less(all[j], all[i]) })
		return
	}
	sort.SliceStable(all, func(i, j int) bool { return less(all[i], all[j]) })
}
