package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// PaginationParams holds parsed pagination parameters
type PaginationParams struct {
	Page    int
	PerPage int
}

// PaginationConfig configures pagination parsing behavior
type PaginationConfig struct {
	DefaultPerPage int
	MaxPerPage     int
}

// filesPagination matches the catalog's default page size.
var filesPagination = PaginationConfig{DefaultPerPage: 200, MaxPerPage: 1000}

// ParsePagination extracts page and per_page from the query string. Values
// that are missing, malformed or out of range fall back to the defaults.
func ParsePagination(c *gin.Context, cfg PaginationConfig) PaginationParams {
	p := PaginationParams{
		Page:    parseInt(c.Query("page"), 1),
		PerPage: parseInt(c.Query("per_page"), cfg.DefaultPerPage),
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 || p.PerPage > cfg.MaxPerPage {
		p.PerPage = cfg.DefaultPerPage
	}
	return p
}

// TotalPages returns how many pages total records fill.
func (p PaginationParams) TotalPages(total int) int {
	if p.PerPage <= 0 {
		return 0
	}
	return (total + p.PerPage - 1) / p.PerPage
}

// parseInt safely parses a string to int with a default value
func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}
