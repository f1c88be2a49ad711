package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Mediamend/internal/catalog"
	"github.com/mescon/Mediamend/internal/domain"
)

// knownMediaType reports whether mt is one of the configured media types.
func (s *RESTServer) knownMediaType(mt domain.MediaType) bool {
	for _, known := range s.deps.MediaTypes {
		if known == mt {
			return true
		}
	}
	return false
}

func (s *RESTServer) getStats(c *gin.Context) {
	stats, err := s.deps.Catalog.Stats(c.Request.Context(), s.deps.MediaTypes)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	resp := gin.H{"media_types": stats}
	if s.deps.Database != nil {
		dbStats, err := s.deps.Database.GetDatabaseStats(c.Request.Context())
		if err != nil {
			respondDatabaseError(c, err)
			return
		}
		resp["database"] = dbStats
	}
	c.JSON(http.StatusOK, resp)
}

func (s *RESTServer) getFiles(c *gin.Context) {
	mediaType := domain.MediaType(c.Query("media_type"))
	if !s.knownMediaType(mediaType) {
		respondBadRequest(c, fmt.Errorf("unknown media type %q", mediaType), true)
		return
	}
	status, err := catalog.ParseStatusFilter(c.Query("status"))
	if err != nil {
		respondBadRequest(c, err, true)
		return
	}
	p := ParsePagination(c, filesPagination)

	page, err := s.deps.Catalog.Query(c.Request.Context(), catalog.Query{
		MediaType: mediaType,
		Status:    status,
		Page:      p.Page,
		PerPage:   p.PerPage,
	})
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records":     page.Records,
		"total":       page.Total,
		"page":        page.Page,
		"per_page":    page.PerPage,
		"total_pages": p.TotalPages(page.Total),
	})
}

func (s *RESTServer) getFailedFiles(c *gin.Context) {
	paths, err := s.deps.Catalog.FailedPaths(c.Request.Context())
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"paths": paths, "count": len(paths)})
}

func (s *RESTServer) getScanHistory(c *gin.Context) {
	limit := parseInt(c.Query("limit"), 50)
	if limit < 1 || limit > 1000 {
		limit = 50
	}
	history, err := s.deps.Catalog.ScanHistory(c.Request.Context(), limit)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	if history == nil {
		history = []domain.ScanHistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"scans": history})
}
