package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/logger"
	"github.com/mescon/Mediamend/internal/services"
)

// scanRequest is the optional body of POST /api/scans.
type scanRequest struct {
	MediaType domain.MediaType `json:"media_type"`
	Full      bool             `json:"full"`
}

// triggerScan runs a reconciliation pass and answers with its summary once
// the pass is over.
func (s *RESTServer) triggerScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondBadRequest(c, err, false)
		return
	}

	summary, err := s.deps.Reconciler.Reconcile(c.Request.Context(), req.MediaType, req.Full)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, summary)
	case errors.Is(err, services.ErrUnknownMediaType):
		respondBadRequest(c, err, true)
	case errors.Is(err, services.ErrScanInProgress):
		respondConflict(c, ErrMsgScanInProgress)
	default:
		logger.Errorf("Scan request failed: %v", err)
		respondWithError(c, http.StatusInternalServerError, "Scan failed", err)
	}
}
