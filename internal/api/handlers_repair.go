package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Mediamend/internal/services"
)

// startSweep snapshots the failed files and starts repairing them in the
// background.
func (s *RESTServer) startSweep(c *gin.Context) {
	if _, err := s.deps.Sweeps.Start(c.Request.Context()); err != nil {
		if errors.Is(err, services.ErrSweepActive) {
			respondConflict(c, ErrMsgSweepActive)
			return
		}
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.deps.Sweeps.Progress())
}

func (s *RESTServer) getSweepProgress(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Sweeps.Progress())
}

func (s *RESTServer) cancelSweep(c *gin.Context) {
	if !s.deps.Sweeps.Cancel() {
		respondConflict(c, ErrMsgNoActiveSweep)
		return
	}
	c.JSON(http.StatusAccepted, s.deps.Sweeps.Progress())
}
