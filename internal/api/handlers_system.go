package api

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Mediamend/internal/logger"
	"github.com/mescon/Mediamend/internal/services"
)

// recentLogLines is how many trailing log lines /api/logs/recent returns.
const recentLogLines = 100

// formatUptime returns a human-readable uptime string
func formatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func (s *RESTServer) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"version": s.deps.Version,
		"uptime":  formatUptime(time.Since(s.startTime)),
	}
	if s.deps.Sweeps != nil {
		resp["sweep_active"] = s.deps.Sweeps.Progress().Active
	}
	if s.hub != nil {
		resp["websocket_clients"] = s.hub.ClientCount()
	}
	if s.deps.ToolChecker != nil {
		if missing := s.deps.ToolChecker.GetMissingRequiredTools(); len(missing) > 0 {
			resp["status"] = "degraded"
			resp["missing_tools"] = missing
		}
	}
	c.JSON(http.StatusOK, resp)
}

// getTools returns the cached tool status; ?refresh=true re-runs the checks.
func (s *RESTServer) getTools(c *gin.Context) {
	tc := s.deps.ToolChecker
	if tc == nil {
		respondServiceUnavailable(c, "Tool checker")
		return
	}
	if c.Query("refresh") == "true" || len(tc.GetToolStatus()) == 0 {
		c.JSON(http.StatusOK, gin.H{"tools": tc.CheckAllTools(c.Request.Context())})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": tc.GetToolStatus()})
}

func (s *RESTServer) getSchedules(c *gin.Context) {
	jobs := []services.JobInfo{}
	if s.deps.Scheduler != nil {
		jobs = s.deps.Scheduler.Jobs()
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *RESTServer) getRecentEvents(c *gin.Context) {
	if s.deps.Events == nil {
		respondServiceUnavailable(c, "Event log")
		return
	}
	limit := parseInt(c.Query("limit"), 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	events, err := s.deps.Events.Recent(c.Request.Context(), limit)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleRecentLogs returns the tail of the current log file parsed into
// entries.
func (s *RESTServer) handleRecentLogs(c *gin.Context) {
	entries := []logger.LogEntry{}
	logDir := logger.GetLogDir()
	if logDir == "" {
		c.JSON(http.StatusOK, entries)
		return
	}

	file, err := os.Open(filepath.Join(logDir, logger.LogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, entries)
			return
		}
		respondWithError(c, http.StatusInternalServerError, "Failed to read log file", err)
		return
	}
	defer file.Close()

	lines := make([]string, 0, recentLogLines)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(lines) == recentLogLines {
			lines = lines[1:]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		respondWithError(c, http.StatusInternalServerError, "Failed to scan log file", err)
		return
	}

	for _, line := range lines {
		if entry, ok := parseLogLine(line); ok {
			entries = append(entries, entry)
		}
	}
	c.JSON(http.StatusOK, entries)
}

// parseLogLine splits "timestamp [LEVEL] message".
func parseLogLine(line string) (logger.LogEntry, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[1], "[") {
		return logger.LogEntry{}, false
	}
	return logger.LogEntry{
		Timestamp: parts[0],
		Level:     logger.LogLevel(strings.Trim(parts[1], "[]")),
		Message:   parts[2],
	}, true
}
