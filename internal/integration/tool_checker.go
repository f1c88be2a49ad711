package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mescon/Mediamend/internal/logger"
)

const versionTimeout = 10 * time.Second

var versionPattern = regexp.MustCompile(`version\s+(\S+)`)

// ToolStatus represents the availability status of an external media tool
type ToolStatus struct {
	Name        string `json:"name"`
	Available   bool   `json:"available"`
	Path        string `json:"path,omitempty"`
	Version     string `json:"version,omitempty"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// ToolChecker checks availability of ffprobe and ffmpeg and caches the result.
type ToolChecker struct {
	mu          sync.RWMutex
	tools       map[string]*ToolStatus
	runner      Runner
	ffprobePath string
	ffmpegPath  string
}

// NewToolChecker creates a tool checker. Paths can be bare names (PATH lookup) or absolute.
func NewToolChecker(runner Runner, ffprobePath, ffmpegPath string) *ToolChecker {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &ToolChecker{
		tools:       make(map[string]*ToolStatus),
		runner:      runner,
		ffprobePath: ffprobePath,
		ffmpegPath:  ffmpegPath,
	}
}

// resolveBinaryPath resolves a binary path, handling both absolute paths and PATH lookup.
func resolveBinaryPath(binaryPath string) (string, error) {
	if filepath.IsAbs(binaryPath) {
		if _, err := os.Stat(binaryPath); err != nil {
			return "", err
		}
		return binaryPath, nil
	}
	return exec.LookPath(binaryPath)
}

// CheckAllTools checks availability of all tools and caches results.
func (tc *ToolChecker) CheckAllTools(ctx context.Context) map[string]*ToolStatus {
	ffprobeStatus := tc.check(ctx, "ffprobe", tc.ffprobePath, "Duration reads for validation")
	ffmpegStatus := tc.check(ctx, "ffmpeg", tc.ffmpegPath, "Checkpoint sampling and repair strategies")

	tc.mu.Lock()
	tc.tools["ffprobe"] = ffprobeStatus
	tc.tools["ffmpeg"] = ffmpegStatus
	tc.mu.Unlock()

	return tc.GetToolStatus()
}

// GetToolStatus returns a copy of the cached status of all tools.
func (tc *ToolChecker) GetToolStatus() map[string]*ToolStatus {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	result := make(map[string]*ToolStatus, len(tc.tools))
	for k, v := range tc.tools {
		status := *v
		result[k] = &status
	}
	return result
}

// IsToolAvailable checks if a specific tool was found on the last check.
func (tc *ToolChecker) IsToolAvailable(name string) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	if tool, ok := tc.tools[name]; ok {
		return tool.Available
	}
	return false
}

// GetMissingRequiredTools returns the names of required tools that are unavailable.
func (tc *ToolChecker) GetMissingRequiredTools() []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	var missing []string
	for name, tool := range tc.tools {
		if tool.Required && !tool.Available {
			missing = append(missing, name)
		}
	}
	return missing
}

func (tc *ToolChecker) check(ctx context.Context, name, binary, description string) *ToolStatus {
	status := &ToolStatus{
		Name:        name,
		Required:    true,
		Description: description,
	}

	path, err := resolveBinaryPath(binary)
	if err != nil {
		logger.Debugf("%s not found at %s: %v", name, binary, err)
		return status
	}
	status.Path = path

	res := tc.runner.Run(ctx, Command{Name: path, Args: []string{"-version"}, Timeout: versionTimeout})
	if !res.Success() {
		logger.Warnf("%s at %s is not invocable: %s", name, path, res.Diagnostic())
		return status
	}
	status.Available = true
	status.Version = ParseVersion(res.Stdout)
	return status
}

// ParseVersion extracts the version from the first line of "<tool> -version"
// output, e.g. "ffprobe version 6.1.1 Copyright...".
func ParseVersion(output string) string {
	firstLine, _, _ := strings.Cut(output, "\n")
	if matches := versionPattern.FindStringSubmatch(firstLine); len(matches) > 1 {
		return matches[1]
	}
	return ""
}
