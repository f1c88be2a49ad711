// Package repair fixes files that failed validation by re-running them
// through escalating ffmpeg strategies, keeping a sidecar backup while a
// repair is still possible.
package repair

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mescon/Mediamend/internal/fsutil"
	"github.com/mescon/Mediamend/internal/integration"
	"github.com/mescon/Mediamend/internal/logger"
)

// DefaultBackupDirName is the sidecar directory created next to repaired files.
const DefaultBackupDirName = ".mediamend_backup"

const toolCheckTimeout = 10 * time.Second

// FailureType classifies why a repair did not succeed.
type FailureType string

const (
	FailurePermissionDenied FailureType = "permission_denied"
	FailureNotFound         FailureType = "not_found"
	FailureToolUnavailable  FailureType = "tool_unavailable"
	FailureExhausted        FailureType = "repair_exhausted"
	FailureInternal         FailureType = "internal"
	// FailureInterrupted means ctx ended mid-repair. The original and any
	// backup are left in place for a later attempt.
	FailureInterrupted FailureType = "interrupted"
)

// Outcome is the result of one Repair call.
type Outcome struct {
	Success     bool        `json:"success"`
	Strategy    string      `json:"strategy,omitempty"`
	FailureType FailureType `json:"failure_type,omitempty"`
	Message     string      `json:"message"`
}

func failure(t FailureType, format string, args ...interface{}) Outcome {
	return Outcome{FailureType: t, Message: fmt.Sprintf(format, args...)}
}

// Options configures an Engine.
type Options struct {
	FFmpegPath    string
	BackupDirName string
	// Strategies overrides DefaultStrategies when non-empty.
	Strategies []Strategy
}

// Engine runs the repair protocol for one file at a time.
type Engine struct {
	runner integration.Runner
	opts   Options
}

func NewEngine(runner integration.Runner, opts Options) *Engine {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.BackupDirName == "" {
		opts.BackupDirName = DefaultBackupDirName
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = DefaultStrategies()
	}
	return &Engine{runner: runner, opts: opts}
}

// BackupDirName returns the sidecar directory name used by this engine.
func (e *Engine) BackupDirName() string {
	return e.opts.BackupDirName
}

// BackupPath returns where the backup of path is kept.
func (e *Engine) BackupPath(path string) string {
	return filepath.Join(filepath.Dir(path), e.opts.BackupDirName, filepath.Base(path))
}

// TempPath returns the temporary output path of strategy s for path. The name
// is hidden and keeps the original extension so ffmpeg picks the same muxer.
func TempPath(path string, s Strategy) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(filepath.Dir(path), "."+stem+"."+s.Suffix+".tmp"+ext)
}

// Repair backs up path and tries each strategy until one produces a
// nonempty output, which then replaces the original. The original is never
// touched otherwise. The backup is kept after a success and removed once
// every strategy has failed. No backup is made when ffmpeg cannot run.
func (e *Engine) Repair(ctx context.Context, path string) Outcome {
	if out, ok := e.checkPreconditions(path); !ok {
		return out
	}

	if res := e.runner.Run(ctx, integration.Command{
		Name:    e.opts.FFmpegPath,
		Args:    []string{"-version"},
		Timeout: toolCheckTimeout,
	}); !res.Success() {
		if err := ctx.Err(); err != nil {
			return failure(FailureInterrupted, "repair interrupted: %v", err)
		}
		logger.Errorf("Repair: %s unavailable: %s", e.opts.FFmpegPath, res.Diagnostic())
		return failure(FailureToolUnavailable, "%s is not available: %s", e.opts.FFmpegPath, res.Diagnostic())
	}

	backup := e.BackupPath(path)
	if err := e.ensureBackup(path, backup); err != nil {
		logger.Errorf("Repair: backup of %s failed: %v", path, err)
		e.discardBackup(backup)
		return failure(FailureInternal, "could not create backup: %s", fsutil.Describe(err))
	}

	info, err := os.Stat(path)
	if err != nil {
		e.discardBackup(backup)
		return failure(FailureInternal, "stat before repair: %s", fsutil.Describe(err))
	}

	var attempts []string
	for _, s := range e.opts.Strategies {
		if err := ctx.Err(); err != nil {
			return failure(FailureInterrupted, "repair interrupted: %v", err)
		}

		tmp := TempPath(path, s)
		_ = os.Remove(tmp)

		logger.Infof("Repair: trying %s on %s", s.Description, path)
		res := e.runner.Run(ctx, integration.Command{
			Name:    e.opts.FFmpegPath,
			Args:    s.Args(path, tmp),
			Timeout: s.Timeout,
		})
		if err := ctx.Err(); err != nil {
			_ = os.Remove(tmp)
			logger.Warnf("Repair: %s interrupted for %s", s.Description, path)
			return failure(FailureInterrupted, "repair interrupted during %s: %v", s.Name, err)
		}

		if diag := verifyOutput(res, tmp); diag != "" {
			_ = os.Remove(tmp)
			logger.Warnf("Repair: %s failed for %s: %s", s.Description, path, diag)
			attempts = append(attempts, s.Name+": "+diag)
			continue
		}

		if err := replace(tmp, path, info.Mode().Perm()); err != nil {
			_ = os.Remove(tmp)
			e.discardBackup(backup)
			logger.Errorf("Repair: could not replace %s: %v", path, err)
			return failure(FailureInternal, "could not replace original: %s", fsutil.Describe(err))
		}

		logger.Infof("Repair: %s succeeded for %s", s.Description, path)
		return Outcome{Success: true, Strategy: s.Name, Message: "Repaired with " + s.Description}
	}

	e.discardBackup(backup)
	return failure(FailureExhausted, "all repair strategies failed (%s)", strings.Join(attempts, "; "))
}

func (e *Engine) checkPreconditions(path string) (Outcome, bool) {
	if err := integration.ValidateMediaPath(path); err != nil {
		return failure(FailureInternal, "invalid path: %v", err), false
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return failure(FailureNotFound, "file not found: %s", path), false
	case errors.Is(err, fs.ErrPermission):
		return failure(FailurePermissionDenied, "cannot stat %s: permission denied", path), false
	case err != nil:
		return failure(FailureInternal, "cannot stat %s: %s", path, fsutil.Describe(err)), false
	case !info.Mode().IsRegular():
		return failure(FailureNotFound, "not a regular file: %s", path), false
	}

	if err := fsutil.CheckReadable(path); err != nil {
		return failure(FailurePermissionDenied, "file not readable: %s: %s", path, fsutil.Describe(err)), false
	}
	if err := fsutil.CheckDirWritable(filepath.Dir(path)); err != nil {
		return failure(FailurePermissionDenied, "directory not writable: %s: %s", filepath.Dir(path), fsutil.Describe(err)), false
	}
	return Outcome{}, true
}

// ensureBackup copies path into the sidecar directory unless a backup
// already exists there.
func (e *Engine) ensureBackup(path, backup string) error {
	if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(backup); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return fsutil.CopyFile(path, backup)
}

func (e *Engine) discardBackup(backup string) {
	if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warnf("Repair: could not remove backup %s: %v", backup, err)
	}
	if err := fsutil.RemoveDirIfEmpty(filepath.Dir(backup)); err != nil {
		logger.Debugf("Repair: could not remove backup dir %s: %v", filepath.Dir(backup), err)
	}
}

// verifyOutput returns a diagnostic unless res succeeded and tmp is nonempty.
func verifyOutput(res integration.Result, tmp string) string {
	if !res.Success() {
		return res.Diagnostic()
	}
	info, err := os.Stat(tmp)
	if err != nil {
		return "no output produced"
	}
	if info.Size() == 0 {
		return "empty output"
	}
	return ""
}

func replace(tmp, path string, perm fs.FileMode) error {
	if err := os.Chmod(tmp, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
