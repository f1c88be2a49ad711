// Package validation decides whether a media file is structurally sound by
// reading its duration and decoding short samples at fixed checkpoints.
package validation

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/integration"
	"github.com/mescon/Mediamend/internal/logger"
)

const (
	DefaultDurationTimeout = 30 * time.Second
	DefaultSampleTimeout   = 15 * time.Second

	// sampleSeconds is the length of each decode window.
	sampleSeconds = "1"
)

// Options configures the external tools used by a Validator.
type Options struct {
	FFprobePath     string
	FFmpegPath      string
	DurationTimeout time.Duration
	SampleTimeout   time.Duration
}

// Validator produces verdicts through an integration.Runner.
type Validator struct {
	runner integration.Runner
	opts   Options
}

func NewValidator(runner integration.Runner, opts Options) *Validator {
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.DurationTimeout <= 0 {
		opts.DurationTimeout = DefaultDurationTimeout
	}
	if opts.SampleTimeout <= 0 {
		opts.SampleTimeout = DefaultSampleTimeout
	}
	return &Validator{runner: runner, opts: opts}
}

// Validate reads the duration of path and samples every checkpoint of profile that lies
// before that duration. Tool failures are reported in the verdict; the
// returned error is non-nil only when ctx ended before validation finished,
// in which case the verdict is incomplete and must not be persisted.
func (v *Validator) Validate(ctx context.Context, path string, profile domain.MediaProfile) (domain.Verdict, error) {
	verdict := domain.Verdict{
		Status:            domain.StatusPassed,
		ErrorLog:          []string{},
		CheckpointResults: make(map[string]domain.CheckpointOutcome, len(profile.Checkpoints)),
	}
	for _, offset := range profile.Checkpoints {
		verdict.CheckpointResults[domain.CheckpointLabel(offset)] = domain.CheckpointNotApplicable
	}

	if err := integration.ValidateMediaPath(path); err != nil {
		return failVerdict(verdict, path, err.Error()), nil
	}

	duration, diag := v.readDuration(ctx, path)
	if err := ctx.Err(); err != nil {
		return verdict, err
	}
	if diag != "" {
		logger.Debugf("Duration read failed for %s: %s", path, diag)
		return failVerdict(verdict, path, diag), nil
	}
	verdict.Duration = duration

	for _, offset := range profile.Checkpoints {
		if float64(offset) >= duration {
			continue
		}
		label := domain.CheckpointLabel(offset)
		res := v.runner.Run(ctx, integration.Command{
			Name: v.opts.FFmpegPath,
			Args: []string{
				"-v", "error",
				"-ss", strconv.Itoa(offset), "-t", sampleSeconds,
				"-i", path,
				"-f", "null", "-",
			},
			Timeout: v.opts.SampleTimeout,
		})
		if err := ctx.Err(); err != nil {
			return verdict, err
		}
		if res.Success() {
			verdict.CheckpointResults[label] = domain.CheckpointOK
			continue
		}
		verdict.CheckpointResults[label] = domain.CheckpointFailed
		verdict.ErrorLog = append(verdict.ErrorLog, fmt.Sprintf("[%s] %s: %s", path, label, res.Diagnostic()))
		logger.Debugf("Checkpoint %s failed for %s: %s", label, path, res.Diagnostic())
	}

	if len(verdict.ErrorLog) > 0 {
		verdict.Status = domain.StatusFailed
	}
	return verdict, nil
}

// readDuration returns the duration in seconds, or a diagnostic on failure.
func (v *Validator) readDuration(ctx context.Context, path string) (float64, string) {
	res := v.runner.Run(ctx, integration.Command{
		Name: v.opts.FFprobePath,
		Args: []string{
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			path,
		},
		Timeout: v.opts.DurationTimeout,
	})
	if !res.Success() {
		return 0, "Could not get duration: " + res.Diagnostic()
	}

	out := strings.TrimSpace(res.Stdout)
	duration, err := strconv.ParseFloat(out, 64)
	if err != nil || math.IsNaN(duration) || math.IsInf(duration, 0) || duration < 0 {
		return 0, fmt.Sprintf("Could not get duration: unparsable ffprobe output %q", out)
	}
	return duration, ""
}

func failVerdict(v domain.Verdict, path, msg string) domain.Verdict {
	v.Status = domain.StatusFailed
	v.Duration = 0
	v.ErrorLog = []string{fmt.Sprintf("[%s] %s", path, msg)}
	return v
}
