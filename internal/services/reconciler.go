package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mescon/Mediamend/internal/catalog"
	"github.com/mescon/Mediamend/internal/clock"
	"github.com/mescon/Mediamend/internal/config"
	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/eventbus"
	"github.com/mescon/Mediamend/internal/fsutil"
	"github.com/mescon/Mediamend/internal/logger"
)

var (
	ErrScanInProgress   = errors.New("a scan is already running")
	ErrUnknownMediaType = errors.New("unknown media type")
)

// FileValidator produces a verdict for one file.
type FileValidator interface {
	Validate(ctx context.Context, path string, profile domain.MediaProfile) (domain.Verdict, error)
}

// Reconciler keeps the catalog in step with the media roots on disk.
type Reconciler struct {
	store         *catalog.Store
	validator     FileValidator
	library       *config.Library
	eventBus      eventbus.Publisher
	clock         clock.Clock
	backupDirName string
	mu            sync.Mutex
}

func NewReconciler(store *catalog.Store, validator FileValidator, library *config.Library, eb eventbus.Publisher, clk clock.Clock, backupDirName string) *Reconciler {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Reconciler{
		store:         store,
		validator:     validator,
		library:       library,
		eventBus:      eb,
		clock:         clk,
		backupDirName: backupDirName,
	}
}

// walkResult is what one media root contributed to a pass.
type walkResult struct {
	observed map[string]bool
	// complete is false when part of the tree could not be listed.
	complete bool
}

// Reconcile walks the roots in scope (every root when scope is empty),
// revalidates new, failed and changed files, and removes catalog records
// whose files are gone. It blocks until the pass is finished.
func (r *Reconciler) Reconcile(ctx context.Context, scope domain.MediaType, forceFull bool) (domain.ScanSummary, error) {
	profiles := r.library.Profiles
	if scope != "" {
		p, ok := r.library.Profile(scope)
		if !ok {
			return domain.ScanSummary{}, fmt.Errorf("%w: %s", ErrUnknownMediaType, scope)
		}
		profiles = []domain.MediaProfile{p}
	}

	if !r.mu.TryLock() {
		return domain.ScanSummary{}, ErrScanInProgress
	}
	defer r.mu.Unlock()

	start := r.clock.Now()
	kind := domain.ScanIncremental
	if forceFull {
		kind = domain.ScanFull
	}
	summary := domain.ScanSummary{Kind: kind, MediaTypes: make([]domain.MediaType, 0, len(profiles))}
	for _, p := range profiles {
		summary.MediaTypes = append(summary.MediaTypes, p.Type)
	}

	scanID := uuid.New().String()
	r.publish(domain.Event{
		AggregateType: domain.AggregateScan,
		AggregateID:   scanID,
		EventType:     domain.ScanStarted,
		EventData: map[string]interface{}{
			"kind":        string(kind),
			"media_types": mediaTypeStrings(summary.MediaTypes),
		},
	})

	summary, err := r.reconcile(ctx, scanID, profiles, forceFull, summary)
	summary.Duration = r.clock.Now().Sub(start).Seconds()
	if err != nil {
		logger.Errorf("Scan %s failed: %v", scanID, err)
		r.publish(domain.Event{
			AggregateType: domain.AggregateScan,
			AggregateID:   scanID,
			EventType:     domain.ScanFailed,
			EventData:     map[string]interface{}{"error": err.Error()},
		})
		return summary, err
	}

	logger.Infof("Scan %s complete: %d discovered, %d validated (%d failed), %d removed",
		scanID, summary.Discovered, summary.Validated, summary.Failed, summary.Removed)
	r.publish(domain.Event{
		AggregateType: domain.AggregateScan,
		AggregateID:   scanID,
		EventType:     domain.ScanCompleted,
		EventData: map[string]interface{}{
			"seq":         summary.Seq,
			"kind":        string(kind),
			"media_types": mediaTypeStrings(summary.MediaTypes),
			"discovered":  summary.Discovered,
			"validated":   summary.Validated,
			"passed":      summary.Passed,
			"failed":      summary.Failed,
			"removed":     summary.Removed,
			"repaired":    summary.Repaired,
			"fixed":       summary.Fixed,
			"duration":    summary.Duration,
		},
	})
	return summary, nil
}

func (r *Reconciler) reconcile(ctx context.Context, scanID string, profiles []domain.MediaProfile, forceFull bool, summary domain.ScanSummary) (domain.ScanSummary, error) {
	index, err := r.store.LoadIndex(ctx)
	if err != nil {
		return summary, err
	}

	results := make(map[domain.MediaType]walkResult, len(profiles))
	for _, profile := range profiles {
		// PRE-FLIGHT CHECK: an unreachable root must not look like an empty library
		if err := verifyRootAccessible(profile.Root); err != nil {
			logger.Errorf("Pre-flight check failed for %s root %s: %v - skipping", profile.Type, profile.Root, err)
			summary.SkippedRoot = append(summary.SkippedRoot, profile.Type)
			continue
		}

		res, err := r.walkRoot(ctx, scanID, profile, index, forceFull, &summary)
		if err != nil {
			return summary, err
		}
		results[profile.Type] = res
	}

	removed, err := r.removeMissing(ctx, scanID, index, results)
	summary.Removed = removed
	if err != nil {
		return summary, err
	}

	seq, err := r.store.AppendScan(ctx, summary.Kind, summary.MediaTypes, summary.Validated)
	if err != nil {
		return summary, err
	}
	summary.Seq = seq
	if summary.Repaired, summary.Fixed, err = r.store.BackfillScan(ctx, seq); err != nil {
		return summary, err
	}
	return summary, nil
}

func (r *Reconciler) walkRoot(ctx context.Context, scanID string, profile domain.MediaProfile, index map[string]catalog.FileState, forceFull bool, summary *domain.ScanSummary) (walkResult, error) {
	res := walkResult{observed: make(map[string]bool), complete: true}

	// WalkDir does not follow a symlinked root unless it ends in a separator.
	// Children are joined and cleaned, so keys stay under the configured root.
	start := walkStart(profile.Root)
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			// An unlistable subtree hides files that still exist.
			logger.Warnf("Scan: cannot read %s: %s", path, fsutil.Describe(err))
			res.complete = false
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if path != start && (name == r.backupDirName || fsutil.IsHidden(name)) {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}
		if fsutil.IsHidden(name) || !r.library.IsMediaFile(path) {
			return nil
		}

		res.observed[path] = true
		summary.Discovered++

		info, err := d.Info()
		if err != nil {
			// Vanished or unreadable mid-walk: keep the record, validate on a later pass.
			logger.Warnf("Scan: cannot stat %s: %s - skipping validation", path, fsutil.Describe(err))
			return nil
		}
		mtime, size := info.ModTime().UnixNano(), info.Size()

		prev, known := index[path]
		if !needsValidation(forceFull, prev, known, mtime, size) {
			return nil
		}
		return r.validateFile(ctx, scanID, profile, path, mtime, size, summary)
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

func walkStart(root string) string {
	if strings.HasSuffix(root, string(os.PathSeparator)) {
		return root
	}
	return root + string(os.PathSeparator)
}

// needsValidation applies the revalidation rule: forced, unknown, failed,
// or changed on disk since the last check.
func needsValidation(forceFull bool, prev catalog.FileState, known bool, mtime, size int64) bool {
	switch {
	case forceFull, !known:
		return true
	case prev.Status == domain.StatusFailed:
		return true
	default:
		return prev.FileMtime != mtime || prev.FileSize != size
	}
}

func (r *Reconciler) validateFile(ctx context.Context, scanID string, profile domain.MediaProfile, path string, mtime, size int64, summary *domain.ScanSummary) error {
	verdict, err := r.validator.Validate(ctx, path, profile)
	if err != nil {
		return err
	}

	rec := domain.NewFileRecord(path, profile.Type, verdict, mtime, size, r.clock.Now())
	if err := r.store.Upsert(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Contained to this file: it stays due and is retried next pass.
		logger.Errorf("Scan: failed to record %s: %v", path, err)
		return nil
	}

	summary.Validated++
	if verdict.Status == domain.StatusPassed {
		summary.Passed++
		logger.Debugf("Revalidated PASSED: %s", path)
	} else {
		summary.Failed++
		logger.Infof("Revalidated FAILED: %s", path)
	}

	r.publish(domain.Event{
		AggregateType: domain.AggregateFile,
		AggregateID:   path,
		EventType:     domain.FileValidated,
		EventData: map[string]interface{}{
			"scan_id":    scanID,
			"file_path":  path,
			"media_type": string(profile.Type),
			"status":     string(verdict.Status),
			"duration":   verdict.Duration,
			"errors":     strings.Join(verdict.ErrorLog, "\n"),
		},
	})
	return nil
}

// removeMissing deletes records of walked media types whose paths were not
// observed. Types whose walk was incomplete keep their records, and nothing
// is deleted when the pass observed no files at all.
func (r *Reconciler) removeMissing(ctx context.Context, scanID string, index map[string]catalog.FileState, results map[domain.MediaType]walkResult) (int, error) {
	totalObserved := 0
	for _, res := range results {
		totalObserved += len(res.observed)
	}
	if totalObserved == 0 {
		if len(results) > 0 {
			logger.Warnf("Scan: no media files found in any scanned root - skipping removal of catalog records")
		}
		return 0, nil
	}

	var stale []string
	for path, st := range index {
		res, walked := results[st.MediaType]
		if !walked {
			continue
		}
		if !res.complete {
			continue
		}
		if !res.observed[path] {
			stale = append(stale, path)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	removed, err := r.store.DeletePaths(ctx, stale)
	if err != nil {
		return removed, err
	}
	logger.Infof("Removed %d deleted files from catalog", removed)
	for _, path := range stale {
		r.publish(domain.Event{
			AggregateType: domain.AggregateFile,
			AggregateID:   path,
			EventType:     domain.FileRemoved,
			EventData: map[string]interface{}{
				"scan_id":    scanID,
				"file_path":  path,
				"media_type": string(index[path].MediaType),
			},
		})
	}
	return removed, nil
}

func (r *Reconciler) publish(event domain.Event) {
	if r.eventBus == nil {
		return
	}
	if err := r.eventBus.Publish(event); err != nil {
		logger.Errorf("Failed to publish %s event: %v", event.EventType, err)
	}
}

// verifyRootAccessible checks that root exists, is a directory and can be listed.
func verifyRootAccessible(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("cannot access root: %s", fsutil.Describe(err))
	}
	if !info.IsDir() {
		return fmt.Errorf("root is not a directory: %s", root)
	}
	f, err := os.Open(root)
	if err != nil {
		return fmt.Errorf("cannot open root: %s", fsutil.Describe(err))
	}
	defer f.Close()
	if _, err := f.ReadDir(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("cannot list root (mount may be stale): %s", fsutil.Describe(err))
	}
	return nil
}

func mediaTypeStrings(types []domain.MediaType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
