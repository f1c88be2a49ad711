package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mescon/Mediamend/internal/catalog"
	"github.com/mescon/Mediamend/internal/clock"
	"github.com/mescon/Mediamend/internal/config"
	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/eventbus"
	"github.com/mescon/Mediamend/internal/fsutil"
	"github.com/mescon/Mediamend/internal/logger"
	"github.com/mescon/Mediamend/internal/repair"
)

// ErrSweepActive is returned when a sweep is requested while one is running.
var ErrSweepActive = errors.New("a repair sweep is already active")

// errRepairInterrupted ends a sweep whose in-flight repair was aborted.
var errRepairInterrupted = errors.New("repair interrupted")

// FileRepairer attempts to repair one file in place.
type FileRepairer interface {
	Repair(ctx context.Context, path string) repair.Outcome
}

// dirCheck reports whether a directory is writable right now.
type dirCheck func(dir string) error

// =============================================================================
// ProgressTracker
// =============================================================================

// ProgressTracker holds the live state of the current (or last) sweep.
// Only the sweep goroutine writes to it; any goroutine may take a Snapshot.
type ProgressTracker struct {
	mu sync.RWMutex
	p  domain.RepairProgress
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{p: domain.RepairProgress{Status: domain.SweepStatusIdle}}
}

// Snapshot returns a copy of the current progress.
func (t *ProgressTracker) Snapshot() domain.RepairProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.p
	if p.StartedAt != nil {
		at := *p.StartedAt
		p.StartedAt = &at
	}
	if p.FinishedAt != nil {
		at := *p.FinishedAt
		p.FinishedAt = &at
	}
	return p
}

// begin resets the record for a new sweep unless one is already active.
func (t *ProgressTracker) begin(id string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p.Active {
		return false
	}
	t.p = domain.RepairProgress{
		ID:        id,
		Active:    true,
		Status:    domain.SweepStatusStarting,
		StartedAt: &now,
	}
	return true
}

func (t *ProgressTracker) update(fn func(p *domain.RepairProgress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.p)
}

func (t *ProgressTracker) finish(status domain.SweepStatus, errMsg string, now time.Time) {
	t.update(func(p *domain.RepairProgress) {
		p.Active = false
		p.CurrentFile = ""
		p.Status = status
		p.Error = errMsg
		p.FinishedAt = &now
	})
}

// =============================================================================
// SweepHandle
// =============================================================================

// SweepHandle refers to one background sweep.
type SweepHandle struct {
	ID string
	// cancel stops the sweep between files; abort also kills in-flight tools.
	cancel  context.CancelFunc
	abort   context.CancelFunc
	done    chan struct{}
	tracker *ProgressTracker
}

// Cancel asks the sweep to stop before the next file. The file being
// repaired or revalidated is finished first.
func (h *SweepHandle) Cancel() {
	h.cancel()
}

// Done is closed once the sweep has reached a terminal status.
func (h *SweepHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the sweep ends or ctx is done and returns the latest progress.
func (h *SweepHandle) Wait(ctx context.Context) (domain.RepairProgress, error) {
	select {
	case <-h.done:
		return h.tracker.Snapshot(), nil
	case <-ctx.Done():
		return h.tracker.Snapshot(), ctx.Err()
	}
}

// =============================================================================
// SweepService
// =============================================================================

// SweepService runs repair sweeps over every failed catalog record, one at a time.
type SweepService struct {
	store     *catalog.Store
	repairer  FileRepairer
	validator FileValidator
	library   *config.Library
	eventBus  eventbus.Publisher
	clock     clock.Clock
	pace      time.Duration
	checkDir  dirCheck
	tracker   *ProgressTracker

	mu      sync.Mutex
	current *SweepHandle
}

func NewSweepService(store *catalog.Store, repairer FileRepairer, validator FileValidator, library *config.Library, eb eventbus.Publisher, clk clock.Clock, pace time.Duration) *SweepService {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &SweepService{
		store:     store,
		repairer:  repairer,
		validator: validator,
		library:   library,
		eventBus:  eb,
		clock:     clk,
		pace:      pace,
		checkDir:  fsutil.CheckDirWritable,
		tracker:   NewProgressTracker(),
	}
}

// Progress returns a snapshot of the current or most recent sweep.
func (s *SweepService) Progress() domain.RepairProgress {
	return s.tracker.Snapshot()
}

// Start snapshots the failed records and begins repairing them in the
// background. It returns ErrSweepActive if a sweep is already running.
func (s *SweepService) Start(ctx context.Context) (*SweepHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	if !s.tracker.begin(id, s.clock.Now()) {
		return nil, ErrSweepActive
	}

	records, err := s.store.FailedRecords(ctx)
	if err != nil {
		s.tracker.finish(domain.SweepStatusError, err.Error(), s.clock.Now())
		return nil, fmt.Errorf("snapshot failed records: %w", err)
	}
	s.tracker.update(func(p *domain.RepairProgress) {
		p.Total = len(records)
		p.Status = domain.SweepStatusRunning
	})

	workCtx, abort := context.WithCancel(context.Background())
	stopCtx, cancel := context.WithCancel(workCtx)
	handle := &SweepHandle{ID: id, cancel: cancel, abort: abort, done: make(chan struct{}), tracker: s.tracker}
	s.current = handle

	logger.Infof("Repair sweep %s started: %d failed files", id, len(records))
	s.publish(domain.Event{
		AggregateType: domain.AggregateSweep,
		AggregateID:   id,
		EventType:     domain.SweepStarted,
		EventData:     map[string]interface{}{"total": len(records)},
	})

	go s.run(stopCtx, workCtx, handle, records)
	return handle, nil
}

// Cancel stops the active sweep before its next file. It reports whether a
// sweep was active.
func (s *SweepService) Cancel() bool {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h == nil || !s.tracker.Snapshot().Active {
		return false
	}
	h.Cancel()
	return true
}

// Shutdown stops any active sweep, killing the tool it is running, and
// waits for it to end. The interrupted file keeps its backup and status.
func (s *SweepService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h == nil {
		return
	}
	h.abort()
	if _, err := h.Wait(ctx); err != nil {
		logger.Warnf("Repair sweep %s did not stop before shutdown: %v", h.ID, err)
	}
}

// run processes records until done or stopCtx ends. Tools run under workCtx,
// which only Shutdown cancels.
func (s *SweepService) run(stopCtx, workCtx context.Context, h *SweepHandle, records []domain.FileRecord) {
	defer close(h.done)
	defer h.abort()

	status, errMsg := domain.SweepStatusCompleted, ""
	defer func() {
		if r := recover(); r != nil {
			status, errMsg = domain.SweepStatusError, fmt.Sprintf("panic: %v", r)
			logger.Errorf("Repair sweep %s panicked: %v", h.ID, r)
		}
		s.tracker.finish(status, errMsg, s.clock.Now())
		s.finished(h.ID, status, errMsg)
	}()

	for i, rec := range records {
		if stopCtx.Err() != nil {
			status = domain.SweepStatusCancelled
			return
		}
		s.tracker.update(func(p *domain.RepairProgress) { p.CurrentFile = rec.Path })

		if err := s.processFile(workCtx, h.ID, rec); err != nil {
			if errors.Is(err, errRepairInterrupted) {
				logger.Warnf("Repair sweep %s interrupted while repairing %s", h.ID, rec.Path)
				status = domain.SweepStatusCancelled
				return
			}
			status, errMsg = domain.SweepStatusError, err.Error()
			logger.Errorf("Repair sweep %s stopped: %v", h.ID, err)
			return
		}

		completed := 0
		s.tracker.update(func(p *domain.RepairProgress) {
			p.Completed++
			completed = p.Completed
		})
		s.publish(domain.Event{
			AggregateType: domain.AggregateSweep,
			AggregateID:   h.ID,
			EventType:     domain.SweepProgress,
			EventData: map[string]interface{}{
				"completed": completed,
				"total":     len(records),
				"file_path": rec.Path,
			},
		})

		if i < len(records)-1 {
			if err := clock.Sleep(stopCtx, s.clock, s.pace); err != nil {
				status = domain.SweepStatusCancelled
				return
			}
		}
	}
}

// processFile repairs one record. Per-file failures are recorded and
// swallowed. Catalog errors and errRepairInterrupted are returned and end
// the sweep.
func (s *SweepService) processFile(ctx context.Context, sweepID string, rec domain.FileRecord) error {
	// Catalog writes complete even when the sweep is cancelled mid-file.
	persistCtx := context.WithoutCancel(ctx)
	path := rec.Path

	if err := s.checkDir(filepath.Dir(path)); err != nil {
		logger.Warnf("Skipping repair of %s: directory not writable: %s", path, fsutil.Describe(err))
		s.skip(sweepID, path, "directory not writable: "+fsutil.Describe(err))
		return nil
	}

	if err := s.store.RecordRepairAttempt(persistCtx, path, domain.RepairPending, ""); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			s.skip(sweepID, path, "record removed")
			return nil
		}
		return err
	}

	logger.Infof("Repairing %s", path)
	out := s.repairer.Repair(ctx, path)
	if out.FailureType == repair.FailureInterrupted {
		// Left as pending: the attempt never reached a verdict.
		return errRepairInterrupted
	}
	if !out.Success {
		logger.Warnf("Repair failed for %s (%s): %s", path, out.FailureType, out.Message)
		if err := s.store.RecordRepairAttempt(persistCtx, path, domain.RepairFail, ""); err != nil {
			return err
		}
		s.tracker.update(func(p *domain.RepairProgress) { p.Failed++ })
		s.publish(domain.Event{
			AggregateType: domain.AggregateSweep,
			AggregateID:   sweepID,
			EventType:     domain.RepairFailed,
			EventData: map[string]interface{}{
				"file_path":    path,
				"failure_type": string(out.FailureType),
				"message":      out.Message,
			},
		})
		return nil
	}

	if err := s.store.RecordRepairAttempt(persistCtx, path, domain.RepairSuccess, out.Strategy); err != nil {
		return err
	}
	s.tracker.update(func(p *domain.RepairProgress) { p.Repaired++ })
	logger.Infof("Repaired %s with %s", path, out.Strategy)
	s.publish(domain.Event{
		AggregateType: domain.AggregateSweep,
		AggregateID:   sweepID,
		EventType:     domain.RepairSucceeded,
		EventData: map[string]interface{}{
			"file_path": path,
			"strategy":  out.Strategy,
		},
	})

	return s.revalidate(ctx, persistCtx, rec)
}

// revalidate refreshes the record after a successful repair. When the file
// cannot be re-checked the prior status is left as it was.
func (s *SweepService) revalidate(ctx, persistCtx context.Context, rec domain.FileRecord) error {
	profile, ok := s.library.Profile(rec.MediaType)
	if !ok {
		logger.Warnf("Not revalidating %s: media type %q is no longer configured", rec.Path, rec.MediaType)
		return nil
	}
	info, err := os.Stat(rec.Path)
	if err != nil {
		logger.Warnf("Not revalidating %s: %s", rec.Path, fsutil.Describe(err))
		return nil
	}
	verdict, err := s.validator.Validate(ctx, rec.Path, profile)
	if err != nil {
		logger.Warnf("Revalidation of %s interrupted: %v", rec.Path, err)
		return nil
	}

	fresh := domain.NewFileRecord(rec.Path, rec.MediaType, verdict, info.ModTime().UnixNano(), info.Size(), s.clock.Now())
	if err := s.store.Upsert(persistCtx, fresh); err != nil {
		return err
	}
	if verdict.Status == domain.StatusPassed {
		logger.Infof("Revalidated PASSED after repair: %s", rec.Path)
	} else {
		logger.Infof("Still FAILED after repair: %s", rec.Path)
	}
	return nil
}

func (s *SweepService) skip(sweepID, path, reason string) {
	s.tracker.update(func(p *domain.RepairProgress) { p.Skipped++ })
	s.publish(domain.Event{
		AggregateType: domain.AggregateSweep,
		AggregateID:   sweepID,
		EventType:     domain.RepairSkipped,
		EventData: map[string]interface{}{
			"file_path": path,
			"message":   reason,
		},
	})
}

func (s *SweepService) finished(id string, status domain.SweepStatus, errMsg string) {
	p := s.tracker.Snapshot()
	logger.Infof("Repair sweep %s %s: %d/%d processed, %d repaired, %d failed, %d skipped",
		id, status, p.Completed, p.Total, p.Repaired, p.Failed, p.Skipped)

	data := map[string]interface{}{
		"status":    string(status),
		"completed": p.Completed,
		"total":     p.Total,
		"repaired":  p.Repaired,
		"failed":    p.Failed,
		"skipped":   p.Skipped,
	}
	eventType := domain.SweepCompleted
	if status == domain.SweepStatusError {
		eventType = domain.SweepFailed
		data["error"] = errMsg
	}
	s.publish(domain.Event{
		AggregateType: domain.AggregateSweep,
		AggregateID:   id,
		EventType:     eventType,
		EventData:     data,
	})
}

func (s *SweepService) publish(event domain.Event) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(event); err != nil {
		logger.Errorf("Failed to publish %s event: %v", event.EventType, err)
	}
}
