package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/logger"
)

// Job names understood by the scheduler.
const (
	JobScan        = "scan"
	JobSweep       = "sweep"
	JobMaintenance = "maintenance"
)

// DefaultMaintenanceSchedule runs the database backup and pruning nightly.
const DefaultMaintenanceSchedule = "30 3 * * *"

type scanRunner interface {
	Reconcile(ctx context.Context, scope domain.MediaType, forceFull bool) (domain.ScanSummary, error)
}

type sweepStarter interface {
	Start(ctx context.Context) (*SweepHandle, error)
}

// Maintainer backs up and prunes the database.
type Maintainer interface {
	Backup(ctx context.Context, keep int) (string, error)
	RunMaintenance(ctx context.Context, retentionDays int) error
}

type SchedulerService struct {
	cron  *cron.Cron
	jobs  map[string]cron.EntryID
	specs map[string]string
	mu    sync.Mutex
}

func NewSchedulerService() *SchedulerService {
	return &SchedulerService{
		cron:  cron.New(),
		jobs:  make(map[string]cron.EntryID),
		specs: make(map[string]string),
	}
}

func (s *SchedulerService) Start() {
	logger.Infof("Starting Scheduler Service...")
	s.cron.Start()
}

func (s *SchedulerService) Stop() {
	s.cron.Stop()
}

// Schedule registers fn under name with a standard five-field cron spec,
// replacing any previous job of that name. An empty spec removes the job.
func (s *SchedulerService) Schedule(name, spec string, fn func()) error {
	if spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid cron expression for %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.jobs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, name)
		delete(s.specs, name)
	}
	if spec == "" {
		return nil
	}

	entryID, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return err
	}
	s.jobs[name] = entryID
	s.specs[name] = spec
	logger.Infof("Scheduled %s job: %s", name, spec)
	return nil
}

// Remove unschedules name. It reports whether a job was registered.
func (s *SchedulerService) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(entryID)
	delete(s.jobs, name)
	delete(s.specs, name)
	return true
}

// JobInfo describes one scheduled job.
type JobInfo struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Next     string `json:"next,omitempty"`
}

// Jobs lists the registered jobs sorted by name.
func (s *SchedulerService) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, entryID := range s.jobs {
		info := JobInfo{Name: name, Schedule: s.specs[name]}
		if next := s.cron.Entry(entryID).Next; !next.IsZero() {
			info.Next = next.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ScheduleScan runs an incremental reconcile of every media root on spec.
func (s *SchedulerService) ScheduleScan(spec string, r scanRunner) error {
	return s.Schedule(JobScan, spec, func() {
		logger.Infof("Executing scheduled scan")
		if _, err := r.Reconcile(context.Background(), "", false); err != nil {
			if errors.Is(err, ErrScanInProgress) {
				logger.Infof("Scheduled scan skipped: a scan is already running")
				return
			}
			logger.Errorf("Scheduled scan failed: %v", err)
		}
	})
}

// ScheduleSweep starts a repair sweep on spec unless one is already running.
func (s *SchedulerService) ScheduleSweep(spec string, sw sweepStarter) error {
	return s.Schedule(JobSweep, spec, func() {
		logger.Infof("Executing scheduled repair sweep")
		if _, err := sw.Start(context.Background()); err != nil {
			if errors.Is(err, ErrSweepActive) {
				logger.Infof("Scheduled sweep skipped: a sweep is already active")
				return
			}
			logger.Errorf("Scheduled sweep failed to start: %v", err)
		}
	})
}

// ScheduleMaintenance backs up the database and prunes old history on spec.
func (s *SchedulerService) ScheduleMaintenance(spec string, m Maintainer, retentionDays, keepBackups int) error {
	return s.Schedule(JobMaintenance, spec, func() {
		ctx := context.Background()
		if path, err := m.Backup(ctx, keepBackups); err != nil {
			logger.Errorf("Scheduled database backup failed: %v", err)
		} else {
			logger.Infof("Database backed up to %s", path)
		}
		if err := m.RunMaintenance(ctx, retentionDays); err != nil {
			logger.Errorf("Scheduled database maintenance failed: %v", err)
		}
	})
}
