package services

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mescon/Mediamend/internal/catalog"
	"github.com/mescon/Mediamend/internal/config"
	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/integration"
	"github.com/mescon/Mediamend/internal/repair"
	"github.com/mescon/Mediamend/internal/testutil"
	"github.com/mescon/Mediamend/internal/validation"
)

// fakeRepairer records calls and answers with fn, or success via remux.
type fakeRepairer struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, path string) repair.Outcome
}

func (r *fakeRepairer) Repair(ctx context.Context, path string) repair.Outcome {
	r.mu.Lock()
	r.calls = append(r.calls, path)
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, path)
	}
	return repair.Outcome{Success: true, Strategy: "remux"}
}

func (r *fakeRepairer) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type sweepFixture struct {
	db      *sql.DB
	store   *catalog.Store
	clock   *testutil.MockClock
	runner  *testutil.ScriptedRunner
	library *config.Library
	events  *recordingPublisher
	dir     string
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	database := newTestDB(t)
	clk := testutil.NewMockClockAt(testEpoch)
	return &sweepFixture{
		db:      database,
		store:   catalog.NewStore(database, clk),
		clock:   clk,
		runner:  testutil.NewScriptedRunner(),
		library: newTestLibrary(t),
		events:  &recordingPublisher{},
		dir:     t.TempDir(),
	}
}

func (f *sweepFixture) service(repairer FileRepairer) *SweepService {
	v := validation.NewValidator(f.runner, validation.Options{})
	return NewSweepService(f.store, repairer, v, f.library, f.events, f.clock, 0)
}

// failedFile writes a media file and catalogs it as failed.
func (f *sweepFixture) failedFile(t *testing.T, name string) string {
	t.Helper()
	path := testutil.WriteMediaFile(t, f.dir, name, []byte("corrupt "+name))
	rec := testutil.NewRecord(path, "movie", domain.StatusFailed)
	rec.LastChecked = testEpoch.Add(time.Duration(len(name)) * time.Second)
	mustUpsert(t, f.store, rec)
	return path
}

func waitSweep(t *testing.T, h *SweepHandle) domain.RepairProgress {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	p, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("sweep did not finish: %v", err)
	}
	return p
}

func TestSweep_RepairsAndRevalidates(t *testing.T) {
	f := newSweepFixture(t)
	good := f.failedFile(t, "good.mkv")
	hopeless := f.failedFile(t, "hopeless.mkv")
	mustUpsert(t, f.store, testutil.NewRecord(filepath.Join(f.dir, "fine.mkv"), "movie", domain.StatusPassed))

	f.runner.
		On(testutil.ToolVersionRule("ffmpeg", "6.1")).
		On(testutil.Rule{Tool: "ffmpeg", OutputContains: ".good.remux.tmp", Output: []byte("repaired")}).
		On(testutil.DurationRule(good, 120)).
		On(testutil.SampleOKRule())

	engine := repair.NewEngine(f.runner, repair.Options{})
	svc := f.service(engine)

	h, err := svc.Start(t.Context())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := waitSweep(t, h)

	if p.Status != domain.SweepStatusCompleted || p.Active {
		t.Errorf("terminal progress = %+v", p)
	}
	if p.Total != 2 || p.Completed != 2 || p.Repaired != 1 || p.Failed != 1 || p.Skipped != 0 {
		t.Errorf("counts = %+v", p)
	}
	if p.ID != h.ID || p.FinishedAt == nil || p.CurrentFile != "" {
		t.Errorf("bookkeeping = %+v", p)
	}

	rec := mustGet(t, f.store, good)
	if rec.Status != domain.StatusPassed || rec.RepairResult != domain.RepairSuccess || rec.RepairStrategy != "remux" {
		t.Errorf("repaired record = %+v", rec)
	}
	if content, _ := os.ReadFile(good); string(content) != "repaired" {
		t.Errorf("file content = %q", content)
	}

	rec = mustGet(t, f.store, hopeless)
	if rec.Status != domain.StatusFailed || rec.RepairResult != domain.RepairFail {
		t.Errorf("hopeless record = %+v", rec)
	}

	if len(f.events.ofType(domain.SweepStarted)) != 1 || len(f.events.ofType(domain.SweepCompleted)) != 1 {
		t.Error("sweep lifecycle events missing")
	}
	if len(f.events.ofType(domain.SweepProgress)) != 2 {
		t.Errorf("SweepProgress events = %d", len(f.events.ofType(domain.SweepProgress)))
	}
	failed := f.events.ofType(domain.RepairFailed)
	if len(failed) != 1 || failed[0].GetStringOr("failure_type", "") != string(repair.FailureExhausted) {
		t.Errorf("RepairFailed events = %+v", failed)
	}
}

func TestSweep_StillFailingAfterRepair(t *testing.T) {
	f := newSweepFixture(t)
	path := f.failedFile(t, "a.mkv")
	f.runner.On(testutil.DurationRule(path, 120)).On(testutil.SampleFailRule(path, 60, "corrupt frame"))

	p := waitSweep(t, mustStart(t, f.service(&fakeRepairer{})))
	if p.Repaired != 1 {
		t.Errorf("Repaired = %d", p.Repaired)
	}
	rec := mustGet(t, f.store, path)
	if rec.Status != domain.StatusFailed || rec.RepairResult != domain.RepairSuccess {
		t.Errorf("record = %+v", rec)
	}
	if !rec.LastChecked.Equal(testEpoch) {
		t.Errorf("LastChecked = %v, want refreshed", rec.LastChecked)
	}
}

func TestSweep_RevalidationUnavailableLeavesStatus(t *testing.T) {
	f := newSweepFixture(t)
	path := f.failedFile(t, "a.mkv")
	f.library.Profiles = []domain.MediaProfile{{Type: "tv", Root: "/media/tv", Checkpoints: []int{60}}}

	p := waitSweep(t, mustStart(t, f.service(&fakeRepairer{})))
	if p.Status != domain.SweepStatusCompleted {
		t.Errorf("status = %s", p.Status)
	}
	rec := mustGet(t, f.store, path)
	if rec.Status != domain.StatusFailed || rec.RepairResult != domain.RepairSuccess {
		t.Errorf("record = %+v", rec)
	}
	if n := f.runner.CountCalls("ffprobe"); n != 0 {
		t.Errorf("ffprobe ran %d times", n)
	}
}

func TestSweep_SkipsUnwritableDirectory(t *testing.T) {
	f := newSweepFixture(t)
	locked := f.failedFile(t, "locked/a.mkv")
	open := f.failedFile(t, "open/b.mkv")
	f.runner.On(testutil.DurationRule(open, 120)).On(testutil.SampleOKRule())

	repairer := &fakeRepairer{}
	svc := f.service(repairer)
	svc.checkDir = func(dir string) error {
		if dir == filepath.Dir(locked) {
			return os.ErrPermission
		}
		return nil
	}

	p := waitSweep(t, mustStart(t, svc))
	if p.Completed != 2 || p.Skipped != 1 || p.Repaired != 1 {
		t.Errorf("progress = %+v", p)
	}
	if calls := repairer.called(); len(calls) != 1 || calls[0] != open {
		t.Errorf("repairer calls = %v", calls)
	}
	if rec := mustGet(t, f.store, locked); rec.RepairAttemptedAt != nil || rec.RepairResult != "" {
		t.Errorf("skipped file was marked attempted: %+v", rec)
	}
	if len(f.events.ofType(domain.RepairSkipped)) != 1 {
		t.Error("no RepairSkipped event")
	}
}

func TestSweep_RejectsSecondStart(t *testing.T) {
	f := newSweepFixture(t)
	f.failedFile(t, "a.mkv")

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	repairer := &fakeRepairer{fn: func(ctx context.Context, path string) repair.Outcome {
		once.Do(func() { close(entered) })
		<-release
		return repair.Outcome{FailureType: repair.FailureExhausted, Message: "all repair strategies failed"}
	}}
	svc := f.service(repairer)

	h := mustStart(t, svc)
	<-entered

	if p := svc.Progress(); !p.Active || p.Status != domain.SweepStatusRunning || p.Total != 1 || p.CurrentFile == "" {
		t.Errorf("running progress = %+v", p)
	}
	if _, err := svc.Start(t.Context()); !errors.Is(err, ErrSweepActive) {
		t.Errorf("second Start err = %v, want ErrSweepActive", err)
	}

	close(release)
	waitSweep(t, h)

	// A finished sweep no longer blocks a new one.
	h2, err := svc.Start(t.Context())
	if err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	waitSweep(t, h2)
	if h2.ID == h.ID {
		t.Error("sweep IDs reused")
	}
}

func TestSweep_CancelStopsBeforeNextFile(t *testing.T) {
	f := newSweepFixture(t)
	for _, name := range []string{"a.mkv", "bb.mkv", "ccc.mkv"} {
		f.failedFile(t, name)
	}

	release := make(chan struct{})
	entered := make(chan struct{}, 3)
	repairer := &fakeRepairer{fn: func(ctx context.Context, path string) repair.Outcome {
		entered <- struct{}{}
		<-release
		return repair.Outcome{FailureType: repair.FailureExhausted}
	}}
	svc := f.service(repairer)
	h := mustStart(t, svc)
	<-entered

	if !svc.Cancel() {
		t.Fatal("Cancel reported no active sweep")
	}
	close(release)

	p := waitSweep(t, h)
	if p.Status != domain.SweepStatusCancelled || p.Active {
		t.Errorf("progress = %+v", p)
	}
	if p.Completed != 1 || len(repairer.called()) != 1 {
		t.Errorf("completed %d, repairer calls %d", p.Completed, len(repairer.called()))
	}
	if svc.Cancel() {
		t.Error("Cancel after the sweep ended reported true")
	}
}

func TestSweep_PacesBetweenFiles(t *testing.T) {
	f := newSweepFixture(t)
	f.failedFile(t, "a.mkv")
	f.failedFile(t, "bb.mkv")

	repairer := &fakeRepairer{fn: func(context.Context, string) repair.Outcome {
		return repair.Outcome{FailureType: repair.FailureExhausted}
	}}
	v := validation.NewValidator(f.runner, validation.Options{})
	svc := NewSweepService(f.store, repairer, v, f.library, f.events, f.clock, time.Second)
	h := mustStart(t, svc)

	deadline := time.Now().Add(2 * time.Second)
	for f.clock.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweep never paused")
		}
		time.Sleep(time.Millisecond)
	}
	if p := svc.Progress(); p.Completed != 1 || !p.Active {
		t.Errorf("paused progress = %+v", p)
	}

	f.clock.Advance(time.Second)
	if p := waitSweep(t, h); p.Completed != 2 {
		t.Errorf("Completed = %d", p.Completed)
	}
	if f.clock.PendingCount() != 0 {
		t.Error("pause scheduled after the last file")
	}
}

func TestSweep_CatalogErrorStopsSweep(t *testing.T) {
	f := newSweepFixture(t)
	f.failedFile(t, "a.mkv")
	f.failedFile(t, "bb.mkv")

	repairer := &fakeRepairer{fn: func(context.Context, string) repair.Outcome {
		_ = f.db.Close()
		return repair.Outcome{Success: true, Strategy: "remux"}
	}}
	p := waitSweep(t, mustStart(t, f.service(repairer)))

	if p.Status != domain.SweepStatusError || p.Error == "" || p.Active {
		t.Errorf("progress = %+v", p)
	}
	if len(repairer.called()) != 1 {
		t.Errorf("repairer called %d times after catalog failure", len(repairer.called()))
	}
	if len(f.events.ofType(domain.SweepFailed)) != 1 {
		t.Error("no SweepFailed event")
	}
}

func TestSweep_PanicEndsInError(t *testing.T) {
	f := newSweepFixture(t)
	f.failedFile(t, "a.mkv")

	repairer := &fakeRepairer{fn: func(context.Context, string) repair.Outcome {
		panic("boom")
	}}
	svc := f.service(repairer)
	p := waitSweep(t, mustStart(t, svc))
	if p.Status != domain.SweepStatusError || p.Active {
		t.Errorf("progress = %+v", p)
	}

	// The tracker is released, so the next sweep may start.
	h, err := svc.Start(t.Context())
	if err != nil {
		t.Fatalf("Start after panic: %v", err)
	}
	waitSweep(t, h)
}

func TestSweep_EmptyCatalog(t *testing.T) {
	f := newSweepFixture(t)
	svc := f.service(&fakeRepairer{})

	if p := svc.Progress(); p.Status != domain.SweepStatusIdle || p.Active {
		t.Errorf("initial progress = %+v", p)
	}
	p := waitSweep(t, mustStart(t, svc))
	if p.Status != domain.SweepStatusCompleted || p.Total != 0 || p.Completed != 0 {
		t.Errorf("progress = %+v", p)
	}
}

func TestSweep_Shutdown(t *testing.T) {
	f := newSweepFixture(t)
	f.failedFile(t, "a.mkv")
	f.failedFile(t, "bb.mkv")

	entered := make(chan struct{}, 2)
	repairer := &fakeRepairer{fn: func(ctx context.Context, path string) repair.Outcome {
		entered <- struct{}{}
		<-ctx.Done()
		return repair.Outcome{FailureType: repair.FailureInterrupted, Message: ctx.Err().Error()}
	}}
	svc := f.service(repairer)
	mustStart(t, svc)
	<-entered

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	svc.Shutdown(ctx)

	p := svc.Progress()
	if p.Status != domain.SweepStatusCancelled || p.Active {
		t.Errorf("progress after shutdown = %+v", p)
	}
	if p.Failed != 0 || p.Completed != 0 || len(repairer.called()) != 1 {
		t.Errorf("interrupted file counted: %+v, calls %d", p, len(repairer.called()))
	}
}

func TestSweep_CancelFinishesInFlightRepair(t *testing.T) {
	f := newSweepFixture(t)
	f.failedFile(t, "a.mkv")
	f.failedFile(t, "bb.mkv")

	started := make(chan string, 1)
	release := make(chan struct{})
	f.runner.
		On(testutil.ToolVersionRule("ffmpeg", "6.1")).
		On(testutil.Rule{
			Tool:           "ffmpeg",
			OutputContains: ".remux.tmp",
			Times:          1,
			Do: func(ctx context.Context, cmd integration.Command) integration.Result {
				out := cmd.Args[len(cmd.Args)-1]
				started <- out
				select {
				case <-release:
				case <-ctx.Done():
					return integration.Result{ExitCode: -1, Err: ctx.Err()}
				}
				if err := os.WriteFile(out, []byte("repaired"), 0o644); err != nil {
					return integration.Result{ExitCode: 1, Stderr: err.Error()}
				}
				return integration.Result{}
			},
		}).
		On(testutil.Rule{Tool: "ffprobe", Result: integration.Result{Stdout: "120.0\n"}}).
		On(testutil.SampleOKRule())

	engine := repair.NewEngine(f.runner, repair.Options{})
	svc := f.service(engine)
	h := mustStart(t, svc)

	tmp := <-started
	if !svc.Cancel() {
		t.Fatal("Cancel reported no active sweep")
	}
	close(release)
	p := waitSweep(t, h)

	if p.Status != domain.SweepStatusCancelled || p.Completed != 1 || p.Repaired != 1 || p.Failed != 0 {
		t.Errorf("progress = %+v", p)
	}
	repaired := ""
	for _, name := range []string{"a.mkv", "bb.mkv"} {
		candidate := filepath.Join(f.dir, name)
		if strings.Contains(tmp, "."+strings.TrimSuffix(name, ".mkv")+".remux.tmp") {
			repaired = candidate
		}
	}
	if repaired == "" {
		t.Fatalf("could not tell which file was repaired from %s", tmp)
	}

	rec := mustGet(t, f.store, repaired)
	if rec.RepairResult != domain.RepairSuccess || rec.Status != domain.StatusPassed {
		t.Errorf("in-flight record = %+v", rec)
	}
	if _, err := os.Stat(engine.BackupPath(repaired)); err != nil {
		t.Errorf("backup of repaired file missing: %v", err)
	}
	if n := f.runner.CountCalls("ffmpeg", "-err_detect"); n != 0 {
		t.Errorf("sweep went on to another strategy or file (%d calls)", n)
	}
}

func TestSweep_ShutdownKeepsInterruptedFileRepairable(t *testing.T) {
	f := newSweepFixture(t)
	path := f.failedFile(t, "a.mkv")
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	f.runner.
		On(testutil.ToolVersionRule("ffmpeg", "6.1")).
		On(testutil.HangingRepairRule("remux", started))
	engine := repair.NewEngine(f.runner, repair.Options{})
	svc := f.service(engine)
	mustStart(t, svc)
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	svc.Shutdown(ctx)

	p := svc.Progress()
	if p.Status != domain.SweepStatusCancelled || p.Active || p.Failed != 0 {
		t.Errorf("progress = %+v", p)
	}
	rec := mustGet(t, f.store, path)
	if rec.RepairResult != domain.RepairPending || rec.Status != domain.StatusFailed {
		t.Errorf("interrupted record = %+v", rec)
	}
	if after, _ := os.ReadFile(path); string(after) != string(before) {
		t.Errorf("original changed to %q", after)
	}
	if _, err := os.Stat(engine.BackupPath(path)); err != nil {
		t.Errorf("backup discarded for an unfinished repair: %v", err)
	}
	entries, _ := os.ReadDir(f.dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestProgressTracker_SnapshotIsCopy(t *testing.T) {
	tr := NewProgressTracker()
	if !tr.begin("x", testEpoch) {
		t.Fatal("begin on idle tracker failed")
	}
	if tr.begin("y", testEpoch) {
		t.Error("begin on active tracker succeeded")
	}

	snap := tr.Snapshot()
	*snap.StartedAt = testEpoch.Add(time.Hour)
	if got := tr.Snapshot().StartedAt; !got.Equal(testEpoch) {
		t.Errorf("tracker mutated through snapshot: %v", got)
	}
}

func mustStart(t *testing.T, svc *SweepService) *SweepHandle {
	t.Helper()
	h, err := svc.Start(t.Context())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}
