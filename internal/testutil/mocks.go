// Package testutil provides test utilities including mocks, fixtures, and test database helpers.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mescon/Mediamend/internal/clock"
	"github.com/mescon/Mediamend/internal/integration"
)

// =============================================================================
// MockClock - Testable time abstraction
// =============================================================================

// MockClock implements clock.Clock with manually advanced time.
type MockClock struct {
	mu           sync.Mutex
	now          time.Time
	pendingFuncs []pendingFunc
}

type pendingFunc struct {
	executeAt time.Time
	fn        func()
	stopped   bool
}

// MockTimer implements clock.Timer for MockClock.
type MockTimer struct {
	clock *MockClock
	index int
}

var _ clock.Clock = (*MockClock)(nil)

func NewMockClock() *MockClock {
	return &MockClock{now: time.Now()}
}

func NewMockClockAt(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// SetNow sets the mock's current time without triggering pending functions.
func (m *MockClock) SetNow(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// AfterFunc schedules f for d after the mock's current time.
func (m *MockClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := len(m.pendingFuncs)
	m.pendingFuncs = append(m.pendingFuncs, pendingFunc{executeAt: m.now.Add(d), fn: f})
	return &MockTimer{clock: m, index: index}
}

// Advance moves time forward and runs every due function. Returns how many ran.
func (m *MockClock) Advance(d time.Duration) int {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var toExecute []func()
	for i := range m.pendingFuncs {
		pf := &m.pendingFuncs[i]
		if !pf.stopped && !pf.executeAt.After(m.now) {
			toExecute = append(toExecute, pf.fn)
			pf.stopped = true
		}
	}
	m.mu.Unlock()

	// outside the lock: callbacks may call back into the clock
	for _, fn := range toExecute {
		fn()
	}
	return len(toExecute)
}

// PendingCount returns the number of scheduled functions not yet run or stopped.
func (m *MockClock) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, pf := range m.pendingFuncs {
		if !pf.stopped {
			count++
		}
	}
	return count
}

func (t *MockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.index < len(t.clock.pendingFuncs) && !t.clock.pendingFuncs[t.index].stopped {
		t.clock.pendingFuncs[t.index].stopped = true
		return true
	}
	return false
}

// =============================================================================
// ScriptedRunner - deterministic external tool
// =============================================================================

// Rule scripts the response to matching commands. A rule matches when Tool
// equals the binary's base name (or is empty), every entry of Args appears
// verbatim among the command's arguments, and the last argument contains
// OutputContains.
type Rule struct {
	Tool           string
	Args           []string
	OutputContains string
	// Result is returned for a match.
	Result integration.Result
	// Output, when non-nil, is written to the command's last argument (its
	// output path) before Result is returned.
	Output []byte
	// Do replaces Result and Output when set. It receives the caller's ctx so
	// a rule can stand in for a long-running tool.
	Do func(ctx context.Context, cmd integration.Command) integration.Result
	// Times limits how often the rule may match; 0 means unlimited.
	Times int

	used int
}

// ScriptedRunner implements integration.Runner from a list of rules. The first
// matching rule wins; unmatched commands fail with exit status 1.
type ScriptedRunner struct {
	mu    sync.Mutex
	rules []*Rule
	calls []integration.Command
}

var _ integration.Runner = (*ScriptedRunner)(nil)

func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{}
}

// On appends a rule and returns the runner for chaining.
func (r *ScriptedRunner) On(rule Rule) *ScriptedRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, &rule)
	return r
}

func (r *ScriptedRunner) Run(ctx context.Context, cmd integration.Command) integration.Result {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	var matched *Rule
	for _, rule := range r.rules {
		if rule.Times > 0 && rule.used >= rule.Times {
			continue
		}
		if rule.matches(cmd) {
			rule.used++
			matched = rule
			break
		}
	}
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return integration.Result{ExitCode: -1, Err: err}
	}
	if matched == nil {
		return integration.Result{ExitCode: 1, Stderr: "no scripted response for " + cmd.String()}
	}
	if matched.Do != nil {
		return matched.Do(ctx, cmd)
	}
	if matched.Output != nil && len(cmd.Args) > 0 {
		out := cmd.Args[len(cmd.Args)-1]
		if err := os.WriteFile(out, matched.Output, 0o644); err != nil {
			return integration.Result{ExitCode: 1, Stderr: err.Error()}
		}
	}
	return matched.Result
}

func (rule *Rule) matches(cmd integration.Command) bool {
	if rule.Tool != "" && filepath.Base(cmd.Name) != rule.Tool {
		return false
	}
	if rule.OutputContains != "" {
		if len(cmd.Args) == 0 || !strings.Contains(cmd.Args[len(cmd.Args)-1], rule.OutputContains) {
			return false
		}
	}
	for _, want := range rule.Args {
		found := false
		for _, arg := range cmd.Args {
			if arg == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Calls returns a copy of every command run so far.
func (r *ScriptedRunner) Calls() []integration.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]integration.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// CountCalls returns how many commands would have matched tool and args.
func (r *ScriptedRunner) CountCalls(tool string, args ...string) int {
	want := Rule{Tool: tool, Args: args}
	n := 0
	for _, c := range r.Calls() {
		if want.matches(c) {
			n++
		}
	}
	return n
}
