package main

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/integration"
)

// reporter renders command output for a terminal.
type reporter struct {
	out      io.Writer
	progress io.Writer

	mu  sync.Mutex
	bar *progressbar.ProgressBar

	cyan   *color.Color
	green  *color.Color
	yellow *color.Color
	red    *color.Color
	bold   *color.Color
	faint  *color.Color
}

func newReporter(out, progress io.Writer) *reporter {
	return &reporter{
		out:      out,
		progress: progress,
		cyan:     color.New(color.FgCyan, color.Bold),
		green:    color.New(color.FgGreen),
		yellow:   color.New(color.FgYellow, color.Bold),
		red:      color.New(color.FgRed, color.Bold),
		bold:     color.New(color.Bold),
		faint:    color.New(color.Faint),
	}
}

func (r *reporter) heading(title string) {
	fmt.Fprintln(r.out)
	_, _ = r.cyan.Fprintln(r.out, title)
}

// label prints a bold label padded to width followed by a value.
func (r *reporter) label(width int, label string, value interface{}) {
	fmt.Fprintf(r.out, "  %s %v\n", r.bold.Sprint(fmt.Sprintf("%-*s", width, label)), value)
}

func (r *reporter) count(n int, c *color.Color) string {
	if n == 0 {
		return r.faint.Sprint(n)
	}
	return c.Sprint(n)
}

// =============================================================================
// Progress
// =============================================================================

// startSpinner shows an open-ended counter while a scan validates files.
func (r *reporter) startSpinner(description string) {
	r.startBar(-1, description)
}

// startBar shows a bar for total steps.
func (r *reporter) startBar(total int, description string) {
	r.finishBar()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(r.progress),
		progressbar.OptionSetWidth(40),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(total > 0),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// step advances the bar by one and shows file as its description.
func (r *reporter) step(file string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar == nil {
		return
	}
	r.bar.Describe(file)
	_ = r.bar.Add(1)
}

// setProgress moves the bar to completed.
func (r *reporter) setProgress(completed int, file string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar == nil {
		return
	}
	r.bar.Describe(file)
	_ = r.bar.Set(completed)
}

func (r *reporter) finishBar() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar != nil {
		_ = r.bar.Finish()
		r.bar = nil
	}
}

// =============================================================================
// Summaries
// =============================================================================

func (r *reporter) scanSummary(s domain.ScanSummary) {
	r.finishBar()
	r.heading(fmt.Sprintf("SCAN #%d (%s)", s.Seq, s.Kind))
	const w = 11
	r.label(w, "Types:", s.MediaTypes)
	r.label(w, "Discovered:", s.Discovered)
	r.label(w, "Validated:", s.Validated)
	r.label(w, "Passed:", r.count(s.Passed, r.green))
	r.label(w, "Failed:", r.count(s.Failed, r.red))
	r.label(w, "Removed:", s.Removed)
	r.label(w, "Repaired:", r.count(s.Repaired, r.green))
	r.label(w, "Fixed:", r.count(s.Fixed, r.green))
	r.label(w, "Duration:", (time.Duration(s.Duration * float64(time.Second))).Round(time.Millisecond))
	for _, mt := range s.SkippedRoot {
		fmt.Fprintf(r.out, "  %s root for %s was unreachable; its records were kept\n", r.yellow.Sprint("!"), mt)
	}
}

func (r *reporter) sweepSummary(p domain.RepairProgress) {
	r.finishBar()
	r.heading("REPAIR SWEEP")
	const w = 10
	status := r.green.Sprint(p.Status)
	switch p.Status {
	case domain.SweepStatusCancelled:
		status = r.yellow.Sprint(p.Status)
	case domain.SweepStatusError:
		status = r.red.Sprint(p.Status)
	}
	r.label(w, "Status:", status)
	r.label(w, "Files:", fmt.Sprintf("%d/%d", p.Completed, p.Total))
	r.label(w, "Repaired:", r.count(p.Repaired, r.green))
	r.label(w, "Failed:", r.count(p.Failed, r.red))
	r.label(w, "Skipped:", r.count(p.Skipped, r.yellow))
	if p.Error != "" {
		r.label(w, "Error:", r.red.Sprint(p.Error))
	}
}

func (r *reporter) stats(stats []domain.MediaTypeStats, history []domain.ScanHistoryEntry) {
	r.heading("CATALOG")
	for _, st := range stats {
		fmt.Fprintf(r.out, "  %s %d files, %s passed, %s failed\n",
			r.bold.Sprintf("%-8s", st.MediaType), st.Total, r.count(st.Passed, r.green), r.count(st.Failed, r.red))

		labels := make([]string, 0, len(st.CheckpointFailures))
		for l := range st.CheckpointFailures {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, l := range labels {
			fmt.Fprintf(r.out, "    %s %s\n", r.faint.Sprintf("%-12s", l), r.red.Sprint(st.CheckpointFailures[l]))
		}
	}

	if len(history) == 0 {
		return
	}
	r.heading("RECENT SCANS")
	for _, h := range history {
		fmt.Fprintf(r.out, "  #%-4d %s  %-11s %5d examined  %d repaired  %d fixed\n",
			h.Seq, h.ScannedAt.Local().Format("2006-01-02 15:04"), h.Kind, h.Examined, h.Repaired, h.Fixed)
	}
}

// tools prints tool status and reports whether every required tool is present.
func (r *reporter) tools(tools map[string]*integration.ToolStatus) bool {
	r.heading("TOOLS")
	names := make([]string, 0, len(tools))
	for n := range tools {
		names = append(names, n)
	}
	sort.Strings(names)

	ok := true
	for _, n := range names {
		t := tools[n]
		if t.Available {
			fmt.Fprintf(r.out, "  %s %s %s %s\n", r.green.Sprint("✓"), r.bold.Sprintf("%-8s", n), t.Version, r.faint.Sprint(t.Path))
			continue
		}
		if t.Required {
			ok = false
		}
		fmt.Fprintf(r.out, "  %s %s not found %s\n", r.red.Sprint("✗"), r.bold.Sprintf("%-8s", n), r.faint.Sprint(t.Description))
	}
	return ok
}
