// Package report describes the outcome of a sync run and renders it for
// humans.
package report

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

// Outcome is the overall result of a run.
type Outcome string

const (
	// Success means every scanned change was published and recorded.
	Success Outcome = "success"
	// Partial means the run published what it could but some files failed
	// and will be retried.
	Partial Outcome = "partial"
	// Failure means a fatal error stopped the run; persisted state is
	// unchanged.
	Failure Outcome = "failure"
)

// maxListedErrors bounds the errors printed by Render.
const maxListedErrors = 10

// Report summarizes a run.
type Report struct {
	RunID    string
	Volume   string
	DryRun   bool
	Started  time.Time
	Finished time.Time

	New         int
	Modified    int
	Unchanged   int
	Missing     int
	Skipped     int
	Excluded    int
	Transferred int
	Deleted     int
	Failed      int
	Bytes       int64

	Commit    string
	Committed bool

	Outcome Outcome
	// Fatal is the error that stopped the run, if any.
	Fatal error
	// Items holds recoverable per-file errors.
	Items []error
}

// Finish sets the outcome from the collected errors and stamps the end time.
func (r *Report) Finish(now time.Time) {
	r.Finished = now
	r.Failed = len(r.Items)
	switch {
	case r.Fatal != nil:
		r.Outcome = Failure
	case len(r.Items) > 0:
		r.Outcome = Partial
	default:
		r.Outcome = Success
	}
}

// Err returns the fatal error and item errors joined, or nil.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Items)+1)
	if r.Fatal != nil {
		errs = append(errs, r.Fatal)
	}
	errs = append(errs, r.Items...)
	return errors.Join(errs...)
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// LogAttrs returns the counters as slog key/value pairs.
func (r *Report) LogAttrs() []any {
	return []any{
		"outcome", r.Outcome,
		"new", r.New,
		"modified", r.Modified,
		"unchanged", r.Unchanged,
		"missing", r.Missing,
		"skipped", r.Skipped,
		"transferred", r.Transferred,
		"deleted", r.Deleted,
		"failed", r.Failed,
		"bytes", r.Bytes,
		"commit", r.Commit,
		"duration", r.Duration().Round(time.Millisecond),
	}
}

// Render writes a short human summary to w. Colors are used only when
// useColor is set.
func Render(w io.Writer, r *Report, useColor bool) {
	outcome := color.New(outcomeColor(r.Outcome), color.Bold)
	problem := color.New(color.FgRed)
	if useColor {
		outcome.EnableColor()
		problem.EnableColor()
	} else {
		outcome.DisableColor()
		problem.DisableColor()
	}

	header := "Sync"
	if r.DryRun {
		header = "Dry run"
	}
	fmt.Fprintf(w, "%s of %s: %s\n", header, r.Volume, outcome.Sprint(r.Outcome))
	fmt.Fprintf(w, "\tNew: %d, modified: %d, unchanged: %d, missing: %d\n", r.New, r.Modified, r.Unchanged, r.Missing)
	if !r.DryRun {
		fmt.Fprintf(w, "\tTransferred: %d (%s), deleted: %d, failed: %d\n",
			r.Transferred, humanize.Bytes(uint64(r.Bytes)), r.Deleted, r.Failed)
	}
	if r.Skipped > 0 || r.Excluded > 0 {
		fmt.Fprintf(w, "\tSkipped: %d, excluded: %d\n", r.Skipped, r.Excluded)
	}
	if r.Commit != "" {
		state := "pushed"
		if !r.Committed {
			state = "pushed, nothing new to commit"
		}
		fmt.Fprintf(w, "\tCommit: %s (%s)\n", shortHash(r.Commit), state)
	}
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(w, "\tDuration: %s\n", d.Round(time.Millisecond))
	}

	if r.Fatal != nil {
		problem.Fprintf(w, "\tError: %v\n", r.Fatal)
	}
	if len(r.Items) > 0 {
		problem.Fprintf(w, "\tProblems:\n")
		for i, err := range r.Items {
			if i == maxListedErrors {
				problem.Fprintf(w, "\t\t...+%d more...\n", len(r.Items)-maxListedErrors)
				break
			}
			problem.Fprintf(w, "\t\t%v\n", err)
		}
	}
}

func outcomeColor(o Outcome) color.Attribute {
	switch o {
	case Success:
		return color.FgGreen
	case Partial:
		return color.FgYellow
	}
	return color.FgRed
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
