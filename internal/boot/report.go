package boot

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/guestboot/internal/bootflags"
)

// Status classifies the result of one step.
type Status int

const (
	// Success means the step did what it set out to do.
	Success Status = iota
	// Skipped means the step had nothing to do: a flag disabled it, the resource
	// is legitimately absent, or it was not selected.
	Skipped
	// Recoverable means one of several redundant parts failed.
	Recoverable
	// Fatal means a step without redundancy failed; the boot is broken.
	Fatal
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Skipped:
		return "skipped"
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is what one step reported.
type Outcome struct {
	Step     string
	Status   Status
	Detail   string
	Err      error
	Duration time.Duration
}

// LogValue renders the outcome as a group for structured logs.
func (o Outcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("step", o.Step),
		slog.String("status", o.Status.String()),
	}
	if o.Detail != "" {
		attrs = append(attrs, slog.String("detail", o.Detail))
	}
	if o.Err != nil {
		attrs = append(attrs, slog.String("error", o.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Report collects the outcomes of one boot in execution order.
type Report struct {
	BootID   uuid.UUID
	Flags    bootflags.Snapshot
	Started  time.Time
	Finished time.Time
	Outcomes []Outcome
}

// Broken reports whether any step failed fatally.
func (r *Report) Broken() bool {
	for _, outcome := range r.Outcomes {
		if outcome.Status == Fatal {
			return true
		}
	}
	return false
}

// Outcome returns the outcome recorded for step, if any.
func (r *Report) Outcome(step string) (Outcome, bool) {
	for _, outcome := range r.Outcomes {
		if outcome.Step == step {
			return outcome, true
		}
	}
	return Outcome{}, false
}

// Count returns how many outcomes have status.
func (r *Report) Count(status Status) int {
	n := 0
	for _, outcome := range r.Outcomes {
		if outcome.Status == status {
			n++
		}
	}
	return n
}
