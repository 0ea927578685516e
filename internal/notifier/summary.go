package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// maxListedFailures caps how many failed names end up in one message.
const maxListedFailures = 10

// RunSummary describes a finished sync run.
type RunSummary struct {
	RunID     string
	Host      string
	Installed int
	Failed    []string
	Total     int
	Bytes     int64
	Duration  time.Duration
	Err       error // fatal error, if the run aborted
}

// Status is "success", "partial_failure" or "failure".
func (s RunSummary) Status() string {
	switch {
	case s.Err != nil && len(s.Failed) == 0:
		return "failure"
	case s.Err != nil && s.Installed == 0:
		return "failure"
	case len(s.Failed) > 0:
		return "partial_failure"
	default:
		return "success"
	}
}

// Message renders the summary as a single chat line.
func (s RunSummary) Message() string {
	var b strings.Builder

	fmt.Fprintf(&b, "[geoip_updater] %s", strings.ReplaceAll(s.Status(), "_", " "))

	if s.Host != "" {
		fmt.Fprintf(&b, " on %s", s.Host)
	}

	fmt.Fprintf(&b, ": %d/%d databases installed (%s) in %s",
		s.Installed, s.Total, humanize.Bytes(uint64(s.Bytes)), s.Duration.Round(time.Second))

	if len(s.Failed) > 0 {
		names := s.Failed
		if len(names) > maxListedFailures {
			names = append(names[:maxListedFailures:maxListedFailures], fmt.Sprintf("and %d more", len(s.Failed)-maxListedFailures))
		}

		fmt.Fprintf(&b, "; failed: %s", strings.Join(names, ", "))
	}

	if s.Err != nil && len(s.Failed) == 0 {
		fmt.Fprintf(&b, "; error: %v", s.Err)
	}

	if s.RunID != "" {
		fmt.Fprintf(&b, " (run %s)", s.RunID)
	}

	return b.String()
}
