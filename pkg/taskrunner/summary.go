package taskrunner

import (
	"fmt"
	"strings"
	"time"
)

// RenderSummaryLine returns the summary line printed after multi-worker runs.
func RenderSummaryLine(outcome RunOutcome) string {
	if outcome.WorkerCount <= 1 {
		return ""
	}

	parts := []string{fmt.Sprintf("Summary: workers=%d", outcome.WorkerCount)}
	parts = append(parts, fmt.Sprintf("failures=%d", outcome.Failures))
	parts = append(parts, fmt.Sprintf("cancelled=%t", outcome.Cancelled))

	durationHuman := outcome.Duration.Round(time.Millisecond).String()
	if outcome.Duration <= 0 {
		durationHuman = "0s"
	}

	parts = append(parts, fmt.Sprintf("duration_human=%s", durationHuman))
	parts = append(parts, fmt.Sprintf("duration_ms=%d", outcome.Duration.Milliseconds()))

	return strings.Join(parts, " ")
}
