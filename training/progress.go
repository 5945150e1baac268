package training

import (
	"fmt"
	"strings"
	"time"
)

// ProgressLine formats one log line per training pass
type ProgressLine struct {
	description string
	total       int
	startTime   time.Time
	width       int
}

// NewProgressLine creates a progress line for a run of at most total passes
func NewProgressLine(description string, total int) *ProgressLine {
	return &ProgressLine{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       20, // Character width of the bar
	}
}

// Format renders the state after pass iter
func (p *ProgressLine) Format(iter int, passErr, bestErr, rate float64, retries int, accepted bool) string {
	percentage := 1.0
	if p.total > 0 {
		percentage = min(float64(iter)/float64(p.total), 1)
	}
	filled := min(int(percentage*float64(p.width)), p.width)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", p.width-filled)

	verdict := "rejected"
	if accepted {
		verdict = "accepted"
	}
	return fmt.Sprintf("%s: %3.0f%%|%s| %d/%d [%s] err=%.6f best=%.6f rate=%.5g retries=%d %s",
		p.description,
		percentage*100,
		bar,
		iter,
		p.total,
		formatDuration(time.Since(p.startTime)),
		passErr,
		bestErr,
		rate,
		retries,
		verdict,
	)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
