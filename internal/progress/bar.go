package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const barWidth = 40

// Bar is a single-line terminal progress bar. It is safe for concurrent
// Increment calls from scan workers.
type Bar struct {
	out       io.Writer
	label     string
	total     int
	current   int
	mu        sync.Mutex
	startTime time.Time
	lastPrint time.Time
	interval  time.Duration
	done      bool
}

// New creates a progress bar writing to stdout.
func New(label string, total int) *Bar {
	return NewWriter(os.Stdout, label, total)
}

// NewWriter creates a progress bar writing to w.
func NewWriter(w io.Writer, label string, total int) *Bar {
	now := time.Now()
	return &Bar{
		out:       w,
		label:     label,
		total:     total,
		startTime: now,
		lastPrint: now,
		interval:  500 * time.Millisecond,
	}
}

// Increment increases the progress counter
func (b *Bar) Increment() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current++

	now := time.Now()
	if now.Sub(b.lastPrint) > b.interval || b.current >= b.total {
		b.render()
		b.lastPrint = now
	}
}

// Current returns the number of completed steps.
func (b *Bar) Current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Finish marks the progress as complete
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.done {
		if b.current < b.total {
			b.current = b.total
		}
		b.render()
		fmt.Fprintln(b.out)
		b.done = true
	}
}

func (b *Bar) render() {
	if b.done {
		return
	}

	ratio := 1.0
	if b.total > 0 {
		ratio = float64(b.current) / float64(b.total)
		if ratio > 1 {
			ratio = 1
		}
	}
	elapsed := time.Since(b.startTime)

	var eta time.Duration
	if b.current > 0 && b.current < b.total {
		eta = elapsed / time.Duration(b.current) * time.Duration(b.total-b.current)
	}

	filled := int(float64(barWidth) * ratio)
	bar := color.GreenString(strings.Repeat("█", filled)) + strings.Repeat("░", barWidth-filled)

	fmt.Fprintf(b.out, "\r%s [%s] %d/%d (%.1f%%) - Elapsed: %s - ETA: %s   ",
		color.CyanString(b.label),
		bar,
		b.current,
		b.total,
		ratio*100,
		formatDuration(elapsed),
		formatDuration(eta),
	)
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
