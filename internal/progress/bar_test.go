package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
)

func init() {
	color.NoColor = true
}

func TestBarRendersOnCompletion(t *testing.T) {
	var buf bytes.Buffer
	b := NewWriter(&buf, "scan", 3)
	b.interval = time.Hour

	b.Increment()
	b.Increment()
	if buf.Len() != 0 {
		t.Fatalf("rendered before interval: %q", buf.String())
	}
	b.Increment()
	if !strings.Contains(buf.String(), "3/3 (100.0%)") {
		t.Fatalf("missing completion line: %q", buf.String())
	}

	b.Finish()
	b.Finish()
	if strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("Finish should print one newline: %q", buf.String())
	}
}

func TestBarZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	b := NewWriter(&buf, "scan", 0)
	b.Finish()
	if !strings.Contains(buf.String(), "0/0 (100.0%)") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestBarConcurrentIncrement(t *testing.T) {
	var buf bytes.Buffer
	b := NewWriter(&buf, "scan", 100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Increment()
			}
		}()
	}
	wg.Wait()
	if b.Current() != 100 {
		t.Errorf("Current() = %d, want 100", b.Current())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m5s"},
		{2*time.Hour + 7*time.Minute, "2h7m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
