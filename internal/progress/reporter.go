package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
)

// Reporter observes progress of one phase.
type Reporter interface {
	Start(total int)
	Advance(n int)
	Stop()
}

// Nop discards progress.
type Nop struct{}

func (Nop) Start(int)   {}
func (Nop) Advance(int) {}
func (Nop) Stop()       {}

// Safe wraps r so that a panicking reporter cannot escape into the pipeline.
func Safe(r Reporter) Reporter {
	if r == nil {
		return Nop{}
	}
	if _, ok := r.(safeReporter); ok {
		return r
	}
	return safeReporter{inner: r}
}

type safeReporter struct {
	inner Reporter
}

func (s safeReporter) Start(total int) {
	defer swallow("start")
	s.inner.Start(total)
}

func (s safeReporter) Advance(n int) {
	defer swallow("advance")
	s.inner.Advance(n)
}

func (s safeReporter) Stop() {
	defer swallow("stop")
	s.inner.Stop()
}

func swallow(op string) {
	if r := recover(); r != nil {
		log.Debug().Str("op", op).Interface("panic", r).Msg("progress.reporter recovered")
	}
}

// Multi fans progress out to every reporter.
type Multi []Reporter

func (m Multi) Start(total int) {
	for _, r := range m {
		Safe(r).Start(total)
	}
}

func (m Multi) Advance(n int) {
	for _, r := range m {
		Safe(r).Advance(n)
	}
}

func (m Multi) Stop() {
	for _, r := range m {
		Safe(r).Stop()
	}
}

const barWidth = 30

// Bar draws a single-line progress bar. On a TTY the line is redrawn in place
// at most every 100ms; otherwise a line is printed at each 10% step.
type Bar struct {
	w     io.Writer
	label string
	isTTY bool

	mu        sync.Mutex
	total     int
	done      int
	lastStep  int
	lastFlush time.Time
	started   time.Time
	disabled  bool
	active    bool
}

func NewBar(w io.Writer, label string) *Bar {
	if w == nil {
		w = os.Stderr
	}
	b := &Bar{w: w, label: label}
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			fd := f.Fd()
			b.isTTY = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		}
	}
	return b
}

func (b *Bar) Start(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = total
	b.done = 0
	b.lastStep = 0
	b.started = time.Now()
	b.active = true
	if b.isTTY {
		b.draw(true)
		return
	}
	b.printf("[%s] start total=%d\n", b.label, total)
}

func (b *Bar) Advance(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return
	}
	b.done += n
	if b.total > 0 && b.done > b.total {
		b.done = b.total
	}
	if b.isTTY {
		b.draw(false)
		return
	}
	if b.total <= 0 {
		return
	}
	step := b.done * 10 / b.total
	if step > b.lastStep {
		b.lastStep = step
		b.printf("[%s] %d/%d (%d%%)\n", b.label, b.done, b.total, b.done*100/b.total)
	}
}

func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return
	}
	b.active = false
	elapsed := time.Since(b.started).Round(time.Millisecond)
	if b.isTTY {
		b.draw(true)
		b.printf("\n")
		return
	}
	b.printf("[%s] done %d/%d in %s\n", b.label, b.done, b.total, elapsed)
}

func (b *Bar) draw(force bool) {
	now := time.Now()
	if !force && b.done < b.total && now.Sub(b.lastFlush) < 100*time.Millisecond {
		return
	}
	b.lastFlush = now
	filled := 0
	pct := 0
	if b.total > 0 {
		filled = b.done * barWidth / b.total
		pct = b.done * 100 / b.total
	}
	b.printf("\r[%s] |%s%s| %d/%d (%3d%%)",
		b.label,
		strings.Repeat("=", filled),
		strings.Repeat(" ", barWidth-filled),
		b.done, b.total, pct)
}

func (b *Bar) printf(format string, args ...any) {
	if b.disabled {
		return
	}
	if _, err := fmt.Fprintf(b.w, format, args...); err != nil {
		b.disabled = true
	}
}
