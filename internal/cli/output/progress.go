package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

const barWidth = 30

// ProgressBar redraws one line per upload acknowledgement.
type ProgressBar struct {
	mu    sync.Mutex
	w     io.Writer
	label string
	sent  int64
	total int64
}

// NewProgressBar returns a bar titled label.
func NewProgressBar(w io.Writer, label string) *ProgressBar {
	return &ProgressBar{w: w, label: label}
}

// Update records acknowledged bytes out of total and redraws. It matches the
// upload progress callback.
func (p *ProgressBar) Update(sent, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent, p.total = sent, total
	p.draw()
}

// Finish draws the bar full and ends the line.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total > 0 {
		p.sent = p.total
	}
	p.draw()
	fmt.Fprintln(p.w)
}

func (p *ProgressBar) draw() {
	if p.total <= 0 {
		fmt.Fprintf(p.w, "\r%s %s", p.label, FormatBytes(p.sent))
		return
	}
	sent := min(p.sent, p.total)
	filled := int(sent * barWidth / p.total)
	bar := strings.Repeat("=", filled)
	if filled < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-filled-1)
	}
	fmt.Fprintf(p.w, "\r%s [%s] %3d%% %s/%s",
		p.label, bar, sent*100/p.total, FormatBytes(sent), FormatBytes(p.total))
}

// FormatBytes renders n with binary units, e.g. "1.5 KB".
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	value, suffix := float64(n), 0
	for value >= unit && suffix < len("KMGTPE") {
		value /= unit
		suffix++
	}
	return fmt.Sprintf("%.1f %cB", value, "KMGTPE"[suffix-1])
}
