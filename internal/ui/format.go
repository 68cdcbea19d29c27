// Package ui holds the formatting helpers the one-shot CLI commands
// use when printing a folder summary.
package ui

import (
	"fmt"
	"strings"

	"github.com/woffle/woffle/internal/summary"
)

// FormatBytes returns a human-readable byte count.
func FormatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// FormatCount formats an integer with comma separators.
func FormatCount(n uint64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		b.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatRatio renders physical/logical as a percentage.
func FormatRatio(r float64) string {
	return fmt.Sprintf("%.0f%%", r*100)
}

// RenderSummary lays out a snapshot as the lines the CLI prints.
func RenderSummary(s summary.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s of %s on disk (%s)\n",
		FormatBytes(s.PhysicalSize), FormatBytes(s.LogicalSize), FormatRatio(s.Ratio()))

	row := func(name string, g summary.Group) {
		fmt.Fprintf(&b, "  %-12s %8s files  %10s -> %s\n",
			name, FormatCount(g.Count), FormatBytes(g.LogicalSize), FormatBytes(g.PhysicalSize))
	}
	row("compressed", s.Compressed)
	row("compressible", s.Compressible)
	row("skipped", s.Skipped)
	return b.String()
}
