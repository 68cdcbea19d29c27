package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/woffle/woffle/internal/summary"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1 << 20, "1.0 MiB"},
		{5 << 30, "5.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "0", FormatCount(0))
	assert.Equal(t, "999", FormatCount(999))
	assert.Equal(t, "1,000", FormatCount(1000))
	assert.Equal(t, "1,234,567", FormatCount(1234567))
}

func TestFormatRatio(t *testing.T) {
	assert.Equal(t, "50%", FormatRatio(0.5))
	assert.Equal(t, "100%", FormatRatio(1.0))
}

func TestRenderSummary(t *testing.T) {
	out := RenderSummary(summary.Snapshot{
		LogicalSize:  2048,
		PhysicalSize: 1024,
		Compressed:   summary.Group{Count: 1, LogicalSize: 2048, PhysicalSize: 1024},
	})
	assert.Contains(t, out, "1.0 KiB of 2.0 KiB on disk (50%)")
	assert.Contains(t, out, "compressed")
	assert.Contains(t, out, "compressible")
	assert.Contains(t, out, "skipped")
}
