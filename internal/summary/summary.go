// Package summary accumulates per-bin counts and sizes for one walk
// and derives the ratios shown to the user.
package summary

import "fmt"

// Bin is the classifier's verdict for one file.
type Bin int

const (
	Compressed Bin = iota
	Compressible
	Skipped
)

var binNames = [...]string{
	Compressed:   "compressed",
	Compressible: "compressible",
	Skipped:      "skipped",
}

func (b Bin) String() string {
	if int(b) < len(binNames) {
		return binNames[b]
	}
	return "unknown"
}

// Group aggregates one bin.
type Group struct {
	Count        uint64 `json:"count"`
	LogicalSize  uint64 `json:"logical_size"`
	PhysicalSize uint64 `json:"physical_size"`
}

func (g *Group) add(logical, physical uint64) {
	g.Count++
	g.LogicalSize += logical
	g.PhysicalSize += physical
}

// Snapshot is a point-in-time copy of the aggregator, and doubles as
// the wire shape of a folder_summary event.
type Snapshot struct {
	LogicalSize  uint64 `json:"logical_size"`
	PhysicalSize uint64 `json:"physical_size"`
	Compressed   Group  `json:"compressed"`
	Compressible Group  `json:"compressible"`
	Skipped      Group  `json:"skipped"`
}

// Ratio is physical over logical, or 1.00 for an empty folder.
func (s Snapshot) Ratio() float64 {
	if s.LogicalSize == 0 {
		return 1.0
	}
	return float64(s.PhysicalSize) / float64(s.LogicalSize)
}

// Files is the total number of files folded in across all bins.
func (s Snapshot) Files() uint64 {
	return s.Compressed.Count + s.Compressible.Count + s.Skipped.Count
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"files=%d logical=%d physical=%d compressed=%d compressible=%d skipped=%d",
		s.Files(), s.LogicalSize, s.PhysicalSize,
		s.Compressed.Count, s.Compressible.Count, s.Skipped.Count,
	)
}

// Aggregator folds classified files into bin totals. It is owned by
// the job worker; everyone else sees Snapshot copies.
type Aggregator struct {
	snap Snapshot
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// Add folds one file into bin.
func (a *Aggregator) Add(bin Bin, logical, physical uint64) {
	a.snap.LogicalSize += logical
	a.snap.PhysicalSize += physical

	switch bin {
	case Compressed:
		a.snap.Compressed.add(logical, physical)
	case Compressible:
		a.snap.Compressible.add(logical, physical)
	case Skipped:
		a.snap.Skipped.add(logical, physical)
	}
}

// Snapshot returns a copy of the current totals.
func (a *Aggregator) Snapshot() Snapshot {
	return a.snap
}
