// Package walker traverses a directory tree in pre-order and hands
// each file to the caller already classified into a compression bin.
package walker

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/woffle/woffle/internal/hashstore"
	"github.com/woffle/woffle/internal/platform"
	"github.com/woffle/woffle/internal/summary"
)

// Reason explains a classification, for the event log only; bins are
// what the summary groups by.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonAlreadyBacked
	ReasonTooSmall
	ReasonExcludedExtension
	ReasonKnownIncompressible
	ReasonNotBeneficial
	ReasonError
)

var reasonNames = [...]string{
	ReasonNone:                "",
	ReasonAlreadyBacked:       "already compressed",
	ReasonTooSmall:            "below size floor",
	ReasonExcludedExtension:   "excluded extension",
	ReasonKnownIncompressible: "known incompressible",
	ReasonNotBeneficial:       "not beneficial",
	ReasonError:               "error",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// Entry is one classified file.
type Entry struct {
	Meta   platform.Metadata
	Bin    summary.Bin
	Reason Reason
	Err    error // set with ReasonError
}

// Rules are the user's exclusions.
type Rules struct {
	// MinFileSize is the size floor: files at or below it are
	// skipped.
	MinFileSize int64

	exts map[string]struct{}
	dirs map[string]struct{}
}

// NewRules builds Rules from config values. Extensions may carry a
// leading dot; directory names match case-insensitively.
func NewRules(minFileSize int64, extensions, dirNames []string) Rules {
	r := Rules{
		MinFileSize: minFileSize,
		exts:        make(map[string]struct{}, len(extensions)),
		dirs:        make(map[string]struct{}, len(dirNames)),
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			r.exts[ext] = struct{}{}
		}
	}
	for _, name := range dirNames {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			r.dirs[name] = struct{}{}
		}
	}
	return r
}

// ExtensionExcluded reports whether path's extension is denylisted.
func (r Rules) ExtensionExcluded(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return false
	}
	_, ok := r.exts[ext]
	return ok
}

// DirExcluded reports whether a directory with this name should be
// pruned from the walk entirely.
func (r Rules) DirExcluded(name string) bool {
	_, ok := r.dirs[strings.ToLower(name)]
	return ok
}

// Classify assigns a bin per the engine's rules. The estimator is
// deliberately absent here; content probing happens only on the
// compress path.
func Classify(md platform.Metadata, rules Rules, store *hashstore.Store) (summary.Bin, Reason) {
	switch {
	case md.Compressed():
		return summary.Compressed, ReasonAlreadyBacked
	case rules.ExtensionExcluded(md.Path):
		return summary.Skipped, ReasonExcludedExtension
	case md.LogicalSize <= rules.MinFileSize:
		return summary.Skipped, ReasonTooSmall
	case store != nil && store.Contains(md.Path):
		return summary.Skipped, ReasonKnownIncompressible
	default:
		return summary.Compressible, ReasonNone
	}
}

// Visitor receives each classified entry; returning false stops the
// walk after the current entry.
type Visitor func(e Entry) bool

// ErrFunc receives per-entry traversal errors. The walk continues.
type ErrFunc func(path string, err error)

// Walk traverses root depth-first in pre-order. Excluded subtrees are
// never entered; reparse points (symlinks and friends) are not
// followed; listing and stat errors are reported through onErr and do
// not abort the walk, though an unreadable file is still yielded so
// the caller can count it.
func Walk(root string, rules Rules, adapter platform.Adapter, store *hashstore.Store, visit Visitor, onErr ErrFunc) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			onErr(path, err)
			return nil
		}

		if d.IsDir() {
			if path != root && rules.DirExcluded(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}

		// Symlinks, junctions and other non-regular entries are not
		// followed and not counted.
		if d.Type()&(os.ModeSymlink|os.ModeIrregular) != 0 || !d.Type().IsRegular() {
			return nil
		}

		md, statErr := adapter.Stat(path)
		if statErr != nil {
			onErr(path, statErr)
			e := Entry{
				Meta:   platform.Metadata{Path: path},
				Bin:    summary.Skipped,
				Reason: ReasonError,
				Err:    statErr,
			}
			if !visit(e) {
				return fs.SkipAll
			}
			return nil
		}

		bin, reason := Classify(md, rules, store)
		if !visit(Entry{Meta: md, Bin: bin, Reason: reason}) {
			return fs.SkipAll
		}
		return nil
	})
}
