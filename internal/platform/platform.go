// Package platform wraps the host filesystem operations the engine
// needs: coherent logical/physical size queries, external-backing
// state, and the control calls that attach or detach a compression
// backing. It is the only package that names OS APIs.
package platform

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Algorithm selects a WOF compression variant. The numeric values are
// the 32-bit codes the filesystem control call expects.
type Algorithm uint32

const (
	Xpress4k  Algorithm = 0
	Lzx       Algorithm = 1
	Xpress8k  Algorithm = 2
	Xpress16k Algorithm = 3
)

var algorithmNames = map[Algorithm]string{
	Xpress4k:  "xpress4k",
	Xpress8k:  "xpress8k",
	Xpress16k: "xpress16k",
	Lzx:       "lzx",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("algorithm(%d)", uint32(a))
}

// ParseAlgorithm resolves a user-supplied algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for alg, name := range algorithmNames {
		if name == needle {
			return alg, nil
		}
	}
	return 0, fmt.Errorf("unknown compression algorithm %q", s)
}

// Backing describes a file's external-backing state.
type Backing struct {
	Backed    bool
	Algorithm Algorithm // valid only when Backed
}

// Metadata is a coherent snapshot of one file's sizes, backing state
// and timestamps.
type Metadata struct {
	Path         string
	LogicalSize  int64
	PhysicalSize int64
	Backing      Backing
	ModTime      time.Time
	AccTime      time.Time
}

// Compressed reports whether the file carries any external backing.
func (m Metadata) Compressed() bool {
	return m.Backing.Backed
}

var (
	// ErrUnsupported means the host OS or target filesystem rejects
	// external-backing controls.
	ErrUnsupported = errors.New("external backing not supported here")

	// ErrLocked means the file could not be opened exclusively because
	// another process holds it open.
	ErrLocked = errors.New("file is in use")

	// ErrNotBeneficial means the filesystem declined to attach a
	// backing because compression would not shrink the file.
	ErrNotBeneficial = errors.New("compression not beneficial")
)

// Adapter is the engine's view of the host. SetBacking and
// ClearBacking are no-ops (returning nil) when the file is already in
// the requested state. Both hold an exclusive open only for the
// duration of the control call and restore the file's timestamps
// afterwards when configured to.
type Adapter interface {
	Stat(path string) (Metadata, error)
	SetBacking(path string, alg Algorithm) error
	ClearBacking(path string) error
}
