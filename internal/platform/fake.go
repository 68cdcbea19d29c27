package platform

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Fake is an in-memory Adapter for tests. Unknown paths fall through
// to the real filesystem on first Stat (logical == physical,
// uncompressed), so tests can walk a t.TempDir() tree without seeding
// every file by hand.
type Fake struct {
	// Ratio is the physical/logical fraction a successful SetBacking
	// leaves behind. Defaults to 0.5.
	Ratio float64

	// PreserveTimes mirrors the real adapter's timestamp handling:
	// when false, backing changes clobber mtime.
	PreserveTimes bool

	mu         sync.Mutex
	files      map[string]*fakeFile
	locked     map[string]bool
	failStat   map[string]error
	setCalls   int
	clearCalls int
}

type fakeFile struct {
	logical  int64
	physical int64
	backing  Backing
	mtime    time.Time
	atime    time.Time
}

// NewFake returns a Fake with timestamp preservation on.
func NewFake() *Fake {
	return &Fake{
		Ratio:         0.5,
		PreserveTimes: true,
		files:         make(map[string]*fakeFile),
		locked:        make(map[string]bool),
		failStat:      make(map[string]error),
	}
}

// AddFile seeds a file that exists only in the fake.
func (f *Fake) AddFile(path string, logical int64, mtime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = &fakeFile{
		logical:  logical,
		physical: logical,
		mtime:    mtime,
		atime:    mtime,
	}
}

// AddCompressedFile seeds a file that already carries a backing.
func (f *Fake) AddCompressedFile(path string, logical, physical int64, alg Algorithm, mtime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = &fakeFile{
		logical:  logical,
		physical: physical,
		backing:  Backing{Backed: true, Algorithm: alg},
		mtime:    mtime,
		atime:    mtime,
	}
}

// Lock makes subsequent SetBacking/ClearBacking on path fail with
// ErrLocked.
func (f *Fake) Lock(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[path] = true
}

// FailStat makes Stat on path return err.
func (f *Fake) FailStat(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStat[path] = err
}

// SetCalls reports how many SetBacking calls reached the fake.
func (f *Fake) SetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCalls
}

// ClearCalls reports how many ClearBacking calls reached the fake.
func (f *Fake) ClearCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clearCalls
}

func (f *Fake) Stat(path string) (Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, err := f.lookup(path)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		Path:         path,
		LogicalSize:  ff.logical,
		PhysicalSize: ff.physical,
		Backing:      ff.backing,
		ModTime:      ff.mtime,
		AccTime:      ff.atime,
	}, nil
}

func (f *Fake) SetBacking(path string, alg Algorithm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	ff, err := f.lookup(path)
	if err != nil {
		return err
	}
	if f.locked[path] {
		return fmt.Errorf("open %s: %w", path, ErrLocked)
	}
	if ff.backing.Backed {
		return nil
	}
	ff.backing = Backing{Backed: true, Algorithm: alg}
	ff.physical = int64(float64(ff.logical) * f.Ratio)
	f.touch(ff)
	return nil
}

func (f *Fake) ClearBacking(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearCalls++
	ff, err := f.lookup(path)
	if err != nil {
		return err
	}
	if f.locked[path] {
		return fmt.Errorf("open %s: %w", path, ErrLocked)
	}
	if !ff.backing.Backed {
		return nil
	}
	ff.backing = Backing{}
	ff.physical = ff.logical
	f.touch(ff)
	return nil
}

// touch emulates the control call updating mtime, then the adapter
// restoring it when preservation is on.
func (f *Fake) touch(ff *fakeFile) {
	if !f.PreserveTimes {
		ff.mtime = time.Now()
	}
}

// lookup must be called with mu held.
func (f *Fake) lookup(path string) (*fakeFile, error) {
	if err, ok := f.failStat[path]; ok {
		return nil, err
	}
	if ff, ok := f.files[path]; ok {
		return ff, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	ff := &fakeFile{
		logical:  info.Size(),
		physical: info.Size(),
		mtime:    info.ModTime(),
		atime:    info.ModTime(),
	}
	f.files[path] = ff
	return ff, nil
}
