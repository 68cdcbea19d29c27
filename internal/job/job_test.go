package job_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woffle/woffle/internal/config"
	"github.com/woffle/woffle/internal/hashstore"
	"github.com/woffle/woffle/internal/job"
	"github.com/woffle/woffle/internal/msg"
	"github.com/woffle/woffle/internal/platform"
	"github.com/woffle/woffle/internal/summary"
)

// sink collects engine events for inspection.
type sink struct {
	mu     sync.Mutex
	events []msg.Event
	fail   bool
}

func (s *sink) emit(ev msg.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("channel gone")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) all() []msg.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]msg.Event(nil), s.events...)
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// waitTerminal blocks until a scanned/stopped event shows up past
// offset, returning its type.
func (s *sink) waitTerminal(t *testing.T, offset int) string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range s.all()[offset:] {
			if ev.Type == msg.EvtScanned || ev.Type == msg.EvtStopped {
				return ev.Type
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no terminal event")
	return ""
}

// lastSummary returns the final folder_summary in the collected
// stream.
func (s *sink) lastSummary(t *testing.T) summary.Snapshot {
	t.Helper()
	events := s.all()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == msg.EvtFolderSummary {
			return *events[i].Info
		}
	}
	t.Fatal("no folder_summary event")
	return summary.Snapshot{}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MinFileSize = 32 << 10
	cfg.ExcludeExtensions = []string{"jpg"}
	cfg.ExcludeDirs = nil
	return cfg
}

type fixture struct {
	root   string
	fake   *platform.Fake
	store  *hashstore.Store
	sink   *sink
	engine *job.Engine
	probes *probeCounter
}

type probeCounter struct {
	mu    sync.Mutex
	paths []string
}

func (p *probeCounter) hit(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths = append(p.paths, path)
}

func (p *probeCounter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.paths)
}

func newFixture(t *testing.T, cfg config.Config, adapter platform.Adapter) *fixture {
	t.Helper()

	fx := &fixture{
		root:   t.TempDir(),
		sink:   &sink{},
		probes: &probeCounter{},
	}
	if fake, ok := adapter.(*platform.Fake); ok {
		fx.fake = fake
	}

	store, err := hashstore.Open(filepath.Join(t.TempDir(), "incompressible.dat"))
	require.NoError(t, err)
	fx.store = store
	t.Cleanup(func() { store.Close() })

	engine, err := job.New(job.Params{
		Config:    cfg,
		Adapter:   adapter,
		Store:     store,
		Emit:      fx.sink.emit,
		Logger:    quietLogger(),
		ProbeHook: fx.probes.hit,
	})
	require.NoError(t, err)
	fx.engine = engine
	t.Cleanup(engine.Close)

	return fx
}

func (fx *fixture) write(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(fx.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func (fx *fixture) runJob(t *testing.T, k job.Kind) string {
	t.Helper()
	offset := fx.sink.count()
	require.NoError(t, fx.engine.Start(k))
	return fx.sink.waitTerminal(t, offset)
}

func textData(n int) []byte {
	return bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), n/45+1)[:n]
}

func randomData(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(data)
	return data
}

// seedTree lays down the standard scenario: a compressible text file,
// an excluded jpeg, a too-small file, and an incompressible blob with
// a neutral extension.
func (fx *fixture) seedTree(t *testing.T) (a, b, c, d string) {
	a = fx.write(t, "a.txt", textData(100<<10))
	b = fx.write(t, "b.jpg", randomData(2<<20))
	c = fx.write(t, "c.bin", textData(10<<10))
	d = fx.write(t, "d.rnd", randomData(1<<20))
	return a, b, c, d
}

func TestAnalyze(t *testing.T) {
	fx := newFixture(t, testConfig(), platform.NewFake())
	fx.seedTree(t)
	require.NoError(t, fx.engine.SetRoot(fx.root))

	terminal := fx.runJob(t, job.Analyze)
	assert.Equal(t, msg.EvtScanned, terminal)

	snap := fx.sink.lastSummary(t)
	assert.Equal(t, uint64(0), snap.Compressed.Count)
	assert.Equal(t, uint64(2), snap.Compressible.Count) // a.txt, d.rnd
	assert.Equal(t, uint64(2), snap.Skipped.Count)      // b.jpg (ext), c.bin (floor)
	assert.Equal(t, uint64(4), snap.Files())

	// Analysis never reads file content.
	assert.Zero(t, fx.probes.count())

	// Bin totals sum to folder totals.
	assert.Equal(t, snap.LogicalSize,
		snap.Compressed.LogicalSize+snap.Compressible.LogicalSize+snap.Skipped.LogicalSize)
	assert.Equal(t, snap.PhysicalSize,
		snap.Compressed.PhysicalSize+snap.Compressible.PhysicalSize+snap.Skipped.PhysicalSize)
}

func TestAnalyzeEmptyDir(t *testing.T) {
	fx := newFixture(t, testConfig(), platform.NewFake())
	require.NoError(t, fx.engine.SetRoot(fx.root))

	terminal := fx.runJob(t, job.Analyze)
	assert.Equal(t, msg.EvtScanned, terminal)

	snap := fx.sink.lastSummary(t)
	assert.Equal(t, summary.Snapshot{}, snap)
	assert.Equal(t, 1.0, snap.Ratio())
}

func TestCompress(t *testing.T) {
	fx := newFixture(t, testConfig(), platform.NewFake())
	a, _, _, d := fx.seedTree(t)
	require.NoError(t, fx.engine.SetRoot(fx.root))

	terminal := fx.runJob(t, job.Compress)
	assert.Equal(t, msg.EvtScanned, terminal)

	snap := fx.sink.lastSummary(t)
	assert.Equal(t, uint64(1), snap.Compressed.Count) // a.txt
	assert.Equal(t, uint64(3), snap.Skipped.Count)    // b.jpg, c.bin, d.rnd
	assert.Equal(t, uint64(0), snap.Compressible.Count)

	// a.txt gained a backing and shrank.
	md, err := fx.fake.Stat(a)
	require.NoError(t, err)
	assert.True(t, md.Compressed())
	assert.Less(t, md.PhysicalSize, md.LogicalSize)

	// d.rnd was probed, found incompressible, and remembered; the
	// excluded jpeg was never probed.
	assert.True(t, fx.store.Contains(d))
	assert.Equal(t, 2, fx.probes.count()) // a.txt + d.rnd
	assert.Equal(t, 1, fx.fake.SetCalls())
}

func TestCompressRerunSkipsKnownIncompressible(t *testing.T) {
	fx := newFixture(t, testConfig(), platform.NewFake())
	fx.seedTree(t)
	require.NoError(t, fx.engine.SetRoot(fx.root))

	fx.runJob(t, job.Compress)
	firstProbes := fx.probes.count()
	firstSets := fx.fake.SetCalls()

	terminal := fx.runJob(t, job.Compress)
	assert.Equal(t, msg.EvtScanned, terminal)

	// Second run: a.txt is already backed, d.rnd is in the store;
	// nothing is probed or compressed again.
	assert.Equal(t, firstProbes, fx.probes.count())
	assert.Equal(t, firstSets, fx.fake.SetCalls())

	snap := fx.sink.lastSummary(t)
	assert.Equal(t, uint64(1), snap.Compressed.Count)
	assert.Equal(t, uint64(3), snap.Skipped.Count)
}

func TestStoredHashNeverReachesAdapter(t *testing.T) {
	fx := newFixture(t, testConfig(), platform.NewFake())
	a, _, _, _ := fx.seedTree(t)
	require.NoError(t, fx.store.Record(a))
	require.NoError(t, fx.engine.SetRoot(fx.root))

	fx.runJob(t, job.Compress)

	// a.txt was pre-recorded: no probe of it, no platform call, even
	// though its content would compress fine.
	md, err := fx.fake.Stat(a)
	require.NoError(t, err)
	assert.False(t, md.Compressed())
	for _, p := range fx.probes.paths {
		assert.NotEqual(t, a, p)
	}
}

func TestCompressThenDecompressRoundTrip(t *testing.T) {
	fx := newFixture(t, testConfig(), platform.NewFake())
	a, _, _, _ := fx.seedTree(t)
	require.NoError(t, fx.engine.SetRoot(fx.root))

	before, err := fx.fake.Stat(a)
	require.NoError(t, err)

	fx.runJob(t, job.Compress)
	terminal := fx.runJob(t, job.Decompress)
	assert.Equal(t, msg.EvtScanned, terminal)

	snap := fx.sink.lastSummary(t)
	assert.Equal(t, uint64(0), snap.Compressed.Count)
	assert.Equal(t, uint64(1), snap.Compressible.Count) // a.txt again
	assert.Equal(t, uint64(3), snap.Skipped.Count)

	after, err := fx.fake.Stat(a)
	require.NoError(t, err)
	assert.False(t, after.Compressed())
	assert.Equal(t, before.LogicalSize, after.LogicalSize)
	assert.Equal(t, before.PhysicalSize, after.PhysicalSize)
	assert.True(t, before.ModTime.Equal(after.ModTime), "mtime must survive the round trip")
}

func TestCompressLockedFile(t *testing.T) {
	fx := newFixture(t, testConfig(), platform.NewFake())
	a, _, _, _ := fx.seedTree(t)
	fx.fake.Lock(a)
	require.NoError(t, fx.engine.SetRoot(fx.root))

	fx.runJob(t, job.Compress)

	snap := fx.sink.lastSummary(t)
	assert.Equal(t, uint64(0), snap.Compressed.Count)
	assert.Equal(t, uint64(4), snap.Skipped.Count)
	assert.Equal(t, uint64(4), snap.Files())

	var warned bool
	for _, ev := range fx.sink.all() {
		if ev.Type == msg.EvtStatus && ev.Warning {
			warned = true
		}
	}
	assert.True(t, warned, "lock contention should surface as a warning event")

	// Locked files are not remembered as incompressible.
	assert.False(t, fx.store.Contains(a))
}

func TestStartRequiresRoot(t *testing.T) {
	fx := newFixture(t, testConfig(), platform.NewFake())
	assert.ErrorIs(t, fx.engine.Start(job.Analyze), job.ErrNoRoot)
}

// slowAdapter stretches job duration so control signals can land
// mid-run.
type slowAdapter struct {
	platform.Adapter
	delay time.Duration
}

func (s slowAdapter) Stat(path string) (platform.Metadata, error) {
	time.Sleep(s.delay)
	return s.Adapter.Stat(path)
}

func seedMany(t *testing.T, fx *fixture, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		fx.write(t, filepath.Join("files", fmt.Sprintf("f%04d.dat", i)), textData(40<<10))
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	fx := newFixture(t, testConfig(), slowAdapter{Adapter: platform.NewFake(), delay: 2 * time.Millisecond})
	seedMany(t, fx, 300)
	require.NoError(t, fx.engine.SetRoot(fx.root))

	require.NoError(t, fx.engine.Start(job.Analyze))
	err := fx.engine.Start(job.Compress)
	assert.ErrorIs(t, err, job.ErrBusy)

	fx.sink.waitTerminal(t, 0)
}

func TestPauseResumeStop(t *testing.T) {
	fx := newFixture(t, testConfig(), slowAdapter{Adapter: platform.NewFake(), delay: 2 * time.Millisecond})
	seedMany(t, fx, 500)
	require.NoError(t, fx.engine.SetRoot(fx.root))

	require.NoError(t, fx.engine.Start(job.Analyze))
	time.Sleep(50 * time.Millisecond)

	fx.engine.Pause()
	// Wait out the file in flight, then the stream must go quiet.
	time.Sleep(50 * time.Millisecond)
	frozen := fx.sink.count()
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, frozen, fx.sink.count(), "paused engine must not emit progress")
	assert.Equal(t, job.Paused, fx.engine.State())

	offset := fx.sink.count()
	fx.engine.Resume()
	time.Sleep(300 * time.Millisecond)
	assert.Greater(t, fx.sink.count(), offset, "resume must restart progress")

	fx.engine.Stop()
	terminal := fx.sink.waitTerminal(t, offset)
	assert.Equal(t, msg.EvtStopped, terminal)

	// Events include the pause/resume acknowledgements.
	var sawPaused, sawResumed bool
	for _, ev := range fx.sink.all() {
		switch ev.Type {
		case msg.EvtPaused:
			sawPaused = true
		case msg.EvtResumed:
			sawResumed = true
		}
	}
	assert.True(t, sawPaused)
	assert.True(t, sawResumed)
}

func TestStopWhilePaused(t *testing.T) {
	fx := newFixture(t, testConfig(), slowAdapter{Adapter: platform.NewFake(), delay: 2 * time.Millisecond})
	seedMany(t, fx, 300)
	require.NoError(t, fx.engine.SetRoot(fx.root))

	require.NoError(t, fx.engine.Start(job.Analyze))
	time.Sleep(30 * time.Millisecond)
	fx.engine.Pause()
	time.Sleep(30 * time.Millisecond)

	fx.engine.Stop()
	terminal := fx.sink.waitTerminal(t, 0)
	assert.Equal(t, msg.EvtStopped, terminal)
}

func TestStartWhileStoppingQueues(t *testing.T) {
	fx := newFixture(t, testConfig(), slowAdapter{Adapter: platform.NewFake(), delay: 2 * time.Millisecond})
	seedMany(t, fx, 300)
	require.NoError(t, fx.engine.SetRoot(fx.root))

	require.NoError(t, fx.engine.Start(job.Analyze))
	time.Sleep(30 * time.Millisecond)
	fx.engine.Stop()
	require.NoError(t, fx.engine.Start(job.Analyze)) // queued

	first := fx.sink.waitTerminal(t, 0)
	assert.Equal(t, msg.EvtStopped, first)

	offset := 0
	for i, ev := range fx.sink.all() {
		if ev.Type == msg.EvtStopped {
			offset = i + 1
			break
		}
	}
	second := fx.sink.waitTerminal(t, offset)
	assert.Equal(t, msg.EvtScanned, second)
}

func TestExactlyOneTerminalAndNoSummaryAfterIt(t *testing.T) {
	fx := newFixture(t, testConfig(), platform.NewFake())
	fx.seedTree(t)
	require.NoError(t, fx.engine.SetRoot(fx.root))
	fx.runJob(t, job.Analyze)

	events := fx.sink.all()
	terminals := 0
	terminalAt := -1
	for i, ev := range events {
		if ev.Type == msg.EvtScanned || ev.Type == msg.EvtStopped {
			terminals++
			terminalAt = i
		}
	}
	assert.Equal(t, 1, terminals)
	for _, ev := range events[terminalAt+1:] {
		assert.NotEqual(t, msg.EvtFolderSummary, ev.Type)
	}
}

func TestChannelLossShutsDownCleanly(t *testing.T) {
	fx := newFixture(t, testConfig(), platform.NewFake())
	fx.seedTree(t)
	require.NoError(t, fx.engine.SetRoot(fx.root))

	fx.sink.mu.Lock()
	fx.sink.fail = true
	fx.sink.mu.Unlock()

	// The first emission fails; the engine must wind down without
	// hanging Close.
	_ = fx.engine.Start(job.Analyze)
	done := make(chan struct{})
	go func() {
		fx.engine.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down after event channel loss")
	}
}

func TestSetRootEmitsFolderEvent(t *testing.T) {
	fx := newFixture(t, testConfig(), platform.NewFake())
	require.NoError(t, fx.engine.SetRoot(fx.root))

	events := fx.sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, msg.EvtFolder, events[0].Type)
	assert.Equal(t, fx.root, events[0].Path)

	assert.Error(t, fx.engine.SetRoot(filepath.Join(fx.root, "missing")))
}
