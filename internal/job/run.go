package job

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/woffle/woffle/internal/estimate"
	"github.com/woffle/woffle/internal/msg"
	"github.com/woffle/woffle/internal/platform"
	"github.com/woffle/woffle/internal/summary"
	"github.com/woffle/woffle/internal/walker"
)

// summaryInterval throttles folder_summary events while a job runs.
// The end-of-job snapshot is never throttled.
const summaryInterval = 250 * time.Millisecond

func statusFor(k Kind) string {
	switch k {
	case Compress:
		return "Compressing"
	case Decompress:
		return "Decompressing"
	default:
		return "Scanning"
	}
}

// run executes one job on the worker goroutine and emits exactly one
// terminal event.
func (e *Engine) run(k Kind, root string) {
	runID := uuid.NewString()
	log := e.log.With("job", k.String(), "run", runID)
	log.Info("job started", "root", root)

	e.emit(msg.Event{Type: msg.EvtStatus, Status: statusFor(k), RunID: runID})

	// Pick up peer-process appends before gating anything on the
	// store.
	if e.store != nil {
		if err := e.store.Reload(); err != nil {
			log.Warn("store reload failed", "error", err)
		}
	}

	agg := summary.New()
	stopped := false
	lastEmit := time.Now()

	walkErr := walker.Walk(root, e.rules, e.adapter, e.store,
		func(entry walker.Entry) bool {
			if e.checkpoint() {
				stopped = true
				return false
			}

			switch k {
			case Compress:
				e.compressEntry(agg, entry, log, runID)
			case Decompress:
				e.decompressEntry(agg, entry, log, runID)
			default:
				agg.Add(entry.Bin, uint64(entry.Meta.LogicalSize), uint64(entry.Meta.PhysicalSize))
			}

			if time.Since(lastEmit) >= summaryInterval {
				lastEmit = time.Now()
				snap := agg.Snapshot()
				e.emit(msg.Event{Type: msg.EvtFolderSummary, Info: &snap, RunID: runID})
			}
			return true
		},
		func(path string, err error) {
			log.Warn("walk error", "path", path, "error", err)
			e.emit(msg.Event{
				Type:    msg.EvtStatus,
				Status:  fmt.Sprintf("error reading %s: %v", path, err),
				Warning: true,
				RunID:   runID,
			})
		})

	if walkErr != nil {
		log.Error("walk failed", "error", walkErr)
		e.emit(msg.Event{
			Type:   msg.EvtStatus,
			Status: fmt.Sprintf("cannot walk %s: %v", root, walkErr),
			Error:  true,
			RunID:  runID,
		})
		stopped = true
	}

	if e.store != nil {
		if err := e.store.Flush(); err != nil {
			e.warnStore(err, runID)
		}
	}

	snap := agg.Snapshot()
	e.emit(msg.Event{Type: msg.EvtFolderSummary, Info: &snap, RunID: runID})

	terminal := msg.EvtScanned
	if stopped {
		terminal = msg.EvtStopped
	}
	e.emit(msg.Event{Type: terminal, RunID: runID})
	log.Info("job finished", "terminal", terminal, "summary", snap.String())
}

// compressEntry handles one file for a Compress job: count the
// already-resolved bins, gate the rest through the estimator and the
// incompressible store, and only then touch the platform.
func (e *Engine) compressEntry(agg *summary.Aggregator, entry walker.Entry, log *slog.Logger, runID string) {
	md := entry.Meta
	logical, physical := uint64(md.LogicalSize), uint64(md.PhysicalSize)

	if entry.Bin != summary.Compressible {
		agg.Add(entry.Bin, logical, physical)
		return
	}

	res, err := e.probe(md)
	if err != nil {
		log.Warn("probe failed", "path", md.Path, "error", err)
		e.emit(msg.Event{
			Type:    msg.EvtStatus,
			Status:  fmt.Sprintf("cannot probe %s: %v", md.Path, err),
			Warning: true,
			RunID:   runID,
		})
		agg.Add(summary.Skipped, logical, physical)
		return
	}

	if res.Ratio >= e.cfg.Threshold {
		e.record(md.Path, runID)
		agg.Add(summary.Skipped, logical, physical)
		return
	}

	if err := e.adapter.SetBacking(md.Path, e.alg); err != nil {
		switch {
		case errors.Is(err, platform.ErrNotBeneficial):
			// The filesystem knows better than the estimate did.
			e.record(md.Path, runID)
		case errors.Is(err, platform.ErrLocked):
			log.Warn("file in use", "path", md.Path)
			e.emit(msg.Event{
				Type:    msg.EvtStatus,
				Status:  fmt.Sprintf("in use: %s", md.Path),
				Warning: true,
				RunID:   runID,
			})
		default:
			log.Warn("compress failed", "path", md.Path, "error", err)
			e.emit(msg.Event{
				Type:    msg.EvtStatus,
				Status:  fmt.Sprintf("cannot compress %s: %v", md.Path, err),
				Warning: true,
				RunID:   runID,
			})
		}
		agg.Add(summary.Skipped, logical, physical)
		return
	}

	// Re-stat and trust the filesystem for the new physical size
	// rather than predicting it.
	if after, err := e.adapter.Stat(md.Path); err == nil {
		agg.Add(summary.Compressed, uint64(after.LogicalSize), uint64(after.PhysicalSize))
	} else {
		log.Warn("re-stat after compress failed", "path", md.Path, "error", err)
		agg.Add(summary.Compressed, logical, physical)
	}
}

// decompressEntry handles one file for a Decompress job; only backed
// files are touched.
func (e *Engine) decompressEntry(agg *summary.Aggregator, entry walker.Entry, log *slog.Logger, runID string) {
	md := entry.Meta
	logical, physical := uint64(md.LogicalSize), uint64(md.PhysicalSize)

	if entry.Bin != summary.Compressed {
		agg.Add(entry.Bin, logical, physical)
		return
	}

	if err := e.adapter.ClearBacking(md.Path); err != nil {
		log.Warn("decompress failed", "path", md.Path, "error", err)
		e.emit(msg.Event{
			Type:    msg.EvtStatus,
			Status:  fmt.Sprintf("cannot decompress %s: %v", md.Path, err),
			Warning: true,
			RunID:   runID,
		})
		agg.Add(summary.Compressed, logical, physical)
		return
	}

	if after, err := e.adapter.Stat(md.Path); err == nil {
		bin, _ := walker.Classify(after, e.rules, e.store)
		agg.Add(bin, uint64(after.LogicalSize), uint64(after.PhysicalSize))
	} else {
		log.Warn("re-stat after decompress failed", "path", md.Path, "error", err)
		agg.Add(summary.Compressible, logical, physical)
	}
}

// probe runs the compresstimator over a plain read handle; the
// exclusive lock belongs to the backing call alone.
func (e *Engine) probe(md platform.Metadata) (estimate.Result, error) {
	if e.probeHook != nil {
		e.probeHook(md.Path)
	}

	f, err := os.Open(md.Path)
	if err != nil {
		return estimate.Result{}, err
	}
	defer f.Close()

	return e.est.Estimate(f, md.LogicalSize)
}

func (e *Engine) record(path, runID string) {
	if e.store == nil {
		return
	}
	if err := e.store.Record(path); err != nil {
		e.warnStore(err, runID)
	}
}

// warnStore surfaces store degradation exactly once per session.
func (e *Engine) warnStore(err error, runID string) {
	e.mu.Lock()
	warned := e.storeWarned
	e.storeWarned = true
	e.mu.Unlock()

	e.log.Warn("incompressible-file store degraded to memory", "error", err)
	if !warned {
		e.emit(msg.Event{
			Type:    msg.EvtStatus,
			Status:  "incompressible-file store unavailable; continuing in memory",
			Warning: true,
			RunID:   runID,
		})
	}
}
