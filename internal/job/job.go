// Package job owns the engine's single background worker: one job at
// a time over a directory tree, pausable between files, stoppable
// cooperatively, streaming progress to the event channel.
package job

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/woffle/woffle/internal/config"
	"github.com/woffle/woffle/internal/estimate"
	"github.com/woffle/woffle/internal/hashstore"
	"github.com/woffle/woffle/internal/msg"
	"github.com/woffle/woffle/internal/platform"
	"github.com/woffle/woffle/internal/walker"
)

// Kind selects what a job does to each file.
type Kind int

const (
	Analyze Kind = iota
	Compress
	Decompress
)

var kindNames = [...]string{
	Analyze:    "analyze",
	Compress:   "compress",
	Decompress: "decompress",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// State is the worker's control state.
type State int

const (
	Idle State = iota
	Running
	Paused
	Stopping
)

var stateNames = [...]string{
	Idle:     "idle",
	Running:  "running",
	Paused:   "paused",
	Stopping: "stopping",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ErrBusy is returned by Start while a job is running or paused.
var ErrBusy = errors.New("a job is already in progress")

// ErrNoRoot is returned by Start before a root has been chosen.
var ErrNoRoot = errors.New("no folder selected")

// Params configures an Engine.
type Params struct {
	Config  config.Config
	Adapter platform.Adapter
	Store   *hashstore.Store

	// Emit delivers one event to the front-end. A returned error
	// means the channel is gone; the worker shuts down cleanly.
	Emit func(msg.Event) error

	Logger *slog.Logger

	// ProbeHook, if set, observes every compresstimator invocation.
	ProbeHook func(path string)
}

// Engine runs jobs on its one worker goroutine. All exported methods
// are safe to call from any goroutine.
type Engine struct {
	cfg       config.Config
	alg       platform.Algorithm
	rules     walker.Rules
	adapter   platform.Adapter
	store     *hashstore.Store
	est       *estimate.Estimator
	emitFn    func(msg.Event) error
	log       *slog.Logger
	probeHook func(path string)

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	root    string
	pending *Kind // job handed to the worker
	queued  *Kind // job accepted while Stopping
	quit    bool
	dead    bool // event channel lost

	storeWarned bool

	wg sync.WaitGroup
}

// New validates params and starts the worker.
func New(p Params) (*Engine, error) {
	alg, err := p.Config.ParsedAlgorithm()
	if err != nil {
		return nil, err
	}
	if p.Adapter == nil {
		return nil, errors.New("job: adapter is required")
	}
	if p.Emit == nil {
		return nil, errors.New("job: event sink is required")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	e := &Engine{
		cfg:       p.Config,
		alg:       alg,
		rules:     walker.NewRules(p.Config.MinFileSize, p.Config.ExcludeExtensions, p.Config.ExcludeDirs),
		adapter:   p.Adapter,
		store:     p.Store,
		est:       estimate.New(0),
		emitFn:    p.Emit,
		log:       p.Logger,
		probeHook: p.ProbeHook,
	}
	e.cond = sync.NewCond(&e.mu)

	e.wg.Add(1)
	go e.worker()
	return e, nil
}

// SetRoot selects the folder jobs operate on. Rejected while a job is
// in progress.
func (e *Engine) SetRoot(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("folder: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("folder %s: not a directory", path)
	}

	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return ErrBusy
	}
	e.root = path
	e.mu.Unlock()

	e.emit(msg.Event{Type: msg.EvtFolder, Path: path})
	return nil
}

// Root returns the currently selected folder.
func (e *Engine) Root() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.root
}

// State returns the worker's control state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start requests a job. While Stopping one start is queued and runs
// after the current job winds down; while Running or Paused the
// request is rejected with ErrBusy.
func (e *Engine) Start(k Kind) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.quit {
		return errors.New("engine is shut down")
	}
	if e.root == "" {
		return ErrNoRoot
	}

	switch e.state {
	case Idle:
		e.pending = &k
		e.state = Running
		e.cond.Broadcast()
		return nil
	case Stopping:
		e.queued = &k
		return nil
	default:
		return ErrBusy
	}
}

// Pause suspends the worker between files. Ignored unless Running.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return
	}
	e.state = Paused
	e.mu.Unlock()

	e.emit(msg.Event{Type: msg.EvtPaused})
}

// Resume wakes a paused worker. Ignored unless Paused.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state != Paused {
		e.mu.Unlock()
		return
	}
	e.state = Running
	e.cond.Broadcast()
	e.mu.Unlock()

	e.emit(msg.Event{Type: msg.EvtResumed})
}

// Stop asks the current job to wind down. The worker finishes the
// file in flight; the job's terminal event will be `stopped`.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.state == Running || e.state == Paused {
		e.state = Stopping
		e.cond.Broadcast()
	}
}

// Quit stops any current job and shuts the worker down. Use Close to
// wait for it.
func (e *Engine) Quit() {
	e.mu.Lock()
	e.quit = true
	e.stopLocked()
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Close quits and waits for the worker to exit.
func (e *Engine) Close() {
	e.Quit()
	e.wg.Wait()
}

// emit delivers one event; on channel loss the engine drains to a
// clean shutdown.
func (e *Engine) emit(ev msg.Event) {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := e.emitFn(ev); err != nil {
		e.log.Error("event channel lost, shutting down", "error", err)
		e.mu.Lock()
		e.dead = true
		e.quit = true
		e.stopLocked()
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

// checkpoint blocks while paused and reports whether the job should
// stop. Called between files, never inside a platform call.
func (e *Engine) checkpoint() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.state == Paused && !e.quit {
		e.cond.Wait()
	}
	return e.state == Stopping || e.quit
}

// worker is the single background goroutine. It sleeps on the
// condition variable until handed a job, runs it, then returns to
// Idle or picks up a start that queued while stopping.
func (e *Engine) worker() {
	defer e.wg.Done()

	e.mu.Lock()
	for {
		for e.pending == nil && !e.quit {
			e.cond.Wait()
		}
		if e.pending == nil && e.quit {
			e.mu.Unlock()
			return
		}

		k := *e.pending
		e.pending = nil
		root := e.root
		e.mu.Unlock()

		e.run(k, root)

		e.mu.Lock()
		e.state = Idle
		if e.queued != nil && !e.quit {
			e.pending = e.queued
			e.queued = nil
			e.state = Running
		}
	}
}
