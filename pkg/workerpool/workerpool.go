// Package workerpool implements the worker pool and scheduler from the
// component design: worker instantiation, idle-worker lookup, and the
// assign/tick dispatch loop that launches the worker executor on a fresh
// goroutine and re-runs tick() on completion.
//
// Each assignment runs on its own goroutine with status tracked under a
// mutex-protected map and explicit stop channels for cooperative
// cancellation.
package workerpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/board"
	"github.com/wangtian24/agiraph/pkg/event"
)

// Kind identifies whether a worker is kernel-driven (harnessed) or an
// external subprocess (autonomous).
type Kind string

const (
	KindHarnessed  Kind = "harnessed"
	KindAutonomous Kind = "autonomous"
	// KindClaudeCode is the autonomous specialization whose subprocess
	// speaks line-delimited stream-JSON instead of the inbox/outbox bridge.
	KindClaudeCode Kind = "claude_code"
)

// Status is a worker's lifecycle state.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusBusy           Status = "busy"
	StatusWaitingOnHuman Status = "waiting_for_human"
	StatusStopped        Status = "stopped"
)

// Spec describes a worker to spawn.
type Spec struct {
	Name         string
	Kind         Kind
	Model        string   // harnessed
	AgentCommand []string // autonomous
	Role         string
	Capabilities []string
}

// Worker is the executor. Its zero value is never returned to callers;
// Spawn always returns a fully-populated Worker.
type Worker struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Kind         Kind     `json:"kind"`
	Model        string   `json:"model,omitempty"`
	AgentCommand []string `json:"agent_command,omitempty"`
	Role         string   `json:"role,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       Status   `json:"status"`
	spawnedAt    time.Time
}

// Executor runs one node to completion for a Worker and reports
// completed/failed. Implementations live in pkg/executor; Pool only needs
// the narrow Execute contract to stay decoupled from the ReAct/subprocess
// internals.
type Executor interface {
	Execute(ctx context.Context, w Worker, n board.Node) error
}

// Emitter is the subset of *event.Log the pool needs for worker.* events.
type Emitter interface {
	Emit(ctx context.Context, typ event.Type, data map[string]any) (event.Event, error)
}

// Pool holds every worker for one run and drives the assign/tick loop.
type Pool struct {
	mu       sync.Mutex
	workers  map[string]*Worker
	order    []string // insertion order, for least-recently-used idle selection
	lastUsed map[string]time.Time

	board *board.Board
	exec  Executor
	emit  Emitter
	newID func() string

	tasks  sync.WaitGroup
	stopMu sync.Mutex
	stopCh map[string]chan struct{}
}

// New returns an empty Pool wired to b for readiness lookups, exec to run
// nodes, and newID to mint worker ids (typically uuid.NewString).
func New(b *board.Board, exec Executor, emit Emitter, newID func() string) *Pool {
	return &Pool{
		workers:  make(map[string]*Worker),
		lastUsed: make(map[string]time.Time),
		board:    b,
		exec:     exec,
		emit:     emit,
		newID:    newID,
		stopCh:   make(map[string]chan struct{}),
	}
}

// Spawn instantiates a worker from spec, adds it to the pool in Idle
// status, and emits worker.spawned.
func (p *Pool) Spawn(ctx context.Context, spec Spec) *Worker {
	p.mu.Lock()
	id := p.newID()
	w := &Worker{
		ID:           id,
		Name:         spec.Name,
		Kind:         spec.Kind,
		Model:        spec.Model,
		AgentCommand: spec.AgentCommand,
		Role:         spec.Role,
		Capabilities: spec.Capabilities,
		Status:       StatusIdle,
		spawnedAt:    time.Now().UTC(),
	}
	p.workers[id] = w
	p.order = append(p.order, id)
	p.lastUsed[id] = w.spawnedAt
	p.mu.Unlock()

	if p.emit != nil {
		_, _ = p.emit.Emit(ctx, "worker.spawned", map[string]any{"worker_id": id, "name": spec.Name, "kind": string(spec.Kind)})
	}
	return w
}

// Get returns the worker with id, if present.
func (p *Pool) Get(id string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// ByName looks up a worker by its human-readable name (used for message-bus
// addressing, e.g. sending to "alice").
func (p *Pool) ByName(name string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.Name == name {
			return *w, true
		}
	}
	return Worker{}, false
}

// LiveNames returns the names of every worker not in StatusStopped, for bus
// broadcast expansion.
func (p *Pool) LiveNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, w := range p.workers {
		if w.Status != StatusStopped {
			out = append(out, w.Name)
		}
	}
	sort.Strings(out)
	return out
}

// All returns every worker in the pool, in spawn order.
func (p *Pool) All() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Worker, 0, len(p.order))
	for _, id := range p.order {
		if w, ok := p.workers[id]; ok {
			out = append(out, *w)
		}
	}
	return out
}

// IdleWorkers returns every worker currently in StatusIdle, ordered
// least-recently-used first, so work spreads fairly across the pool.
func (p *Pool) IdleWorkers() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var idle []*Worker
	for _, id := range p.order {
		w, ok := p.workers[id]
		if ok && w.Status == StatusIdle {
			idle = append(idle, w)
		}
	}
	sort.SliceStable(idle, func(i, j int) bool {
		return p.lastUsed[idle[i].ID].Before(p.lastUsed[idle[j].ID])
	})
	out := make([]Worker, len(idle))
	for i, w := range idle {
		out[i] = *w
	}
	return out
}

// Assign atomically sets node to Assigned/AssignedWorker and worker to Busy,
// then launches the executor on a fresh goroutine. On completion, node
// status is set to Completed or Failed, worker returns to Idle, and Tick is
// re-run so newly-unblocked nodes get matched against newly-idle workers.
// Assign is used both for explicit coordinator assignment and for the
// automatic pairing Tick performs; explicit assignment callers should
// ensure the node was not already matched by a concurrent Tick (the board's
// own node-status serialization makes a double-assign a no-op failure that
// Tick simply skips).
func (p *Pool) Assign(ctx context.Context, n board.Node, w Worker) {
	p.mu.Lock()
	worker, ok := p.workers[w.ID]
	if !ok || worker.Status != StatusIdle {
		p.mu.Unlock()
		return
	}
	worker.Status = StatusBusy
	p.lastUsed[w.ID] = time.Now().UTC()
	stop := make(chan struct{})
	p.stopMu.Lock()
	p.stopCh[w.ID] = stop
	p.stopMu.Unlock()
	p.mu.Unlock()

	if err := p.board.AssignWorker(ctx, n.ID, w.ID); err != nil {
		p.setIdle(ctx, w.ID)
		return
	}
	if p.emit != nil {
		_, _ = p.emit.Emit(ctx, "worker.launched", map[string]any{"worker_id": w.ID, "node_id": n.ID})
	}

	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		runCtx := withStop(ctx, stop)
		_ = p.board.SetStatus(runCtx, n.ID, board.StatusRunning)
		err := p.exec.Execute(runCtx, *worker, n)
		final := board.StatusCompleted
		if err != nil {
			final = board.StatusFailed
		}
		if !agierr.IsCancelled(err) {
			_ = p.board.SetStatus(context.WithoutCancel(runCtx), n.ID, final)
		}
		p.setIdle(context.WithoutCancel(runCtx), w.ID)
		p.Tick(context.WithoutCancel(runCtx))
	}()
}

func (p *Pool) setIdle(ctx context.Context, workerID string) {
	p.mu.Lock()
	if w, ok := p.workers[workerID]; ok {
		w.Status = StatusIdle
		p.lastUsed[workerID] = time.Now().UTC()
	}
	p.mu.Unlock()
	p.stopMu.Lock()
	delete(p.stopCh, workerID)
	p.stopMu.Unlock()
	if p.emit != nil {
		_, _ = p.emit.Emit(ctx, "worker.idle", map[string]any{"worker_id": workerID})
	}
}

// Tick matches the current ready set from the board against idle workers,
// oldest-ready-node first, least-recently-used-worker first, and assigns
// as many pairs as it can.
func (p *Pool) Tick(ctx context.Context) {
	ready := p.board.Ready()
	idle := p.IdleWorkers()
	n := len(ready)
	if len(idle) < n {
		n = len(idle)
	}
	for i := 0; i < n; i++ {
		p.Assign(ctx, ready[i], idle[i])
	}
}

// StopWorker cancels workerID's in-flight execution, if any, by closing its
// stop channel, which the executor's context (derived via withStop)
// observes as Done(). A no-op if the worker is idle.
func (p *Pool) StopWorker(workerID string) {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if ch, ok := p.stopCh[workerID]; ok {
		close(ch)
		delete(p.stopCh, workerID)
	}
}

// StopAll cancels every currently busy worker's in-flight execution.
func (p *Pool) StopAll() {
	p.stopMu.Lock()
	ids := make([]string, 0, len(p.stopCh))
	for id := range p.stopCh {
		ids = append(ids, id)
	}
	p.stopMu.Unlock()
	for _, id := range ids {
		p.StopWorker(id)
	}
}

// Wait blocks until every in-flight Assign goroutine has returned. Used by
// tests and by graceful agent teardown.
func (p *Pool) Wait() { p.tasks.Wait() }

type stopKey struct{}

// withStop derives a context that is cancelled either when parent is
// cancelled or when stop is closed, whichever happens first.
func withStop(parent context.Context, stop <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return context.WithValue(ctx, stopKey{}, true)
}
