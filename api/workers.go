package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"recon/codec"
	"recon/config"
	"recon/scanner"
	"recon/services"
)

// Planner turns task parameters into engine inputs on top of the server's
// configured defaults.
type Planner struct {
	base     scanner.Options
	registry *services.Registry
}

// NewPlanner returns a planner. reg ranks ports for top:N expressions.
func NewPlanner(base scanner.Options, reg *services.Registry) *Planner {
	if reg == nil {
		reg = services.Default()
	}
	return &Planner{base: base, registry: reg}
}

// Plan validates the parameters and returns the session inputs.
func (p *Planner) Plan(targets []string, ports, kinds string) ([]scanner.Target, scanner.Options, error) {
	opts := p.base
	if strings.TrimSpace(ports) != "" {
		parsed, err := config.ParsePorts(ports, p.registry)
		if err != nil {
			return nil, opts, err
		}
		opts.Ports = parsed
	}
	if strings.TrimSpace(kinds) != "" {
		parsed, err := codec.ParseKinds(kinds)
		if err != nil {
			return nil, opts, err
		}
		if len(parsed) == 0 {
			return nil, opts, errors.New("no probe kinds given")
		}
		opts.Kinds = parsed
	}

	out := make([]scanner.Target, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, opts, errors.New("empty target")
		}
		out = append(out, scanner.Target{Host: t})
	}
	if len(out) == 0 {
		return nil, opts, errors.New("no targets given")
	}
	return out, opts, nil
}

// Sessions tracks sessions running in this process.
type Sessions struct {
	mu   sync.Mutex
	byID map[string]*scanner.Session
}

// NewSessions returns an empty registry.
func NewSessions() *Sessions {
	return &Sessions{byID: make(map[string]*scanner.Session)}
}

// Get returns the running session for a task, or nil.
func (s *Sessions) Get(id string) *scanner.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

func (s *Sessions) add(id string, session *scanner.Session) {
	s.mu.Lock()
	s.byID[id] = session
	s.mu.Unlock()
}

func (s *Sessions) remove(id string) {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
}

// WorkerPool consumes the task queue and runs one engine session per task.
type WorkerPool struct {
	store    TaskStore
	engine   *scanner.Engine
	planner  *Planner
	sessions *Sessions
	logger   *slog.Logger

	// ProgressInterval controls how often running tasks are persisted with
	// a fresh snapshot and checked for cancellation.
	ProgressInterval time.Duration
}

// NewWorkerPool wires a pool. It does not start any goroutine.
func NewWorkerPool(store TaskStore, engine *scanner.Engine, planner *Planner, sessions *Sessions, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{
		store:            store,
		engine:           engine,
		planner:          planner,
		sessions:         sessions,
		logger:           logger,
		ProgressInterval: time.Second,
	}
}

// Start launches numWorkers goroutines that process tasks until ctx is done.
// The returned function blocks until all of them have exited.
func (p *WorkerPool) Start(ctx context.Context, numWorkers int) (wait func()) {
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}
	return wg.Wait
}

func (p *WorkerPool) workerLoop(ctx context.Context) {
	for {
		taskID, err := p.store.PopFromQueue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("worker failed to pop task", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, taskID)
	}
}

func (p *WorkerPool) process(ctx context.Context, taskID string) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			p.logger.Warn("worker task disappeared", "task_id", taskID)
			return
		}
		p.logger.Error("worker failed to load task", "task_id", taskID, "error", err)
		return
	}
	if task.Terminal() {
		return
	}
	if task.CancelRequested {
		p.finish(ctx, task, StatusCancelled, nil, nil)
		return
	}

	targets, opts, err := p.planner.Plan(task.Targets, task.Ports, task.Kinds)
	if err != nil {
		p.finish(ctx, task, StatusFailed, nil, err)
		return
	}

	session, err := p.engine.StartSession(ctx, targets, opts)
	if err != nil {
		p.finish(ctx, task, StatusFailed, nil, err)
		return
	}
	p.sessions.add(task.ID, session)
	defer p.sessions.remove(task.ID)

	task.Status = StatusRunning
	task.Error = ""
	p.progress(ctx, task, session)

	report, err := p.watch(ctx, task, session)
	snap := session.Snapshot()
	task.Progress = &snap
	switch {
	case err != nil:
		p.finish(ctx, task, StatusFailed, report, err)
	case report.Cancelled:
		p.finish(ctx, task, StatusCancelled, report, nil)
	default:
		p.finish(ctx, task, StatusCompleted, report, nil)
	}
}

// watch persists progress until the session ends and forwards cancellation
// requests made through the store (possibly by another API instance).
func (p *WorkerPool) watch(ctx context.Context, task *ScanTask, session *scanner.Session) (*scanner.FinalReport, error) {
	ticker := time.NewTicker(p.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-session.Done():
			return session.Wait(context.WithoutCancel(ctx))
		case <-ticker.C:
			p.progress(ctx, task, session)
			current, err := p.store.GetTask(ctx, task.ID)
			if err == nil && current.CancelRequested {
				p.logger.Info("cancelling scan", "task_id", task.ID)
				session.Cancel()
			}
		}
	}
}

func (p *WorkerPool) progress(ctx context.Context, task *ScanTask, session *scanner.Session) {
	snap := session.Snapshot()
	task.Progress = &snap
	if err := p.store.UpdateTask(ctx, task); err != nil {
		p.logger.Error("worker failed to persist progress", "task_id", task.ID, "error", err)
	}
}

func (p *WorkerPool) finish(ctx context.Context, task *ScanTask, status string, report *scanner.FinalReport, cause error) {
	task.Status = status
	task.Report = report
	task.Error = ""
	if cause != nil {
		task.Error = cause.Error()
		p.logger.Error("worker task failed", "task_id", task.ID, "error", cause)
	}
	now := time.Now().UTC()
	task.CompletedAt = &now

	// Shutdown cancels ctx; the terminal status must still be written.
	if err := p.store.UpdateTask(context.WithoutCancel(ctx), task); err != nil {
		p.logger.Error("worker failed to update task", "task_id", task.ID, "error", err)
		return
	}
	p.logger.Info("scan task finished", "task_id", task.ID, "status", status)
}
