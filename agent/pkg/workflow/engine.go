package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Pseudo stages recorded on checkpoints that are not produced by a stage.
const (
	StageStart Stage = "__start__" // Input checkpoint written before the first stage of a run
	StageFork  Stage = "__fork__"  // Branch point written by UpdateAndReplay
)

// Checkpoint is a persisted snapshot of the state after a stage completed.
type Checkpoint struct {
	ThreadID   string        `json:"thread_id"`
	Step       int           `json:"step"`
	ParentStep int           `json:"parent_step"` // -1 for the first checkpoint of a thread
	RunID      string        `json:"run_id"`
	Stage      Stage         `json:"stage"` // Stage that produced this snapshot
	Next       Stage         `json:"next"`  // Stage that runs next; StageEnd when the run finished
	State      WorkflowState `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
}

// HistoryEntry is one checkpoint as exposed to callers.
type HistoryEntry struct {
	Step       int           `json:"step"`
	ParentStep int           `json:"parent_step"`
	RunID      string        `json:"run_id"`
	Stage      Stage         `json:"stage"`
	Next       Stage         `json:"next"`
	State      WorkflowState `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
}

// EventType tags a stream event.
type EventType string

const (
	EventTrace  EventType = "trace"
	EventAnswer EventType = "answer"
	EventError  EventType = "error"
	EventEnd    EventType = "end" // Always the last event of a stream
)

// Event is emitted on the channel returned by Stream, Resume and UpdateAndReplay.
type Event struct {
	Type     EventType    `json:"type"`
	ThreadID string       `json:"thread_id"`
	RunID    string       `json:"run_id"`
	Step     int          `json:"step,omitempty"`
	Trace    *TraceEntry  `json:"trace,omitempty"`
	Next     Stage        `json:"next,omitempty"`
	Answer   *FinalAnswer `json:"answer,omitempty"`
	Error    string       `json:"error,omitempty"`

	Err error `json:"-"`
}

const eventBuffer = 32

// stageFunc runs one stage against a snapshot and returns the fields it writes.
type stageFunc func(ctx context.Context, env runEnv, s WorkflowState) (Patch, error)

// runEnv carries per-run inputs that are not part of WorkflowState.
type runEnv struct {
	threadID string
	runID    string
	memory   string // Thread memory, read once when the run starts
	now      time.Time
}

// Engine sequences the stages of the text-to-SQL graph for each thread.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	clock    clockwork.Clock
	limits   Limits
	graph    *Graph
	reasoner *Reasoner
	prompts  PromptsProvider
	stages   map[Stage]stageFunc

	// Query generators of all runs share this pool.
	generators pond.ResultPool[generated]

	threads *ThreadLocks
}

// New creates a new workflow engine.
func New(cfg Config) (*Engine, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	if cfg.Database == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Dialect == "" {
		cfg.Dialect = "SQL"
	}
	if cfg.Prompts == nil {
		p, err := LoadPrompts()
		if err != nil {
			return nil, err
		}
		cfg.Prompts = p
	}
	if cfg.Threads == nil {
		cfg.Threads = NewThreadLocks()
	}
	limits := cfg.Limits.withDefaults()

	reasoner, err := NewReasoner(cfg.LLM, cfg.Logger, limits)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		limits:   limits,
		graph:    DefaultGraph(limits, cfg.EnableVisualization),
		reasoner: reasoner,
		prompts:  cfg.Prompts,
		threads:  cfg.Threads,

		generators: pond.NewResultPool[generated](limits.GeneratorConcurrency),
	}
	e.stages = map[Stage]stageFunc{
		StageTransform:     e.transformQuestion,
		StageSelectTables:  e.selectTables,
		StageCheck:         e.checkSufficiency,
		StageContextualize: e.contextualize,
		StageDecompose:     e.decompose,
		StageGenerate:      e.generateQueries,
		StageReduce:        e.reduce,
		StageExecute:       e.execute,
		StageRepair:        e.repairQuery,
		StageVisualize:     e.visualize,
		StageSynthesize:    e.synthesizeAnswer,
	}
	return e, nil
}

// Close waits for in-flight generator tasks and stops the pool.
func (e *Engine) Close() {
	e.generators.StopAndWait()
}

// Graph returns the transition table the engine runs.
func (e *Engine) Graph() *Graph { return e.graph }

// Run answers a question on a thread and blocks until the run completes.
func (e *Engine) Run(ctx context.Context, threadID, question string) (*FinalAnswer, error) {
	events, err := e.Stream(ctx, threadID, question)
	if err != nil {
		return nil, err
	}
	return collectAnswer(ctx, events)
}

// Stream starts a run and returns its events: one trace event per stage, the
// answer, and a final end event. Cancelling ctx stops emission and stops the
// run before the next stage; committed checkpoints are kept.
func (e *Engine) Stream(ctx context.Context, threadID, question string) (<-chan Event, error) {
	if threadID == "" {
		return nil, ErrMissingThreadID
	}
	if question == "" {
		return nil, ErrMissingQuestion
	}
	if !e.acquire(threadID) {
		return nil, ErrThreadBusy
	}

	start, err := e.startRun(ctx, threadID, question)
	if err != nil {
		e.release(threadID)
		return nil, err
	}
	return e.launch(ctx, start), nil
}

// Resume continues a thread from its latest checkpoint.
func (e *Engine) Resume(ctx context.Context, threadID string) (<-chan Event, error) {
	if threadID == "" {
		return nil, ErrMissingThreadID
	}
	if !e.acquire(threadID) {
		return nil, ErrThreadBusy
	}

	latest, err := e.cfg.Checkpoints.LoadLatest(ctx, threadID)
	if err != nil {
		e.release(threadID)
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if latest == nil {
		e.release(threadID)
		return nil, ErrThreadNotFound
	}
	if latest.Next == StageEnd {
		e.release(threadID)
		return nil, ErrNothingToResume
	}
	e.logInfo("workflow: resuming thread", "thread_id", threadID, "run_id", latest.RunID, "step", latest.Step, "next", latest.Next)
	return e.launch(ctx, *latest), nil
}

// UpdateAndReplay replaces the thread's memory with info, forks the
// checkpoint at fromStep into a new branch and re-runs the downstream
// stages. A negative fromStep selects the latest checkpoint whose next stage
// is the sufficiency check, falling back to the latest run input. Existing
// checkpoints are never modified.
func (e *Engine) UpdateAndReplay(ctx context.Context, threadID, info string, fromStep int) (<-chan Event, error) {
	if threadID == "" {
		return nil, ErrMissingThreadID
	}
	if e.cfg.Memory == nil {
		return nil, ErrNoMemoryStore
	}
	if !e.acquire(threadID) {
		return nil, ErrThreadBusy
	}

	fork, err := e.forkCheckpoint(ctx, threadID, info, fromStep)
	if err != nil {
		e.release(threadID)
		return nil, err
	}
	return e.launch(ctx, fork), nil
}

func (e *Engine) forkCheckpoint(ctx context.Context, threadID, info string, fromStep int) (Checkpoint, error) {
	history, err := e.cfg.Checkpoints.LoadHistory(ctx, threadID)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load history: %w", err)
	}
	if len(history) == 0 {
		return Checkpoint{}, ErrThreadNotFound
	}

	base, ok := replayBase(history, fromStep)
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %d", ErrInvalidStep, fromStep)
	}
	if base.Next == StageEnd {
		return Checkpoint{}, fmt.Errorf("%w: step %d is the end of a run", ErrInvalidStep, base.Step)
	}

	if err := e.cfg.Memory.Put(ctx, threadID, info); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to update thread memory: %w", err)
	}

	runID := uuid.NewString()
	state := base.State.Clone()
	state.RunID = runID
	fork := Checkpoint{
		ThreadID:   threadID,
		Step:       history[len(history)-1].Step + 1,
		ParentStep: base.Step,
		RunID:      runID,
		Stage:      StageFork,
		Next:       base.Next,
		State:      state,
		CreatedAt:  e.clock.Now().UTC(),
	}
	if err := e.cfg.Checkpoints.Save(ctx, fork); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %w", ErrCheckpointFailed, err)
	}
	e.logInfo("workflow: forked thread for replay", "thread_id", threadID, "run_id", runID, "from_step", base.Step, "step", fork.Step, "next", fork.Next)
	return fork, nil
}

// replayBase picks the checkpoint a replay branches from.
func replayBase(history []Checkpoint, fromStep int) (Checkpoint, bool) {
	if fromStep >= 0 {
		for _, cp := range history {
			if cp.Step == fromStep {
				return cp, true
			}
		}
		return Checkpoint{}, false
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Next == StageCheck {
			return history[i], true
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Stage == StageStart {
			return history[i], true
		}
	}
	return Checkpoint{}, false
}

// GetHistory returns every checkpoint of a thread ordered by step.
func (e *Engine) GetHistory(ctx context.Context, threadID string) ([]HistoryEntry, error) {
	if threadID == "" {
		return nil, ErrMissingThreadID
	}
	cps, err := e.cfg.Checkpoints.LoadHistory(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if len(cps) == 0 {
		return nil, ErrThreadNotFound
	}
	out := make([]HistoryEntry, len(cps))
	for i, cp := range cps {
		out[i] = HistoryEntry{
			Step:       cp.Step,
			ParentStep: cp.ParentStep,
			RunID:      cp.RunID,
			Stage:      cp.Stage,
			Next:       cp.Next,
			State:      cp.State,
			CreatedAt:  cp.CreatedAt,
		}
	}
	return out, nil
}

// GetState returns the latest checkpoint of a thread.
func (e *Engine) GetState(ctx context.Context, threadID string) (*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrMissingThreadID
	}
	cp, err := e.cfg.Checkpoints.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if cp == nil {
		return nil, ErrThreadNotFound
	}
	return cp, nil
}

// Information returns the thread's long-term memory.
func (e *Engine) Information(ctx context.Context, threadID string) (string, bool, error) {
	if e.cfg.Memory == nil {
		return "", false, ErrNoMemoryStore
	}
	return e.cfg.Memory.Get(ctx, threadID)
}

// SetInformation replaces the thread's long-term memory without replaying.
func (e *Engine) SetInformation(ctx context.Context, threadID, info string) error {
	if e.cfg.Memory == nil {
		return ErrNoMemoryStore
	}
	return e.cfg.Memory.Put(ctx, threadID, info)
}

// DeleteInformation removes the thread's long-term memory.
func (e *Engine) DeleteInformation(ctx context.Context, threadID string) error {
	if e.cfg.Memory == nil {
		return ErrNoMemoryStore
	}
	return e.cfg.Memory.Delete(ctx, threadID)
}

// SaveInformation stores the schema context gathered by the thread's latest
// run in the context library so future questions can reuse it.
func (e *Engine) SaveInformation(ctx context.Context, threadID string) (string, error) {
	if e.cfg.Contexts == nil {
		return "", ErrNoContextLibrary
	}
	cp, err := e.GetState(ctx, threadID)
	if err != nil {
		return "", err
	}
	s := cp.State
	if len(s.SchemaContext) == 0 {
		return "", fmt.Errorf("%w: thread %s", ErrNoSchemaContext, threadID)
	}
	question := s.ClarifiedQuestion
	if question == "" {
		question = s.RawQuestion
	}
	text := formatSchemaContext(s)
	if len(s.FinalQuery) > 0 && s.ExecutionResult != nil && s.ExecutionResult.Kind != ResultError {
		text += "Query that answered the question:\n"
		for _, q := range s.FinalQuery {
			text += q + "\n"
		}
	}
	id, err := e.cfg.Contexts.Insert(ctx, question, text)
	if err != nil {
		return "", fmt.Errorf("failed to save context: %w", err)
	}
	return id, nil
}

// startRun writes the input checkpoint for a new run.
func (e *Engine) startRun(ctx context.Context, threadID, question string) (Checkpoint, error) {
	latest, err := e.cfg.Checkpoints.LoadLatest(ctx, threadID)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	step, parent := 0, -1
	if latest != nil {
		step, parent = latest.Step+1, latest.Step
	}

	runID := uuid.NewString()
	cp := Checkpoint{
		ThreadID:   threadID,
		Step:       step,
		ParentStep: parent,
		RunID:      runID,
		Stage:      StageStart,
		Next:       e.graph.Start(),
		State:      NewState(threadID, runID, question),
		CreatedAt:  e.clock.Now().UTC(),
	}
	if err := e.cfg.Checkpoints.Save(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %w", ErrCheckpointFailed, err)
	}
	e.logInfo("workflow: starting run", "thread_id", threadID, "run_id", runID, "step", step)
	return cp, nil
}

// launch advances from cp in the background. The thread lock must be held;
// it is released when the run stops.
func (e *Engine) launch(ctx context.Context, cp Checkpoint) <-chan Event {
	ch := make(chan Event, eventBuffer)
	em := &emitter{ctx: ctx, ch: ch, threadID: cp.ThreadID, runID: cp.RunID}
	go func() {
		defer close(ch)
		defer e.release(cp.ThreadID)

		final, err := e.advance(ctx, cp, em)
		switch {
		case err != nil:
			e.logError("workflow: run stopped", "thread_id", cp.ThreadID, "run_id", cp.RunID, "error", err)
			em.send(Event{Type: EventError, Error: err.Error(), Err: err})
		case final.FinalAnswer != nil:
			em.send(Event{Type: EventAnswer, Answer: final.FinalAnswer})
		}
		em.send(Event{Type: EventEnd})
	}()
	return ch
}

// advance runs stages from cp until the graph ends, the caller cancels, or a
// checkpoint cannot be saved.
func (e *Engine) advance(ctx context.Context, cp Checkpoint, em *emitter) (WorkflowState, error) {
	env := e.newRunEnv(ctx, cp)
	stageCtx := ContextWithWorkflowIDs(context.WithoutCancel(ctx), cp.ThreadID, cp.RunID)

	state := cp.State
	step := cp.Step
	current := cp.Next
	for current != StageEnd {
		// Cancellation is only observed between stages.
		if err := ctx.Err(); err != nil {
			return state, err
		}
		fn, ok := e.stages[current]
		if !ok {
			return state, fmt.Errorf("%w: %s", ErrUnknownStage, current)
		}

		e.progress(Progress{ThreadID: cp.ThreadID, RunID: cp.RunID, Step: step + 1, Stage: current, Phase: StageStarted})
		started := e.clock.Now()

		patch, stageErr := fn(stageCtx, env, state.Clone())
		if stageErr == nil {
			if err := checkOwnership(current, patch); err != nil {
				stageErr = newStageError(current, KindTerminalFailure, patch.Attempts, err)
			}
		}
		if stageErr != nil {
			e.logWarn("workflow: stage failed", "thread_id", cp.ThreadID, "stage", current, "kind", KindOf(stageErr), "error", stageErr)
			attempts := patch.Attempts
			var se *StageError
			if errors.As(stageErr, &se) && se.Attempts > attempts {
				attempts = se.Attempts
			}
			// Escalation: the failure is carried to the synthesizer.
			patch = Patch{Failure: ptr(failureFrom(current, stageErr)), Attempts: attempts, Notes: patch.Notes}
		}

		next := patch.Apply(state)
		nextStage, edge, err := e.graph.Next(current, &next)
		if err != nil {
			return state, err
		}

		entry := TraceEntry{
			Step:         step + 1,
			Stage:        current,
			InputDigest:  digest(state),
			OutputDigest: digest(patch.digestView()),
			Timestamp:    e.clock.Now().UTC(),
			Attempts:     patch.Attempts,
			Notes:        append(slices.Clone(patch.Notes), "edge:"+edge),
		}
		if stageErr != nil {
			entry.Error = stageErr.Error()
		}
		next.Trace = append(next.Trace, entry)

		saved := Checkpoint{
			ThreadID:   cp.ThreadID,
			Step:       step + 1,
			ParentStep: step,
			RunID:      cp.RunID,
			Stage:      current,
			Next:       nextStage,
			State:      next,
			CreatedAt:  entry.Timestamp,
		}
		if err := e.cfg.Checkpoints.Save(stageCtx, saved); err != nil {
			return state, fmt.Errorf("%w: %w", ErrCheckpointFailed, err)
		}

		duration := e.clock.Since(started)
		e.logInfo("workflow: stage complete", "thread_id", cp.ThreadID, "run_id", cp.RunID, "step", saved.Step, "stage", current, "next", nextStage, "edge", edge, "duration", duration)
		e.progress(Progress{ThreadID: cp.ThreadID, RunID: cp.RunID, Step: saved.Step, Stage: current, Phase: phaseOf(stageErr), Duration: duration, Outcome: edge, Error: stageErr})
		em.send(Event{Type: EventTrace, Step: saved.Step, Trace: &entry, Next: nextStage})

		state, step, current = next, saved.Step, nextStage
	}
	return state, nil
}

// newRunEnv reads thread memory once for the run.
func (e *Engine) newRunEnv(ctx context.Context, cp Checkpoint) runEnv {
	env := runEnv{threadID: cp.ThreadID, runID: cp.RunID, now: e.clock.Now()}
	if e.cfg.Memory == nil {
		return env
	}
	info, ok, err := e.cfg.Memory.Get(ctx, cp.ThreadID)
	if err != nil {
		e.logWarn("workflow: failed to read thread memory", "thread_id", cp.ThreadID, "error", err)
		return env
	}
	if ok {
		env.memory = info
	}
	return env
}

func phaseOf(err error) ProgressStage {
	if err != nil {
		return StageFailed
	}
	return StageCompleted
}

func (e *Engine) progress(p Progress) {
	if e.cfg.OnStage != nil {
		e.cfg.OnStage(p)
	}
}

func (e *Engine) acquire(threadID string) bool { return e.threads.Acquire(threadID) }

func (e *Engine) release(threadID string) { e.threads.Release(threadID) }

// Busy reports whether a run is in progress for the thread on any engine
// sharing this engine's ThreadLocks.
func (e *Engine) Busy(threadID string) bool { return e.threads.Held(threadID) }

// ThreadLocks records the threads with a run in progress.
type ThreadLocks struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewThreadLocks() *ThreadLocks {
	return &ThreadLocks{active: make(map[string]struct{})}
}

// Acquire marks the thread busy. It returns false if it already was.
func (l *ThreadLocks) Acquire(threadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[threadID]; busy {
		return false
	}
	l.active[threadID] = struct{}{}
	return true
}

func (l *ThreadLocks) Release(threadID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, threadID)
}

func (l *ThreadLocks) Held(threadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.active[threadID]
	return busy
}

// emitter sends events until the caller's context is done.
type emitter struct {
	ctx      context.Context
	ch       chan<- Event
	threadID string
	runID    string
	stopped  bool
}

func (em *emitter) send(ev Event) {
	if em.stopped {
		return
	}
	ev.ThreadID = em.threadID
	ev.RunID = em.runID
	select {
	case em.ch <- ev:
	case <-em.ctx.Done():
		em.stopped = true
	}
}

// collectAnswer drains an event stream and returns its answer.
func collectAnswer(ctx context.Context, events <-chan Event) (*FinalAnswer, error) {
	var answer *FinalAnswer
	var runErr error
	for ev := range events {
		switch ev.Type {
		case EventAnswer:
			answer = ev.Answer
		case EventError:
			runErr = ev.Err
		}
	}
	if answer != nil {
		return answer, nil
	}
	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr == nil {
		runErr = errors.New("run ended without an answer")
	}
	return nil, runErr
}

func (e *Engine) logInfo(msg string, args ...any) {
	if e.log != nil {
		e.log.Info(msg, args...)
	}
}

func (e *Engine) logWarn(msg string, args ...any) {
	if e.log != nil {
		e.log.Warn(msg, args...)
	}
}

func (e *Engine) logError(msg string, args ...any) {
	if e.log != nil {
		e.log.Error(msg, args...)
	}
}
