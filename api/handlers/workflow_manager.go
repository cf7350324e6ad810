package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/sqlflow/agent/pkg/store"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	"github.com/malbeclabs/sqlflow/api/metrics"
)

// subscriberBuffer is how far a subscriber may fall behind before it is
// disconnected.
const subscriberBuffer = 100

// WorkflowSubscriber receives events from a running workflow.
type WorkflowSubscriber struct {
	Events chan workflow.Event
	Done   chan struct{}
	// Lagged is closed when the subscriber fell a full buffer behind and was
	// disconnected. Events already in Events are an in-order prefix; nothing
	// after them will be delivered.
	Lagged chan struct{}
}

// RunningWorkflow tracks a run executing in the background. Events are kept
// so late subscribers can catch up.
type RunningWorkflow struct {
	ThreadID string
	Cancel   context.CancelFunc

	mu          sync.RWMutex
	runID       string
	history     []workflow.Event
	subscribers map[*WorkflowSubscriber]struct{}
	finished    bool
	answer      *workflow.FinalAnswer
	err         error
	done        chan struct{}
}

func newRunningWorkflow(threadID string, cancel context.CancelFunc) *RunningWorkflow {
	return &RunningWorkflow{
		ThreadID:    threadID,
		Cancel:      cancel,
		subscribers: make(map[*WorkflowSubscriber]struct{}),
		done:        make(chan struct{}),
	}
}

// RunID returns the run ID once the first event has been received.
func (rw *RunningWorkflow) RunID() string {
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	return rw.runID
}

// Subscribe returns the events emitted so far and a subscriber for the rest.
// Both are taken under one lock so no event is missed or repeated. The
// subscriber's Done is already closed when the run has finished.
func (rw *RunningWorkflow) Subscribe() ([]workflow.Event, *WorkflowSubscriber) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	sub := &WorkflowSubscriber{
		Events: make(chan workflow.Event, subscriberBuffer),
		Done:   make(chan struct{}),
		Lagged: make(chan struct{}),
	}
	catchUp := make([]workflow.Event, len(rw.history))
	copy(catchUp, rw.history)
	if rw.finished {
		close(sub.Done)
		return catchUp, sub
	}
	rw.subscribers[sub] = struct{}{}
	return catchUp, sub
}

// Unsubscribe stops delivery to sub.
func (rw *RunningWorkflow) Unsubscribe(sub *WorkflowSubscriber) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	delete(rw.subscribers, sub)
}

// Wait blocks until the run finishes or ctx is done.
func (rw *RunningWorkflow) Wait(ctx context.Context) (*workflow.FinalAnswer, error) {
	select {
	case <-rw.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	return rw.answer, rw.err
}

// Done is closed when the run has finished.
func (rw *RunningWorkflow) Done() <-chan struct{} { return rw.done }

func (rw *RunningWorkflow) broadcast(event workflow.Event) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.runID == "" {
		rw.runID = event.RunID
	}
	rw.history = append(rw.history, event)
	for sub := range rw.subscribers {
		select {
		case sub.Events <- event:
		default:
			// Skipping would leave a gap in the stream.
			slog.Warn("workflow: subscriber buffer full, disconnecting", "thread_id", rw.ThreadID, "event_type", event.Type)
			close(sub.Lagged)
			delete(rw.subscribers, sub)
		}
	}
}

func (rw *RunningWorkflow) finish(answer *workflow.FinalAnswer, err error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.finished = true
	rw.answer = answer
	rw.err = err
	for sub := range rw.subscribers {
		close(sub.Done)
	}
	rw.subscribers = make(map[*WorkflowSubscriber]struct{})
	close(rw.done)
}

// Claimer hands out incomplete threads abandoned by other processes.
type Claimer interface {
	ClaimIncomplete(ctx context.Context, owner string, staleAfter time.Duration) (string, bool, error)
}

// WorkflowManager runs workflows in the background so they survive client
// disconnects. Runs are bound to the manager's context, not to the request.
type WorkflowManager struct {
	engine   *workflow.Engine
	log      *slog.Logger
	baseCtx  context.Context
	serverID string

	mu      sync.RWMutex
	running map[string]*RunningWorkflow // threadID -> running workflow
	wg      sync.WaitGroup
}

// NewWorkflowManager creates a manager whose runs stop when ctx is cancelled.
func NewWorkflowManager(ctx context.Context, engine *workflow.Engine, log *slog.Logger, serverID string) *WorkflowManager {
	if log == nil {
		log = slog.Default()
	}
	return &WorkflowManager{
		engine:   engine,
		log:      log,
		baseCtx:  ctx,
		serverID: serverID,
		running:  make(map[string]*RunningWorkflow),
	}
}

// ServerID identifies this process when claiming threads.
func (m *WorkflowManager) ServerID() string { return m.serverID }

// Start begins a new run on a thread.
func (m *WorkflowManager) Start(threadID, question string) (*RunningWorkflow, error) {
	return m.start(threadID, func(ctx context.Context) (<-chan workflow.Event, error) {
		return m.engine.Stream(ctx, threadID, question)
	})
}

// StartResume continues a thread from its latest checkpoint.
func (m *WorkflowManager) StartResume(threadID string) (*RunningWorkflow, error) {
	return m.start(threadID, func(ctx context.Context) (<-chan workflow.Event, error) {
		return m.engine.Resume(ctx, threadID)
	})
}

// StartReplay updates thread memory and replays from fromStep.
func (m *WorkflowManager) StartReplay(threadID, info string, fromStep int) (*RunningWorkflow, error) {
	return m.start(threadID, func(ctx context.Context) (<-chan workflow.Event, error) {
		return m.engine.UpdateAndReplay(ctx, threadID, info, fromStep)
	})
}

func (m *WorkflowManager) start(threadID string, open func(ctx context.Context) (<-chan workflow.Event, error)) (*RunningWorkflow, error) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	events, err := open(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	rw := newRunningWorkflow(threadID, cancel)
	m.mu.Lock()
	m.running[threadID] = rw
	m.mu.Unlock()

	metrics.RunsInFlight.Inc()
	m.wg.Add(1)
	go m.consume(ctx, rw, events)
	return rw, nil
}

func (m *WorkflowManager) consume(ctx context.Context, rw *RunningWorkflow, events <-chan workflow.Event) {
	defer m.wg.Done()
	defer metrics.RunsInFlight.Dec()
	defer rw.Cancel()

	var answer *workflow.FinalAnswer
	var runErr error
	for ev := range events {
		switch ev.Type {
		case workflow.EventAnswer:
			answer = ev.Answer
		case workflow.EventError:
			runErr = ev.Err
		}
		rw.broadcast(ev)
	}
	if answer == nil && runErr == nil {
		runErr = ctx.Err()
		if runErr == nil {
			runErr = errors.New("run ended without an answer")
		}
	}
	rw.finish(answer, runErr)
	metrics.RecordRun(answer, runErr)

	m.mu.Lock()
	if m.running[rw.ThreadID] == rw {
		delete(m.running, rw.ThreadID)
	}
	m.mu.Unlock()
	m.log.Info("workflow: run finished", "thread_id", rw.ThreadID, "run_id", rw.RunID(), "answered", answer != nil)
}

// Get returns the running workflow of a thread.
func (m *WorkflowManager) Get(threadID string) (*RunningWorkflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rw, ok := m.running[threadID]
	return rw, ok
}

// IsRunning reports whether a thread has a run in progress.
func (m *WorkflowManager) IsRunning(threadID string) bool {
	_, ok := m.Get(threadID)
	return ok
}

// Cancel stops a thread's run before its next stage. Committed checkpoints
// are kept, so the run can be resumed.
func (m *WorkflowManager) Cancel(threadID string) bool {
	rw, ok := m.Get(threadID)
	if !ok {
		return false
	}
	m.log.Info("workflow: cancelling run", "thread_id", threadID)
	rw.Cancel()
	return true
}

// Shutdown cancels every run and waits for them to stop or for ctx.
func (m *WorkflowManager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, rw := range m.running {
		rw.Cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop workflows: %w", ctx.Err())
	}
}

// ResumeIncomplete claims threads whose runs were interrupted and resumes
// them one at a time until none are left. It waits delay first so the
// server can finish starting.
func (m *WorkflowManager) ResumeIncomplete(ctx context.Context, claimer Claimer, delay time.Duration) int {
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return 0
	}

	m.log.Info("workflow: checking for incomplete runs to resume", "server_id", m.serverID)
	resumed := 0
	for ctx.Err() == nil {
		threadID, ok, err := claimer.ClaimIncomplete(ctx, m.serverID, store.DefaultStaleAfter)
		if err != nil {
			m.log.Error("workflow: failed to claim thread", "error", err)
			break
		}
		if !ok {
			break
		}
		if _, err := m.StartResume(threadID); err != nil {
			m.log.Warn("workflow: failed to resume thread", "thread_id", threadID, "error", err)
			continue
		}
		resumed++
		m.log.Info("workflow: claimed thread for resumption", "thread_id", threadID, "server_id", m.serverID)
	}

	if resumed == 0 {
		m.log.Info("workflow: no incomplete runs to resume")
	} else {
		m.log.Info("workflow: resumed incomplete runs", "count", resumed, "server_id", m.serverID)
	}
	return resumed
}
