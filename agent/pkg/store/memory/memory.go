// Package memory provides in-process implementations of the workflow
// stores. They are used by tests and by single-process deployments that do
// not need durable checkpoints.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/sqlflow/agent/pkg/store"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// CheckpointStore keeps checkpoints per thread in memory.
type CheckpointStore struct {
	mu      sync.RWMutex
	threads map[string][]workflow.Checkpoint
}

// NewCheckpointStore returns an empty store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{threads: make(map[string][]workflow.Checkpoint)}
}

// Save appends a checkpoint. Steps must be strictly increasing per thread.
func (s *CheckpointStore) Save(_ context.Context, cp workflow.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.threads[cp.ThreadID]
	if n := len(cps); n > 0 && cps[n-1].Step >= cp.Step {
		return fmt.Errorf("%w: step %d for thread %s, latest %d", store.ErrStaleStep, cp.Step, cp.ThreadID, cps[n-1].Step)
	}
	cp.State = cp.State.Clone()
	s.threads[cp.ThreadID] = append(cps, cp)
	return nil
}

// LoadLatest returns the highest step, or nil when the thread is unknown.
func (s *CheckpointStore) LoadLatest(_ context.Context, threadID string) (*workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.threads[threadID]
	if len(cps) == 0 {
		return nil, nil
	}
	cp := cps[len(cps)-1]
	cp.State = cp.State.Clone()
	return &cp, nil
}

// LoadHistory returns copies of every checkpoint ordered by step.
func (s *CheckpointStore) LoadHistory(_ context.Context, threadID string) ([]workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.threads[threadID]
	out := make([]workflow.Checkpoint, len(cps))
	for i, cp := range cps {
		cp.State = cp.State.Clone()
		out[i] = cp
	}
	return out, nil
}

// Threads returns the IDs of threads with checkpoints, sorted.
func (s *CheckpointStore) Threads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MemoryStore keeps thread memory in a map.
type MemoryStore struct {
	mu   sync.RWMutex
	info map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{info: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, threadID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.info[threadID]
	return v, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, threadID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info[threadID] = text
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.info, threadID)
	return nil
}

// ContextLibrary ranks example contexts by word overlap with the question.
type ContextLibrary struct {
	mu      sync.RWMutex
	entries []workflow.ContextEntry
	now     func() time.Time
}

// NewContextLibrary returns an empty library.
func NewContextLibrary() *ContextLibrary {
	return &ContextLibrary{now: time.Now}
}

func (l *ContextLibrary) Insert(_ context.Context, question, text string) (string, error) {
	if strings.TrimSpace(question) == "" || strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("question and context are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id := uuid.NewString()
	l.entries = append(l.entries, workflow.ContextEntry{
		ID:        id,
		Question:  question,
		Context:   text,
		CreatedAt: l.now().UTC(),
	})
	return id, nil
}

// Retrieve returns up to limit entries sharing at least one word with the
// question, best match first.
func (l *ContextLibrary) Retrieve(_ context.Context, question string, limit int) ([]workflow.ContextEntry, error) {
	words := store.Words(question)
	if len(words) == 0 || limit <= 0 {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []workflow.ContextEntry
	for _, e := range l.entries {
		score := overlap(words, store.Words(e.Question+" "+e.Context))
		if score == 0 {
			continue
		}
		e.Score = score
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *ContextLibrary) Delete(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.IndexFunc(l.entries, func(e workflow.ContextEntry) bool { return e.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", store.ErrContextNotFound, id)
	}
	l.entries = slices.Delete(l.entries, i, i+1)
	return nil
}

// overlap is the fraction of query words present in doc.
func overlap(query, doc []string) float64 {
	n := 0
	for _, w := range query {
		if slices.Contains(doc, w) {
			n++
		}
	}
	return float64(n) / float64(len(query))
}
