package workflow

import "fmt"

// Stage names a node in the orchestration graph.
type Stage string

const (
	StageTransform     Stage = "transform_question"
	StageSelectTables  Stage = "select_tables"
	StageCheck         Stage = "check_sufficiency"
	StageContextualize Stage = "contextualize"
	StageDecompose     Stage = "decompose"
	StageGenerate      Stage = "generate_queries"
	StageReduce        Stage = "reduce"
	StageExecute       Stage = "execute"
	StageRepair        Stage = "repair_query"
	StageVisualize     Stage = "visualize"
	StageSynthesize    Stage = "synthesize_answer"
	StageEnd           Stage = "__end__"
)

// Predicate decides whether a transition applies to a snapshot.
type Predicate func(s *WorkflowState) bool

// Transition is one row of the transition table. A nil When is the default
// edge for its source stage and must come last.
type Transition struct {
	From Stage
	Name string
	When Predicate
	To   Stage
}

// Graph is the explicit transition table sequencing the stages.
type Graph struct {
	start       Stage
	transitions []Transition
}

// NewGraph validates and returns a graph. Every source stage needs a default edge.
func NewGraph(start Stage, transitions []Transition) (*Graph, error) {
	defaults := map[Stage]bool{}
	for i, t := range transitions {
		if defaults[t.From] {
			return nil, fmt.Errorf("transition %d (%s -> %s) follows the default edge of %s", i, t.From, t.To, t.From)
		}
		if t.When == nil {
			defaults[t.From] = true
		}
	}
	for _, t := range transitions {
		if !defaults[t.From] {
			return nil, fmt.Errorf("stage %s has no default transition", t.From)
		}
		if t.To != StageEnd && !defaults[t.To] {
			return nil, fmt.Errorf("stage %s is a target but has no outgoing transitions", t.To)
		}
	}
	if !defaults[start] {
		return nil, fmt.Errorf("start stage %s has no transitions", start)
	}
	return &Graph{start: start, transitions: transitions}, nil
}

// Start returns the entry stage.
func (g *Graph) Start() Stage { return g.start }

// Transitions returns a copy of the table.
func (g *Graph) Transitions() []Transition {
	out := make([]Transition, len(g.transitions))
	copy(out, g.transitions)
	return out
}

// Next evaluates the table for from against s. It returns the next stage
// and the name of the transition that matched.
func (g *Graph) Next(from Stage, s *WorkflowState) (Stage, string, error) {
	for _, t := range g.transitions {
		if t.From != from {
			continue
		}
		if t.When == nil || t.When(s) {
			return t.To, t.Name, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnknownStage, from)
}

// DefaultGraph is the text-to-SQL stage graph.
func DefaultGraph(limits Limits, visualize bool) *Graph {
	limits = limits.withDefaults()

	isGeneral := func(s *WorkflowState) bool { return s.Intent == IntentGeneral }
	sufficient := func(s *WorkflowState) bool { return s.IsSufficient == SufficiencySufficient }
	capReached := func(s *WorkflowState) bool {
		return s.SelectionIterationCount >= limits.MaxSelectionIterations
	}
	capReachedNoTables := func(s *WorkflowState) bool { return capReached(s) && len(s.CandidateTables) == 0 }
	failed := func(s *WorkflowState) bool { return s.Failure != nil }
	canRepair := func(s *WorkflowState) bool {
		return s.ExecutionResult != nil && s.ExecutionResult.Kind == ResultError &&
			s.RepairAttemptCount < limits.MaxRepairAttempts
	}
	hasRows := func(s *WorkflowState) bool {
		return visualize && s.ExecutionResult != nil && s.ExecutionResult.Kind == ResultRows
	}

	escalated := func(from Stage) Transition {
		return Transition{From: from, Name: "escalated", When: failed, To: StageSynthesize}
	}

	g, err := NewGraph(StageTransform, []Transition{
		escalated(StageTransform),
		{From: StageTransform, Name: "general_question", When: isGeneral, To: StageSynthesize},
		{From: StageTransform, Name: "data_question", To: StageSelectTables},

		escalated(StageSelectTables),
		{From: StageSelectTables, Name: "selected", To: StageCheck},

		escalated(StageCheck),
		{From: StageCheck, Name: "sufficient", When: sufficient, To: StageContextualize},
		{From: StageCheck, Name: "cap_reached_no_tables", When: capReachedNoTables, To: StageSynthesize},
		{From: StageCheck, Name: "cap_reached_unverified", When: capReached, To: StageContextualize},
		{From: StageCheck, Name: "insufficient", To: StageSelectTables},

		escalated(StageContextualize),
		{From: StageContextualize, Name: "contextualized", To: StageDecompose},

		escalated(StageDecompose),
		{From: StageDecompose, Name: "decomposed", To: StageGenerate},

		escalated(StageGenerate),
		{From: StageGenerate, Name: "generated", To: StageReduce},

		{From: StageReduce, Name: "all_candidates_failed", When: failed, To: StageSynthesize},
		{From: StageReduce, Name: "reduced", To: StageExecute},

		escalated(StageExecute),
		{From: StageExecute, Name: "execution_error", When: canRepair, To: StageRepair},
		{From: StageExecute, Name: "rows", When: hasRows, To: StageVisualize},
		{From: StageExecute, Name: "executed", To: StageSynthesize},

		{From: StageRepair, Name: "repair_failed", When: failed, To: StageSynthesize},
		{From: StageRepair, Name: "repaired", To: StageExecute},

		{From: StageVisualize, Name: "visualized", To: StageSynthesize},

		{From: StageSynthesize, Name: "answered", To: StageEnd},
	})
	if err != nil {
		// The table above is static; an error here is a programming mistake.
		panic(err)
	}
	return g
}

// stageFields lists the state fields each stage may write.
var stageFields = map[Stage][]string{
	StageTransform:     {"clarified_question", "intent"},
	StageSelectTables:  {"candidate_tables", "selection_iteration_count", "schema_context", "is_sufficient", "sufficiency_gap"},
	StageCheck:         {"is_sufficient", "sufficiency_gap", "unverified_sufficiency"},
	StageContextualize: {"schema_context"},
	StageDecompose:     {"subquestions"},
	StageGenerate:      {"subquery_candidates"},
	StageReduce:        {"final_query", "failure"},
	StageExecute:       {"execution_result"},
	StageRepair:        {"final_query", "execution_result", "repair_attempt_count", "failure"},
	StageVisualize:     {"visualization"},
	StageSynthesize:    {"final_answer"},
}

func checkOwnership(stage Stage, p Patch) error {
	allowed := stageFields[stage]
	for _, f := range p.Fields() {
		ok := false
		for _, a := range allowed {
			if a == f {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: %s wrote %s", ErrFieldOwnership, stage, f)
		}
	}
	return nil
}
