package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskrelay/internal/task"
	"github.com/aristath/taskrelay/internal/worker"
)

// Stage names.
const (
	StageSafety     = "safety"
	StageProcessing = "processing"
	StageCritique   = "critique"
)

// stage is one step of the pipeline, bound to a worker variant at
// construction time.
type stage struct {
	name      string
	worker    worker.Worker
	dependsOn []string
}

// defaultStages is the safety -> processing -> critique chain.
func defaultStages() []stage {
	return []stage{
		{name: StageSafety, worker: worker.SafetyWorker{}},
		{name: StageProcessing, worker: worker.ProcessorWorker{}, dependsOn: []string{StageSafety}},
		{name: StageCritique, worker: worker.CriticWorker{}, dependsOn: []string{StageProcessing}},
	}
}

// planStages orders stages so every stage runs after its dependencies.
// Dependencies must name known stages and must not form a cycle.
func planStages(stages []stage) ([]stage, error) {
	byName := make(map[string]stage, len(stages))
	for _, s := range stages {
		if _, dup := byName[s.name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.name)
		}
		byName[s.name] = s
	}

	var edges []toposort.Edge
	for _, s := range stages {
		if len(s.dependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, s.name})
			continue
		}
		for _, dep := range s.dependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.name, dep)
			}
			edges = append(edges, toposort.Edge{dep, s.name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("stage plan contains a cycle: %w", err)
	}

	order := make([]stage, 0, len(stages))
	for _, name := range sorted {
		if name != nil {
			order = append(order, byName[name.(string)])
		}
	}
	return order, nil
}

// StageRecord is the outcome of one stage of one query.
type StageRecord struct {
	Stage      string     `json:"stage"`
	Worker     string     `json:"worker"`
	TaskID     string     `json:"task_id,omitempty"`
	State      task.State `json:"state,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}

// Workflow is the progress of one query through the stage plan.
type Workflow struct {
	QueryID   string        `json:"query_id"`
	Query     string        `json:"query"`
	Current   string        `json:"current_stage,omitempty"`
	Completed []StageRecord `json:"completed_stages"`
	Pending   []string      `json:"pending_stages"`
	StartedAt time.Time     `json:"started_at"`
}

// workflow tracks a running query. It is shared between the pipeline run and
// readers of the in-flight list.
type workflow struct {
	mu      sync.Mutex
	state   Workflow
	started time.Time
	taskID  string
}

func newWorkflow(queryID, query string, plan []stage) *workflow {
	pending := make([]string, len(plan))
	for i, s := range plan {
		pending[i] = s.name
	}
	now := time.Now()
	return &workflow{state: Workflow{
		QueryID:   queryID,
		Query:     query,
		Completed: []StageRecord{},
		Pending:   pending,
		StartedAt: now,
	}}
}

func (w *workflow) start(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Current = name
	w.started = time.Now()
	w.taskID = ""
	for i, p := range w.state.Pending {
		if p == name {
			w.state.Pending = append(w.state.Pending[:i:i], w.state.Pending[i+1:]...)
			break
		}
	}
}

// dispatched records the worker task currently holding the stage.
func (w *workflow) dispatched(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.taskID = taskID
}

func (w *workflow) finish(s stage, t *task.Task, err error) StageRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := StageRecord{
		Stage:      s.name,
		Worker:     string(s.worker.Role()),
		TaskID:     w.taskID,
		DurationMS: time.Since(w.started).Milliseconds(),
	}
	if t != nil {
		rec.TaskID = t.ID
		rec.State = t.State
	}
	if err != nil {
		rec.Error = err.Error()
	}
	w.state.Completed = append(w.state.Completed, rec)
	w.state.Current = ""
	return rec
}

func (w *workflow) snapshot() Workflow {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.state
	s.Completed = append([]StageRecord(nil), w.state.Completed...)
	s.Pending = append([]string{}, w.state.Pending...)
	return s
}

func (w *workflow) records() []StageRecord {
	return w.snapshot().Completed
}
