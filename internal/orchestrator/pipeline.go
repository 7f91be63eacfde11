package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/taskrelay/internal/events"
	"github.com/aristath/taskrelay/internal/metrics"
	"github.com/aristath/taskrelay/internal/registry"
	"github.com/aristath/taskrelay/internal/task"
	"github.com/aristath/taskrelay/internal/transport"
	"github.com/aristath/taskrelay/internal/worker"
)

// Status is the outcome of a query. Callers branch on it, never on text.
type Status string

const (
	StatusSuccess               Status = "success"
	StatusBlocked               Status = "blocked"
	StatusProcessingFailed      Status = "processing_failed"
	StatusEvaluationUnavailable Status = "evaluation_unavailable"
)

// EvaluationUnavailable is the evaluation reported when the critic could not
// produce one.
const EvaluationUnavailable = "evaluation unavailable"

// ErrUnknownQuery is returned when canceling a query that is not running.
var ErrUnknownQuery = errors.New("unknown query")

// Query is one user request.
type Query struct {
	Text      string
	SessionID string
	// Clarifications answer input requests from workers in order. They take
	// precedence over the pipeline's clarifier.
	Clarifications []string
}

// Result is the composite response to a query. It is built per query and
// never shared.
type Result struct {
	QueryID     string          `json:"query_id"`
	Status      Status          `json:"status"`
	Blocked     bool            `json:"blocked"`
	Answer      string          `json:"answer"`
	Evaluation  string          `json:"evaluation"`
	Explanation string          `json:"explanation,omitempty"`
	Verdict     *worker.Verdict `json:"safety_verdict,omitempty"`
	Rating      int             `json:"rating,omitempty"`
	Stages      []StageRecord   `json:"stages"`
}

// StageTimeouts bounds each stage, retries included.
type StageTimeouts struct {
	Safety     time.Duration
	Processing time.Duration
	Critique   time.Duration
}

// DefaultStageTimeouts returns the default per-stage upper bounds.
func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		Safety:     15 * time.Second,
		Processing: 60 * time.Second,
		Critique:   30 * time.Second,
	}
}

// For returns the timeout of the named stage.
func (t StageTimeouts) For(stage string) time.Duration {
	switch stage {
	case StageSafety:
		return t.Safety
	case StageProcessing:
		return t.Processing
	default:
		return t.Critique
	}
}

// Config configures a Pipeline.
type Config struct {
	Timeouts       StageTimeouts
	Retry          RetryConfig
	Streaming      bool // Use the stream endpoint when a worker supports it
	MaxInputRounds int  // Clarification rounds per stage (default 2)
	Clarifier      Clarifier
	Metrics        *metrics.Metrics
	Events         *events.EventBus
}

// Pipeline runs queries through safety, processing and critique.
type Pipeline struct {
	registry       *registry.Registry
	breakers       *CircuitBreakerRegistry
	plan           []stage
	verdicts       *verdictValidator
	timeouts       StageTimeouts
	retry          RetryConfig
	streaming      bool
	maxInputRounds int
	clarifier      Clarifier
	metrics        *metrics.Metrics
	bus            *events.EventBus

	mu      sync.Mutex
	running map[string]*run
}

type run struct {
	wf     *workflow
	cancel context.CancelFunc
}

// New creates a pipeline over the workers in reg. Zero config fields take
// their defaults.
func New(reg *registry.Registry, cfg Config) (*Pipeline, error) {
	plan, err := planStages(defaultStages())
	if err != nil {
		return nil, err
	}
	verdicts, err := newVerdictValidator()
	if err != nil {
		return nil, err
	}

	defaults := DefaultStageTimeouts()
	if cfg.Timeouts.Safety <= 0 {
		cfg.Timeouts.Safety = defaults.Safety
	}
	if cfg.Timeouts.Processing <= 0 {
		cfg.Timeouts.Processing = defaults.Processing
	}
	if cfg.Timeouts.Critique <= 0 {
		cfg.Timeouts.Critique = defaults.Critique
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.MaxInputRounds <= 0 {
		cfg.MaxInputRounds = 2
	}

	return &Pipeline{
		registry:       reg,
		breakers:       NewCircuitBreakerRegistry(),
		plan:           plan,
		verdicts:       verdicts,
		timeouts:       cfg.Timeouts,
		retry:          cfg.Retry,
		streaming:      cfg.Streaming,
		maxInputRounds: cfg.MaxInputRounds,
		clarifier:      cfg.Clarifier,
		metrics:        cfg.Metrics,
		bus:            cfg.Events,
		running:        make(map[string]*run),
	}, nil
}

// Registry returns the worker registry the pipeline dispatches to.
func (p *Pipeline) Registry() *registry.Registry {
	return p.registry
}

// Run executes one query. Stages run strictly in order; an unsafe or
// unconfirmed verdict stops the pipeline before the processor is called.
// The returned error is non-nil only when ctx ends or the processor breaks
// the protocol; every other outcome is a Result status.
func (p *Pipeline) Run(ctx context.Context, q Query) (*Result, error) {
	queryID := task.NewID()
	wf := newWorkflow(queryID, q.Text, p.plan)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.track(queryID, &run{wf: wf, cancel: cancel})
	defer p.untrack(queryID)

	if len(q.Clarifications) > 0 {
		qa := NewQAChannel(1, ScriptedAnswers(q.Clarifications))
		qaCtx, stopQA := context.WithCancel(ctx)
		qa.Start(qaCtx)
		defer qa.Stop()
		defer stopQA()
		ctx = withClarifier(ctx, qa)
	}

	res := &Result{QueryID: queryID}
	var query, answer string
	query = strings.TrimSpace(q.Text)

	for _, s := range p.plan {
		var msg task.Message
		switch s.name {
		case StageSafety, StageProcessing:
			msg = task.UserText(query)
		case StageCritique:
			msg = worker.CritiqueMessage(query, answer)
		}

		t, err := p.execute(ctx, wf, s, q.SessionID, msg)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("query %s interrupted during %s stage: %w", queryID, s.name, ctx.Err())
		}

		done := false
		switch s.name {
		case StageSafety:
			done = p.applyVerdict(res, t, err)
		case StageProcessing:
			if errors.Is(err, transport.ErrProtocolViolation) {
				return nil, err
			}
			answer, done, err = p.applyAnswer(res, t, err)
			if err != nil {
				return nil, err
			}
		case StageCritique:
			p.applyEvaluation(res, t, err)
		}
		if done {
			break
		}
	}

	if res.Status == "" {
		res.Status = StatusSuccess
	}
	res.Stages = wf.records()
	p.metrics.PipelineResult(string(res.Status))
	log.Printf("Query %s finished with status %s", queryID, res.Status)
	return res, nil
}

// execute runs one stage and records its outcome in the workflow.
func (p *Pipeline) execute(ctx context.Context, wf *workflow, s stage, sessionID string, msg task.Message) (*task.Task, error) {
	wf.start(s.name)
	t, err := p.runStage(ctx, wf, s, sessionID, msg)
	rec := wf.finish(s, t, err)

	d := time.Duration(rec.DurationMS) * time.Millisecond
	p.metrics.StageDuration(s.name, d)
	p.publish(events.StageFinishedEvent{
		QueryID:   wf.state.QueryID,
		Stage:     s.name,
		ID:        rec.TaskID,
		State:     rec.State,
		Err:       err,
		Duration:  d,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Printf("WARNING: query %s %s stage failed: %v", wf.state.QueryID, s.name, err)
	}
	return t, err
}

// applyVerdict fills res from the safety stage and reports whether the
// pipeline stops. Anything short of an affirmative verdict blocks.
func (p *Pipeline) applyVerdict(res *Result, t *task.Task, err error) bool {
	block := func(explanation string) bool {
		res.Status = StatusBlocked
		res.Blocked = true
		res.Explanation = explanation
		return true
	}

	if err != nil {
		return block("safety check unavailable: " + err.Error())
	}
	if t.State != task.StateCompleted {
		return block("safety check unavailable: " + failureText(t))
	}
	verdict, err := p.verdicts.Verdict(t)
	if err != nil {
		return block("safety check unavailable: " + err.Error())
	}

	res.Verdict = &verdict
	if !verdict.IsSafe {
		explanation := verdict.Explanation
		if explanation == "" {
			explanation = "query rejected by safety check"
		}
		return block(explanation)
	}
	return false
}

// applyAnswer fills res from the processing stage. It returns the answer,
// whether the pipeline stops, and an error for protocol violations.
func (p *Pipeline) applyAnswer(res *Result, t *task.Task, err error) (string, bool, error) {
	fail := func(explanation string) (string, bool, error) {
		res.Status = StatusProcessingFailed
		res.Explanation = explanation
		return "", true, nil
	}

	if err != nil {
		return fail("processing failed: " + err.Error())
	}
	if t.State != task.StateCompleted {
		return fail("processing failed: " + failureText(t))
	}
	a, ok := t.Artifact(worker.ArtifactAnswer)
	if !ok || strings.TrimSpace(a.Text()) == "" {
		return "", true, fmt.Errorf("%w: processor task %s completed without an %s artifact", transport.ErrProtocolViolation, t.ID, worker.ArtifactAnswer)
	}
	res.Answer = a.Text()
	return res.Answer, false, nil
}

// applyEvaluation fills res from the critique stage. A failed critique keeps
// the answer and marks the evaluation unavailable.
func (p *Pipeline) applyEvaluation(res *Result, t *task.Task, err error) {
	unavailable := func(reason string) {
		res.Status = StatusEvaluationUnavailable
		res.Evaluation = EvaluationUnavailable
		res.Explanation = EvaluationUnavailable + ": " + reason
	}

	if err != nil {
		unavailable(err.Error())
		return
	}
	if t.State != task.StateCompleted {
		unavailable(failureText(t))
		return
	}
	a, ok := t.Artifact(worker.ArtifactEvaluation)
	if !ok || strings.TrimSpace(a.Text()) == "" {
		unavailable("critic returned no evaluation")
		return
	}

	res.Evaluation = a.Text()
	if data := a.Data(); data != nil {
		switch r := data["rating"].(type) {
		case float64:
			res.Rating = int(r)
		case int:
			res.Rating = r
		}
	}
	if res.Rating == 0 {
		res.Rating = worker.DefaultRating
	}
}

// failureText describes why a task did not complete.
func failureText(t *task.Task) string {
	if info, ok := task.FailureOf(t); ok {
		return fmt.Sprintf("%s task %s: %s", t.State, info.Kind, info.Message)
	}
	if msg, ok := t.LastMessage(); ok && msg.Text() != "" {
		return fmt.Sprintf("%s task: %s", t.State, msg.Text())
	}
	return fmt.Sprintf("task ended %s", t.State)
}

// Cancel interrupts a running query. The stage in flight cancels its worker task.
func (p *Pipeline) Cancel(queryID string) error {
	p.mu.Lock()
	r, ok := p.running[queryID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, queryID)
	}
	r.cancel()
	return nil
}

// Running returns the workflows of the queries in flight, oldest first.
func (p *Pipeline) Running() []Workflow {
	p.mu.Lock()
	out := make([]Workflow, 0, len(p.running))
	for _, r := range p.running {
		out = append(out, r.wf.snapshot())
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (p *Pipeline) track(id string, r *run) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[id] = r
}

func (p *Pipeline) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
}

type clarifierKey struct{}

func withClarifier(ctx context.Context, c Clarifier) context.Context {
	return context.WithValue(ctx, clarifierKey{}, c)
}

// clarifierFrom prefers a clarifier carried by the query context.
func clarifierFrom(ctx context.Context, fallback Clarifier) Clarifier {
	if c, ok := ctx.Value(clarifierKey{}).(Clarifier); ok {
		return c
	}
	return fallback
}
