package orchestrator

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/aristath/taskrelay/internal/task"
	"github.com/aristath/taskrelay/internal/transport"
	"github.com/aristath/taskrelay/internal/worker"
)

func float(v float64) *float64 { return &v }

// verdictSchema describes the data part of a safety_verdict artifact.
func verdictSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"is_safe", "confidence"},
		Properties: map[string]*jsonschema.Schema{
			"is_safe":     {Type: "boolean"},
			"confidence":  {Type: "number", Minimum: float(0), Maximum: float(1)},
			"explanation": {Type: "string"},
		},
	}
}

// verdictValidator checks safety verdicts returned by a worker.
type verdictValidator struct {
	schema *jsonschema.Resolved
}

func newVerdictValidator() (*verdictValidator, error) {
	resolved, err := verdictSchema().Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve verdict schema: %w", err)
	}
	return &verdictValidator{schema: resolved}, nil
}

// Verdict extracts and validates the verdict of a completed safety task.
// A missing or malformed verdict is a protocol violation.
func (v *verdictValidator) Verdict(t *task.Task) (worker.Verdict, error) {
	a, ok := t.Artifact(worker.ArtifactVerdict)
	if !ok {
		return worker.Verdict{}, fmt.Errorf("%w: safety task %s has no %s artifact", transport.ErrProtocolViolation, t.ID, worker.ArtifactVerdict)
	}
	data := a.Data()
	if data == nil {
		return worker.Verdict{}, fmt.Errorf("%w: %s artifact has no data part", transport.ErrProtocolViolation, worker.ArtifactVerdict)
	}
	if err := v.schema.Validate(data); err != nil {
		return worker.Verdict{}, fmt.Errorf("%w: invalid safety verdict: %w", transport.ErrProtocolViolation, err)
	}

	verdict := worker.Verdict{IsSafe: data["is_safe"].(bool)}
	switch c := data["confidence"].(type) {
	case float64:
		verdict.Confidence = c
	case int:
		verdict.Confidence = float64(c)
	}
	verdict.Explanation, _ = data["explanation"].(string)
	return verdict, nil
}
