package worker

import (
	"fmt"
	"strings"

	"github.com/aristath/taskrelay/internal/capability"
	"github.com/aristath/taskrelay/internal/task"
)

// Verdict is the safety classification of a query.
type Verdict struct {
	IsSafe      bool    `json:"is_safe"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// Map renders the verdict as an artifact data part.
func (v Verdict) Map() map[string]any {
	return map[string]any{
		"is_safe":     v.IsSafe,
		"confidence":  v.Confidence,
		"explanation": v.Explanation,
	}
}

// SafetyWorker classifies a query as safe or unsafe.
type SafetyWorker struct{}

func (SafetyWorker) isWorker() {}

func (SafetyWorker) Role() Role { return RoleSafety }

func (SafetyWorker) Skill() Skill {
	return Skill{
		ID:          skillID(RoleSafety),
		Name:        "Safety check",
		Description: "Classifies a query as safe or unsafe before it is processed",
		Tags:        []string{"a2a", "safety"},
		Examples:    []string{"What is the capital of France?"},
	}
}

func (SafetyWorker) Input(t *task.Task) (capability.Input, error) {
	msg, err := latestUserMessage(t)
	if err != nil {
		return capability.Input{}, err
	}
	text := strings.TrimSpace(msg.Text())
	if text == "" {
		return capability.Input{}, fmt.Errorf("query is empty")
	}
	return capability.Input{Text: text, Fields: msg.Data()}, nil
}

func (SafetyWorker) Result(out capability.Output) ([]task.Artifact, task.Message, error) {
	v, err := ParseVerdict(out)
	if err != nil {
		return nil, task.Message{}, err
	}

	summary := "SAFE"
	if !v.IsSafe {
		summary = "UNSAFE"
	}
	if v.Explanation != "" {
		summary += ": " + v.Explanation
	}

	artifact := task.NewArtifact(ArtifactVerdict, task.DataPart(v.Map()), task.TextPart(summary))
	artifact.Description = "Safety classification of the query"
	return []task.Artifact{artifact}, task.NewMessage(task.RoleAgent, task.TextPart(summary)), nil
}

// ParseVerdict reads a verdict from structured output or, failing that, from
// text beginning with SAFE or UNSAFE.
func ParseVerdict(out capability.Output) (Verdict, error) {
	if out.Data != nil {
		if safe, ok := out.Data["is_safe"].(bool); ok {
			v := Verdict{IsSafe: safe, Confidence: 1.0}
			if c, ok := number(out.Data["confidence"]); ok {
				v.Confidence = c
			}
			if e, ok := out.Data["explanation"].(string); ok {
				v.Explanation = e
			} else if out.Text != "" {
				v.Explanation = out.Text
			}
			if v.Confidence < 0 || v.Confidence > 1 {
				return Verdict{}, fmt.Errorf("confidence %v outside [0,1]", v.Confidence)
			}
			return v, nil
		}
	}

	text := strings.TrimSpace(out.Text)
	upper := strings.ToUpper(text)
	var v Verdict
	var rest string
	switch {
	case strings.HasPrefix(upper, "UNSAFE"):
		v = Verdict{IsSafe: false, Confidence: 1.0}
		rest = text[len("UNSAFE"):]
	case strings.HasPrefix(upper, "SAFE"):
		v = Verdict{IsSafe: true, Confidence: 1.0}
		rest = text[len("SAFE"):]
	default:
		return Verdict{}, fmt.Errorf("unrecognized safety verdict %q", truncate(text, 80))
	}
	v.Explanation = strings.TrimSpace(strings.TrimLeft(rest, " :-\n"))
	return v, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
