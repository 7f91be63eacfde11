package capability

import (
	"context"
	"fmt"
	"strings"
)

// Input is what a worker hands to its capability: the text of the incoming
// message plus any structured fields it carried.
type Input struct {
	Text   string         `json:"text"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Output is the raw result of a capability call. Workers interpret it.
type Output struct {
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Capability is the opaque evaluation a worker delegates to.
type Capability interface {
	Evaluate(ctx context.Context, in Input) (Output, error)
}

// Func adapts a plain function to Capability.
type Func func(ctx context.Context, in Input) (Output, error)

// Evaluate calls f.
func (f Func) Evaluate(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// Config selects and configures a capability backend.
type Config struct {
	Type string `json:"type"` // "command", "http" or "static"

	// command
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`

	// http
	URL         string            `json:"url,omitempty"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ResultQuery string            `json:"result_query,omitempty"` // jq expression applied to the JSON response

	// static
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// New creates a capability based on the provided configuration.
// The ProcessManager is optional and only used by command capabilities.
func New(cfg Config, pm *ProcessManager) (Capability, error) {
	switch cfg.Type {
	case "command":
		return NewCommand(cfg, pm)
	case "http":
		return NewHTTP(cfg)
	case "static":
		return Static(Output{Text: cfg.Text, Data: cfg.Data}), nil
	default:
		return nil, fmt.Errorf("unknown capability type: %s", cfg.Type)
	}
}

// Static returns a capability that always yields out.
func Static(out Output) Capability {
	return Func(func(ctx context.Context, in Input) (Output, error) {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		return out, nil
	})
}

// outputFrom turns a decoded JSON value into an Output. Objects become Data
// (with a "text" member lifted into Text); strings become Text; anything else
// is rendered as text.
func outputFrom(v any) Output {
	switch val := v.(type) {
	case map[string]any:
		out := Output{Data: val}
		if s, ok := val["text"].(string); ok {
			out.Text = s
		}
		return out
	case string:
		return Output{Text: strings.TrimSpace(val)}
	case nil:
		return Output{}
	default:
		return Output{Text: fmt.Sprint(val)}
	}
}
