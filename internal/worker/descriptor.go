package worker

import (
	"trpc.group/trpc-go/trpc-a2a-go/server"
)

// Provider is the organization advertised in every agent card.
const Provider = "A2A Double Validation"

// CardVersion is the version advertised in every agent card.
const CardVersion = "1.0.0"

// DescriptorConfig holds the per-deployment fields of an agent card.
type DescriptorConfig struct {
	Name        string
	Description string
	URL         string
	Streaming   bool
}

// Descriptor builds the agent card a worker serves. It is created once at
// startup and never modified.
func Descriptor(w Worker, cfg DescriptorConfig) server.AgentCard {
	name := cfg.Name
	if name == "" {
		name = string(w.Role())
	}
	skill := w.Skill()
	description := cfg.Description
	if description == "" {
		description = skill.Description
	}
	streaming := cfg.Streaming
	history := true

	return server.AgentCard{
		Name:        name,
		Description: description,
		URL:         cfg.URL,
		Version:     CardVersion,
		Provider: &server.AgentProvider{
			Organization: Provider,
		},
		Capabilities: server.AgentCapabilities{
			Streaming:              &streaming,
			StateTransitionHistory: &history,
		},
		DefaultInputModes:  []string{"text", "data"},
		DefaultOutputModes: []string{"text", "data"},
		Skills: []server.AgentSkill{
			{
				ID:          skill.ID,
				Name:        skill.Name,
				Tags:        skill.Tags,
				Examples:    skill.Examples,
				InputModes:  []string{"text", "data"},
				OutputModes: []string{"text", "data"},
			},
		},
	}
}
