package store

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/chatengine/pkg/chat"
)

// StaticAgents resolves agents from a fixed set, typically the agents
// section of the configuration file.
type StaticAgents struct {
	agents map[string]chat.AgentConfig
}

// NewStaticAgents creates a resolver from a map keyed by agent id. Entries
// without an ID take their key.
func NewStaticAgents(agents map[string]chat.AgentConfig) *StaticAgents {
	m := make(map[string]chat.AgentConfig, len(agents))
	for id, a := range agents {
		if a.ID == "" {
			a.ID = id
		}
		m[id] = a
	}
	return &StaticAgents{agents: m}
}

// LoadAgentsFile reads a YAML file holding a top-level "agents" map.
func LoadAgentsFile(path string) (*StaticAgents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var doc struct {
		Agents map[string]chat.AgentConfig `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}
	return NewStaticAgents(doc.Agents), nil
}

func (s *StaticAgents) ResolveAgent(_ context.Context, agentID string) (*chat.AgentConfig, error) {
	a, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chat.ErrAgentNotFound, agentID)
	}
	a.Collections = append([]string(nil), a.Collections...)
	a.Tools = append([]string(nil), a.Tools...)
	return &a, nil
}

// IDs returns the known agent ids, sorted.
func (s *StaticAgents) IDs() []string {
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Seed writes every agent into a Postgres store.
func (s *StaticAgents) Seed(ctx context.Context, pg *PostgresStore) error {
	for _, id := range s.IDs() {
		if err := pg.UpsertAgent(ctx, s.agents[id]); err != nil {
			return err
		}
	}
	return nil
}
