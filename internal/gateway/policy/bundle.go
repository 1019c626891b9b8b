package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// BundleEntry assigns one spec to an agent or a role.
type BundleEntry struct {
	AgentID string `yaml:"agentId,omitempty"`
	Role    string `yaml:"role,omitempty"`
	Spec    Spec   `yaml:"spec"`
}

// Bundle is the on-disk policy seed format: a YAML list of assignments
// loaded once at startup into the registry.
type Bundle struct {
	Policies []BundleEntry `yaml:"policies"`
}

// LoadBundle parses and validates a bundle file.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read bundle: %w", err)
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("policy: parse bundle %s: %w", path, err)
	}
	for i, e := range b.Policies {
		if (e.AgentID == "") == (e.Role == "") {
			return nil, fmt.Errorf("policy: bundle entry %d must target exactly one of agentId or role", i)
		}
		if err := e.Spec.Validate(); err != nil {
			return nil, fmt.Errorf("policy: bundle entry %d: %w", i, err)
		}
	}
	return &b, nil
}

// SeedFunc stores one policy assignment; the registry's CreatePolicy is
// adapted to this shape by the caller.
type SeedFunc func(ctx context.Context, agentID, role, specJSON string) error

// Seed writes every bundle entry through store.  Entries that fail are
// logged and skipped so one bad record cannot block startup.
func (b *Bundle) Seed(ctx context.Context, store SeedFunc, log *slog.Logger) int {
	seeded := 0
	for i, e := range b.Policies {
		raw, err := json.Marshal(e.Spec)
		if err != nil {
			log.Warn("bundle entry not serializable", "index", i, "error", err)
			continue
		}
		if err := store(ctx, e.AgentID, e.Role, string(raw)); err != nil {
			log.Warn("bundle entry rejected", "index", i, "error", err)
			continue
		}
		seeded++
	}
	return seeded
}
