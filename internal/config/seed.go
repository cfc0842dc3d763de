package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
)

// Seed declares the starting state of the engine: the protected-resource
// catalog and the policies to install on first boot.
type Seed struct {
	Resources []ResourceSeed `yaml:"resources"`
	Policies  []PolicySeed   `yaml:"policies"`
}

type ResourceSeed struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Sensitivity string `yaml:"sensitivity"`
}

type PolicySeed struct {
	Name              string     `yaml:"name"`
	TargetSensitivity string     `yaml:"target_sensitivity"`
	Exclusive         bool       `yaml:"exclusive"`
	Rules             []RuleSeed `yaml:"rules"`
}

type RuleSeed struct {
	Action    string `yaml:"action"`
	Condition string `yaml:"condition"`
}

// DefaultSeed is the state used when no seed file is configured: no resources
// and a base policy that denies high risk and allows everything else. The
// fail-closed default in the policy engine still applies if this policy is
// somehow removed.
func DefaultSeed() Seed {
	return Seed{
		Policies: []PolicySeed{{
			Name: "base",
			Rules: []RuleSeed{
				{Action: "deny", Condition: "risk_high"},
				{Action: "allow", Condition: "always"},
			},
		}},
	}
}

// LoadSeed reads a YAML seed file. A missing path returns DefaultSeed.
func LoadSeed(path string) (Seed, error) {
	if path == "" {
		return DefaultSeed(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return Seed{}, fmt.Errorf("seed file %s: %w", path, err)
	}
	return s, nil
}

func (s Seed) validate() error {
	for _, r := range s.Resources {
		if r.ID == "" {
			return fmt.Errorf("resource with empty id")
		}
		switch types.Sensitivity(r.Sensitivity) {
		case types.SensitivityLow, types.SensitivityMedium, types.SensitivityHigh:
		default:
			return fmt.Errorf("resource %s: unknown sensitivity %q", r.ID, r.Sensitivity)
		}
	}
	for _, p := range s.Policies {
		if p.Name == "" {
			return fmt.Errorf("policy with empty name")
		}
		if len(p.Rules) == 0 {
			return fmt.Errorf("policy %s: no rules", p.Name)
		}
		for i, r := range p.Rules {
			if r.Action != "allow" && r.Action != "deny" {
				return fmt.Errorf("policy %s rule %d: unknown action %q", p.Name, i, r.Action)
			}
			if r.Condition == "" {
				return fmt.Errorf("policy %s rule %d: empty condition", p.Name, i)
			}
		}
	}
	return nil
}

// Resource converts a seed entry to the engine type.
func (r ResourceSeed) Resource() types.Resource {
	return types.Resource{
		ID:          r.ID,
		Name:        r.Name,
		Sensitivity: types.Sensitivity(r.Sensitivity),
	}
}
