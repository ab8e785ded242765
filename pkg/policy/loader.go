package policy

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/civicmesh/bridgegate/pkg/classification"
)

// supportedSchema constrains the config file schema_version this build
// understands. Breaking schema changes bump the major version.
var supportedSchema = mustConstraint(">=1.0.0 <2.0.0")

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

// fileGate is the YAML wire form of a gate. Timeout is expressed in
// seconds to keep the config file language-neutral.
type fileGate struct {
	Name                  string   `yaml:"name"`
	Description           string   `yaml:"description"`
	RequiredRoles         []string `yaml:"required_roles"`
	Policy                string   `yaml:"policy"`
	MinApprovals          int      `yaml:"min_approvals"`
	TimeoutSeconds        int      `yaml:"timeout_seconds"`
	EscalationRole        string   `yaml:"escalation_role"`
	DryRunSupported       bool     `yaml:"dry_run_supported"`
	ClassificationMinimum string   `yaml:"classification_minimum"`
	Condition             string   `yaml:"condition"`
	Adapter               string   `yaml:"adapter"`
	Operation             string   `yaml:"operation"`
}

type policyFile struct {
	SchemaVersion string              `yaml:"schema_version"`
	Gates         map[string]fileGate `yaml:"gates"`
}

// Load reads a gate policy file, verifies its schema version, and
// validates every gate definition. Any error rejects the whole file; a
// partially valid table is never returned.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates gate policy YAML.
func Parse(data []byte) (*Table, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("policy: parse config: %w", err)
	}

	if pf.SchemaVersion == "" {
		return nil, fmt.Errorf("policy: config missing schema_version")
	}
	ver, err := semver.NewVersion(pf.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("policy: invalid schema_version %q: %w", pf.SchemaVersion, err)
	}
	if !supportedSchema.Check(ver) {
		return nil, fmt.Errorf("policy: schema_version %s outside supported range %s", ver, supportedSchema)
	}

	gates := make(map[string]GateDefinition, len(pf.Gates))
	for actionType, fg := range pf.Gates {
		def := GateDefinition{
			ActionType:            actionType,
			Name:                  fg.Name,
			Description:           fg.Description,
			RequiredRoles:         fg.RequiredRoles,
			Policy:                Kind(fg.Policy),
			MinApprovals:          fg.MinApprovals,
			Timeout:               time.Duration(fg.TimeoutSeconds) * time.Second,
			EscalationRole:        fg.EscalationRole,
			DryRunSupported:       fg.DryRunSupported,
			ClassificationMinimum: classification.Level(fg.ClassificationMinimum),
			Condition:             fg.Condition,
			Adapter:               fg.Adapter,
			Operation:             fg.Operation,
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		gates[actionType] = def
	}

	return &Table{Version: pf.SchemaVersion, Gates: gates}, nil
}
