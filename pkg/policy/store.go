package policy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ErrNoGate indicates the action type has no configured gate.
var ErrNoGate = errors.New("no gate configured for action type")

// Table is one immutable generation of gate definitions.
type Table struct {
	Version string
	Gates   map[string]GateDefinition
}

// Store serves gate lookups and supports hot reload. Reload replaces the
// whole table atomically; individual gates are never mutated in place.
type Store struct {
	mu       sync.RWMutex
	table    *Table
	env      *cel.Env
	programs map[string]cel.Program // keyed by action type, one per conditioned gate
}

// NewStore compiles any gate conditions in the table and returns a
// ready store. A condition that fails to compile rejects the table.
func NewStore(table *Table) (*Store, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
		cel.Variable("classification", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	s := &Store{env: env}
	if err := s.install(table); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) install(table *Table) error {
	programs := make(map[string]cel.Program)
	for actionType, gate := range table.Gates {
		if gate.Condition == "" {
			continue
		}
		ast, iss := s.env.Compile(gate.Condition)
		if iss != nil && iss.Err() != nil {
			return fmt.Errorf("policy: gate %q condition: %w", actionType, iss.Err())
		}
		prg, err := s.env.Program(ast)
		if err != nil {
			return fmt.Errorf("policy: gate %q condition program: %w", actionType, err)
		}
		programs[actionType] = prg
	}

	s.mu.Lock()
	s.table = table
	s.programs = programs
	s.mu.Unlock()
	return nil
}

// Replace swaps in a new table. The swap happens only after every gate
// validates and every condition compiles; on error the previous table
// stays live.
func (s *Store) Replace(table *Table) error {
	for _, gate := range table.Gates {
		g := gate
		if err := g.Validate(); err != nil {
			return err
		}
	}
	return s.install(table)
}

// Lookup returns the gate for an action type, evaluating its condition
// against the submitted action. A false condition means no gate applies
// for this particular action; the error is ErrNoGate in both the
// unconfigured and condition-false cases.
func (s *Store) Lookup(actionType string, action map[string]interface{}, level string) (*GateDefinition, error) {
	s.mu.RLock()
	gate, ok := s.table.Gates[actionType]
	prg := s.programs[actionType]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNoGate
	}
	if prg != nil {
		out, _, err := prg.Eval(map[string]interface{}{
			"action":         action,
			"classification": level,
		})
		if err != nil {
			// Fail closed: an unevaluable condition keeps the gate in force.
			return &gate, nil
		}
		if applies, isBool := out.Value().(bool); isBool && !applies {
			return nil, ErrNoGate
		}
	}
	return &gate, nil
}

// Get returns the gate definition for an action type without evaluating
// conditions.
func (s *Store) Get(actionType string) (*GateDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gate, ok := s.table.Gates[actionType]
	if !ok {
		return nil, false
	}
	return &gate, true
}

// List returns all gate definitions in the current table.
func (s *Store) List() []GateDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GateDefinition, 0, len(s.table.Gates))
	for _, g := range s.table.Gates {
		out = append(out, g)
	}
	return out
}

// Version returns the schema version of the live table.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Version
}
