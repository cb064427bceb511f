package deployment

import (
	"fmt"
	"slices"
	"strings"

	"github.com/agrotrace/trace-deployer/config"
)

// Plan is an ordered list of contracts where every dependency is deployed
// before the contracts that need it.
type Plan struct {
	steps []config.ContractSpec
}

// NewPlan validates and returns a plan for the given contracts, kept in the
// given order.
func NewPlan(specs []config.ContractSpec) (*Plan, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no contracts", ErrInvalidPlan)
	}
	seen := make(map[string]struct{}, len(specs))
	steps := make([]config.ContractSpec, 0, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: step %d has no contract name", ErrInvalidPlan, i+1)
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("%w: contract %s listed twice", ErrInvalidPlan, spec.Name)
		}
		for _, dep := range spec.Dependencies {
			if dep == spec.Name {
				return nil, fmt.Errorf("%w: contract %s depends on itself", ErrInvalidPlan, spec.Name)
			}
			if _, ok := seen[dep]; !ok {
				return nil, fmt.Errorf("%w: contract %s depends on %s, which is not deployed before it",
					ErrInvalidPlan, spec.Name, dep)
			}
		}
		seen[spec.Name] = struct{}{}
		steps = append(steps, config.ContractSpec{
			Name:         spec.Name,
			Dependencies: slices.Clone(spec.Dependencies),
		})
	}
	return &Plan{steps: steps}, nil
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.steps)
}

// Steps returns a copy of the plan steps.
func (p *Plan) Steps() []config.ContractSpec {
	out := make([]config.ContractSpec, len(p.steps))
	for i, s := range p.steps {
		out[i] = config.ContractSpec{Name: s.Name, Dependencies: slices.Clone(s.Dependencies)}
	}
	return out
}

// Names returns the contract names in deployment order.
func (p *Plan) Names() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

// newUnits returns fresh, undeployed units for a run.
func (p *Plan) newUnits() []*Unit {
	units := make([]*Unit, len(p.steps))
	for i, s := range p.steps {
		units[i] = &Unit{
			Name:         s.Name,
			Dependencies: slices.Clone(s.Dependencies),
		}
	}
	return units
}

// String renders the plan one step per line, e.g.
// "2. FarmerContract(ProduceTraceabilitySystem)".
func (p *Plan) String() string {
	var b strings.Builder
	for i, s := range p.steps {
		fmt.Fprintf(&b, "%d. %s(%s)\n", i+1, s.Name, strings.Join(s.Dependencies, ", "))
	}
	return b.String()
}
