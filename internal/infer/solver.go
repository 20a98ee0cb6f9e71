// Package infer implements the declarative shape/type solver that
// operators plug their contracts into. Operators only assert
// constraints; the solver unifies them across the graph and surfaces
// conflicts.
package infer

import (
	"fmt"

	"github.com/strata-ml/strata/internal/tensor"
)

// Fact accumulates what is known about one tensor: its element type and
// its shape, either of which may still be unknown. Constraints refine a
// Fact monotonically; contradictory refinements are errors.
type Fact struct {
	dtype      tensor.DataType
	dtypeKnown bool
	shape      tensor.Shape // nil while unknown
}

// NewFact returns a fact with unknown dtype and shape.
func NewFact() *Fact {
	return &Fact{}
}

// FactOf returns a fully known fact, as produced for graph inputs whose
// tensors are already materialized.
func FactOf(dt tensor.DataType, shape tensor.Shape) *Fact {
	return &Fact{dtype: dt, dtypeKnown: true, shape: shape.Clone()}
}

// DType returns the fact's element type and whether it is known yet.
func (f *Fact) DType() (tensor.DataType, bool) {
	return f.dtype, f.dtypeKnown
}

// Shape returns the fact's shape and whether it is known yet.
func (f *Fact) Shape() (tensor.Shape, bool) {
	if f.shape == nil {
		return nil, false
	}
	return f.shape, true
}

func (f *Fact) unifyDType(dt tensor.DataType) (bool, error) {
	if !f.dtypeKnown {
		f.dtype = dt
		f.dtypeKnown = true
		return true, nil
	}
	if f.dtype != dt {
		return false, fmt.Errorf("dtype conflict: %s vs %s", f.dtype, dt)
	}
	return false, nil
}

func (f *Fact) unifyShape(shape tensor.Shape) (bool, error) {
	if f.shape == nil {
		f.shape = shape.Clone()
		return true, nil
	}
	if !f.shape.Equal(shape) {
		return false, fmt.Errorf("shape conflict: %v vs %v", f.shape, shape)
	}
	return false, nil
}

// Op is an operator that declares its shape/type contract to the solver.
type Op interface {
	Name() string
	Rules(s *Solver, inputs, outputs []*Fact) error
}

// constraint attempts one unification step. It reports whether it made
// progress; it is re-run until the solver reaches a fixpoint.
type constraint func() (progress bool, err error)

// Solver collects constraints and unifies them to a fixpoint.
type Solver struct {
	constraints []constraint
}

// NewSolver returns an empty solver.
func NewSolver() *Solver {
	return &Solver{}
}

// WantArity asserts the number of tensors in a proxy slice. Arity is
// structural, so it is checked immediately rather than deferred.
func (s *Solver) WantArity(facts []*Fact, n int) error {
	if len(facts) != n {
		return fmt.Errorf("expected %d tensors, got %d", n, len(facts))
	}
	return nil
}

// EqualDType asserts that a fact's element type is dt.
func (s *Solver) EqualDType(f *Fact, dt tensor.DataType) {
	s.constraints = append(s.constraints, func() (bool, error) {
		return f.unifyDType(dt)
	})
}

// EqualDTypes asserts that two facts share the same element type,
// propagating in whichever direction becomes known first.
func (s *Solver) EqualDTypes(a, b *Fact) {
	s.constraints = append(s.constraints, func() (bool, error) {
		switch {
		case a.dtypeKnown:
			return b.unifyDType(a.dtype)
		case b.dtypeKnown:
			return a.unifyDType(b.dtype)
		default:
			return false, nil
		}
	})
}

// EqualShape pins a fact's shape to an exact value.
func (s *Solver) EqualShape(f *Fact, shape tensor.Shape) {
	s.constraints = append(s.constraints, func() (bool, error) {
		return f.unifyShape(shape)
	})
}

// EqualShapes asserts that two facts share the same shape.
func (s *Solver) EqualShapes(a, b *Fact) {
	s.constraints = append(s.constraints, func() (bool, error) {
		switch {
		case a.shape != nil:
			return b.unifyShape(a.shape)
		case b.shape != nil:
			return a.unifyShape(b.shape)
		default:
			return false, nil
		}
	})
}

// Solve re-runs all constraints until no further progress is made.
// A conflict is an error; facts that remain partially unknown are not
// (the graph may simply be underdetermined).
func (s *Solver) Solve() error {
	for {
		progress := false
		for _, c := range s.constraints {
			p, err := c()
			if err != nil {
				return err
			}
			progress = progress || p
		}
		if !progress {
			return nil
		}
	}
}

// Apply runs an operator's rules through a fresh solver and unifies the
// result, as the graph framework does per node.
func Apply(op Op, inputs, outputs []*Fact) error {
	s := NewSolver()
	if err := op.Rules(s, inputs, outputs); err != nil {
		return fmt.Errorf("%s: %w", op.Name(), err)
	}
	if err := s.Solve(); err != nil {
		return fmt.Errorf("%s: %w", op.Name(), err)
	}
	return nil
}
