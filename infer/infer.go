// Copyright 2025 Strata ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package infer provides the public API for the declarative shape/type
// solver that operators plug their contracts into.
package infer

import (
	"github.com/strata-ml/strata/internal/infer"
	"github.com/strata-ml/strata/internal/tensor"
)

// Fact accumulates what is known about one tensor in the graph.
type Fact = infer.Fact

// NewFact returns a fact with unknown dtype and shape.
func NewFact() *Fact {
	return infer.NewFact()
}

// FactOf returns a fully known fact.
func FactOf(dt tensor.DataType, shape tensor.Shape) *Fact {
	return infer.FactOf(dt, shape)
}

// Solver collects constraints and unifies them to a fixpoint.
type Solver = infer.Solver

// NewSolver returns an empty solver.
func NewSolver() *Solver {
	return infer.NewSolver()
}

// Op is an operator that declares its shape/type contract to the solver.
type Op = infer.Op

// Apply runs an operator's rules through a fresh solver.
func Apply(op Op, inputs, outputs []*Fact) error {
	return infer.Apply(op, inputs, outputs)
}
