package conv

import (
	"github.com/strata-ml/strata/internal/infer"
)

// Name returns the operator name used by the graph framework.
func (op *ConvGemm) Name() string {
	return "ConvGemm"
}

// Rules declares the operator's shape/type contract: one input, one
// output, both with the kernel's element type, and the output shape
// pinned exactly to the full output shape. The operator only runs after
// shapes are fully resolved, so the output shape is an equality, not a
// compatibility constraint. No computation happens here; the solver
// performs the unification.
func (op *ConvGemm) Rules(s *infer.Solver, inputs, outputs []*infer.Fact) error {
	if err := s.WantArity(inputs, 1); err != nil {
		return err
	}
	if err := s.WantArity(outputs, 1); err != nil {
		return err
	}
	s.EqualDType(inputs[0], op.kernel.DType())
	s.EqualDType(outputs[0], op.kernel.DType())
	s.EqualShape(outputs[0], op.fullOutputShape)
	return nil
}
