// Package cpu registers the host kernels for the small op set the runtime
// ships: elementwise arithmetic, Relu, Identity and Reshape. Their
// planner-facing metadata mirrors the usual contracts: Reshape aliases its
// input, the elementwise ops may run in place.
package cpu

import (
	"github.com/pkg/errors"

	"github.com/tensorun/tensorun/kernels"
	"github.com/tensorun/tensorun/providers"
	"github.com/tensorun/tensorun/types/shapes"
	"github.com/tensorun/tensorun/types/tensors"
)

// Register adds the CPU kernel set to the registry.
func Register(reg *kernels.Registry) error {
	defs := []*kernels.Def{
		kernels.NewDef("Add").Provider(providers.CPU).
			MayInplace(0, 0).
			ComputeFn(binaryElementwise(func(a, b float32) float32 { return a + b })).
			Build(),
		kernels.NewDef("Mul").Provider(providers.CPU).
			MayInplace(0, 0).
			ComputeFn(binaryElementwise(func(a, b float32) float32 { return a * b })).
			Build(),
		kernels.NewDef("Relu").Provider(providers.CPU).
			MayInplace(0, 0).
			ComputeFn(unaryElementwise(func(v float32) float32 {
				if v < 0 {
					return 0
				}
				return v
			})).
			Build(),
		kernels.NewDef("Neg").Provider(providers.CPU).
			MayInplace(0, 0).
			ComputeFn(unaryElementwise(func(v float32) float32 { return -v })).
			Build(),
		kernels.NewDef("Identity").Provider(providers.CPU).
			ComputeFn(computeIdentity).
			Build(),
		kernels.NewDef("Reshape").Provider(providers.CPU).
			Alias(0, 0).
			ComputeFn(computeReshape).
			Build(),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func unaryElementwise(fn func(float32) float32) kernels.ComputeFunc {
	return func(ctx kernels.ComputeContext) error {
		in := ctx.Input(0)
		if in == nil {
			return errors.Errorf("%s: missing input", ctx.Node().OpType())
		}
		out, err := ctx.Output(0, in.Shape)
		if err != nil {
			return err
		}
		vals := tensors.ToFloat32(in)
		for i, v := range vals {
			vals[i] = fn(v)
		}
		copy(out.Data, tensors.FromFloat32(vals, out.Shape, out.Info).Data)
		return nil
	}
}

func binaryElementwise(fn func(a, b float32) float32) kernels.ComputeFunc {
	return func(ctx kernels.ComputeContext) error {
		a, b := ctx.Input(0), ctx.Input(1)
		if a == nil || b == nil {
			return errors.Errorf("%s: missing input", ctx.Node().OpType())
		}
		va, vb := tensors.ToFloat32(a), tensors.ToFloat32(b)
		if len(va) != len(vb) {
			return errors.Errorf("%s: input sizes differ: %d vs %d", ctx.Node().OpType(), len(va), len(vb))
		}
		out, err := ctx.Output(0, a.Shape)
		if err != nil {
			return err
		}
		for i := range va {
			va[i] = fn(va[i], vb[i])
		}
		copy(out.Data, tensors.FromFloat32(va, out.Shape, out.Info).Data)
		return nil
	}
}

func computeIdentity(ctx kernels.ComputeContext) error {
	in := ctx.Input(0)
	if in == nil {
		return errors.Errorf("Identity: missing input")
	}
	out, err := ctx.Output(0, in.Shape)
	if err != nil {
		return err
	}
	// When the planner shared the buffer (loop-state pass-through) this is
	// a self-copy; otherwise a plain copy into the output buffer.
	copy(out.Data, in.Data)
	return nil
}

func computeReshape(ctx kernels.ComputeContext) error {
	in := ctx.Input(0)
	if in == nil {
		return errors.Errorf("Reshape: missing input")
	}
	outArg := ctx.Node().OutputDefs()[0]
	var target shapes.Shape
	if outArg.Shape() != nil {
		target = *outArg.Shape()
	} else {
		target = in.Shape
	}
	out, err := ctx.Output(0, target)
	if err != nil {
		return err
	}
	// When the planner honored the alias the output resolves to the same
	// bytes; a reshape straight into a caller-owned output slot still
	// copies.
	if len(out.Data) > 0 && len(in.Data) > 0 && &out.Data[0] != &in.Data[0] {
		copy(out.Data, in.Data)
	}
	return nil
}
