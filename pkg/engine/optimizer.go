// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Scopes of the variables created by MomentumSGD.
const (
	MomentumScope     = "/sgd_momentum"
	GradientNormScope = "/gradient_norms"
)

// MomentumSGD implements optimizers.Interface with stochastic gradient descent, momentum and L2 weight decay:
//
//	velocity = momentum * velocity + (gradient + weightDecay * weights)
//	weights = weights - learningRate * velocity
//
// The learning rate is read from optimizers.LearningRateVar, which the caller updates before each step
// according to its schedule. The velocity of each variable is stored under MomentumScope, and the L2 norm
// of its last gradient under GradientNormScope.
type MomentumSGD struct {
	Momentum, WeightDecay float64
}

var _ optimizers.Interface = (*MomentumSGD)(nil)

// UpdateGraph implements optimizers.Interface.
func (o *MomentumSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	var trainable []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			trainable = append(trainable, v)
		}
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) != len(trainable) {
		exceptions.Panicf("got %d gradients for %d trainable variables", len(grads), len(trainable))
	}
	learningRate := optimizers.LearningRateVar(ctx, loss.DType(), 0).ValueGraph(g)
	optimizers.IncrementGlobalStepGraph(ctx, g, dtypes.Int64)
	for ii, v := range trainable {
		grad := grads[ii]
		gradientNormVar(ctx, v).SetValueGraph(ConvertDType(Sqrt(ReduceAllSum(Square(grad))), dtypes.Float32))
		weights := v.ValueGraph(g)
		if o.WeightDecay > 0 {
			grad = Add(grad, MulScalar(weights, o.WeightDecay))
		}
		velocityVar := velocityVar(ctx, v)
		velocity := Add(MulScalar(velocityVar.ValueGraph(g), o.Momentum), grad)
		velocityVar.SetValueGraph(velocity)
		lr := ConvertDType(learningRate, v.DType())
		v.SetValueGraph(Sub(weights, Mul(lr, velocity)))
	}
}

// Clear implements optimizers.Interface: it deletes the velocities and the gradient norms.
func (o *MomentumSGD) Clear(ctx *context.Context) error {
	for _, scope := range []string{MomentumScope, GradientNormScope} {
		if err := ctx.InAbsPath(scope).DeleteVariablesInScope(); err != nil {
			return err
		}
	}
	return nil
}

// velocityVar returns the momentum accumulator of v, creating it with zeros if needed.
func velocityVar(ctx *context.Context, v *context.Variable) *context.Variable {
	return ctx.InAbsPath(MomentumScope+v.Scope()).Checked(false).
		WithInitializer(initializers.Zero).VariableWithShape(v.Name(), v.Shape()).SetTrainable(false)
}

func gradientNormVar(ctx *context.Context, v *context.Variable) *context.Variable {
	return ctx.InAbsPath(GradientNormScope+v.Scope()).Checked(false).
		WithInitializer(initializers.Zero).VariableWithShape(v.Name(), shapes.Make(dtypes.Float32)).SetTrainable(false)
}

func inScope(v *context.Variable, scope string) bool {
	return v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator)
}
