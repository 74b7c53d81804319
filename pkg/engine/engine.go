// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine runs a ResNet on a GoMLX backend: a train.Trainer drives the training step (cross-entropy
// loss, MomentumSGD), an executor computes the evaluation step, and the variables are exposed for
// checkpointing and reporting.
//
// Hyperparameters are read from the context parameters: see ParamMomentum, ParamWeightDecay and
// ParamHistogramBuckets.
package engine

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/pkg/checkpoints"
	"github.com/gomlx/resnet-cifar100/pkg/resnet"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/gomlx/resnet-cifar100/pkg/training"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamMomentum is the context parameter with the SGD momentum. Default is 0.9.
	ParamMomentum = "sgd_momentum"

	// ParamWeightDecay is the context parameter with the L2 penalty added to the gradients. Default is 5e-4.
	ParamWeightDecay = "sgd_weight_decay"

	// ParamHistogramBuckets is the context parameter with the number of buckets of the parameter histograms.
	// Default is 20.
	ParamHistogramBuckets = "histogram_buckets"
)

// ModelScope holds the variables of the network.
const ModelScope = "/model"

// Engine implements training.Model for a ResNet architecture.
type Engine struct {
	backend    backends.Backend
	ctx        *context.Context
	arch       resnet.Architecture
	numClasses int

	optimizer        *MomentumSGD
	histogramBuckets int

	trainer  *train.Trainer
	evalExec *context.Exec
}

var _ training.Model = (*Engine)(nil)

// New creates the engine and initializes the model variables, by running inference on one blank image.
// imageDims are the dimensions of one image: height, width and channels.
func New(backend backends.Backend, ctx *context.Context, arch resnet.Architecture, numClasses int, imageDims ...int) (*Engine, error) {
	if len(imageDims) != 3 {
		return nil, errkind.Errorf(errkind.Config, "images must have 3 dimensions (height, width, channels), got %v", imageDims)
	}
	e := &Engine{
		backend:    backend,
		ctx:        ctx,
		arch:       arch,
		numClasses: numClasses,
		optimizer: &MomentumSGD{
			Momentum:    context.GetParamOr(ctx, ParamMomentum, 0.9),
			WeightDecay: context.GetParamOr(ctx, ParamWeightDecay, 5e-4),
		},
		histogramBuckets: context.GetParamOr(ctx, ParamHistogramBuckets, 20),
	}
	if e.optimizer.Momentum < 0 || e.optimizer.WeightDecay < 0 {
		return nil, errkind.Errorf(errkind.Config, "%s=%g and %s=%g must be >= 0",
			ParamMomentum, e.optimizer.Momentum, ParamWeightDecay, e.optimizer.WeightDecay)
	}
	if e.histogramBuckets <= 0 {
		return nil, errkind.Errorf(errkind.Config, "%s=%d must be > 0", ParamHistogramBuckets, e.histogramBuckets)
	}

	var err error
	e.evalExec, err = context.NewExec(backend, ctx, e.evalGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating evaluation executor")
	}
	blank := tensors.FromShape(shapes.Make(dtypes.Float32, append([]int{1}, imageDims...)...))
	if _, _, err = e.EvalStep(blank, tensors.FromShape(shapes.Make(dtypes.Int32, 1, 1))); err != nil {
		return nil, errors.WithMessagef(err, "initializing %s", arch.Name)
	}
	err = exceptions.TryCatch[error](func() {
		e.createOptimizerState()
		e.trainer = train.NewTrainer(backend, ctx.Checked(false), e.modelGraph,
			losses.SparseCategoricalCrossEntropyLogits, e.optimizer, nil, nil)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating trainer")
	}
	klog.V(1).Infof("%s: %d trainable parameters, momentum=%g, weight decay=%g",
		arch.Name, e.NumParameters(), e.optimizer.Momentum, e.optimizer.WeightDecay)
	return e, nil
}

// createOptimizerState creates the velocities, the global step and the learning rate, so all the variables
// that are checkpointed exist before the first training step.
func (e *Engine) createOptimizerState() {
	for _, v := range e.modelVariables(true) {
		velocityVar(e.ctx, v)
	}
	optimizers.GetGlobalStepVar(e.ctx)
	e.learningRateVar()
}

func (e *Engine) learningRateVar() *context.Variable {
	return optimizers.LearningRateVar(e.ctx, dtypes.Float32, 0)
}

// modelVariables returns the variables of the network, optionally only the trainable ones.
func (e *Engine) modelVariables(onlyTrainable bool) []*context.Variable {
	var vars []*context.Variable
	for v := range e.ctx.IterVariables() {
		if inScope(v, ModelScope) && (v.Trainable || !onlyTrainable) {
			vars = append(vars, v)
		}
	}
	return vars
}

// checkpointedVariables are the network variables, the momentum and the global step, of any dtype.
func (e *Engine) checkpointedVariables() []*context.Variable {
	globalStep := optimizers.GetGlobalStepVar(e.ctx)
	var vars []*context.Variable
	for v := range e.ctx.IterVariables() {
		if inScope(v, ModelScope) || inScope(v, MomentumScope) || v == globalStep {
			vars = append(vars, v)
		}
	}
	return vars
}

func (e *Engine) logits(ctx *context.Context, images *Node) *Node {
	return e.arch.Model(ctx.InAbsPath(ModelScope), images, e.numClasses)
}

// modelGraph is the train.ModelFn driven by the trainer.
func (e *Engine) modelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{e.logits(ctx, inputs[0])}
}

// evalGraph returns the summed loss of the batch and the number of correct predictions.
func (e *Engine) evalGraph(ctx *context.Context, images, labels *Node) (lossSum, correct *Node) {
	g := images.Graph()
	ctx.SetTraining(g, false)
	logits := e.logits(ctx, images)
	lossSum = ReduceAllSum(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
	predictions := ArgMax(logits, -1, dtypes.Int32)
	flatLabels := Reshape(ConvertDType(labels, dtypes.Int32), labels.Shape().Dimensions[0])
	correct = ReduceAllSum(ConvertDType(Equal(predictions, flatLabels), dtypes.Int32))
	return
}

// TrainStep implements training.Model.
func (e *Engine) TrainStep(images, labels *tensors.Tensor, learningRate float64) (loss float64, err error) {
	err = exceptions.TryCatch[error](func() {
		e.learningRateVar().MustSetValue(tensors.FromScalar(float32(learningRate)))
		metrics, stepErr := e.trainer.TrainStep(nil, []*tensors.Tensor{images}, []*tensors.Tensor{labels})
		if stepErr != nil {
			panic(stepErr)
		}
		loss = shapes.ConvertTo[float64](metrics[0].Value())
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "%s: training step", e.arch.Name)
	}
	return loss, nil
}

// EvalStep implements training.Model.
func (e *Engine) EvalStep(images, labels *tensors.Tensor) (lossSum float64, correct int, err error) {
	err = exceptions.TryCatch[error](func() {
		lossT, correctT, execErr := e.evalExec.Exec2(images, labels)
		if execErr != nil {
			panic(execErr)
		}
		lossSum = float64(tensors.ToScalar[float32](lossT))
		correct = int(tensors.ToScalar[int32](correctT))
		_ = lossT.FinalizeAll()
		_ = correctT.FinalizeAll()
	})
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "%s: evaluation step", e.arch.Name)
	}
	return lossSum, correct, nil
}

func readFloat32(v *context.Variable) (values []float32, err error) {
	value, err := v.Value()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading variable %s", v.ScopeAndName())
	}
	err = tensors.ConstFlatData[float32](value, func(flat []float32) {
		values = slices.Clone(flat)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "reading variable %s", v.ScopeAndName())
	}
	return values, nil
}

// ParameterStats implements training.Model.
func (e *Engine) ParameterStats() ([]sinks.ParameterRecord, error) {
	trainable := e.modelVariables(true)
	records := make([]sinks.ParameterRecord, 0, len(trainable))
	for _, v := range trainable {
		values, err := readFloat32(v)
		if err != nil {
			return nil, err
		}
		var sumSq float64
		for _, x := range values {
			sumSq += float64(x) * float64(x)
		}
		rec := sinks.ParameterRecord{
			Name:       v.ScopeAndName(),
			WeightNorm: math.Sqrt(sumSq),
			Histogram:  sinks.NewHistogram(values, e.histogramBuckets),
		}
		normVar := e.ctx.GetVariableByScopeAndName(GradientNormScope+v.Scope(), v.Name())
		if normVar != nil {
			norm, err := readFloat32(normVar)
			if err != nil {
				return nil, err
			}
			rec.GradientNorm = float64(norm[0])
		}
		records = append(records, rec)
	}
	return records, nil
}

// Parameters implements training.Model. It includes the momentum and the global step, so a resumed run
// continues with the same optimizer state.
func (e *Engine) Parameters() (checkpoints.Params, error) {
	vars := e.checkpointedVariables()
	params := make(checkpoints.Params, 0, len(vars))
	for _, v := range vars {
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading variable %s", v.ScopeAndName())
		}
		snapshot, err := value.LocalClone()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading variable %s", v.ScopeAndName())
		}
		params = append(params, checkpoints.Variable{ParameterName: v.ParameterName(), Value: snapshot})
	}
	return params, nil
}

// SetParameters implements training.Model.
func (e *Engine) SetParameters(params checkpoints.Params) error {
	current, err := e.Parameters()
	if err != nil {
		return err
	}
	if err = params.Match(current); err != nil {
		return err
	}
	for _, v := range e.checkpointedVariables() {
		saved, _ := params.ByName(v.ParameterName())
		value, err := saved.Value.LocalClone()
		if err == nil {
			err = v.SetValue(value)
		}
		if err != nil {
			return errkind.Wrapf(errkind.Load, err, "restoring variable %s", v.ScopeAndName())
		}
	}
	return nil
}

// NumParameters implements training.Model: it counts the trainable values of the network.
func (e *Engine) NumParameters() int {
	var n int
	for _, v := range e.modelVariables(true) {
		n += v.Shape().Size()
	}
	return n
}

// Summary implements training.Model.
func (e *Engine) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s, %d classes\n", e.arch, e.numClasses)
	for _, v := range e.modelVariables(false) {
		kind := "trainable"
		if !v.Trainable {
			kind = "state"
		}
		fmt.Fprintf(&sb, "%s\t%s\t%s\n", v.ScopeAndName(), v.Shape(), kind)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Finalize releases the variables. The engine can't be used afterwards.
func (e *Engine) Finalize() {
	e.ctx.Finalize()
}
