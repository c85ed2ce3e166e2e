package model

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Context hyperparameters of the learning rate schedule.
const (
	// ParamDecayGamma is the per-epoch multiplicative decay. Default 0.9.
	ParamDecayGamma = "decay_gamma"

	// EpochVariableName is the completed-epochs counter, stored under the
	// optimizers scope so it is saved with the checkpoints.
	EpochVariableName = "epoch"
)

// ExponentialDecay is lr(epoch) = Base * Gamma^epoch, stepped once per epoch.
type ExponentialDecay struct {
	Base, Gamma float64
}

// ExponentialDecayFromContext reads the base learning rate and gamma from the
// context hyperparameters.
func ExponentialDecayFromContext(ctx *context.Context) ExponentialDecay {
	return ExponentialDecay{
		Base:  context.GetParamOr(ctx, optimizers.ParamLearningRate, 1e-3),
		Gamma: context.GetParamOr(ctx, ParamDecayGamma, 0.9),
	}
}

// At returns the learning rate for the given (0-based) epoch.
func (s ExponentialDecay) At(epoch int) float64 {
	return s.Base * math.Pow(s.Gamma, float64(epoch))
}

// EpochVar returns the completed-epochs counter of ctx, creating it with 0.
func EpochVar(ctx *context.Context) *context.Variable {
	return ctx.Checked(false).In(optimizers.Scope).
		VariableWithValue(EpochVariableName, int64(0)).
		SetTrainable(false)
}

// CurrentEpoch returns the number of epochs completed, which is also the
// index of the next epoch to run.
func CurrentEpoch(ctx *context.Context) (int, error) {
	t := EpochVar(ctx).Value()
	if t == nil {
		return 0, errors.New("epoch counter has no value")
	}
	v, ok := t.Value().(int64)
	if !ok {
		return 0, errors.Errorf("epoch counter has dtype %s, expected int64", t.DType())
	}
	return int(v), nil
}

// Apply sets the optimizer learning rate for epoch. The optimizer reads the
// same variable when building its update graph, so it takes effect on the
// next training step without recompiling.
func (s ExponentialDecay) Apply(ctx *context.Context, epoch int) (float64, error) {
	lr := s.At(epoch)
	v := optimizers.LearningRateVarWithValue(ctx, dtypes.Float32, lr)
	v.SetValue(tensors.FromScalar(float32(lr)))
	return lr, nil
}

// Step records epoch as completed and applies the learning rate of the next
// one.
func (s ExponentialDecay) Step(ctx *context.Context, epoch int) (float64, error) {
	EpochVar(ctx).SetValue(tensors.FromScalar(int64(epoch + 1)))
	return s.Apply(ctx, epoch+1)
}
