package model

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// ErrUnknownLoss is returned by ParseLoss.
var ErrUnknownLoss = errors.New("unknown loss")

// Loss selects the training objective. Except for LossSoftmax, only channel
// 0 of the logits is compared against the single-channel target.
type Loss int

const (
	// LossBCE is sigmoid binary cross-entropy on the logits.
	LossBCE Loss = iota
	// LossMSE is the mean squared error of the sigmoid outputs.
	LossMSE
	// LossHuber is the Huber loss (delta 1) of the sigmoid outputs.
	LossHuber
	// LossSoftmax is categorical cross-entropy over all classes. The target
	// holds the class id of each pixel divided by 255 (an 8-bit id map after
	// the dataset rescaling); ids are recovered as round(255·target) clipped
	// to the valid classes, so 0/1 masks map to classes 0 and 1.
	LossSoftmax
)

// HuberDelta is the delta of LossHuber.
const HuberDelta = 1.0

func (l Loss) String() string {
	switch l {
	case LossBCE:
		return "bce"
	case LossMSE:
		return "mse"
	case LossHuber:
		return "huber"
	case LossSoftmax:
		return "softmax"
	}
	return "Loss(?)"
}

// ParseLoss is case-insensitive. The empty string means bce.
func ParseLoss(s string) (Loss, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bce", "":
		return LossBCE, nil
	case "mse":
		return LossMSE, nil
	case "huber":
		return LossHuber, nil
	case "softmax", "ce":
		return LossSoftmax, nil
	}
	return 0, errors.Wrapf(ErrUnknownLoss, "%q (valid: bce, mse, huber, softmax)", s)
}

// Fn returns the scalar loss for labels [B,H,W,1] and logits [B,H,W,numClasses].
func (l Loss) Fn(numClasses int) losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		target := labels[0]
		logits := predictions[0]
		switch l {
		case LossSoftmax:
			ids := ConvertDType(ClipScalar(Round(MulScalar(target, 255)), 0, float64(numClasses-1)), dtypes.Int32)
			return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{ids}, []*Node{logits}))
		case LossMSE:
			return losses.MeanSquaredError([]*Node{target}, []*Node{Sigmoid(firstChannel(logits))})
		case LossHuber:
			return ReduceAllMean(losses.MakeHuberLoss(HuberDelta)([]*Node{target}, []*Node{Sigmoid(firstChannel(logits))}))
		default:
			return ReduceAllMean(losses.BinaryCrossentropyLogits([]*Node{target}, []*Node{firstChannel(logits)}))
		}
	}
}
