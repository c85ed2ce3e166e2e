// Package model holds the segmentation networks and the wrapper that plugs
// them into the gomlx training loop.
//
// Networks map a batch of images [B, H, W, 3] (float32 in [0, 1]) to logits
// [B, H, W, numClasses]. Hyperparameters are read from the context, so they
// can be changed with the -set flag of cmd/train.
package model

import (
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// Context hyperparameters.
const (
	ParamBackbone   = "backbone"
	ParamNumClasses = "num_classes"
	ParamLoss       = "loss"

	// ParamUNetBaseChannels is the width of the first UNet level. Default 64.
	ParamUNetBaseChannels = "unet_base_channels"
	// ParamUNetDepth is the number of downsamplings. Default 4.
	ParamUNetDepth = "unet_depth"
	// ParamUNetUpsample is "bilinear" (default) or "nearest".
	ParamUNetUpsample = "unet_upsample"

	// ParamFCNBaseChannels is the width of the ResNet-50 stem. Default 64.
	ParamFCNBaseChannels = "fcn_base_channels"
	// ParamFCNDropout is the dropout rate of the FCN head. Default 0.1.
	ParamFCNDropout = "fcn_dropout"
)

// DefaultParams returns the network hyperparameters with their default
// values. They must be set in the context before they can be changed with
// commandline.ParseContextSettings.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamUNetBaseChannels: 64,
		ParamUNetDepth:        4,
		ParamUNetUpsample:     "bilinear",
		ParamFCNBaseChannels:  64,
		ParamFCNDropout:       0.1,
	}
}

// ErrUnknownBackbone is returned by ParseBackbone.
var ErrUnknownBackbone = errors.New("unknown backbone")

// Backbone selects the network architecture.
type Backbone int

const (
	UNet Backbone = iota
	FCN50
)

func (b Backbone) String() string {
	switch b {
	case UNet:
		return "UNET"
	case FCN50:
		return "FCN50"
	}
	return "Backbone(?)"
}

// ParseBackbone is case-insensitive.
func ParseBackbone(s string) (Backbone, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNET", "":
		return UNet, nil
	case "FCN50", "FCN_RESNET50", "FCN":
		return FCN50, nil
	}
	return 0, errors.Wrapf(ErrUnknownBackbone, "%q (valid: UNET, FCN50)", s)
}

// Network builds the logits graph for a batch of images.
type Network interface {
	Forward(ctx *context.Context, images *Node) *Node
}

// Network returns the architecture for b with numClasses output channels.
func (b Backbone) Network(numClasses int) (Network, error) {
	if numClasses < 1 {
		return nil, errors.Errorf("num_classes must be >= 1, got %d", numClasses)
	}
	switch b {
	case UNet:
		return &unet{numClasses: numClasses}, nil
	case FCN50:
		return &fcn{numClasses: numClasses}, nil
	}
	return nil, errors.Wrapf(ErrUnknownBackbone, "%d", int(b))
}

// convBNReLU is the building block shared by both architectures. The
// convolution has no bias since batch normalization follows it.
func convBNReLU(ctx *context.Context, x *Node, channels, kernel, stride, dilation int) *Node {
	x = convBN(ctx, x, channels, kernel, stride, dilation)
	return activations.Relu(x)
}

func convBN(ctx *context.Context, x *Node, channels, kernel, stride, dilation int) *Node {
	x = conv2D(ctx.In("conv"), x, channels, kernel, stride, dilation, false)
	return normalize(ctx.In("bn"), x)
}

// spatial returns the height and width of a [B, H, W, C] node.
func spatial(x *Node) (h, w int) {
	dims := x.Shape().Dimensions
	return dims[1], dims[2]
}
