package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ResNet-50 layout: bottleneck blocks per stage and their expansion.
var fcnStages = [4]int{3, 4, 6, 3}

const bottleneckExpansion = 4

// fcn is a fully convolutional network on a ResNet-50 backbone. Stages 3
// and 4 trade their stride for dilation, so features come out at 1/8 of the
// input resolution and are resized back with bilinear interpolation.
type fcn struct {
	numClasses int
}

func (n *fcn) Forward(ctx *context.Context, images *Node) *Node {
	ctx = ctx.In("fcn")
	base := context.GetParamOr(ctx, ParamFCNBaseChannels, 64)
	dropoutRate := context.GetParamOr(ctx, ParamFCNDropout, 0.1)
	h, w := spatial(images)

	x := convBNReLU(ctx.In("stem"), images, base, 7, 2, 1)
	x = maxPool2D(x, 3, 2, true)

	strides := [4]int{1, 2, 1, 1}
	dilations := [4]int{1, 1, 2, 4}
	for stage, blocks := range fcnStages {
		width := base << stage
		for block := range blocks {
			stride, downsample := 1, false
			if block == 0 {
				stride, downsample = strides[stage], true
			}
			x = bottleneck(ctx.Inf("layer%d_%d", stage+1, block), x, width, stride, dilations[stage], downsample)
		}
	}

	// Head.
	headCtx := ctx.In("head")
	inChannels := x.Shape().Dimensions[3]
	x = convBNReLU(headCtx.In("0"), x, inChannels/4, 3, 1, 1)
	if dropoutRate > 0 {
		x = layers.DropoutNormalize(headCtx, x, Scalar(x.Graph(), x.DType(), dropoutRate), true)
	}
	x = conv2D(headCtx.In("classifier"), x, n.numClasses, 1, 1, 1, true)
	return Interpolate(x, -1, h, w, -1).Bilinear().Done()
}

// bottleneck is conv1x1, conv3x3 (strided or dilated), conv1x1 with
// expansion, plus the identity or a projected shortcut.
func bottleneck(ctx *context.Context, x *Node, width, stride, dilation int, downsample bool) *Node {
	identity := x
	out := convBNReLU(ctx.In("a"), x, width, 1, 1, 1)
	out = convBNReLU(ctx.In("b"), out, width, 3, stride, dilation)
	out = convBN(ctx.In("c"), out, width*bottleneckExpansion, 1, 1, 1)
	if downsample {
		identity = convBN(ctx.In("downsample"), x, width*bottleneckExpansion, 1, stride, 1)
	}
	return activations.Relu(Add(out, identity))
}
