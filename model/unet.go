package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// unet is the classic encoder/decoder with skip connections. With bilinear
// upsampling the bottleneck halves its width, so level i of the decoder
// outputs base<<(i-1) channels and the last one outputs base.
type unet struct {
	numClasses int
}

func (n *unet) Forward(ctx *context.Context, images *Node) *Node {
	ctx = ctx.In("unet")
	base := context.GetParamOr(ctx, ParamUNetBaseChannels, 64)
	depth := context.GetParamOr(ctx, ParamUNetDepth, 4)
	nearest := context.GetParamOr(ctx, ParamUNetUpsample, "bilinear") == "nearest"

	x := doubleConv(ctx.In("inc"), images, base, base)
	skips := make([]*Node, 0, depth)
	for level := 1; level <= depth; level++ {
		skips = append(skips, x)
		x = maxPool2D(x, 2, 2, false)
		channels := base << level
		if level == depth {
			channels /= 2
		}
		x = doubleConv(ctx.Inf("down_%d", level), x, channels, channels)
	}
	for level := depth - 1; level >= 0; level-- {
		skip := skips[level]
		h, w := spatial(skip)
		up := Interpolate(x, -1, h, w, -1)
		if nearest {
			up = up.Nearest()
		} else {
			up = up.Bilinear().AlignCorner(true)
		}
		x = Concatenate([]*Node{skip, up.Done()}, -1)
		inChannels := x.Shape().Dimensions[3]
		out := base << level
		if level > 0 {
			out /= 2
		}
		x = doubleConv(ctx.Inf("up_%d", level), x, out, inChannels/2)
	}
	return conv2D(ctx.In("outc"), x, n.numClasses, 1, 1, 1, true)
}

// doubleConv is (conv3x3, batch norm, ReLU) twice.
func doubleConv(ctx *context.Context, x *Node, out, mid int) *Node {
	x = conv2D(ctx.In("conv_0"), x, mid, 3, 1, 1, false)
	x = activations.Relu(normalize(ctx.In("bn_0"), x))
	x = conv2D(ctx.In("conv_1"), x, out, 3, 1, 1, false)
	return activations.Relu(normalize(ctx.In("bn_1"), x))
}
