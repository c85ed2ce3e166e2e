package model

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// The layers below use the native gomlx operations when the backend has
// them, and otherwise an equivalent built from gathers and dot products
// (SimpleGo lacks Reverse and SelectAndScatterMax, needed by the native
// gradients, and the batch normalization ops). Both paths create the same
// variables, so a checkpoint loads on any backend.

// supports reports whether the backend of g implements every op.
func supports(g *Graph, ops ...backends.OpType) bool {
	caps := g.Backend().Capabilities()
	for _, op := range ops {
		if !caps.Operations[op] {
			return false
		}
	}
	return true
}

// conv2D is a same-padded 2D convolution of x [B, H, W, C]. Its variables
// are ctx/conv/weights [k, k, C, channels] and ctx/conv/biases, as with
// layers.Convolution.
func conv2D(ctx *context.Context, x *Node, channels, kernel, stride, dilation int, useBias bool) *Node {
	if supports(x.Graph(), backends.OpTypeReverse) {
		conv := layers.Convolution(ctx, x).
			Channels(channels).
			KernelSize(kernel).
			PadSame().
			UseBias(useBias)
		if stride > 1 {
			conv = conv.Strides(stride)
		}
		if dilation > 1 {
			conv = conv.Dilations(dilation)
		}
		return conv.Done()
	}

	g := x.Graph()
	dims := x.Shape().Dimensions
	h, w, inChannels := dims[1], dims[2], dims[3]
	span := (kernel-1)*dilation + 1
	padded := padSpatial(x, (span-1)/2, span/2, ScalarZero(g, x.DType()))
	outH, outW := (h-1)/stride+1, (w-1)/stride+1
	patches := gatherWindows(padded, outH, outW, kernel, stride, dilation)

	scope := ctx.In("conv")
	weights := scope.VariableWithShape("weights", shapes.Make(x.DType(), kernel, kernel, inChannels, channels)).ValueGraph(g)
	// patches [outH, outW, k, k, B, C] x weights [k, k, C, channels] -> [outH, outW, B, channels]
	out := DotGeneral(patches, []int{2, 3, 5}, nil, weights, []int{0, 1, 2}, nil)
	out = TransposeAllDims(out, 2, 0, 1, 3)
	if useBias {
		biases := scope.VariableWithShape("biases", shapes.Make(x.DType(), channels)).ValueGraph(g)
		out = Add(out, Reshape(biases, 1, 1, 1, channels))
	}
	return out
}

// maxPool2D is a max pooling of x [B, H, W, C] with a square window. With
// padSame the input is padded as graph.MaxPool does and the output is
// ceil(size/stride); otherwise windows that do not fit are dropped.
func maxPool2D(x *Node, window, stride int, padSame bool) *Node {
	g := x.Graph()
	if supports(g, backends.OpTypeSelectAndScatterMax) {
		pool := MaxPool(x).Window(window).Strides(stride)
		if padSame {
			pool = pool.PadSame()
		}
		return pool.Done()
	}

	if padSame {
		x = padSpatial(x, (window-1)/2, window/2, Infinity(g, x.DType(), -1))
	}
	dims := x.Shape().Dimensions
	outH, outW := (dims[1]-window)/stride+1, (dims[2]-window)/stride+1
	patches := gatherWindows(x, outH, outW, window, stride, 1)
	return TransposeAllDims(ReduceMax(patches, 2, 3), 2, 0, 1, 3)
}

// normalize is the batch normalization of a conv block.
func normalize(ctx *context.Context, x *Node) *Node {
	backendOps := supports(x.Graph(), backends.OpTypeBatchNormForTraining, backends.OpTypeBatchNormForInference)
	return batchnorm.New(ctx, x, -1).UseBackendInference(backendOps).Done()
}

// padSpatial pads the height and width of x [B, H, W, C] by before and
// after with the scalar fill.
func padSpatial(x *Node, before, after int, fill *Node) *Node {
	for axis := 1; axis <= 2; axis++ {
		parts := make([]*Node, 0, 3)
		dims := x.Shape().Clone().Dimensions
		if before > 0 {
			dims[axis] = before
			parts = append(parts, BroadcastToDims(fill, dims...))
		}
		parts = append(parts, x)
		if after > 0 {
			dims[axis] = after
			parts = append(parts, BroadcastToDims(fill, dims...))
		}
		if len(parts) > 1 {
			x = Concatenate(parts, axis)
		}
	}
	return x
}

// gatherWindows returns the windows of x [B, H, W, C] as
// [outH, outW, window, window, B, C].
func gatherWindows(x *Node, outH, outW, window, stride, dilation int) *Node {
	indices := make([]int32, 0, outH*outW*window*window*2)
	for oy := range outH {
		for ox := range outW {
			for ky := range window {
				for kx := range window {
					indices = append(indices, int32(oy*stride+ky*dilation), int32(ox*stride+kx*dilation))
				}
			}
		}
	}
	g := x.Graph()
	at := ConstTensor(g, tensors.FromFlatDataAndDimensions(indices, outH, outW, window, window, 2))
	return Gather(TransposeAllDims(x, 1, 2, 0, 3), at)
}

// firstChannel keeps channel 0 of a [B, H, W, C] node.
func firstChannel(x *Node) *Node {
	channels := x.Shape().Dimensions[3]
	if channels == 1 {
		return x
	}
	if supports(x.Graph(), backends.OpTypePad) {
		return Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 1))
	}
	// Slice's gradient needs Pad.
	mask := make([]float64, channels)
	mask[0] = 1
	selector := Reshape(ConstAs(x, mask), 1, 1, 1, channels)
	return ReduceAndKeep(Mul(x, selector), ReduceSum, 3)
}
