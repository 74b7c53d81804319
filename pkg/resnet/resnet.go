// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnet implements the ResNet family of image classifiers (https://arxiv.org/abs/1512.03385),
// adapted to 32x32 images: the stem is a single 3x3 convolution, without the initial pooling.
//
// Variables are created under the context scope given, one sub-scope per layer, and images are expected
// shaped [batch, height, width, channels].
package resnet

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
)

// BlockType is the residual block used in all stages of a network.
type BlockType int

const (
	// Basic block: two 3x3 convolutions.
	Basic BlockType = iota

	// Bottleneck block: 1x1 reduction, 3x3 convolution, 1x1 expansion by 4.
	Bottleneck
)

// Expansion is the ratio between the block's output channels and its inner channels.
func (b BlockType) Expansion() int {
	if b == Bottleneck {
		return 4
	}
	return 1
}

// String implements fmt.Stringer.
func (b BlockType) String() string {
	if b == Bottleneck {
		return "bottleneck"
	}
	return "basic"
}

// Architecture of a network: the block type and the number of blocks in each of the 4 stages.
type Architecture struct {
	Name   string
	Block  BlockType
	Blocks [4]int

	// Channels overrides StageChannels if set.
	Channels [4]int
}

// StageChannels are the inner channels of each of the 4 stages. Stages after the first halve the
// spatial dimensions with a stride of 2 in their first block.
var StageChannels = [4]int{64, 128, 256, 512}

var architectures = map[string]Architecture{
	"resnet18":  {Name: "resnet18", Block: Basic, Blocks: [4]int{2, 2, 2, 2}},
	"resnet34":  {Name: "resnet34", Block: Basic, Blocks: [4]int{3, 4, 6, 3}},
	"resnet50":  {Name: "resnet50", Block: Bottleneck, Blocks: [4]int{3, 4, 6, 3}},
	"resnet101": {Name: "resnet101", Block: Bottleneck, Blocks: [4]int{3, 4, 23, 3}},
	"resnet152": {Name: "resnet152", Block: Bottleneck, Blocks: [4]int{3, 8, 36, 3}},
}

// Networks returns the names of the supported networks, sorted by depth.
func Networks() []string {
	names := make([]string, 0, len(architectures))
	for name := range architectures {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		return architectures[a].Depth() - architectures[b].Depth()
	})
	return names
}

// ByName returns the architecture of the network with the given name (e.g. "resnet18"), case-insensitive.
// An unknown name is an errkind.Config error.
func ByName(name string) (Architecture, error) {
	arch, found := architectures[strings.ToLower(name)]
	if !found {
		return Architecture{}, errkind.Errorf(errkind.Config, "unknown network %q, valid values are %q", name, Networks())
	}
	return arch, nil
}

// Depth is the number of weighted layers: the stem, the convolutions of every block and the classifier.
func (a Architecture) Depth() int {
	convsPerBlock := 2
	if a.Block == Bottleneck {
		convsPerBlock = 3
	}
	depth := 2
	for _, n := range a.Blocks {
		depth += n * convsPerBlock
	}
	return depth
}

func (a Architecture) stageChannels() [4]int {
	if a.Channels == [4]int{} {
		return StageChannels
	}
	return a.Channels
}

// String implements fmt.Stringer.
func (a Architecture) String() string {
	return fmt.Sprintf("%s(%s blocks %v)", a.Name, a.Block, a.Blocks)
}

// Model builds the network graph and returns the logits shaped [batch, numClasses].
//
// Batch normalization layers update their moving averages if ctx.IsTraining(g) is set for the graph.
// It panics with an error if images is not rank 4.
func (a Architecture) Model(ctx *context.Context, images *Node, numClasses int) *Node {
	if images.Rank() != 4 {
		exceptions.Panicf("resnet: images must be shaped [batch, height, width, channels], got %s", images.Shape())
	}
	batchSize := images.Shape().Dimensions[0]
	channels := a.stageChannels()

	x := conv(ctx.In("stem"), images, channels[0], 3, 1)
	x = activations.Relu(x)
	for stageIdx, numBlocks := range a.Blocks {
		stageCtx := ctx.Inf("stage_%d", stageIdx+1)
		for blockIdx := range numBlocks {
			stride := 1
			if stageIdx > 0 && blockIdx == 0 {
				stride = 2
			}
			blockCtx := stageCtx.Inf("block_%02d", blockIdx)
			if a.Block == Bottleneck {
				x = bottleneckBlock(blockCtx, x, channels[stageIdx], stride)
			} else {
				x = basicBlock(blockCtx, x, channels[stageIdx], stride)
			}
		}
	}

	// Global average pooling over the spatial axes.
	x = ReduceMean(x, 1, 2)
	x.AssertDims(batchSize, channels[3]*a.Block.Expansion())
	logits := fnn.New(ctx.In("classifier"), x, numClasses).NumHiddenLayers(0, 0).Done()
	logits.AssertDims(batchSize, numClasses)
	return logits
}

// conv is a convolution without bias followed by batch normalization.
func conv(ctx *context.Context, x *Node, channels, kernelSize, stride int) *Node {
	x = layers.Convolution(ctx.In("conv"), x).
		Channels(channels).KernelSize(kernelSize).Strides(stride).PadSame().UseBias(false).Done()
	return batchnorm.New(ctx.In("norm"), x, -1).Done()
}

// shortcut is the identity, or a projection when the shape changes.
func shortcut(ctx *context.Context, x *Node, channels, stride int) *Node {
	if stride == 1 && x.Shape().Dimensions[3] == channels {
		return x
	}
	return conv(ctx.In("shortcut"), x, channels, 1, stride)
}

func basicBlock(ctx *context.Context, x *Node, channels, stride int) *Node {
	residual := conv(ctx.In("conv_1"), x, channels, 3, stride)
	residual = activations.Relu(residual)
	residual = conv(ctx.In("conv_2"), residual, channels, 3, 1)
	return activations.Relu(Add(residual, shortcut(ctx, x, channels, stride)))
}

func bottleneckBlock(ctx *context.Context, x *Node, channels, stride int) *Node {
	outChannels := channels * Bottleneck.Expansion()
	residual := conv(ctx.In("conv_1"), x, channels, 1, 1)
	residual = activations.Relu(residual)
	residual = conv(ctx.In("conv_2"), residual, channels, 3, stride)
	residual = activations.Relu(residual)
	residual = conv(ctx.In("conv_3"), residual, outChannels, 1, 1)
	return activations.Relu(Add(residual, shortcut(ctx, x, outChannels, stride)))
}
