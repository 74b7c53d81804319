// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar100

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/internal/workerspool"
	"github.com/pkg/errors"
)

// Augmentation configures the random transformations applied to each training image.
// Pixels falling outside the source image are filled with 0, the mean after normalization.
type Augmentation struct {
	// Padding of the random crop: the image is padded by this many pixels on each side and a
	// Height x Width window is cropped at a random offset. 0 disables it.
	Padding int

	// FlipProbability of a horizontal flip.
	FlipProbability float64

	// MaxRotation in degrees: each image is rotated by a uniform random angle in [-MaxRotation, MaxRotation].
	MaxRotation float64
}

// DefaultAugmentation used for training.
var DefaultAugmentation = Augmentation{Padding: 4, FlipProbability: 0.5, MaxRotation: 15}

// Apply the augmentation to a batch of images laid out as [batch, Height, Width, Depth].
// It returns a new slice, pixels is not modified.
func (a Augmentation) Apply(rng *rand.Rand, pixels []float32) []float32 {
	return a.ApplyParallel(rng, nil, pixels)
}

// ApplyParallel is like Apply, but transforms the images in parallel using pool. If pool is nil images are
// transformed sequentially. The result only depends on rng, not on the parallelism.
func (a Augmentation) ApplyParallel(rng *rand.Rand, pool *workerspool.Pool, pixels []float32) []float32 {
	out := make([]float32, len(pixels))
	batchSize := len(pixels) / imageSizeBytes
	imageRNGs := make([]*rand.Rand, batchSize)
	for ii := range imageRNGs {
		imageRNGs[ii] = rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))
	}
	augmentImage := func(ii int) {
		from, to := ii*imageSizeBytes, (ii+1)*imageSizeBytes
		a.applyImage(imageRNGs[ii], pixels[from:to], out[from:to])
	}
	if pool == nil {
		for ii := range batchSize {
			augmentImage(ii)
		}
	} else {
		pool.ForEach(batchSize, augmentImage)
	}
	return out
}

func (a Augmentation) applyImage(rng *rand.Rand, src, dst []float32) {
	var offsetY, offsetX int
	if a.Padding > 0 {
		offsetY = rng.IntN(2*a.Padding+1) - a.Padding
		offsetX = rng.IntN(2*a.Padding+1) - a.Padding
	}
	flip := a.FlipProbability > 0 && rng.Float64() < a.FlipProbability
	var sin, cos float64 = 0, 1
	if a.MaxRotation > 0 {
		angle := (2*rng.Float64() - 1) * a.MaxRotation * math.Pi / 180
		sin, cos = math.Sincos(angle)
	}
	const centerY, centerX = float64(Height-1) / 2, float64(Width-1) / 2
	for y := range Height {
		for x := range Width {
			// Inverse mapping: flip, then rotate around the center, then crop offset.
			fx := float64(x)
			if flip {
				fx = float64(Width - 1 - x)
			}
			dy, dx := float64(y)-centerY, fx-centerX
			sy := int(math.Round(centerY+cos*dy-sin*dx)) + offsetY
			sx := int(math.Round(centerX+sin*dy+cos*dx)) + offsetX
			to := (y*Width + x) * Depth
			if sy < 0 || sy >= Height || sx < 0 || sx >= Width {
				for d := range Depth {
					dst[to+d] = 0
				}
				continue
			}
			from := (sy*Width + sx) * Depth
			copy(dst[to:to+Depth], src[from:from+Depth])
		}
	}
}

// AugmentedDataset wraps a dataset yielding CIFAR-100 image batches, and applies an Augmentation
// to the images of every batch.
type AugmentedDataset struct {
	train.Dataset
	Augmentation Augmentation
	rng          *rand.Rand
	pool         *workerspool.Pool
}

var _ train.Dataset = (*AugmentedDataset)(nil)

// NewAugmentedDataset wraps ds. seed makes the sequence of transformations reproducible.
func NewAugmentedDataset(ds train.Dataset, augmentation Augmentation, seed uint64) *AugmentedDataset {
	return &AugmentedDataset{
		Dataset:      ds,
		Augmentation: augmentation,
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		pool:         workerspool.NewDefault(),
	}
}

// Yield implements train.Dataset.
func (ds *AugmentedDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = ds.Dataset.Yield()
	if err != nil {
		return
	}
	if len(inputs) != 1 {
		return nil, nil, nil, errkind.Errorf(errkind.Data, "%s: expected 1 input tensor, got %d", ds.Name(), len(inputs))
	}
	images := inputs[0]
	dims := images.Shape().Dimensions
	if len(dims) != 4 || dims[1] != Height || dims[2] != Width || dims[3] != Depth {
		return nil, nil, nil, errkind.Errorf(errkind.Data, "%s: invalid images shape %s", ds.Name(), images.Shape())
	}
	var augmented []float32
	err = tensors.ConstFlatData[float32](images, func(flat []float32) {
		augmented = ds.Augmentation.ApplyParallel(ds.rng, ds.pool, flat)
	})
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "%s: reading images", ds.Name())
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(augmented, dims...)}
	return
}
