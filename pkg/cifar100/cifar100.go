// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar100 downloads and loads the CIFAR-100 dataset (https://www.cs.toronto.edu/~kriz/cifar.html),
// normalizes it, and provides the training augmentation.
//
// Images are kept as float32 in [0, 1] before normalization, shaped [batch, Height, Width, Depth]; labels
// are the fine labels (100 classes) as int32, shaped [batch, 1].
package cifar100

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/pkg/errors"
)

const (
	URL     = "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz"
	TarName = "cifar-100-binary.tar.gz"
	SubDir  = "cifar-100-binary"

	// TarSHA256 is the checksum of the file at URL.
	TarSHA256 = "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec"

	TrainFile = "train.bin"
	TestFile  = "test.bin"

	NumTrainExamples = 50000
	NumTestExamples  = 10000

	// NumClasses is the number of fine labels.
	NumClasses = 100
)

// Width, Height and Depth are the dimensions of the images.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const (
	imageSizeBytes = Height * Width * Depth

	// Each record holds the coarse label, the fine label and the image, stored channel first.
	recordSizeBytes = 2 + imageSizeBytes
)

// Images holds a partition of the dataset in host memory.
type Images struct {
	// Pixels are in [0, 1] (or normalized), laid out as [NumExamples, Height, Width, Depth].
	Pixels []float32

	// Labels are the fine labels.
	Labels []int32

	// CoarseLabels are the super-class of each example (20 classes).
	CoarseLabels []int32
}

// NumExamples in the partition.
func (im *Images) NumExamples() int { return len(im.Labels) }

// LoadFile parses one of the binary files of CIFAR-100 (train.bin or test.bin).
// A truncated record or an out-of-range label is an errkind.Data error.
func LoadFile(filePath string) (*Images, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "opening data file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "reading data file %q", filePath)
	}
	if info.Size()%int64(recordSizeBytes) != 0 {
		return nil, errkind.Errorf(errkind.Data, "data file %q has %d bytes, not a multiple of the record size %d",
			filePath, info.Size(), recordSizeBytes)
	}
	numExamples := int(info.Size() / int64(recordSizeBytes))
	im := &Images{
		Pixels:       make([]float32, numExamples*imageSizeBytes),
		Labels:       make([]int32, numExamples),
		CoarseLabels: make([]int32, numExamples),
	}
	r := bufio.NewReaderSize(f, 64*1024)
	var record [recordSizeBytes]byte
	for exampleIdx := range numExamples {
		if _, err = io.ReadFull(r, record[:]); err != nil {
			return nil, errkind.Wrapf(errkind.Data, err, "reading example %d from %q", exampleIdx, filePath)
		}
		if record[1] >= NumClasses {
			return nil, errkind.Errorf(errkind.Data, "example %d of %q has invalid label %d", exampleIdx, filePath, record[1])
		}
		im.CoarseLabels[exampleIdx] = int32(record[0])
		im.Labels[exampleIdx] = int32(record[1])
		convertImage(record[2:], im.Pixels[exampleIdx*imageSizeBytes:(exampleIdx+1)*imageSizeBytes])
	}
	return im, nil
}

// convertImage converts a channel first image of bytes to a channel last image of floats in [0, 1].
func convertImage(image []byte, pixels []float32) {
	pos := 0
	for h := range Height {
		for w := range Width {
			for d := range Depth {
				pixels[pos] = float32(image[d*(Height*Width)+h*Width+w]) / 255
				pos++
			}
		}
	}
}

// Load the train and test partitions from dataDir, where the dataset was downloaded (see Download).
func Load(dataDir string) (trainImages, testImages *Images, err error) {
	trainImages, err = LoadFile(path.Join(dataDir, SubDir, TrainFile))
	if err != nil {
		return nil, nil, err
	}
	testImages, err = LoadFile(path.Join(dataDir, SubDir, TestFile))
	if err != nil {
		return nil, nil, err
	}
	return trainImages, testImages, nil
}

// Tensors returns the images shaped [NumExamples, Height, Width, Depth] and the labels shaped [NumExamples, 1].
func (im *Images) Tensors() (images, labels *tensors.Tensor) {
	n := im.NumExamples()
	images = tensors.FromFlatDataAndDimensions(im.Pixels, n, Height, Width, Depth)
	labels = tensors.FromFlatDataAndDimensions(im.Labels, n, 1)
	return
}

// Dataset creates an in-memory dataset of the partition yielding batches of batchSize (the last one may be
// shorter), optionally reshuffled at every epoch.
func (im *Images) Dataset(backend backends.Backend, name string, batchSize int, shuffle bool) (*datasets.InMemoryDataset, error) {
	if im.NumExamples() == 0 {
		return nil, errkind.Errorf(errkind.Data, "partition %q has no examples", name)
	}
	images, labels := im.Tensors()
	ds, err := datasets.InMemoryFromData(backend, name, []any{images}, []any{labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q", name)
	}
	ds.BatchSize(batchSize, false)
	if shuffle {
		ds.Shuffle()
	}
	return ds, nil
}

// String implements fmt.Stringer.
func (im *Images) String() string {
	return fmt.Sprintf("CIFAR-100 images: %d examples", im.NumExamples())
}

// FineLabels are the names of the fine classes, indexed by label.
var FineLabels = []string{"apple", "aquarium_fish", "baby", "bear", "beaver", "bed", "bee", "beetle", "bicycle",
	"bottle", "bowl", "boy", "bridge", "bus", "butterfly", "camel", "can", "castle", "caterpillar", "cattle",
	"chair", "chimpanzee", "clock", "cloud", "cockroach", "couch", "crab", "crocodile", "cup", "dinosaur",
	"dolphin", "elephant", "flatfish", "forest", "fox", "girl", "hamster", "house", "kangaroo", "keyboard", "lamp",
	"lawn_mower", "leopard", "lion", "lizard", "lobster", "man", "maple_tree", "motorcycle", "mountain", "mouse",
	"mushroom", "oak_tree", "orange", "orchid", "otter", "palm_tree", "pear", "pickup_truck", "pine_tree", "plain",
	"plate", "poppy", "porcupine", "possum", "rabbit", "raccoon", "ray", "road", "rocket", "rose", "sea", "seal",
	"shark", "shrew", "skunk", "skyscraper", "snail", "snake", "spider", "squirrel", "streetcar", "sunflower",
	"sweet_pepper", "table", "tank", "telephone", "television", "tiger", "tractor", "train", "trout", "tulip",
	"turtle", "wardrobe", "whale", "willow_tree", "wolf", "woman", "worm"}
