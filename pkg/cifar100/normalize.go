// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar100

import (
	"math"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
)

// MeanStd returns the per-channel mean and standard deviation of the pixels of the partition.
func (im *Images) MeanStd() (mean, std [Depth]float64, err error) {
	n := im.NumExamples() * Height * Width
	if n == 0 {
		return mean, std, errkind.New(errkind.Data, "can't compute mean and std of an empty partition")
	}
	var sum, sumSq [Depth]float64
	for ii, v := range im.Pixels {
		d := ii % Depth
		sum[d] += float64(v)
		sumSq[d] += float64(v) * float64(v)
	}
	for d := range Depth {
		mean[d] = sum[d] / float64(n)
		variance := sumSq[d]/float64(n) - mean[d]*mean[d]
		std[d] = math.Sqrt(max(variance, 0))
	}
	return mean, std, nil
}

// Normalize the pixels in place, per channel: (x - mean) / std.
// A channel with zero std is only centered.
func (im *Images) Normalize(mean, std [Depth]float64) {
	var scale [Depth]float32
	for d := range Depth {
		scale[d] = 1
		if std[d] > 0 {
			scale[d] = float32(1 / std[d])
		}
	}
	for ii, v := range im.Pixels {
		d := ii % Depth
		im.Pixels[ii] = (v - float32(mean[d])) * scale[d]
	}
}

// NormalizeWithOwnStats normalizes the partition with its own mean and std.
func (im *Images) NormalizeWithOwnStats() error {
	mean, std, err := im.MeanStd()
	if err != nil {
		return err
	}
	im.Normalize(mean, std)
	return nil
}
