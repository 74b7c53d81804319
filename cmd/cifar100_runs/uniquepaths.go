// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns for each path the shortest label that tells it apart from the others: the path
// component where it differs, or "first...last" differing components when there are more than one.
// Paths identical to all others are labeled with their base name.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return slices.Clone(paths)
	}
	split := make([][]string, len(paths))
	for ii, p := range paths {
		split[ii] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}

	labels := make([]string, len(paths))
	for ii, parts := range split {
		var diffs []int
		for jj, other := range split {
			if ii == jj {
				continue
			}
			for k := range min(len(parts), len(other)) {
				if parts[k] != other[k] && !slices.Contains(diffs, k) {
					diffs = append(diffs, k)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			labels[ii] = parts[len(parts)-1]
		case 1:
			labels[ii] = parts[diffs[0]]
		default:
			labels[ii] = parts[diffs[0]] + "..." + parts[diffs[len(diffs)-1]]
		}
	}
	return labels
}
