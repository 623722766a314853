// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package popfreq derives per-slot entropy weights from the
// population frequency of nonzero counts across samples.
package popfreq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Entropy returns the binary Shannon entropy of presence/absence at
// population frequency f. It is 0 at f=0 and f=1.
func Entropy(f float64) float64 {
	if math.IsNaN(f) || f <= 0 || f >= 1 {
		return 0
	}
	return stat.Entropy([]float64{f, 1 - f}) / math.Ln2
}

// AddSample increments accum[s] for every slot s where cv[s] is
// nonzero.
func AddSample(accum []float64, cv []uint32) error {
	if len(accum) != len(cv) {
		return fmt.Errorf("count vector length %d does not match accumulator length %d", len(cv), len(accum))
	}
	for i, n := range cv {
		if n != 0 {
			accum[i]++
		}
	}
	return nil
}

// Finalize converts nonzero tallies from n samples into entropy
// weights.
func Finalize(accum []float64, n int) ([]float64, error) {
	if n < 1 {
		return nil, fmt.Errorf("cannot compute weights from %d samples", n)
	}
	w := make([]float64, len(accum))
	for i, nonzero := range accum {
		if nonzero > float64(n) {
			return nil, fmt.Errorf("slot %d is nonzero in %v samples, more than the population size %d", i, nonzero, n)
		}
		w[i] = Entropy(nonzero / float64(n))
	}
	return w, nil
}
