// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package popfreq

import (
	"fmt"
)

// Accumulator tallies nonzero slots across samples that are fed one
// block at a time. Use one Accumulator per goroutine and Merge them
// when all samples are done.
type Accumulator struct {
	nonzero []float64
	samples int
}

func NewAccumulator(length int) *Accumulator {
	return &Accumulator{nonzero: make([]float64, length)}
}

func (acc *Accumulator) Len() int {
	return len(acc.nonzero)
}

// Samples returns the number of samples added so far.
func (acc *Accumulator) Samples() int {
	return acc.samples
}

// AddBlock tallies one block of a sample's count vector, starting at
// offset. Call EndSample after the sample's last block.
func (acc *Accumulator) AddBlock(offset int, block []float64) error {
	if offset < 0 || offset+len(block) > len(acc.nonzero) {
		return fmt.Errorf("block [%d,%d) out of range for vector length %d", offset, offset+len(block), len(acc.nonzero))
	}
	dst := acc.nonzero[offset : offset+len(block)]
	for i, v := range block {
		if v != 0 {
			dst[i]++
		}
	}
	return nil
}

func (acc *Accumulator) EndSample() {
	acc.samples++
}

// AddSample tallies a whole count vector.
func (acc *Accumulator) AddSample(cv []uint32) error {
	if err := AddSample(acc.nonzero, cv); err != nil {
		return err
	}
	acc.samples++
	return nil
}

// Merge adds other's tallies into acc.
func (acc *Accumulator) Merge(other *Accumulator) error {
	if len(other.nonzero) != len(acc.nonzero) {
		return fmt.Errorf("cannot merge accumulators of length %d and %d", len(acc.nonzero), len(other.nonzero))
	}
	for i, v := range other.nonzero {
		acc.nonzero[i] += v
	}
	acc.samples += other.samples
	return nil
}

// Weights returns the entropy weight of each slot.
func (acc *Accumulator) Weights() ([]float64, error) {
	return Finalize(acc.nonzero, acc.samples)
}
