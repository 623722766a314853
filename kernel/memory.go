// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kernel

import (
	"fmt"
	"sort"
)

// InMemory serves count and weight vectors held in memory, split
// into blocks of BlockSize.
type InMemory struct {
	KSize     int
	BlockSize int
	Counts    map[string][]float64
	Weights   []float64
}

func (m *InMemory) Samples() []string {
	names := make([]string, 0, len(m.Counts))
	for name := range m.Counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *InMemory) Shape(sample string) (Shape, error) {
	cv, ok := m.Counts[sample]
	if !ok {
		return Shape{}, fmt.Errorf("no such sample %q", sample)
	}
	return Shape{KSize: m.KSize, CVSize: len(cv), BlockSize: m.BlockSize}, nil
}

func (m *InMemory) CountBlock(sample string, block int) ([]float64, error) {
	cv, ok := m.Counts[sample]
	if !ok {
		return nil, fmt.Errorf("no such sample %q", sample)
	}
	return m.slice(cv, block)
}

func (m *InMemory) WeightShape() (Shape, error) {
	if m.Weights == nil {
		return Shape{}, ErrNoWeights
	}
	return Shape{KSize: m.KSize, CVSize: len(m.Weights), BlockSize: m.BlockSize}, nil
}

func (m *InMemory) WeightBlock(block int) ([]float64, error) {
	return m.slice(m.Weights, block)
}

func (m *InMemory) slice(v []float64, block int) ([]float64, error) {
	start := block * m.BlockSize
	if block < 0 || start >= len(v) {
		return nil, fmt.Errorf("block %d out of range", block)
	}
	end := start + m.BlockSize
	if end > len(v) {
		end = len(v)
	}
	return v[start:end], nil
}
