// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"fmt"

	"github.com/arvados/kwip/arraystore"
	"github.com/arvados/kwip/kernel"
)

// storeSource serves count vectors (and optionally a weight vector)
// from an array store to the kernel evaluator.
type storeSource struct {
	store   *arraystore.Store
	samples []string
	metas   map[string]arraystore.Meta
	weights *arraystore.Meta
}

// newStoreSource loads the metadata of the named samples, or of every
// count vector in the store if samples is empty. If weights is not
// empty it names the weight vector.
func newStoreSource(store *arraystore.Store, samples []string, weights string) (*storeSource, error) {
	src := &storeSource{store: store, metas: map[string]arraystore.Meta{}}
	if len(samples) == 0 {
		all, err := store.List()
		if err != nil {
			return nil, err
		}
		for _, name := range all {
			meta, err := store.Meta(name)
			if err != nil {
				return nil, err
			}
			if meta.Dtype == arraystore.Uint32 {
				samples = append(samples, name)
				src.metas[name] = meta
			}
		}
	}
	for _, name := range samples {
		if _, ok := src.metas[name]; ok {
			continue
		}
		meta, err := store.Meta(name)
		if err != nil {
			return nil, err
		}
		if meta.Dtype != arraystore.Uint32 {
			return nil, fmt.Errorf("%w: %q is not a count vector (dtype %s)", arraystore.ErrIncompatible, name, meta.Dtype)
		}
		src.metas[name] = meta
	}
	src.samples = samples
	if weights != "" {
		meta, err := store.Meta(weights)
		if err != nil {
			return nil, err
		}
		if meta.Dtype != arraystore.Float64 {
			return nil, fmt.Errorf("%w: %q is not a weight vector (dtype %s)", arraystore.ErrIncompatible, weights, meta.Dtype)
		}
		src.weights = &meta
	}
	return src, nil
}

func (src *storeSource) Samples() []string {
	return src.samples
}

func (src *storeSource) Shape(sample string) (kernel.Shape, error) {
	meta, ok := src.metas[sample]
	if !ok {
		return kernel.Shape{}, fmt.Errorf("%w: %q", arraystore.ErrNotExist, sample)
	}
	return kernel.Shape{KSize: meta.KSize, CVSize: meta.Length, BlockSize: meta.BlockSize}, nil
}

func (src *storeSource) CountBlock(sample string, block int) ([]float64, error) {
	meta, ok := src.metas[sample]
	if !ok {
		return nil, fmt.Errorf("%w: %q", arraystore.ErrNotExist, sample)
	}
	b, err := src.store.BlockOf(meta, block)
	if err != nil {
		return nil, err
	}
	return b.Float64(), nil
}

// Weights returns the weight source, or nil if there is none.
func (src *storeSource) Weights() kernel.WeightSource {
	if src.weights == nil {
		return nil
	}
	return src
}

func (src *storeSource) WeightShape() (kernel.Shape, error) {
	return kernel.Shape{KSize: src.weights.KSize, CVSize: src.weights.Length, BlockSize: src.weights.BlockSize}, nil
}

func (src *storeSource) WeightBlock(block int) ([]float64, error) {
	b, err := src.store.BlockOf(*src.weights, block)
	if err != nil {
		return nil, err
	}
	return b.Weights, nil
}
