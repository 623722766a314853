// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/arvados/kwip/throttle"
	"gonum.org/v1/gonum/mat"
)

// Pair identifies an unordered pair of samples, A <= B.
type Pair struct {
	A, B string
}

func NewPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{a, b}
}

// Pairs returns every pair of names, including each name paired with
// itself, in sorted order.
func Pairs(names []string) []Pair {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	var pairs []Pair
	for i := range sorted {
		for j := i; j < len(sorted); j++ {
			pairs = append(pairs, Pair{sorted[i], sorted[j]})
		}
	}
	return pairs
}

// Pairwise computes the kernel value of each pair by streaming both
// samples block by block. Pairs present in opts.Done are not
// recomputed. report, if not nil, is called (serially) with each
// newly computed value. The returned map includes opts.Done.
func Pairwise(ctx context.Context, src CountSource, opts Options, pairs []Pair, report func(Pair, float64) error) (map[Pair]float64, error) {
	shape, names, err := Validate(src, opts.Weights)
	if err != nil {
		return nil, err
	}
	if opts.Func == WIP && opts.Weights == nil {
		return nil, ErrNoWeights
	}
	known := make(map[string]bool, len(names))
	for _, name := range names {
		known[name] = true
	}
	maxp, err := ChunkLimit(shape.CVSize, opts.MaxSlots)
	if err != nil {
		return nil, err
	}
	chunks := Chunks(maxp, shape.BlockSize)

	values := make(map[Pair]float64, len(pairs))
	var todo []Pair
	for _, p := range pairs {
		p = NewPair(p.A, p.B)
		if !known[p.A] || !known[p.B] {
			return nil, fmt.Errorf("pair %s/%s: unknown sample", p.A, p.B)
		}
		if v, ok := opts.Done[p]; ok {
			values[p] = v
		} else if _, dup := values[p]; !dup {
			values[p] = 0
			todo = append(todo, p)
		}
	}
	log := opts.logger().WithField("kernel", opts.Func.String())
	log.Infof("evaluating %d pairs (%d already done)", len(todo), len(values)-len(todo))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var mtx sync.Mutex
	prog := newProgress(log, "pair", len(todo))
	th := throttle.Throttle{Max: opts.jobs()}
	for _, p := range todo {
		if ctx.Err() != nil {
			break
		}
		p := p
		th.Go(func() error {
			v, err := evalPair(ctx, src, shape, chunks, opts, p)
			if err != nil {
				err = fmt.Errorf("pair %s/%s: %w", p.A, p.B, err)
				th.Report(err)
				cancel()
				return err
			}
			mtx.Lock()
			defer mtx.Unlock()
			values[p] = v
			prog.add(1)
			if report != nil {
				if err := report(p, v); err != nil {
					th.Report(err)
					cancel()
					return err
				}
			}
			return nil
		})
	}
	if err := th.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func evalPair(ctx context.Context, src CountSource, shape Shape, chunks []Chunk, opts Options, p Pair) (float64, error) {
	var sum float64
	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		a, err := chunkOf(src, p.A, ch, shape)
		if err != nil {
			return 0, err
		}
		b := a
		if p.B != p.A {
			b, err = chunkOf(src, p.B, ch, shape)
			if err != nil {
				return 0, err
			}
		}
		var w []float64
		if opts.Func == WIP {
			block, err := opts.Weights.WeightBlock(ch.Block)
			if err != nil {
				return 0, fmt.Errorf("weights: %w", err)
			}
			w, err = loadChunk(block, ch, shape.BlockSize)
			if err != nil {
				return 0, fmt.Errorf("weights: %w", err)
			}
		}
		v, err := PairKernel(opts.Func, a, b, w)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum, nil
}

func chunkOf(src CountSource, name string, ch Chunk, shape Shape) ([]float64, error) {
	block, err := src.CountBlock(name, ch.Block)
	if err != nil {
		return nil, fmt.Errorf("sample %q: %w", name, err)
	}
	row, err := loadChunk(block, ch, shape.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("sample %q: %w", name, err)
	}
	return row, nil
}

// MatrixFromPairs assembles a kernel matrix over the given names.
// Every pair of names must have a value.
func MatrixFromPairs(names []string, values map[Pair]float64) (*Matrix, error) {
	if len(names) == 0 {
		return nil, ErrNoSamples
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	K := mat.NewSymDense(len(sorted), nil)
	for i := range sorted {
		for j := i; j < len(sorted); j++ {
			v, ok := values[Pair{sorted[i], sorted[j]}]
			if !ok {
				return nil, fmt.Errorf("missing kernel value for %s/%s", sorted[i], sorted[j])
			}
			K.SetSym(i, j, v)
		}
	}
	return &Matrix{Names: sorted, K: K}, nil
}

// Names returns the sorted set of sample names appearing in pairs.
func Names(values map[Pair]float64) []string {
	seen := map[string]bool{}
	for p := range values {
		seen[p.A] = true
		seen[p.B] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
