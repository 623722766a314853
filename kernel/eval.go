// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kernel

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/arvados/kwip/popfreq"
	"github.com/arvados/kwip/throttle"
	"gonum.org/v1/gonum/mat"
)

// Eval computes the full kernel matrix of src. The slot axis is
// split into block-aligned chunks which are evaluated concurrently;
// each worker holds one block of every sample.
func Eval(ctx context.Context, src CountSource, opts Options) (*Matrix, error) {
	shape, names, err := Validate(src, opts.Weights)
	if err != nil {
		return nil, err
	}
	maxp, err := ChunkLimit(shape.CVSize, opts.MaxSlots)
	if err != nil {
		return nil, err
	}
	chunks := Chunks(maxp, shape.BlockSize)
	log := opts.logger().WithField("kernel", opts.Func.String())
	log.Infof("evaluating %d samples, %d slots in %d chunks", len(names), maxp, len(chunks))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	K := mat.NewSymDense(len(names), nil)
	var mtx sync.Mutex
	prog := newProgress(log, "chunk", len(chunks))
	th := throttle.Throttle{Max: opts.jobs()}
	for _, ch := range chunks {
		if ctx.Err() != nil {
			break
		}
		ch := ch
		th.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			part, err := evalChunk(src, names, shape, ch, opts)
			if err != nil {
				err = fmt.Errorf("chunk [%d,%d): %w", ch.Start, ch.End, err)
				th.Report(err)
				cancel()
				return err
			}
			mtx.Lock()
			defer mtx.Unlock()
			K.AddSym(K, part)
			prog.add(1)
			return nil
		})
	}
	if err := th.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Matrix{Names: names, K: K}, nil
}

func evalChunk(src CountSource, names []string, shape Shape, ch Chunk, opts Options) (*mat.SymDense, error) {
	width := ch.End - ch.Start
	x := mat.NewDense(len(names), width, nil)
	for i, name := range names {
		block, err := src.CountBlock(name, ch.Block)
		if err != nil {
			return nil, fmt.Errorf("sample %q: %w", name, err)
		}
		row, err := loadChunk(block, ch, shape.BlockSize)
		if err != nil {
			return nil, fmt.Errorf("sample %q: %w", name, err)
		}
		x.SetRow(i, row)
	}
	if opts.Func == WIP {
		w, err := chunkWeights(x, ch, shape, opts.Weights)
		if err != nil {
			return nil, err
		}
		for j, wj := range w {
			scale := math.Sqrt(wj)
			for i := range names {
				x.Set(i, j, x.At(i, j)*scale)
			}
		}
	}
	part := mat.NewSymDense(len(names), nil)
	part.SymOuterK(1, x)
	return part, nil
}

// chunkWeights returns the chunk's weights, from ws if given,
// otherwise from the population frequencies of the rows of x.
func chunkWeights(x *mat.Dense, ch Chunk, shape Shape, ws WeightSource) ([]float64, error) {
	if ws != nil {
		block, err := ws.WeightBlock(ch.Block)
		if err != nil {
			return nil, fmt.Errorf("weights: %w", err)
		}
		return loadChunk(block, ch, shape.BlockSize)
	}
	n, width := x.Dims()
	acc := popfreq.NewAccumulator(width)
	for i := 0; i < n; i++ {
		if err := acc.AddBlock(0, x.RawRowView(i)); err != nil {
			return nil, err
		}
		acc.EndSample()
	}
	return acc.Weights()
}
