// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package kernel evaluates inner-product kernels between k-mer count
// vectors, one storage block at a time.
package kernel

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrNoSamples    = errors.New("no samples")
	ErrIncompatible = errors.New("incompatible inputs")
	ErrNoWeights    = errors.New("wip kernel needs a weight vector")
)

// Func selects the kernel function.
type Func int

const (
	// WIP is the entropy-weighted inner product sum(w*a*b).
	WIP Func = iota
	// IP is the plain inner product sum(a*b).
	IP
)

func ParseFunc(s string) (Func, error) {
	switch s {
	case "wip":
		return WIP, nil
	case "ip":
		return IP, nil
	}
	return 0, fmt.Errorf("unknown kernel %q (expected wip or ip)", s)
}

func (f Func) String() string {
	if f == IP {
		return "ip"
	}
	return "wip"
}

// PairKernel returns the kernel value of count vectors a and b. The
// weights are ignored by IP.
func PairKernel(fn Func, a, b, w []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: vector lengths %d and %d", ErrIncompatible, len(a), len(b))
	}
	if fn == IP {
		return floats.Dot(a, b), nil
	}
	if w == nil {
		return 0, ErrNoWeights
	} else if len(w) != len(a) {
		return 0, fmt.Errorf("%w: weight length %d, vector length %d", ErrIncompatible, len(w), len(a))
	}
	var sum float64
	for i, ai := range a {
		if ai != 0 {
			sum += w[i] * ai * b[i]
		}
	}
	return sum, nil
}

// Shape describes a stored vector.
type Shape struct {
	KSize     int
	CVSize    int
	BlockSize int
}

// A CountSource gives block-wise access to the count vectors of a
// population. Block i covers slots [i*BlockSize, (i+1)*BlockSize).
type CountSource interface {
	Samples() []string
	Shape(sample string) (Shape, error)
	CountBlock(sample string, block int) ([]float64, error)
}

// A WeightSource gives block-wise access to a weight vector.
type WeightSource interface {
	WeightShape() (Shape, error)
	WeightBlock(block int) ([]float64, error)
}

type Options struct {
	Func Func
	// Weights for WIP. If nil, Eval derives weights from each
	// chunk's population frequencies.
	Weights WeightSource
	// MaxSlots limits evaluation to a prefix of each vector: 0
	// means all slots, a value <= 1 is a proportion of the vector
	// length, and a value > 1 is an absolute slot count.
	MaxSlots float64
	// Jobs is the number of concurrent workers.
	Jobs int
	// Done holds pair values already computed by Pairwise.
	Done map[Pair]float64
	Log  logrus.FieldLogger
}

var discard = &logrus.Logger{
	Out:       io.Discard,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.PanicLevel,
}

func (opts Options) logger() logrus.FieldLogger {
	if opts.Log == nil {
		return discard
	}
	return opts.Log
}

func (opts Options) jobs() int {
	if opts.Jobs < 1 {
		return 1
	}
	return opts.Jobs
}

// Matrix is a kernel matrix with rows and columns labelled by sample
// name, in sorted order.
type Matrix struct {
	Names []string
	K     *mat.SymDense
}

// ChunkLimit returns the number of leading slots to evaluate.
func ChunkLimit(cvsize int, maxSlots float64) (int, error) {
	switch {
	case math.IsNaN(maxSlots) || maxSlots < 0:
		return 0, fmt.Errorf("invalid slot limit %v", maxSlots)
	case maxSlots == 0:
		return cvsize, nil
	case maxSlots <= 1:
		maxp := int(maxSlots * float64(cvsize))
		if maxp < 1 {
			return 0, fmt.Errorf("slot limit %v of %d selects no slots", maxSlots, cvsize)
		}
		return maxp, nil
	case maxSlots > float64(cvsize):
		return cvsize, nil
	default:
		return int(maxSlots), nil
	}
}

// Chunk is the slot range [Start, End) within storage block Block.
type Chunk struct {
	Block int
	Start int
	End   int
}

// Chunks partitions [0, maxp) into block-aligned chunks.
func Chunks(maxp, blocksize int) []Chunk {
	var chunks []Chunk
	for s := 0; s < maxp; s += blocksize {
		end := s + blocksize
		if end > maxp {
			end = maxp
		}
		chunks = append(chunks, Chunk{Block: s / blocksize, Start: s, End: end})
	}
	return chunks
}

// Validate checks that every sample (and the weights, if any) share
// one shape, and returns it with the sorted sample names.
func Validate(src CountSource, weights WeightSource) (Shape, []string, error) {
	names := append([]string(nil), src.Samples()...)
	if len(names) == 0 {
		return Shape{}, nil, ErrNoSamples
	}
	sort.Strings(names)
	var shape Shape
	for i, name := range names {
		if i > 0 && name == names[i-1] {
			return Shape{}, nil, fmt.Errorf("%w: duplicate sample %q", ErrIncompatible, name)
		}
		sh, err := src.Shape(name)
		if err != nil {
			return Shape{}, nil, fmt.Errorf("sample %q: %w", name, err)
		}
		if sh.BlockSize < 1 || sh.CVSize < 1 {
			return Shape{}, nil, fmt.Errorf("%w: sample %q has cvsize %d, block size %d", ErrIncompatible, name, sh.CVSize, sh.BlockSize)
		}
		if i == 0 {
			shape = sh
		} else if err := compatible(shape, sh); err != nil {
			return Shape{}, nil, fmt.Errorf("sample %q vs %q: %w", name, names[0], err)
		}
	}
	if weights != nil {
		sh, err := weights.WeightShape()
		if err != nil {
			return Shape{}, nil, fmt.Errorf("weights: %w", err)
		}
		if sh.KSize == 0 {
			sh.KSize = shape.KSize
		}
		if err := compatible(shape, sh); err != nil {
			return Shape{}, nil, fmt.Errorf("weights: %w", err)
		}
	}
	return shape, names, nil
}

func compatible(want, got Shape) error {
	switch {
	case want.KSize != got.KSize:
		return fmt.Errorf("%w: ksize %d != %d", ErrIncompatible, got.KSize, want.KSize)
	case want.CVSize != got.CVSize:
		return fmt.Errorf("%w: cvsize %d != %d", ErrIncompatible, got.CVSize, want.CVSize)
	case want.BlockSize != got.BlockSize:
		return fmt.Errorf("%w: block size %d != %d", ErrIncompatible, got.BlockSize, want.BlockSize)
	}
	return nil
}

// loadChunk returns the chunk's slice of a block, checking that the
// block is long enough.
func loadChunk(block []float64, ch Chunk, blocksize int) ([]float64, error) {
	lo := ch.Start - ch.Block*blocksize
	hi := ch.End - ch.Block*blocksize
	if len(block) < hi {
		return nil, fmt.Errorf("block %d has %d values, need %d", ch.Block, len(block), hi)
	}
	return block[lo:hi], nil
}

// progress logs completion counts with an estimated finish time.
type progress struct {
	log     logrus.FieldLogger
	what    string
	total   int
	done    int
	start   time.Time
	lastLog time.Time
}

func newProgress(log logrus.FieldLogger, what string, total int) *progress {
	now := time.Now()
	return &progress{log: log, what: what, total: total, start: now, lastLog: now}
}

// add must be called with the caller's lock held.
func (p *progress) add(n int) {
	p.done += n
	now := time.Now()
	if p.done < p.total && now.Sub(p.lastLog) < 10*time.Second {
		return
	}
	p.lastLog = now
	remain := p.total - p.done
	ttl := now.Sub(p.start) * time.Duration(remain) / time.Duration(p.done)
	p.log.Infof("%s progress %d/%d, eta %v (%v)", p.what, p.done, p.total, now.Add(ttl).Format(time.RFC3339), ttl.Round(time.Second))
}
