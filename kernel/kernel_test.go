// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kernel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/arvados/kwip/popfreq"
	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type kernelSuite struct{}

var _ = check.Suite(&kernelSuite{})

func randomPopulation(seed uint64, nsamples, cvsize, blocksize int) *InMemory {
	rnd := rand.New(rand.NewSource(seed))
	m := &InMemory{KSize: 21, BlockSize: blocksize, Counts: map[string][]float64{}}
	for i := 0; i < nsamples; i++ {
		cv := make([]float64, cvsize)
		for j := range cv {
			if rnd.Intn(3) == 0 {
				cv[j] = float64(rnd.Intn(20))
			}
		}
		m.Counts[fmt.Sprintf("sample%02d", i)] = cv
	}
	accum := make([]float64, cvsize)
	for _, cv := range m.Counts {
		for j, v := range cv {
			if v != 0 {
				accum[j]++
			}
		}
	}
	m.Weights, _ = popfreq.Finalize(accum, nsamples)
	return m
}

func direct(fn Func, m *InMemory, maxp int) [][]float64 {
	names := m.Samples()
	out := make([][]float64, len(names))
	for i, a := range names {
		out[i] = make([]float64, len(names))
		for j, b := range names {
			var w []float64
			if fn == WIP {
				w = m.Weights[:maxp]
			}
			out[i][j], _ = PairKernel(fn, m.Counts[a][:maxp], m.Counts[b][:maxp], w)
		}
	}
	return out
}

func checkClose(c *check.C, got *Matrix, expect [][]float64) {
	n, _ := got.K.Dims()
	c.Assert(n, check.Equals, len(expect))
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			diff := math.Abs(got.K.At(i, j) - expect[i][j])
			c.Check(diff <= 1e-9*math.Max(1, math.Abs(expect[i][j])), check.Equals, true,
				check.Commentf("K[%d][%d] = %v, expected %v", i, j, got.K.At(i, j), expect[i][j]))
		}
	}
}

func (s *kernelSuite) TestPairKernel(c *check.C) {
	v, err := PairKernel(IP, []float64{1, 2, 0}, []float64{3, 4, 5}, nil)
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, 11.0)
	v, err = PairKernel(WIP, []float64{1, 2, 0}, []float64{3, 4, 5}, []float64{0.5, 0, 1})
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, 1.5)
	_, err = PairKernel(WIP, []float64{1}, []float64{1}, nil)
	c.Check(err, check.Equals, ErrNoWeights)
	_, err = PairKernel(IP, []float64{1}, []float64{1, 2}, nil)
	c.Check(errors.Is(err, ErrIncompatible), check.Equals, true)
}

func (s *kernelSuite) TestParseFunc(c *check.C) {
	for _, name := range []string{"wip", "ip"} {
		fn, err := ParseFunc(name)
		c.Check(err, check.IsNil)
		c.Check(fn.String(), check.Equals, name)
	}
	_, err := ParseFunc("d2")
	c.Check(err, check.ErrorMatches, `unknown kernel "d2".*`)
}

func (s *kernelSuite) TestChunkLimit(c *check.C) {
	for _, trial := range []struct {
		max    float64
		expect int
	}{
		{0, 100},
		{0.5, 50},
		{1, 100},
		{1.5, 1},
		{42, 42},
		{250, 100},
	} {
		maxp, err := ChunkLimit(100, trial.max)
		c.Check(err, check.IsNil)
		c.Check(maxp, check.Equals, trial.expect, check.Commentf("max %v", trial.max))
	}
	for _, bad := range []float64{-1, 0.001, math.NaN()} {
		_, err := ChunkLimit(100, bad)
		c.Check(err, check.NotNil, check.Commentf("max %v", bad))
	}
}

func (s *kernelSuite) TestChunks(c *check.C) {
	c.Check(Chunks(10, 4), check.DeepEquals, []Chunk{{0, 0, 4}, {1, 4, 8}, {2, 8, 10}})
	c.Check(Chunks(8, 4), check.DeepEquals, []Chunk{{0, 0, 4}, {1, 4, 8}})
	c.Check(Chunks(3, 4), check.DeepEquals, []Chunk{{0, 0, 3}})
}

func (s *kernelSuite) TestEvalMatchesDirect(c *check.C) {
	for _, blocksize := range []int{1, 7, 64, 1000} {
		for _, jobs := range []int{1, 4} {
			m := randomPopulation(uint64(blocksize), 6, 500, blocksize)
			for _, fn := range []Func{IP, WIP} {
				opts := Options{Func: fn, Jobs: jobs}
				if fn == WIP {
					opts.Weights = m
				}
				got, err := Eval(context.Background(), m, opts)
				c.Assert(err, check.IsNil)
				c.Check(got.Names, check.DeepEquals, m.Samples())
				checkClose(c, got, direct(fn, m, 500))
			}
		}
	}
}

func (s *kernelSuite) TestWeightsFromChunk(c *check.C) {
	m := randomPopulation(3, 5, 300, 32)
	precomputed, err := Eval(context.Background(), m, Options{Func: WIP, Weights: m, Jobs: 2})
	c.Assert(err, check.IsNil)
	onthefly, err := Eval(context.Background(), m, Options{Func: WIP, Jobs: 3})
	c.Assert(err, check.IsNil)
	checkClose(c, onthefly, direct(WIP, m, 300))
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			c.Check(math.Abs(precomputed.K.At(i, j)-onthefly.K.At(i, j)) < 1e-9, check.Equals, true)
		}
	}
}

func (s *kernelSuite) TestMaxSlots(c *check.C) {
	m := randomPopulation(5, 4, 200, 30)
	got, err := Eval(context.Background(), m, Options{Func: WIP, Weights: m, MaxSlots: 0.5})
	c.Assert(err, check.IsNil)
	checkClose(c, got, direct(WIP, m, 100))
	got, err = Eval(context.Background(), m, Options{Func: IP, MaxSlots: 45})
	c.Assert(err, check.IsNil)
	checkClose(c, got, direct(IP, m, 45))
}

func (s *kernelSuite) TestSymmetric(c *check.C) {
	m := randomPopulation(9, 7, 100, 16)
	got, err := Eval(context.Background(), m, Options{Func: IP, Jobs: 4})
	c.Assert(err, check.IsNil)
	for i := 0; i < 7; i++ {
		c.Check(got.K.At(i, i) >= 0, check.Equals, true)
		for j := 0; j < 7; j++ {
			c.Check(got.K.At(i, j), check.Equals, got.K.At(j, i))
		}
	}
}

func (s *kernelSuite) TestValidation(c *check.C) {
	_, err := Eval(context.Background(), &InMemory{BlockSize: 4, Counts: map[string][]float64{}}, Options{})
	c.Check(err, check.Equals, ErrNoSamples)

	m := randomPopulation(1, 3, 40, 8)
	m.Counts["short"] = make([]float64, 39)
	_, err = Eval(context.Background(), m, Options{Func: IP})
	c.Check(errors.Is(err, ErrIncompatible), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*"short".*cvsize 39 != 40`)

	m = randomPopulation(1, 3, 40, 8)
	m.Weights = m.Weights[:20]
	_, err = Eval(context.Background(), m, Options{Func: WIP, Weights: m})
	c.Check(errors.Is(err, ErrIncompatible), check.Equals, true)
}

type failingSource struct {
	*InMemory
	failBlock int
}

func (f failingSource) CountBlock(sample string, block int) ([]float64, error) {
	if block == f.failBlock {
		return nil, errors.New("disk on fire")
	}
	return f.InMemory.CountBlock(sample, block)
}

func (s *kernelSuite) TestWorkerFailure(c *check.C) {
	m := randomPopulation(2, 3, 100, 10)
	src := failingSource{m, 6}
	_, err := Eval(context.Background(), src, Options{Func: IP, Jobs: 3})
	c.Check(err, check.ErrorMatches, `chunk \[60,70\): sample "sample00": disk on fire`)
	_, err = Pairwise(context.Background(), src, Options{Func: IP, Jobs: 2}, Pairs(m.Samples()), nil)
	c.Check(err, check.ErrorMatches, `pair .*disk on fire`)
}

func (s *kernelSuite) TestCancel(c *check.C) {
	m := randomPopulation(2, 3, 100, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Eval(ctx, m, Options{Func: IP})
	c.Check(err, check.Equals, context.Canceled)
}

func (s *kernelSuite) TestPairwise(c *check.C) {
	m := randomPopulation(11, 5, 333, 50)
	names := m.Samples()
	pairs := Pairs(names)
	c.Check(pairs, check.HasLen, 15)
	c.Check(pairs[0], check.Equals, Pair{"sample00", "sample00"})
	c.Check(pairs[1], check.Equals, Pair{"sample00", "sample01"})

	reported := 0
	values, err := Pairwise(context.Background(), m, Options{Func: WIP, Weights: m, Jobs: 3}, pairs, func(Pair, float64) error {
		reported++
		return nil
	})
	c.Assert(err, check.IsNil)
	c.Check(reported, check.Equals, 15)
	got, err := MatrixFromPairs(Names(values), values)
	c.Assert(err, check.IsNil)
	checkClose(c, got, direct(WIP, m, 333))

	// resume with some pairs already done
	done := map[Pair]float64{pairs[0]: values[pairs[0]], pairs[3]: values[pairs[3]]}
	reported = 0
	again, err := Pairwise(context.Background(), m, Options{Func: WIP, Weights: m, Done: done}, pairs, func(p Pair, v float64) error {
		c.Check(p == pairs[0] || p == pairs[3], check.Equals, false)
		reported++
		return nil
	})
	c.Assert(err, check.IsNil)
	c.Check(reported, check.Equals, 13)
	c.Check(again, check.HasLen, 15)

	_, err = Pairwise(context.Background(), m, Options{Func: WIP}, pairs, nil)
	c.Check(err, check.Equals, ErrNoWeights)
	_, err = Pairwise(context.Background(), m, Options{Func: IP}, []Pair{{"sample00", "nobody"}}, nil)
	c.Check(err, check.ErrorMatches, `.*unknown sample`)
}

func (s *kernelSuite) TestMatrixFromPairs(c *check.C) {
	values := map[Pair]float64{
		NewPair("b", "a"): 4,
		NewPair("a", "a"): 8,
		NewPair("b", "b"): 8,
	}
	m, err := MatrixFromPairs([]string{"b", "a"}, values)
	c.Assert(err, check.IsNil)
	c.Check(m.Names, check.DeepEquals, []string{"a", "b"})
	c.Check(m.K.At(0, 1), check.Equals, 4.0)
	c.Check(m.K.At(1, 0), check.Equals, 4.0)
	_, err = MatrixFromPairs([]string{"a", "b", "c"}, values)
	c.Check(err, check.ErrorMatches, `missing kernel value for a/c`)
}
