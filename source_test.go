// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"context"
	"errors"

	"github.com/arvados/kwip/arraystore"
	"github.com/arvados/kwip/kernel"
	"gopkg.in/check.v1"
)

type sourceSuite struct{}

var _ = check.Suite(&sourceSuite{})

func (s *sourceSuite) makeStore(c *check.C) *arraystore.Store {
	store, err := arraystore.Open(c.MkDir())
	c.Assert(err, check.IsNil)
	store.BlockSize = 4
	for name, cv := range map[string][]uint32{
		"s1": {1, 0, 2, 0, 0, 3, 0, 0, 1, 1},
		"s2": {0, 0, 2, 1, 0, 0, 0, 4, 1, 0},
	} {
		c.Assert(store.WriteCounts(name, cv, arraystore.Meta{KSize: 3, CVSize: len(cv)}), check.IsNil)
	}
	c.Assert(store.WriteWeights("w", []float64{0, 0, 0, 1, 0, 1, 0, 1, 0, 1}, arraystore.Meta{KSize: 3, CVSize: 10}), check.IsNil)
	return store
}

func (s *sourceSuite) TestAllSamples(c *check.C) {
	store := s.makeStore(c)
	src, err := newStoreSource(store, nil, "")
	c.Assert(err, check.IsNil)
	c.Check(src.Samples(), check.DeepEquals, []string{"s1", "s2"})
	c.Check(src.Weights(), check.IsNil)

	shape, err := src.Shape("s2")
	c.Check(err, check.IsNil)
	c.Check(shape, check.Equals, kernel.Shape{KSize: 3, CVSize: 10, BlockSize: 4})
	block, err := src.CountBlock("s2", 1)
	c.Check(err, check.IsNil)
	c.Check(block, check.DeepEquals, []float64{0, 0, 0, 4})
	block, err = src.CountBlock("s1", 2)
	c.Check(err, check.IsNil)
	c.Check(block, check.DeepEquals, []float64{1, 1})

	_, err = src.CountBlock("s3", 0)
	c.Check(errors.Is(err, arraystore.ErrNotExist), check.Equals, true)
}

func (s *sourceSuite) TestWeights(c *check.C) {
	store := s.makeStore(c)
	src, err := newStoreSource(store, []string{"s1"}, "w")
	c.Assert(err, check.IsNil)
	ws := src.Weights()
	c.Assert(ws, check.NotNil)
	block, err := ws.WeightBlock(1)
	c.Check(err, check.IsNil)
	c.Check(block, check.DeepEquals, []float64{0, 1, 0, 1})

	m, err := kernel.Eval(context.Background(), src, kernel.Options{Func: kernel.WIP, Weights: ws})
	c.Assert(err, check.IsNil)
	c.Check(m.K.At(0, 0), check.Equals, 10.0)
}

func (s *sourceSuite) TestWrongDtype(c *check.C) {
	store := s.makeStore(c)
	_, err := newStoreSource(store, []string{"s1", "w"}, "")
	c.Check(errors.Is(err, arraystore.ErrIncompatible), check.Equals, true)
	_, err = newStoreSource(store, []string{"s1"}, "s2")
	c.Check(errors.Is(err, arraystore.ErrIncompatible), check.Equals, true)
	_, err = newStoreSource(store, []string{"nope"}, "")
	c.Check(errors.Is(err, arraystore.ErrNotExist), check.Equals, true)
}
