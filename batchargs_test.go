// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"context"
	"errors"
	"fmt"

	"github.com/arvados/kwip/kernel"
	"gopkg.in/check.v1"
)

type batchArgsSuite struct{}

var _ = check.Suite(&batchArgsSuite{})

func (s *batchArgsSuite) TestSliceCoversAllPairs(c *check.C) {
	for nsamples := 1; nsamples < 8; nsamples++ {
		var names []string
		for i := 0; i < nsamples; i++ {
			names = append(names, fmt.Sprintf("s%d", i))
		}
		pairs := kernel.Pairs(names)
		c.Assert(pairs, check.HasLen, nsamples*(nsamples+1)/2)
		for batches := 1; batches < 12; batches++ {
			seen := map[kernel.Pair]int{}
			for batch := 0; batch < batches; batch++ {
				b := batchArgs{batch: batch, batches: batches}
				for _, p := range b.Slice(pairs) {
					seen[p]++
				}
			}
			c.Check(seen, check.HasLen, len(pairs), check.Commentf("nsamples %d batches %d", nsamples, batches))
			for p, n := range seen {
				c.Check(n, check.Equals, 1, check.Commentf("%v", p))
			}
		}
	}
	all := batchArgs{batch: -1, batches: 3}
	c.Check(all.Slice(kernel.Pairs([]string{"a", "b"})), check.HasLen, 3)
}

func (s *batchArgsSuite) TestValidate(c *check.C) {
	c.Check((&batchArgs{batch: -1, batches: 1}).Validate(), check.IsNil)
	c.Check((&batchArgs{batch: 2, batches: 3}).Validate(), check.IsNil)
	c.Check((&batchArgs{batch: 3, batches: 3}).Validate(), check.NotNil)
	c.Check((&batchArgs{batch: -1, batches: 0}).Validate(), check.NotNil)
	c.Check((&batchArgs{}).Args(4), check.DeepEquals, []string{"-batches=0", "-batch=4"})
}

func (s *batchArgsSuite) TestRunBatches(c *check.C) {
	b := batchArgs{batch: -1, batches: 4}
	outputs, err := b.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
		return fmt.Sprintf("out%d", batch), nil
	})
	c.Check(err, check.IsNil)
	c.Check(outputs, check.DeepEquals, []string{"out0", "out1", "out2", "out3"})

	b = batchArgs{batch: 2, batches: 4}
	outputs, err = b.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
		return fmt.Sprintf("out%d", batch), nil
	})
	c.Check(err, check.IsNil)
	c.Check(outputs, check.DeepEquals, []string{"out2"})

	b = batchArgs{batch: -1, batches: 3}
	_, err = b.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
		if batch == 1 {
			return "", errors.New("container failed")
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	c.Check(err, check.ErrorMatches, `container failed`)
}
