// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"context"
	"flag"
	"fmt"

	"github.com/arvados/kwip/kernel"
	"github.com/arvados/kwip/throttle"
)

type batchArgs struct {
	batch   int
	batches int
}

func (b *batchArgs) Flags(flags *flag.FlagSet) {
	flags.IntVar(&b.batches, "batches", 1, "number of batches")
	flags.IntVar(&b.batch, "batch", -1, "only do `N`th batch (-1 = all)")
}

func (b *batchArgs) Validate() error {
	if b.batches < 1 {
		return fmt.Errorf("invalid -batches=%d", b.batches)
	} else if b.batch >= b.batches {
		return fmt.Errorf("invalid -batch=%d with -batches=%d", b.batch, b.batches)
	}
	return nil
}

func (b *batchArgs) Args(batch int) []string {
	return []string{
		fmt.Sprintf("-batches=%d", b.batches),
		fmt.Sprintf("-batch=%d", batch),
	}
}

// RunBatches calls runFunc once per selected batch, concurrently, and
// returns the outputs in batch order along with the first error.
func (b *batchArgs) RunBatches(ctx context.Context, runFunc func(context.Context, int) (string, error)) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	outputs := make([]string, b.batches)
	th := throttle.Throttle{Max: b.batches}
	for batch := 0; batch < b.batches; batch++ {
		if b.batch >= 0 && b.batch != batch {
			continue
		}
		batch := batch
		th.Go(func() error {
			out, err := runFunc(ctx, batch)
			outputs[batch] = out
			if err != nil {
				th.Report(err)
				cancel()
			}
			return err
		})
	}
	err := th.Wait()
	if b.batch >= 0 {
		outputs = outputs[b.batch : b.batch+1]
	}
	return outputs, err
}

// Slice returns the pairs belonging to the selected batch, or all
// pairs if no batch is selected.
func (b *batchArgs) Slice(in []kernel.Pair) []kernel.Pair {
	if b.batches < 2 || b.batch < 0 {
		return in
	}
	batchsize := (len(in) + b.batches - 1) / b.batches
	start := batchsize * b.batch
	if start > len(in) {
		return nil
	}
	out := in[start:]
	if len(out) > batchsize {
		out = out[:batchsize]
	}
	return out
}
