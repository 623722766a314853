// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/arvados/kwip/arraystore"
	"github.com/arvados/kwip/kernel"
	"github.com/arvados/kwip/popfreq"
	"github.com/arvados/kwip/throttle"
	log "github.com/sirupsen/logrus"
)

type weighter struct {
	commonFlags
	storeDir    string
	outStoreDir string
	name        string
	jobs        int
}

func (cmd *weighter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.commonFlags.Flags(flags)
	flags.StringVar(&cmd.storeDir, "store", "", "array store `dir` with count vectors")
	flags.StringVar(&cmd.outStoreDir, "out-store", "", "array store `dir` for the weight vector (default: same as -store)")
	flags.StringVar(&cmd.name, "name", "weights", "array `name` for the weight vector")
	flags.IntVar(&cmd.jobs, "j", defaultJobs(), "number of samples to read concurrently")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.storeDir == "" {
		err = errors.New("cannot compute weights without -store argument")
		return 2
	}
	if err = cmd.commonFlags.Setup(); err != nil {
		return 2
	}

	if !cmd.runLocal {
		runner := cmd.Runner("kwip weight", cmd.jobs, 16000000000)
		err = runner.TranslatePaths(&cmd.storeDir)
		if err != nil {
			return 1
		}
		runner.Args = append(append([]string{"weight"}, cmd.commonFlags.Args()...),
			"-store="+cmd.storeDir,
			"-out-store=/mnt/output",
			"-name="+cmd.name,
			fmt.Sprintf("-j=%d", cmd.jobs))
		runner.Args = append(runner.Args, flags.Args()...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/"+cmd.name)
		return 0
	}

	store, err := arraystore.Open(cmd.storeDir)
	if err != nil {
		return 1
	}
	src, err := newStoreSource(store, flags.Args(), "")
	if err != nil {
		return 1
	}
	shape, names, err := kernel.Validate(src, nil)
	if err != nil {
		return 1
	}
	weights, err := cmd.accumulate(store, names, shape.CVSize)
	if err != nil {
		return 1
	}
	outStore := store
	if cmd.outStoreDir != "" {
		outStore, err = arraystore.Open(cmd.outStoreDir)
		if err != nil {
			return 1
		}
	}
	outStore.BlockSize = shape.BlockSize
	outStore.Compress = src.metas[names[0]].Compress
	err = outStore.WriteWeights(cmd.name, weights, arraystore.Meta{
		KSize:   shape.KSize,
		CVSize:  shape.CVSize,
		Samples: len(names),
	})
	if err != nil {
		return 1
	}
	log.WithField("samples", len(names)).Infof("stored weight vector %q", cmd.name)
	fmt.Fprintln(stdout, cmd.name)
	return 0
}

// accumulate streams every sample's count vector block by block into
// per-worker accumulators, then merges them into weights.
func (cmd *weighter) accumulate(store *arraystore.Store, names []string, cvsize int) ([]float64, error) {
	workers := cmd.jobs
	if workers < 1 {
		workers = 1
	}
	if workers > len(names) {
		workers = len(names)
	}
	accs := make([]*popfreq.Accumulator, workers)
	th := throttle.Throttle{Max: workers}
	for w := range accs {
		w := w
		accs[w] = popfreq.NewAccumulator(cvsize)
		th.Go(func() error {
			for i := w; i < len(names); i += workers {
				if th.Err() != nil {
					return nil
				}
				if err := addSample(accs[w], store, names[i]); err != nil {
					return fmt.Errorf("sample %q: %w", names[i], err)
				}
				log.WithField("sample", names[i]).Debug("added to population")
			}
			return nil
		})
	}
	if err := th.Wait(); err != nil {
		return nil, err
	}
	total := accs[0]
	for _, acc := range accs[1:] {
		if err := total.Merge(acc); err != nil {
			return nil, err
		}
	}
	return total.Weights()
}

func addSample(acc *popfreq.Accumulator, store *arraystore.Store, name string) error {
	it, err := store.Blocks(name)
	if err != nil {
		return err
	}
	for {
		block, err := it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if err := acc.AddBlock(block.Offset, block.Float64()); err != nil {
			return err
		}
	}
	acc.EndSample()
	return nil
}
