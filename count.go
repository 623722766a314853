// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvados/kwip/arraystore"
	"github.com/arvados/kwip/kmer"
	"github.com/arvados/kwip/throttle"
	log "github.com/sirupsen/logrus"
)

type counter struct {
	commonFlags
	storeDir  string
	ksize     int
	cvsize    float64
	tables    int
	jobs      int
	blocksize int
	compress  bool
	force     bool
}

func (cmd *counter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.commonFlags.Flags(flags)
	flags.StringVar(&cmd.storeDir, "store", "", "array store `dir` for count vectors")
	flags.IntVar(&cmd.ksize, "k", 21, "k-mer length")
	flags.Float64Var(&cmd.cvsize, "cvsize", 1e8, "count vector length")
	flags.IntVar(&cmd.tables, "cms-tables", 0, "count-min-sketch tables (0: exact counting)")
	flags.IntVar(&cmd.jobs, "j", defaultJobs(), "number of input files to count concurrently")
	flags.IntVar(&cmd.blocksize, "blocksize", arraystore.DefaultBlockSize, "array store block size (elements)")
	flags.BoolVar(&cmd.compress, "compress", false, "gzip array store blocks")
	flags.BoolVar(&cmd.force, "force", false, "recount samples whose stored counts are newer than the input")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.storeDir == "" {
		err = errors.New("cannot count without -store argument")
		return 2
	} else if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}
	cfg := kmer.Config{KSize: cmd.ksize, CVSize: int(cmd.cvsize), Tables: cmd.tables}
	if err = cfg.Validate(); err != nil {
		return 2
	}
	if err = cmd.commonFlags.Setup(); err != nil {
		return 2
	}

	inputs := flags.Args()
	if !cmd.runLocal {
		runner := cmd.Runner("kwip count", cmd.jobs, int64(cmd.jobs)*int64(cfg.CVSize)*int64(4*(1+cfg.Tables))+4000000000)
		for i := range inputs {
			err = runner.TranslatePaths(&inputs[i])
			if err != nil {
				return 1
			}
		}
		runner.Args = append(append(cmd.commonFlags.Args(),
			"-store=/mnt/output",
			fmt.Sprintf("-k=%d", cmd.ksize),
			fmt.Sprintf("-cvsize=%d", cfg.CVSize),
			fmt.Sprintf("-cms-tables=%d", cmd.tables),
			fmt.Sprintf("-j=%d", cmd.jobs),
			fmt.Sprintf("-blocksize=%d", cmd.blocksize),
			fmt.Sprintf("-compress=%v", cmd.compress),
		), inputs...)
		runner.Args = append([]string{"count"}, runner.Args...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	store, err := arraystore.Open(cmd.storeDir)
	if err != nil {
		return 1
	}
	store.BlockSize = cmd.blocksize
	store.Compress = cmd.compress
	written, err := cmd.countInputs(store, cfg, inputs)
	if err != nil {
		return 1
	}
	for _, name := range written {
		fmt.Fprintln(stdout, name)
	}
	return 0
}

// countInputs counts each input file into its own count vector,
// several files at a time, and returns the sample names written.
func (cmd *counter) countInputs(store *arraystore.Store, cfg kmer.Config, inputs []string) ([]string, error) {
	byName := map[string]string{}
	for _, fnm := range inputs {
		name := sampleName(fnm)
		if other, dup := byName[name]; dup {
			return nil, fmt.Errorf("input files %q and %q would both be stored as sample %q", other, fnm, name)
		}
		byName[name] = fnm
	}

	var todo []string
	for _, fnm := range inputs {
		if cmd.force || fnm == "-" || !cmd.upToDate(store, cfg, fnm) {
			todo = append(todo, fnm)
		} else {
			log.WithField("sample", sampleName(fnm)).Infof("%s: stored counts are up to date", fnm)
		}
	}

	starttime := time.Now()
	var done int64
	var mtx sync.Mutex
	var written []string
	th := throttle.Throttle{Max: cmd.jobs}
	for _, fnm := range todo {
		fnm := fnm
		th.Go(func() error {
			name := sampleName(fnm)
			ctr, err := kmer.NewCounter(cfg)
			if err != nil {
				return err
			}
			log.WithField("sample", name).Infof("counting %s", fnm)
			records, err := eachSequence(fnm, ctr.Consume)
			if err != nil {
				return err
			}
			err = store.WriteCounts(name, ctr.Counts(), arraystore.Meta{
				KSize:  cfg.KSize,
				CVSize: cfg.CVSize,
				Tables: cfg.Tables,
				Source: fnm,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			log.WithFields(log.Fields{"sample": name, "records": records, "kmers": ctr.Kmers()}).Info("stored count vector")

			mtx.Lock()
			written = append(written, name)
			mtx.Unlock()
			n := atomic.AddInt64(&done, 1)
			remain := int64(len(todo)) - n
			ttl := time.Now().Sub(starttime) * time.Duration(remain) / time.Duration(n)
			eta := time.Now().Add(ttl)
			log.Printf("progress %d/%d, eta %v (%v)", n, len(todo), eta, ttl)
			return nil
		})
	}
	err := th.Wait()
	sort.Strings(written)
	return written, err
}

// upToDate reports whether the stored count vector for fnm was
// written after fnm was last modified, with the same parameters.
func (cmd *counter) upToDate(store *arraystore.Store, cfg kmer.Config, fnm string) bool {
	name := sampleName(fnm)
	meta, err := store.Meta(name)
	if err != nil {
		return false
	}
	if meta.KSize != cfg.KSize || meta.CVSize != cfg.CVSize || meta.Tables != cfg.Tables || meta.Length != cfg.CVSize {
		return false
	}
	stored, err := store.ModTime(name)
	if err != nil {
		return false
	}
	fi, err := os.Stat(fnm)
	if err != nil {
		return false
	}
	return stored.After(fi.ModTime())
}
