// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/arvados/kwip/arraystore"
	"github.com/arvados/kwip/throttle"
	log "github.com/sirupsen/logrus"
)

type statscmd struct {
	commonFlags
	storeDir string
	output   string
	jobs     int
}

type sampleStats struct {
	Name      string
	Source    string `json:",omitempty"`
	KSize     int
	CVSize    int
	Tables    int `json:",omitempty"`
	Total     uint64
	Nonzero   int
	Occupancy float64
}

type storeStats struct {
	Samples []sampleStats
	Weights []string `json:",omitempty"`
}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.commonFlags.Flags(flags)
	flags.StringVar(&cmd.storeDir, "store", "", "array store `dir`")
	flags.StringVar(&cmd.output, "o", "-", "output `file`")
	flags.IntVar(&cmd.jobs, "j", defaultJobs(), "number of arrays to read concurrently")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.storeDir == "" {
		err = errors.New("cannot report statistics without -store argument")
		return 2
	}
	if err = cmd.commonFlags.Setup(); err != nil {
		return 2
	}

	if !cmd.runLocal {
		if cmd.output != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := cmd.Runner("kwip stats", cmd.jobs, 8000000000)
		err = runner.TranslatePaths(&cmd.storeDir)
		if err != nil {
			return 1
		}
		runner.Args = append(append([]string{"stats"}, cmd.commonFlags.Args()...),
			"-store="+cmd.storeDir,
			fmt.Sprintf("-j=%d", cmd.jobs),
			"-o=/mnt/output/stats.json")
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	store, err := arraystore.Open(cmd.storeDir)
	if err != nil {
		return 1
	}
	var output io.WriteCloser
	if cmd.output == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.Create(cmd.output)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = cmd.doStats(store, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *statscmd) doStats(store *arraystore.Store, output io.Writer) error {
	names, err := store.List()
	if err != nil {
		return err
	}
	var ret storeStats
	var samples []string
	for _, name := range names {
		meta, err := store.Meta(name)
		if err != nil {
			return err
		}
		if meta.Dtype == arraystore.Uint32 {
			samples = append(samples, name)
		} else {
			ret.Weights = append(ret.Weights, name)
		}
	}
	ret.Samples = make([]sampleStats, len(samples))
	th := throttle.Throttle{Max: cmd.jobs}
	for i, name := range samples {
		i, name := i, name
		th.Go(func() error {
			st, err := countStats(store, name)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			ret.Samples[i] = st
			log.WithField("sample", name).Debugf("occupancy %.4f", st.Occupancy)
			return nil
		})
	}
	if err := th.Wait(); err != nil {
		return err
	}
	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(ret)
}

// countStats streams one count vector and returns its totals.
func countStats(store *arraystore.Store, name string) (sampleStats, error) {
	it, err := store.Blocks(name)
	if err != nil {
		return sampleStats{}, err
	}
	meta := it.Meta()
	st := sampleStats{
		Name:   name,
		Source: meta.Source,
		KSize:  meta.KSize,
		CVSize: meta.Length,
		Tables: meta.Tables,
	}
	for {
		block, err := it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return st, err
		}
		for _, v := range block.Counts {
			st.Total += uint64(v)
			if v != 0 {
				st.Nonzero++
			}
		}
	}
	if st.CVSize > 0 {
		st.Occupancy = float64(st.Nonzero) / float64(st.CVSize)
	}
	return st, nil
}
