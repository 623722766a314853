// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/arvados/kwip/arraystore"
	"github.com/arvados/kwip/kernel"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportNumpy writes the count vectors of a store as one uint32
// matrix, one row per sample in name order.
type exportNumpy struct {
	commonFlags
	storeDir       string
	firstP         float64
	outputFilename string
	labelsFilename string
}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.Float64Var(&cmd.firstP, "first-p", 0, "export only the first `P` slots (<=1: proportion; 0: all)")
	flags.StringVar(&cmd.outputFilename, "o", "-", "output `file`")
	flags.StringVar(&cmd.labelsFilename, "output-labels", "", "write sample names, one per line, to `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.storeDir == "" {
		err = errors.New("cannot export without -store argument")
		return 2
	}
	if err = cmd.commonFlags.Setup(); err != nil {
		return 2
	}

	if !cmd.runLocal {
		if cmd.outputFilename != "-" || cmd.labelsFilename != "" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := cmd.Runner("kwip export-numpy", 2, 64000000000)
		err = runner.TranslatePaths(&cmd.storeDir)
		if err != nil {
			return 1
		}
		runner.Args = append(append([]string{"export-numpy"}, cmd.commonFlags.Args()...),
			"-store="+cmd.storeDir,
			fmt.Sprintf("-first-p=%v", cmd.firstP),
			"-o=/mnt/output/counts.npy",
			"-output-labels=/mnt/output/samples.txt")
		runner.Args = append(runner.Args, flags.Args()...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/counts.npy")
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
	out, names, cols, err := countMatrix(store, src, cmd.firstP)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if cmd.outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.Create(cmd.outputFilename)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{len(names), cols}
	err = npw.WriteUint32(out)
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
	if cmd.labelsFilename != "" {
		err = os.WriteFile(cmd.labelsFilename, []byte(strings.Join(names, "\n")+"\n"), 0666)
		if err != nil {
			return 1
		}
	}
	log.WithField("samples", len(names)).Infof("exported %d slots per sample", cols)
	return 0
}

// countMatrix reads the leading slots of each sample's count vector
// into a row-major matrix.
func countMatrix(store *arraystore.Store, src *storeSource, firstP float64) (data []uint32, names []string, cols int, err error) {
	shape, names, err := kernel.Validate(src, nil)
	if err != nil {
		return nil, nil, 0, err
	}
	cols, err = kernel.ChunkLimit(shape.CVSize, firstP)
	if err != nil {
		return nil, nil, 0, err
	}
	data = make([]uint32, len(names)*cols)
	for row, name := range names {
		meta := src.metas[name]
		for i := 0; i < meta.Blocks(); i++ {
			start, end := meta.Bounds(i)
			if start >= cols {
				break
			}
			block, err := store.BlockOf(meta, i)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("%s: %w", name, err)
			}
			if end > cols {
				end = cols
			}
			copy(data[row*cols+start:row*cols+end], block.Counts)
		}
	}
	return data, names, cols, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
