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

	"github.com/arvados/kwip/kernel"
	"github.com/arvados/kwip/kernelmath"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// matrixOutputs are the files written from a finished kernel matrix.
type matrixOutputs struct {
	kout          string
	nout          string
	dout          string
	strictPSD     bool
	pcaOut        string
	pcaComponents int
}

func (mo *matrixOutputs) Flags(flags *flag.FlagSet) {
	flags.StringVar(&mo.kout, "K", "", "write kernel matrix to `file`")
	flags.StringVar(&mo.nout, "N", "", "write normalised kernel matrix to `file`")
	flags.StringVar(&mo.dout, "D", "-", "write distance matrix to `file` (\"\" to skip)")
	flags.BoolVar(&mo.strictPSD, "strict-psd", false, "fail if the kernel matrix is not positive semi-definite")
	flags.StringVar(&mo.pcaOut, "pca-out", "", "write principal components of the normalised kernel to `file.npy`")
	flags.IntVar(&mo.pcaComponents, "pca-components", 2, "number of principal components")
}

// write normalises K, converts it to distances, and writes whichever
// outputs were requested. "-" means stdout.
func (mo *matrixOutputs) write(m *kernel.Matrix, stdout io.Writer) error {
	if mo.kout != "" {
		if err := writeLSMatFile(mo.kout, m.Names, m.K, stdout); err != nil {
			return err
		}
	}
	norm, err := kernelmath.Normalise(m.K)
	if err != nil {
		return degenerateSample(m.Names, err)
	}
	if mo.nout != "" {
		if err := writeLSMatFile(mo.nout, m.Names, norm, stdout); err != nil {
			return err
		}
	}
	if mo.dout != "" {
		cv := kernelmath.Converter{Strict: mo.strictPSD, Log: log.StandardLogger()}
		D, err := cv.Distance(m.K)
		if err != nil {
			return degenerateSample(m.Names, err)
		}
		if err := writeLSMatFile(mo.dout, m.Names, D, stdout); err != nil {
			return err
		}
	}
	if mo.pcaOut != "" {
		coords, err := kernelmath.PCA(norm, mo.pcaComponents)
		if err != nil {
			return err
		}
		if err := writeNumpyFile(mo.pcaOut, coords); err != nil {
			return err
		}
		log.WithField("components", mo.pcaComponents).Infof("wrote PCA coordinates to %s", mo.pcaOut)
	}
	return nil
}

func degenerateSample(names []string, err error) error {
	var de *kernelmath.DegenerateError
	if errors.As(err, &de) && de.Index < len(names) {
		return fmt.Errorf("sample %q: %w", names[de.Index], err)
	}
	return err
}

func writeLSMatFile(fnm string, names []string, m mat.Matrix, stdout io.Writer) error {
	if fnm == "-" {
		return kernelmath.WriteLSMat(stdout, names, m)
	}
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	err = kernelmath.WriteLSMat(f, names, m)
	if err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", fnm, err)
	}
	return f.Close()
}

func writeNumpyFile(fnm string, m *mat.Dense) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	rows, cols := m.Dims()
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(mat.DenseCopyOf(m).RawMatrix().Data)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

// distmat builds kernel and distance matrices from kernel logs.
type distmat struct {
	commonFlags
	matrixOutputs
}

func (cmd *distmat) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.commonFlags.Flags(flags)
	cmd.matrixOutputs.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() == 0 {
		err = errors.New("no kernel logs given")
		return 2
	}
	if err = cmd.commonFlags.Setup(); err != nil {
		return 2
	}

	m, err := mergeKernelLogs(flags.Args())
	if err != nil {
		return 1
	}
	err = cmd.matrixOutputs.write(m, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// mergeKernelLogs reads the given logs and assembles the full kernel
// matrix. Every pair of the samples mentioned must be present.
func mergeKernelLogs(fnms []string) (*kernel.Matrix, error) {
	all := &kernelLogData{Values: map[kernel.Pair]float64{}}
	for _, fnm := range fnms {
		data, err := readKernelLog(fnm)
		if err != nil {
			return nil, err
		}
		if err := all.merge(data); err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		log.WithField("values", len(data.Values)).Infof("read kernel log %s", fnm)
	}
	names := kernel.Names(all.Values)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w in kernel logs", kernel.ErrNoSamples)
	}
	return kernel.MatrixFromPairs(names, all.Values)
}
