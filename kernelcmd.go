// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/arvados/kwip/arraystore"
	"github.com/arvados/kwip/kernel"
	log "github.com/sirupsen/logrus"
)

const defaultWeightsName = "weights"

type kernelcmd struct {
	commonFlags
	batchArgs
	matrixOutputs
	storeDir    string
	kernelName  string
	weightsName string
	firstP      float64
	jobs        int
	mode        string
	kernelLog   string
	resume      bool
}

func (cmd *kernelcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.commonFlags.Flags(flags)
	cmd.batchArgs.Flags(flags)
	cmd.matrixOutputs.Flags(flags)
	flags.StringVar(&cmd.storeDir, "store", "", "array store `dir` with count vectors")
	flags.StringVar(&cmd.kernelName, "kernel", "wip", "kernel function (wip or ip)")
	flags.StringVar(&cmd.weightsName, "weights", defaultWeightsName, "weight vector array `name`")
	flags.Float64Var(&cmd.firstP, "first-p", 0, "use only the first `P` slots of each count vector (<=1: proportion; 0: all)")
	flags.IntVar(&cmd.jobs, "j", defaultJobs(), "number of concurrent workers")
	flags.StringVar(&cmd.mode, "mode", "chunked", "evaluation strategy (chunked or pairwise)")
	flags.StringVar(&cmd.kernelLog, "kernel-log", "", "append computed pair values to `file` (pairwise mode)")
	flags.BoolVar(&cmd.resume, "resume", false, "skip pairs already present in -kernel-log")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.storeDir == "" {
		err = errors.New("cannot compute kernel without -store argument")
		return 2
	}
	fn, err := kernel.ParseFunc(cmd.kernelName)
	if err != nil {
		return 2
	}
	if err = cmd.batchArgs.Validate(); err != nil {
		return 2
	}
	switch cmd.mode {
	case "chunked":
		if cmd.kernelLog != "" || cmd.resume || cmd.batches > 1 {
			err = errors.New("-kernel-log, -resume, and -batches require -mode=pairwise")
			return 2
		}
	case "pairwise":
		if cmd.resume && cmd.kernelLog == "" {
			err = errors.New("-resume requires -kernel-log")
			return 2
		} else if cmd.batches > 1 && cmd.kernelLog == "" {
			err = errors.New("-batches requires -kernel-log")
			return 2
		}
	default:
		err = fmt.Errorf("unknown mode %q (expected chunked or pairwise)", cmd.mode)
		return 2
	}
	if err = cmd.commonFlags.Setup(); err != nil {
		return 2
	}

	if !cmd.runLocal {
		err = cmd.runContainers(flags.Args(), stdout)
		if err != nil {
			return 1
		}
		return 0
	}

	store, err := arraystore.Open(cmd.storeDir)
	if err != nil {
		return 1
	}
	weightsName, err := cmd.resolveWeights(store, fn)
	if err != nil {
		return 1
	}
	src, err := newStoreSource(store, flags.Args(), weightsName)
	if err != nil {
		return 1
	}
	opts := kernel.Options{
		Func:     fn,
		Weights:  src.Weights(),
		MaxSlots: cmd.firstP,
		Jobs:     cmd.jobs,
		Log:      log.StandardLogger(),
	}
	ctx := context.Background()
	var m *kernel.Matrix
	if cmd.mode == "chunked" {
		m, err = kernel.Eval(ctx, src, opts)
	} else {
		m, err = cmd.pairwise(ctx, src, opts, cmd.logParams(fn, weightsName))
	}
	if err != nil {
		return 1
	} else if m == nil {
		return 0
	}
	err = cmd.matrixOutputs.write(m, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// resolveWeights returns the weight vector name to use, or "" if the
// kernel does not need one or the chunked evaluator should derive
// weights from the population itself.
func (cmd *kernelcmd) resolveWeights(store *arraystore.Store, fn kernel.Func) (string, error) {
	if fn != kernel.WIP {
		return "", nil
	}
	_, err := store.Meta(cmd.weightsName)
	if errors.Is(err, arraystore.ErrNotExist) && cmd.weightsName == defaultWeightsName && cmd.mode == "chunked" {
		log.Infof("no %q array in store; deriving weights from the samples being compared", cmd.weightsName)
		return "", nil
	} else if errors.Is(err, arraystore.ErrNotExist) && cmd.mode == "pairwise" {
		return "", fmt.Errorf("pairwise wip kernel needs a stored weight vector (run \"kwip weight\" first): %w", err)
	} else if err != nil {
		return "", err
	}
	return cmd.weightsName, nil
}

// pairwise evaluates the selected batch of sample pairs, appending
// each value to the kernel log. It returns a nil matrix (and no
// error) if only one batch of several was computed.
func (cmd *kernelcmd) pairwise(ctx context.Context, src *storeSource, opts kernel.Options, params kernelLogParams) (*kernel.Matrix, error) {
	pairs := kernel.Pairs(src.Samples())
	index := make(map[kernel.Pair]int, len(pairs))
	for i, p := range pairs {
		index[p] = i
	}
	batch := cmd.batchArgs.Slice(pairs)
	var report func(kernel.Pair, float64) error
	if cmd.kernelLog != "" {
		if cmd.resume {
			data, err := readKernelLog(cmd.kernelLog)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			} else if err == nil {
				if err := checkResumeParams(data, params); err != nil {
					return nil, fmt.Errorf("%s: %w", cmd.kernelLog, err)
				}
				opts.Done = data.Values
			}
		} else if _, err := os.Stat(cmd.kernelLog); err == nil {
			return nil, fmt.Errorf("%s: kernel log already exists (use -resume to continue it)", cmd.kernelLog)
		}
		kl, err := createKernelLog(cmd.kernelLog, params)
		if err != nil {
			return nil, err
		}
		defer kl.Close()
		report = func(p kernel.Pair, v float64) error {
			return kl.Record(p, index[p], v)
		}
	}
	values, err := kernel.Pairwise(ctx, src, opts, batch, report)
	if err != nil {
		return nil, err
	}
	if len(batch) < len(pairs) {
		log.Infof("batch %d/%d: %d pairs done; merge kernel logs with \"kwip distmat\"", cmd.batch, cmd.batches, len(batch))
		return nil, nil
	}
	return kernel.MatrixFromPairs(src.Samples(), values)
}

// logParams returns the settings recorded in (and checked against)
// the kernel log.
func (cmd *kernelcmd) logParams(fn kernel.Func, weightsName string) kernelLogParams {
	store, err := filepath.Abs(cmd.storeDir)
	if err != nil {
		store = cmd.storeDir
	}
	return kernelLogParams{
		Func:    fn.String(),
		Weights: weightsName,
		FirstP:  strconv.FormatFloat(cmd.firstP, 'g', -1, 64),
		Store:   store,
	}
}

// checkResumeParams returns an error if the values in data were
// computed with settings other than want.
func checkResumeParams(data *kernelLogData, want kernelLogParams) error {
	if data.Params == (kernelLogParams{}) && len(data.Values) == 0 {
		return nil
	}
	if data.Params.Func != want.Func {
		return fmt.Errorf("kernel log has %s values, not %s", data.Params.Func, want.Func)
	}
	for _, key := range want.keys() {
		if got := *data.Params.field(key); got != *want.field(key) {
			return fmt.Errorf("kernel log was computed with %s %q, not %q", key, got, *want.field(key))
		}
	}
	return nil
}

// runContainers runs the kernel evaluation in Arvados containers: one
// container in chunked mode, or one per batch in pairwise mode, whose
// kernel logs are then merged locally.
func (cmd *kernelcmd) runContainers(samples []string, stdout io.Writer) error {
	common := append(cmd.commonFlags.Args(),
		"-kernel="+cmd.kernelName,
		"-weights="+cmd.weightsName,
		fmt.Sprintf("-first-p=%v", cmd.firstP),
		fmt.Sprintf("-j=%d", cmd.jobs),
		"-mode="+cmd.mode,
	)
	if cmd.mode == "chunked" {
		runner := cmd.Runner("kwip kernel", cmd.jobs, 64000000000)
		storeDir := cmd.storeDir
		if err := runner.TranslatePaths(&storeDir); err != nil {
			return err
		}
		runner.Args = append(append([]string{"kernel"}, common...),
			"-store="+storeDir,
			"-K=/mnt/output/kernel.tsv",
			"-N=/mnt/output/normalised.tsv",
			"-D=/mnt/output/distance.tsv",
			fmt.Sprintf("-strict-psd=%v", cmd.strictPSD))
		runner.Args = append(runner.Args, samples...)
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/distance.tsv")
		return nil
	}
	outputs, err := cmd.batchArgs.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
		runner := cmd.Runner(fmt.Sprintf("kwip kernel batch %d/%d", batch, cmd.batches), cmd.jobs, 16000000000)
		storeDir := cmd.storeDir
		if err := runner.TranslatePaths(&storeDir); err != nil {
			return "", err
		}
		runner.Args = append(append([]string{"kernel"}, common...), cmd.batchArgs.Args(batch)...)
		runner.Args = append(runner.Args, "-store="+storeDir, "-kernel-log=/mnt/output/kernel.log", "-D=")
		runner.Args = append(runner.Args, samples...)
		output, err := runner.RunContext(ctx)
		if err != nil {
			return "", err
		}
		return output + "/kernel.log", nil
	})
	if err != nil {
		return err
	}
	for _, output := range outputs {
		log.Printf("kernel log: %s", output)
	}
	if cmd.batch >= 0 && cmd.batches > 1 {
		for _, output := range outputs {
			fmt.Fprintln(stdout, output)
		}
		return nil
	}
	m, err := mergeKernelLogs(outputs)
	if err != nil {
		return err
	}
	return cmd.matrixOutputs.write(m, stdout)
}
