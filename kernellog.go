// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/arvados/kwip/kernel"
	log "github.com/sirupsen/logrus"
)

const kernelLogHeader = "# Kernel values generated with kwip version "

// kernelLog appends computed pair values to a checkpoint file, one
// line per pair: a, b, pair index, value.
type kernelLog struct {
	f    *os.File
	bufw *bufio.Writer
	mtx  sync.Mutex
}

// kernelLogParams are the evaluation settings recorded in a kernel
// log header. Values computed with different settings must not be
// mixed in one matrix.
type kernelLogParams struct {
	Func    string
	Weights string
	FirstP  string
	Store   string
}

func (p *kernelLogParams) keys() []string {
	return []string{"kernel", "weights", "first-p", "store"}
}

func (p *kernelLogParams) field(key string) *string {
	switch key {
	case "kernel":
		return &p.Func
	case "weights":
		return &p.Weights
	case "first-p":
		return &p.FirstP
	case "store":
		return &p.Store
	}
	return nil
}

// createKernelLog opens fnm for appending. An incomplete last line
// left by an interrupted run is removed first. A header is written if
// the file is then empty.
func createKernelLog(fnm string, params kernelLogParams) (*kernelLog, error) {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size, err := lastCompleteLine(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if size < fi.Size() {
		log.Warnf("%s: discarding %d bytes of incomplete record", fnm, fi.Size()-size)
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	if _, err := f.Seek(size, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	kl := &kernelLog{f: f, bufw: bufio.NewWriter(f)}
	if size == 0 {
		fmt.Fprintf(kl.bufw, "%s%s\n", kernelLogHeader, cmd.Version.String())
		for _, key := range params.keys() {
			fmt.Fprintf(kl.bufw, "# %s\t%s\n", key, *params.field(key))
		}
		if err := kl.bufw.Flush(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return kl, nil
}

// lastCompleteLine returns the offset just after the last newline in
// the first size bytes of f, or 0 if there is none.
func lastCompleteLine(f io.ReaderAt, size int64) (int64, error) {
	buf := make([]byte, 4096)
	for end := size; end > 0; {
		start := end - int64(len(buf))
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && err != io.EOF {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// Record appends one value and flushes it to the file.
func (kl *kernelLog) Record(p kernel.Pair, idx int, v float64) error {
	kl.mtx.Lock()
	defer kl.mtx.Unlock()
	fmt.Fprintf(kl.bufw, "%s\t%s\t%d\t%s\n", p.A, p.B, idx, strconv.FormatFloat(v, 'g', 17, 64))
	return kl.bufw.Flush()
}

func (kl *kernelLog) Close() error {
	kl.mtx.Lock()
	defer kl.mtx.Unlock()
	if err := kl.bufw.Flush(); err != nil {
		kl.f.Close()
		return err
	}
	return kl.f.Close()
}

// kernelLogData is the content of one or more kernel logs.
type kernelLogData struct {
	Params kernelLogParams
	Values map[kernel.Pair]float64
}

// readKernelLog parses a kernel log written by kernelLog. A
// truncated last line (from an interrupted run) is ignored.
func readKernelLog(fnm string) (*kernelLogData, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := parseKernelLog(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return data, nil
}

func parseKernelLog(r io.Reader) (*kernelLogData, error) {
	data := &kernelLogData{Values: map[kernel.Pair]float64{}}
	rdr := bufio.NewReader(r)
	for lineno := 1; ; lineno++ {
		line, err := rdr.ReadString('\n')
		if err == io.EOF {
			// no newline: incomplete record
			return data, nil
		} else if err != nil {
			return nil, err
		}
		line = strings.TrimSuffix(line, "\n")
		if strings.HasPrefix(line, "#") {
			key, value, ok := strings.Cut(strings.TrimPrefix(line, "# "), "\t")
			if field := data.Params.field(key); ok && field != nil {
				if *field != "" && *field != value {
					return nil, fmt.Errorf("line %d: %s %q, previously %q", lineno, key, value, *field)
				}
				*field = value
			}
			continue
		} else if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("line %d: expected 4 fields, got %d", lineno, len(fields))
		}
		v, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		p := kernel.NewPair(fields[0], fields[1])
		if old, ok := data.Values[p]; ok && old != v {
			return nil, fmt.Errorf("line %d: conflicting values for %s/%s: %v, %v", lineno, p.A, p.B, old, v)
		}
		data.Values[p] = v
	}
}

// merge adds other's values into data. Store paths are not compared.
func (data *kernelLogData) merge(other *kernelLogData) error {
	if data.Params.Func == "" {
		data.Params.Func = other.Params.Func
	} else if other.Params.Func != "" && other.Params.Func != data.Params.Func {
		return fmt.Errorf("cannot merge %s and %s kernel values", data.Params.Func, other.Params.Func)
	}
	for _, key := range []string{"weights", "first-p"} {
		mine, theirs := data.Params.field(key), *other.Params.field(key)
		if *mine == "" {
			*mine = theirs
		} else if theirs != "" && theirs != *mine {
			return fmt.Errorf("cannot merge kernel values computed with %s %q and %q", key, *mine, theirs)
		}
	}
	for p, v := range other.Values {
		if old, ok := data.Values[p]; ok && old != v {
			return fmt.Errorf("conflicting values for %s/%s: %v, %v", p.A, p.B, old, v)
		}
		data.Values[p] = v
	}
	return nil
}
