// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kernelmath

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// WriteLSMat writes m as a labelled square matrix: a header row of
// an empty cell and the names, then one row per name, tab separated.
func WriteLSMat(w io.Writer, names []string, m mat.Matrix) error {
	r, c := m.Dims()
	if r != c || r != len(names) {
		return fmt.Errorf("%w: %d names, %dx%d matrix", ErrNotSquare, len(names), r, c)
	}
	bufw := bufio.NewWriter(w)
	for _, name := range names {
		bufw.WriteString("\t")
		bufw.WriteString(name)
	}
	bufw.WriteString("\n")
	for i, name := range names {
		bufw.WriteString(name)
		for j := range names {
			bufw.WriteString("\t")
			bufw.WriteString(strconv.FormatFloat(m.At(i, j), 'g', -1, 64))
		}
		bufw.WriteString("\n")
	}
	return bufw.Flush()
}

// ReadLSMat parses the output of WriteLSMat. Small asymmetries are
// averaged out; rows must appear in header order.
func ReadLSMat(r io.Reader) ([]string, *mat.SymDense, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<30)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: empty input", ErrNotSquare)
	}
	header := strings.Split(scanner.Text(), "\t")
	if header[0] != "" {
		return nil, nil, fmt.Errorf("header row must start with an empty cell, got %q", header[0])
	}
	names := header[1:]
	n := len(names)
	if n == 0 {
		return nil, nil, fmt.Errorf("%w: no samples", ErrNotSquare)
	}
	full := make([]float64, 0, n*n)
	for row := 0; scanner.Scan(); row++ {
		line := scanner.Text()
		if line == "" {
			row--
			continue
		}
		fields := strings.Split(line, "\t")
		if row >= n {
			return nil, nil, fmt.Errorf("%w: more than %d rows", ErrNotSquare, n)
		} else if len(fields) != n+1 {
			return nil, nil, fmt.Errorf("%w: row %d has %d values, expected %d", ErrNotSquare, row+1, len(fields)-1, n)
		} else if fields[0] != names[row] {
			return nil, nil, fmt.Errorf("row %d is labelled %q, expected %q", row+1, fields[0], names[row])
		}
		for _, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d: %w", row+1, err)
			}
			full = append(full, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if len(full) != n*n {
		return nil, nil, fmt.Errorf("%w: %d rows, expected %d", ErrNotSquare, len(full)/max(n, 1), n)
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			a, b := full[i*n+j], full[j*n+i]
			if a == b {
				sym.SetSym(i, j, a)
			} else if math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b)) {
				sym.SetSym(i, j, (a+b)/2)
			} else {
				return nil, nil, fmt.Errorf("matrix is not symmetric at %s/%s: %v != %v", names[i], names[j], a, b)
			}
		}
	}
	return names, sym, nil
}
