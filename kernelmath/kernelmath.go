// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package kernelmath checks, normalises and converts kernel
// matrices.
package kernelmath

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// DefaultEpsilon is the tolerance for negative eigenvalues in IsPSD.
const DefaultEpsilon = 1e-6

var (
	ErrNotPSD           = errors.New("kernel matrix is not positive semi-definite")
	ErrDegenerateSample = errors.New("degenerate sample")
	ErrNotSquare        = errors.New("matrix is not square")
)

// DegenerateError reports a diagonal entry that cannot be used for
// normalisation, typically an empty sample.
type DegenerateError struct {
	Index int
	Value float64
}

func (e *DegenerateError) Error() string {
	return fmt.Sprintf("%s: row %d has self-kernel %v", ErrDegenerateSample, e.Index, e.Value)
}

func (e *DegenerateError) Unwrap() error { return ErrDegenerateSample }

// MinEigenvalue returns the smallest eigenvalue of K.
func MinEigenvalue(K mat.Symmetric) (float64, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(K, false); !ok {
		return 0, errors.New("eigendecomposition failed")
	}
	min := math.Inf(1)
	for _, v := range eig.Values(nil) {
		if v < min {
			min = v
		}
	}
	return min, nil
}

// IsPSD reports whether every eigenvalue of K is >= -eps.
func IsPSD(K mat.Symmetric, eps float64) (bool, error) {
	min, err := MinEigenvalue(K)
	if err != nil {
		return false, err
	}
	return min >= -eps, nil
}

// Normalise returns K'[i,j] = K[i,j] / sqrt(K[i,i] * K[j,j]), which
// has a unit diagonal.
func Normalise(K mat.Symmetric) (*mat.SymDense, error) {
	n, _ := K.Dims()
	diag := make([]float64, n)
	for i := range diag {
		d := K.At(i, i)
		if !(d > 0) || math.IsInf(d, 0) {
			return nil, &DegenerateError{Index: i, Value: d}
		}
		diag[i] = d
	}
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			out.SetSym(i, j, K.At(i, j)/math.Sqrt(diag[i]*diag[j]))
		}
	}
	return out, nil
}

// Converter turns kernel matrices into distance matrices, applying a
// policy for kernels that are not positive semi-definite.
type Converter struct {
	// Epsilon for the PSD test. Zero means DefaultEpsilon.
	Epsilon float64
	// Strict makes a non-PSD kernel an error. Otherwise a warning
	// is logged and the distances are computed anyway.
	Strict bool
	Log    logrus.FieldLogger
}

// Distance normalises K and returns D[i,j] = K'[i,i] + K'[j,j] -
// 2*K'[i,j].
func (cv Converter) Distance(K mat.Symmetric) (*mat.SymDense, error) {
	eps := cv.Epsilon
	if eps == 0 {
		eps = DefaultEpsilon
	}
	min, err := MinEigenvalue(K)
	if err != nil {
		return nil, err
	}
	if min < -eps {
		if cv.Strict {
			return nil, fmt.Errorf("%w (smallest eigenvalue %g)", ErrNotPSD, min)
		}
		log := cv.Log
		if log == nil {
			log = logrus.StandardLogger()
		}
		log.WithField("min_eigenvalue", min).Warn("kernel matrix is not positive semi-definite; distances are not metric")
	}
	norm, err := Normalise(K)
	if err != nil {
		return nil, err
	}
	n, _ := norm.Dims()
	D := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			D.SetSym(i, j, norm.At(i, i)+norm.At(j, j)-2*norm.At(i, j))
		}
	}
	return D, nil
}

// KernelToDistance converts K with the default (warning) policy.
func KernelToDistance(K mat.Symmetric) (*mat.SymDense, error) {
	return Converter{}.Distance(K)
}
