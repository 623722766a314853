// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kernelmath

import (
	"fmt"

	"github.com/james-bowman/nlp"
	"gonum.org/v1/gonum/mat"
)

// PCA projects each sample's row of the (normalised) kernel matrix K
// onto the first components principal components, returning an
// n x components matrix.
func PCA(K mat.Symmetric, components int) (*mat.Dense, error) {
	n, _ := K.Dims()
	if components < 1 || components > n {
		return nil, fmt.Errorf("cannot compute %d principal components of %d samples", components, n)
	}
	// nlp expects one column per observation
	transformer := nlp.NewPCA(components)
	transformer.Fit(K.T())
	proj, err := transformer.Transform(K.T())
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(proj.T()), nil
}
