// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package kmer counts the k-mers of nucleotide sequences into
// fixed-size count vectors.
package kmer

// MaxK is the longest k-mer that fits a 2-bit encoding in a uint64.
const MaxK = 32

var (
	twobit = func() []uint64 {
		r := make([]uint64, 256)
		r[int('a')] = 0
		r[int('A')] = 0
		r[int('c')] = 1
		r[int('C')] = 1
		r[int('g')] = 2
		r[int('G')] = 2
		r[int('t')] = 3
		r[int('T')] = 3
		return r
	}()
	isbase = func() []bool {
		r := make([]bool, 256)
		for _, b := range "acgtACGT" {
			r[int(b)] = true
		}
		return r
	}()
)

func keymask(k int) uint64 {
	return ^uint64(0) >> uint(64-2*k)
}

// EachKmer calls fn with the 2-bit code of every window of k
// consecutive unambiguous bases in seq, in order. Any byte other
// than ACGT (either case) restarts the window.
func EachKmer(seq string, k int, fn func(code uint64)) {
	if k < 1 || k > MaxK {
		return
	}
	mask := keymask(k)
	var key uint64
	have := 0
	for i := 0; i < len(seq); i++ {
		base := seq[i]
		if !isbase[int(base)] {
			have = 0
			key = 0
			continue
		}
		key = ((key << 2) | twobit[int(base)]) & mask
		if have < k {
			have++
		}
		if have == k {
			fn(key)
		}
	}
}

// Encode returns the 2-bit code of s, which must consist of 1..MaxK
// unambiguous bases.
func Encode(s string) (uint64, bool) {
	if len(s) < 1 || len(s) > MaxK {
		return 0, false
	}
	var key uint64
	for i := 0; i < len(s); i++ {
		if !isbase[int(s[i])] {
			return 0, false
		}
		key = (key << 2) | twobit[int(s[i])]
	}
	return key, true
}

// Decode returns the uppercase sequence of a k-mer code.
func Decode(code uint64, k int) string {
	untwobit := []byte{'A', 'C', 'G', 'T'}
	seq := make([]byte, k)
	for i := len(seq) - 1; i >= 0; i-- {
		seq[i] = untwobit[int(code&3)]
		code = code >> 2
	}
	return string(seq)
}
