// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kmer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

var ErrInvalidConfig = errors.New("invalid counter configuration")

type Config struct {
	KSize  int
	CVSize int
	// Tables > 1 enables count-min-sketch smoothing with that many
	// hashed tables of CVSize counters each. 0 or 1 counts exactly.
	Tables int
}

func (cfg Config) Validate() error {
	if cfg.KSize < 1 || cfg.KSize > MaxK {
		return fmt.Errorf("%w: ksize %d out of range 1..%d", ErrInvalidConfig, cfg.KSize, MaxK)
	}
	if cfg.CVSize < 1 {
		return fmt.Errorf("%w: cvsize %d < 1", ErrInvalidConfig, cfg.CVSize)
	}
	if cfg.Tables < 0 {
		return fmt.Errorf("%w: tables %d < 0", ErrInvalidConfig, cfg.Tables)
	}
	return nil
}

// Sketch reports whether cfg selects count-min-sketch mode.
func (cfg Config) Sketch() bool {
	return cfg.Tables > 1
}

// tally is the counting strategy behind a Counter.
type tally interface {
	add(code uint64)
	estimate(code uint64) uint32
}

// A Counter accumulates k-mer counts for a single sample. It is not
// safe for concurrent use.
type Counter struct {
	cfg   Config
	cv    []uint32
	tally tally
	kmers int64
}

func NewCounter(cfg Config) (*Counter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctr := &Counter{cfg: cfg, cv: make([]uint32, cfg.CVSize)}
	if cfg.Sketch() {
		sk := &sketchTally{cv: ctr.cv, cvsize: uint64(cfg.CVSize)}
		for t := 0; t < cfg.Tables; t++ {
			sk.tables = append(sk.tables, make([]uint32, cfg.CVSize))
		}
		ctr.tally = sk
	} else {
		ctr.tally = &exactTally{cv: ctr.cv, cvsize: uint64(cfg.CVSize)}
	}
	return ctr, nil
}

// Consume counts every k-mer of seq.
func (ctr *Counter) Consume(seq string) {
	EachKmer(seq, ctr.cfg.KSize, func(code uint64) {
		ctr.tally.add(code)
		ctr.kmers++
	})
}

// Slot returns the count vector index of a k-mer code.
func (ctr *Counter) Slot(code uint64) int {
	return int(code % uint64(ctr.cfg.CVSize))
}

// Get returns the count vector value at slot.
func (ctr *Counter) Get(slot int) uint32 {
	return ctr.cv[slot]
}

// Estimate returns the count recorded for a k-mer code. In sketch
// mode this is the minimum over all tables.
func (ctr *Counter) Estimate(code uint64) uint32 {
	return ctr.tally.estimate(code)
}

// Counts returns the count vector. The returned slice is owned by the
// counter and must not be modified.
func (ctr *Counter) Counts() []uint32 {
	return ctr.cv
}

// Kmers returns the number of windows consumed so far.
func (ctr *Counter) Kmers() int64 {
	return ctr.kmers
}

func (ctr *Counter) Config() Config {
	return ctr.cfg
}

func incr(c []uint32, i uint64) uint32 {
	if c[i] != math.MaxUint32 {
		c[i]++
	}
	return c[i]
}

type exactTally struct {
	cv     []uint32
	cvsize uint64
}

func (t *exactTally) add(code uint64) {
	incr(t.cv, code%t.cvsize)
}

func (t *exactTally) estimate(code uint64) uint32 {
	return t.cv[code%t.cvsize]
}

type sketchTally struct {
	cv     []uint32
	cvsize uint64
	tables [][]uint32
}

// index returns the position of code in table t. Table 0 shares the
// count vector's slot function.
func (sk *sketchTally) index(t int, code uint64) uint64 {
	if t == 0 {
		return code % sk.cvsize
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], code)
	return murmur3.Sum64WithSeed(buf[:], uint32(t)) % sk.cvsize
}

// add increments every table, then raises the count vector slot to
// the new estimate. The count vector slot never exceeds table 0's
// counter, so the vector total never exceeds the number of windows.
func (sk *sketchTally) add(code uint64) {
	est := uint32(math.MaxUint32)
	for t, table := range sk.tables {
		if v := incr(table, sk.index(t, code)); v < est {
			est = v
		}
	}
	slot := code % sk.cvsize
	if sk.cv[slot] < est {
		sk.cv[slot] = est
	}
}

func (sk *sketchTally) estimate(code uint64) uint32 {
	est := uint32(math.MaxUint32)
	for t, table := range sk.tables {
		if v := table[sk.index(t, code)]; v < est {
			est = v
		}
	}
	return est
}
