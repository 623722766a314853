// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package arraystore keeps named numeric vectors on disk as a
// sequence of fixed-size .npy blocks, so they can be read back one
// block at a time.
package arraystore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	"golang.org/x/crypto/blake2b"
)

// DefaultBlockSize is the number of elements per block.
const DefaultBlockSize = 1 << 20

const metaFile = "meta.json"

var (
	ErrNotExist     = errors.New("array does not exist")
	ErrChecksum     = errors.New("block checksum mismatch")
	ErrIncompatible = errors.New("incompatible array")
)

type Dtype string

const (
	Uint32  Dtype = "uint32"
	Float64 Dtype = "float64"
)

// Meta describes a stored array. KSize, CVSize, Tables and Samples
// are attributes recorded by the caller.
type Meta struct {
	Name      string    `json:"name"`
	Dtype     Dtype     `json:"dtype"`
	Length    int       `json:"length"`
	BlockSize int       `json:"blocksize"`
	Compress  bool      `json:"compress"`
	KSize     int       `json:"ksize,omitempty"`
	CVSize    int       `json:"cvsize,omitempty"`
	Tables    int       `json:"tables,omitempty"`
	Samples   int       `json:"samples,omitempty"`
	Source    string    `json:"source,omitempty"`
	Created   time.Time `json:"created"`
	Blake2b   []string  `json:"blake2b"`
}

// Blocks returns the number of blocks in the array.
func (m Meta) Blocks() int {
	return (m.Length + m.BlockSize - 1) / m.BlockSize
}

// Bounds returns the element range [start, end) of block i.
func (m Meta) Bounds(i int) (int, int) {
	start := i * m.BlockSize
	end := start + m.BlockSize
	if end > m.Length {
		end = m.Length
	}
	return start, end
}

func (m Meta) blockFile(i int) string {
	if m.Compress {
		return fmt.Sprintf("%08d.npy.gz", i)
	}
	return fmt.Sprintf("%08d.npy", i)
}

// Store is a directory of arrays. Arrays are written once and read
// many times; readers may run concurrently.
type Store struct {
	Dir       string
	BlockSize int
	Compress  bool
}

// Open returns a store rooted at dir, creating the directory if
// needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	return &Store{Dir: dir, BlockSize: DefaultBlockSize}, nil
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\\x00") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid array name %q", name)
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.Dir, name)
}

// List returns the names of all arrays in the store, sorted.
func (s *Store) List() ([]string, error) {
	ents, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if !ent.IsDir() || strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.Dir, ent.Name(), metaFile)); err == nil {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Meta(name string) (Meta, error) {
	var meta Meta
	if err := validName(name); err != nil {
		return meta, err
	}
	buf, err := os.ReadFile(filepath.Join(s.path(name), metaFile))
	if os.IsNotExist(err) {
		return meta, fmt.Errorf("%w: %q", ErrNotExist, name)
	} else if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(buf, &meta); err != nil {
		return meta, fmt.Errorf("%s: %w", name, err)
	}
	if meta.BlockSize < 1 || meta.Length < 0 || len(meta.Blake2b) != meta.Blocks() {
		return meta, fmt.Errorf("%s: corrupt metadata", name)
	}
	return meta, nil
}

// ModTime returns the time the array was written.
func (s *Store) ModTime(name string) (time.Time, error) {
	fi, err := os.Stat(filepath.Join(s.path(name), metaFile))
	if os.IsNotExist(err) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNotExist, name)
	} else if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// WriteCounts stores a count vector. attrs supplies the caller's
// attributes; its layout fields are filled in by the store.
func (s *Store) WriteCounts(name string, data []uint32, attrs Meta) error {
	return s.write(name, Uint32, len(data), attrs, func(npw *gonpy.NpyWriter, start, end int) error {
		return npw.WriteUint32(data[start:end])
	})
}

// WriteWeights stores a real-valued vector.
func (s *Store) WriteWeights(name string, data []float64, attrs Meta) error {
	return s.write(name, Float64, len(data), attrs, func(npw *gonpy.NpyWriter, start, end int) error {
		return npw.WriteFloat64(data[start:end])
	})
}

func (s *Store) write(name string, dtype Dtype, length int, attrs Meta, writeBlock func(npw *gonpy.NpyWriter, start, end int) error) error {
	if err := validName(name); err != nil {
		return err
	}
	meta := attrs
	meta.Name = name
	meta.Dtype = dtype
	meta.Length = length
	meta.BlockSize = s.BlockSize
	if meta.BlockSize < 1 {
		meta.BlockSize = DefaultBlockSize
	}
	meta.Compress = s.Compress
	meta.Created = time.Now().UTC()
	meta.Blake2b = nil

	tmpdir, err := os.MkdirTemp(s.Dir, "."+name+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpdir)
	for i := 0; i < meta.Blocks(); i++ {
		start, end := meta.Bounds(i)
		var buf bytes.Buffer
		var out io.Writer = &buf
		var zw *pgzip.Writer
		if meta.Compress {
			zw = pgzip.NewWriter(&buf)
			out = zw
		}
		bufw := bufio.NewWriter(out)
		npw, err := gonpy.NewWriter(nopCloser{bufw})
		if err != nil {
			return err
		}
		npw.Shape = []int{end - start}
		if err := writeBlock(npw, start, end); err != nil {
			return fmt.Errorf("%s block %d: %w", name, i, err)
		}
		if err := bufw.Flush(); err != nil {
			return err
		}
		if zw != nil {
			if err := zw.Close(); err != nil {
				return err
			}
		}
		sum := blake2b.Sum256(buf.Bytes())
		meta.Blake2b = append(meta.Blake2b, fmt.Sprintf("%x", sum))
		if err := os.WriteFile(filepath.Join(tmpdir, meta.blockFile(i)), buf.Bytes(), 0666); err != nil {
			return err
		}
	}
	metabuf, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpdir, metaFile), metabuf, 0666); err != nil {
		return err
	}
	if err := os.RemoveAll(s.path(name)); err != nil {
		return err
	}
	return os.Rename(tmpdir, s.path(name))
}

// Block is one block of an array. Exactly one of Counts and Weights
// is set, according to the array's dtype.
type Block struct {
	Index   int
	Offset  int
	Counts  []uint32
	Weights []float64
}

func (b Block) Len() int {
	if b.Counts != nil {
		return len(b.Counts)
	}
	return len(b.Weights)
}

// Float64 returns the block's values as float64.
func (b Block) Float64() []float64 {
	if b.Counts == nil {
		return b.Weights
	}
	out := make([]float64, len(b.Counts))
	for i, v := range b.Counts {
		out[i] = float64(v)
	}
	return out
}

// ReadBlock reads and verifies block i of the named array.
func (s *Store) ReadBlock(name string, i int) (Block, error) {
	meta, err := s.Meta(name)
	if err != nil {
		return Block{}, err
	}
	return s.BlockOf(meta, i)
}

func (s *Store) BlockOf(meta Meta, i int) (Block, error) {
	if i < 0 || i >= meta.Blocks() {
		return Block{}, fmt.Errorf("%s: block %d out of range [0,%d)", meta.Name, i, meta.Blocks())
	}
	fnm := filepath.Join(s.path(meta.Name), meta.blockFile(i))
	buf, err := os.ReadFile(fnm)
	if err != nil {
		return Block{}, err
	}
	if sum := fmt.Sprintf("%x", blake2b.Sum256(buf)); sum != meta.Blake2b[i] {
		return Block{}, fmt.Errorf("%w: %s", ErrChecksum, fnm)
	}
	var rdr io.Reader = bytes.NewReader(buf)
	if meta.Compress {
		zr, err := pgzip.NewReader(rdr)
		if err != nil {
			return Block{}, fmt.Errorf("%s: %w", fnm, err)
		}
		defer zr.Close()
		rdr = zr
	}
	npy, err := gonpy.NewReader(rdr)
	if err != nil {
		return Block{}, fmt.Errorf("%s: %w", fnm, err)
	}
	start, end := meta.Bounds(i)
	block := Block{Index: i, Offset: start}
	switch meta.Dtype {
	case Uint32:
		block.Counts, err = npy.GetUint32()
	case Float64:
		block.Weights, err = npy.GetFloat64()
	default:
		err = fmt.Errorf("unsupported dtype %q", meta.Dtype)
	}
	if err != nil {
		return Block{}, fmt.Errorf("%s: %w", fnm, err)
	}
	if block.Len() != end-start {
		return Block{}, fmt.Errorf("%s: %d values, expected %d", fnm, block.Len(), end-start)
	}
	return block, nil
}

// BlockIterator yields the blocks of an array in offset order.
type BlockIterator struct {
	store *Store
	meta  Meta
	next  int
}

// Blocks returns an iterator over the named array.
func (s *Store) Blocks(name string) (*BlockIterator, error) {
	meta, err := s.Meta(name)
	if err != nil {
		return nil, err
	}
	return &BlockIterator{store: s, meta: meta}, nil
}

func (it *BlockIterator) Meta() Meta {
	return it.meta
}

// Next returns the next block, or io.EOF after the last one.
func (it *BlockIterator) Next() (Block, error) {
	if it.next >= it.meta.Blocks() {
		return Block{}, io.EOF
	}
	block, err := it.store.BlockOf(it.meta, it.next)
	if err != nil {
		return Block{}, err
	}
	it.next++
	return block, nil
}

// ReadCounts reads a whole count vector.
func (s *Store) ReadCounts(name string) ([]uint32, error) {
	it, err := s.Blocks(name)
	if err != nil {
		return nil, err
	}
	if it.meta.Dtype != Uint32 {
		return nil, fmt.Errorf("%w: %s has dtype %s, not %s", ErrIncompatible, name, it.meta.Dtype, Uint32)
	}
	out := make([]uint32, 0, it.meta.Length)
	for {
		block, err := it.Next()
		if err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		out = append(out, block.Counts...)
	}
}

// ReadWeights reads a whole real-valued vector.
func (s *Store) ReadWeights(name string) ([]float64, error) {
	it, err := s.Blocks(name)
	if err != nil {
		return nil, err
	}
	if it.meta.Dtype != Float64 {
		return nil, fmt.Errorf("%w: %s has dtype %s, not %s", ErrIncompatible, name, it.meta.Dtype, Float64)
	}
	out := make([]float64, 0, it.meta.Length)
	for {
		block, err := it.Next()
		if err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		out = append(out, block.Weights...)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
