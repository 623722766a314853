// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/bio/seqio/fastx"
)

func init() {
	// Ambiguity codes are handled by the k-mer iterator.
	seq.ValidateSeq = false
}

// readFileExts are stripped from input filenames to form sample
// names.
var readFileExts = []string{".gz", ".bz2", ".xz", ".zst", ".fa", ".fq", ".fasta", ".fastq", ".fna", ".sra"}

// sampleName derives a sample identifier from a read file name, e.g.
// "dir/ERR1234_1.fastq.gz" -> "ERR1234_1".
func sampleName(fnm string) string {
	name := filepath.Base(fnm)
	for {
		trimmed := name
		for _, ext := range readFileExts {
			if strings.HasSuffix(strings.ToLower(trimmed), ext) && len(trimmed) > len(ext) {
				trimmed = trimmed[:len(trimmed)-len(ext)]
			}
		}
		if trimmed == name {
			return name
		}
		name = trimmed
	}
}

// eachSequence calls fn with the sequence of every FASTA/FASTQ
// record in fnm, which may be compressed. "-" reads stdin.
func eachSequence(fnm string, fn func(seq string)) (int, error) {
	reader, err := fastx.NewDefaultReader(fnm)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", fnm, err)
	}
	defer reader.Close()
	records := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return records, nil
		} else if err != nil {
			return records, fmt.Errorf("%s: record %d: %w", fnm, records+1, err)
		}
		records++
		fn(string(record.Seq.Seq))
	}
}
