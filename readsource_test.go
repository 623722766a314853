// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"strings"

	"gopkg.in/check.v1"
)

type readSourceSuite struct{}

var _ = check.Suite(&readSourceSuite{})

func (s *readSourceSuite) TestSampleName(c *check.C) {
	for in, want := range map[string]string{
		"ERR1234_1.fastq.gz":     "ERR1234_1",
		"dir/sub/sample.fa":      "sample",
		"/tmp/reads.FASTQ.GZ":    "reads",
		"plain":                  "plain",
		"two.dots.fasta.xz":      "two.dots",
		"weird.fq.gz.fq":         "weird",
		".fastq":                 ".fastq",
		"testdata/sampleC.fa.gz": "sampleC",
	} {
		c.Check(sampleName(in), check.Equals, want, check.Commentf("%q", in))
	}
}

func (s *readSourceSuite) TestEachSequence(c *check.C) {
	for _, trial := range []struct {
		fnm     string
		records int
		bases   int
	}{
		{"testdata/sampleA.fasta", 2, 240},
		{"testdata/sampleB.fastq", 2, 270},
		{"testdata/sampleC.fa.gz", 2, 444},
	} {
		var seqs []string
		n, err := eachSequence(trial.fnm, func(seq string) { seqs = append(seqs, seq) })
		c.Check(err, check.IsNil)
		c.Check(n, check.Equals, trial.records)
		c.Check(seqs, check.HasLen, trial.records)
		c.Check(len(strings.Join(seqs, "")), check.Equals, trial.bases, check.Commentf("%s", trial.fnm))
	}
}

func (s *readSourceSuite) TestEachSequenceMissingFile(c *check.C) {
	_, err := eachSequence("testdata/does-not-exist.fa", func(string) {})
	c.Check(err, check.ErrorMatches, `testdata/does-not-exist\.fa: .*`)
}
