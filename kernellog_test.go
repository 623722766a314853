// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"math"
	"os"
	"strings"

	"github.com/arvados/kwip/kernel"
	"gopkg.in/check.v1"
)

type kernelLogSuite struct{}

var _ = check.Suite(&kernelLogSuite{})

func (s *kernelLogSuite) TestWriteReadAppend(c *check.C) {
	fnm := c.MkDir() + "/kernel.log"
	params := kernelLogParams{Func: "wip", Weights: "weights", FirstP: "0", Store: "/data/store"}
	kl, err := createKernelLog(fnm, params)
	c.Assert(err, check.IsNil)
	c.Check(kl.Record(kernel.NewPair("b", "a"), 1, 1.0/3), check.IsNil)
	c.Check(kl.Record(kernel.NewPair("a", "a"), 0, 12345678.901234567), check.IsNil)
	c.Check(kl.Close(), check.IsNil)

	kl, err = createKernelLog(fnm, params)
	c.Assert(err, check.IsNil)
	c.Check(kl.Record(kernel.NewPair("b", "b"), 2, math.SmallestNonzeroFloat64), check.IsNil)
	c.Check(kl.Close(), check.IsNil)

	buf, err := os.ReadFile(fnm)
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSuffix(string(buf), "\n"), "\n")
	c.Check(lines, check.HasLen, 8)
	c.Check(lines[0], check.Matches, `# Kernel values generated with kwip version .*`)
	c.Check(lines[1:5], check.DeepEquals, []string{"# kernel\twip", "# weights\tweights", "# first-p\t0", "# store\t/data/store"})
	c.Check(lines[5], check.Matches, "a\tb\t1\t0.333333333333333.*")

	data, err := readKernelLog(fnm)
	c.Assert(err, check.IsNil)
	c.Check(data.Params, check.Equals, params)
	c.Check(data.Values, check.DeepEquals, map[kernel.Pair]float64{
		{A: "a", B: "b"}: 1.0 / 3,
		{A: "a", B: "a"}: 12345678.901234567,
		{A: "b", B: "b"}: math.SmallestNonzeroFloat64,
	})
}

func (s *kernelLogSuite) TestParse(c *check.C) {
	data, err := parseKernelLog(strings.NewReader("# kernel\tip\n\na\tb\t1\t2.5\nb\ta\t1\t2.5\na\ta\t0\t3"))
	c.Assert(err, check.IsNil)
	c.Check(data.Params.Func, check.Equals, "ip")
	// the unterminated last line is an interrupted write
	c.Check(data.Values, check.DeepEquals, map[kernel.Pair]float64{{A: "a", B: "b"}: 2.5})

	for _, trial := range []struct {
		in  string
		err string
	}{
		{"a\tb\t1\n", `line 1: expected 4 fields, got 3`},
		{"a\tb\t1\tx\n", `line 1: .*invalid syntax`},
		{"a\tb\t1\t2\nb\ta\t1\t3\n", `line 2: conflicting values for a/b: 2, 3`},
		{"# kernel\tip\n# kernel\twip\n", `line 2: kernel "wip", previously "ip"`},
		{"# first-p\t0\n# first-p\t100\n", `line 2: first-p "100", previously "0"`},
	} {
		_, err := parseKernelLog(strings.NewReader(trial.in))
		c.Check(err, check.ErrorMatches, trial.err, check.Commentf("%q", trial.in))
	}
}

func (s *kernelLogSuite) TestResumeAfterIncompleteRecord(c *check.C) {
	fnm := c.MkDir() + "/kernel.log"
	params := kernelLogParams{Func: "ip", FirstP: "0", Store: "/data/store"}
	kl, err := createKernelLog(fnm, params)
	c.Assert(err, check.IsNil)
	c.Check(kl.Record(kernel.NewPair("a", "a"), 0, 1), check.IsNil)
	c.Check(kl.Close(), check.IsNil)

	// interrupted in the middle of a record
	f, err := os.OpenFile(fnm, os.O_APPEND|os.O_WRONLY, 0)
	c.Assert(err, check.IsNil)
	_, err = f.WriteString("a\tb\t1\t0.5")
	c.Assert(err, check.IsNil)
	c.Assert(f.Close(), check.IsNil)

	kl, err = createKernelLog(fnm, params)
	c.Assert(err, check.IsNil)
	c.Check(kl.Record(kernel.NewPair("a", "b"), 1, 0.25), check.IsNil)
	c.Check(kl.Record(kernel.NewPair("b", "b"), 2, 2), check.IsNil)
	c.Check(kl.Close(), check.IsNil)

	data, err := readKernelLog(fnm)
	c.Assert(err, check.IsNil)
	c.Check(data.Params, check.Equals, params)
	c.Check(data.Values, check.DeepEquals, map[kernel.Pair]float64{
		{A: "a", B: "a"}: 1,
		{A: "a", B: "b"}: 0.25,
		{A: "b", B: "b"}: 2,
	})

	// a file holding only part of a header starts over
	fnm = c.MkDir() + "/partial.log"
	c.Assert(os.WriteFile(fnm, []byte("# Kernel values gen"), 0666), check.IsNil)
	kl, err = createKernelLog(fnm, params)
	c.Assert(err, check.IsNil)
	c.Check(kl.Close(), check.IsNil)
	data, err = readKernelLog(fnm)
	c.Assert(err, check.IsNil)
	c.Check(data.Params, check.Equals, params)
	c.Check(data.Values, check.HasLen, 0)
}

func (s *kernelLogSuite) TestCheckResumeParams(c *check.C) {
	want := kernelLogParams{Func: "wip", Weights: "weights", FirstP: "0", Store: "/data/store"}
	c.Check(checkResumeParams(&kernelLogData{}, want), check.IsNil)
	c.Check(checkResumeParams(&kernelLogData{Params: want}, want), check.IsNil)

	got := want
	got.Func = "ip"
	c.Check(checkResumeParams(&kernelLogData{Params: got}, want), check.ErrorMatches, `kernel log has ip values, not wip`)
	got = want
	got.FirstP = "1000"
	c.Check(checkResumeParams(&kernelLogData{Params: got}, want), check.ErrorMatches, `kernel log was computed with first-p "1000", not "0"`)
	got = want
	got.Weights = "w2"
	c.Check(checkResumeParams(&kernelLogData{Params: got}, want), check.ErrorMatches, `kernel log was computed with weights "w2", not "weights"`)
	got = want
	got.Store = "/other/store"
	c.Check(checkResumeParams(&kernelLogData{Params: got}, want), check.ErrorMatches, `kernel log was computed with store "/other/store", not "/data/store"`)
	// values without a header cannot be trusted
	c.Check(checkResumeParams(&kernelLogData{Values: map[kernel.Pair]float64{{A: "a", B: "a"}: 1}}, want), check.NotNil)
}

func (s *kernelLogSuite) TestMerge(c *check.C) {
	all := &kernelLogData{Values: map[kernel.Pair]float64{}}
	c.Check(all.merge(&kernelLogData{Params: kernelLogParams{Func: "ip", FirstP: "0", Store: "/mnt/a"}, Values: map[kernel.Pair]float64{{A: "a", B: "a"}: 1}}), check.IsNil)
	c.Check(all.merge(&kernelLogData{Params: kernelLogParams{Func: "ip", FirstP: "0", Store: "/mnt/b"}, Values: map[kernel.Pair]float64{{A: "a", B: "a"}: 1, {A: "a", B: "b"}: 2}}), check.IsNil)
	c.Check(all.Values, check.HasLen, 2)
	c.Check(all.merge(&kernelLogData{Params: kernelLogParams{Func: "wip"}}), check.ErrorMatches, `cannot merge ip and wip kernel values`)
	c.Check(all.merge(&kernelLogData{Params: kernelLogParams{FirstP: "0.5"}}), check.ErrorMatches, `cannot merge kernel values computed with first-p "0" and "0.5"`)
	c.Check(all.merge(&kernelLogData{Values: map[kernel.Pair]float64{{A: "a", B: "b"}: 3}}), check.ErrorMatches, `conflicting values for a/b: 2, 3`)
}

func (s *kernelLogSuite) TestMergeMissingPair(c *check.C) {
	tmpdir := c.MkDir()
	c.Assert(os.WriteFile(tmpdir+"/0.log", []byte("a\ta\t0\t1\nb\tb\t2\t1\n"), 0666), check.IsNil)
	_, err := mergeKernelLogs([]string{tmpdir + "/0.log"})
	c.Check(err, check.ErrorMatches, `missing kernel value for a/b`)

	c.Assert(os.WriteFile(tmpdir+"/1.log", []byte("a\tb\t1\t0.5\n"), 0666), check.IsNil)
	m, err := mergeKernelLogs([]string{tmpdir + "/0.log", tmpdir + "/1.log"})
	c.Assert(err, check.IsNil)
	c.Check(m.Names, check.DeepEquals, []string{"a", "b"})
	c.Check(m.K.At(1, 0), check.Equals, 0.5)

	_, err = mergeKernelLogs([]string{tmpdir + "/missing.log"})
	c.Check(err, check.NotNil)
}
