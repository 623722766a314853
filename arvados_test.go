// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"io"
	"strings"

	"gopkg.in/check.v1"
)

type arvadosSuite struct{}

var _ = check.Suite(&arvadosSuite{})

func (s *arvadosSuite) TestTranslatePaths(c *check.C) {
	runner := arvadosContainerRunner{}
	store := "/home/user/keep/by_id/zzzzz-4zz18-aaaaaaaaaaaaaaa/store"
	input := "d41d8cd98f00b204e9800998ecf8427e+0/reads/a.fq.gz"
	other := "zzzzz-4zz18-aaaaaaaaaaaaaaa/b.fa"
	stdin := "-"
	c.Assert(runner.TranslatePaths(&store, &input, &other, &stdin), check.IsNil)
	c.Check(store, check.Equals, "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa/store")
	c.Check(input, check.Equals, "/mnt/d41d8cd98f00b204e9800998ecf8427e+0/reads/a.fq.gz")
	c.Check(other, check.Equals, "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa/b.fa")
	c.Check(stdin, check.Equals, "-")
	c.Check(runner.Mounts, check.HasLen, 2)
	c.Check(runner.Mounts["/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa"]["uuid"], check.Equals, "zzzzz-4zz18-aaaaaaaaaaaaaaa")
	c.Check(runner.Mounts["/mnt/d41d8cd98f00b204e9800998ecf8427e+0"]["portable_data_hash"], check.Equals, "d41d8cd98f00b204e9800998ecf8427e+0")

	local := "/tmp/store"
	c.Check(runner.TranslatePaths(&local), check.ErrorMatches, `cannot find uuid in path: "/tmp/store"`)
}

func (s *arvadosSuite) TestZopen(c *check.C) {
	f, err := zopen("testdata/sampleC.fa.gz")
	c.Assert(err, check.IsNil)
	buf, err := io.ReadAll(f)
	c.Check(err, check.IsNil)
	c.Check(f.Close(), check.IsNil)
	c.Check(strings.HasPrefix(string(buf), ">c0 description\n"), check.Equals, true)

	f, err = zopen("testdata/sampleA.fasta")
	c.Assert(err, check.IsNil)
	buf, err = io.ReadAll(f)
	c.Check(err, check.IsNil)
	c.Check(f.Close(), check.IsNil)
	c.Check(strings.HasPrefix(string(buf), ">a0\n"), check.Equals, true)
}

func (s *arvadosSuite) TestRunnerNeedsProject(c *check.C) {
	runner := arvadosContainerRunner{Name: "test"}
	_, err := runner.Run()
	c.Check(err, check.ErrorMatches, `cannot run arvados container: -project not provided`)
}
