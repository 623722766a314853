// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"count":        &counter{},
		"weight":       &weighter{},
		"kernel":       &kernelcmd{},
		"distmat":      &distmat{},
		"stats":        &statscmd{},
		"export-numpy": &exportNumpy{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		log.StandardLogger().Formatter = &log.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	pprof       string
	loglevel    string
	runLocal    bool
	projectUUID string
	priority    int
	preemptible bool
}

func (cf *commonFlags) Flags(flags *flag.FlagSet) {
	flags.StringVar(&cf.pprof, "pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.StringVar(&cf.loglevel, "loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	flags.BoolVar(&cf.runLocal, "local", true, "run on local host (false: run in an arvados container)")
	flags.StringVar(&cf.projectUUID, "project", "", "project `UUID` for containers and output data")
	flags.IntVar(&cf.priority, "priority", 500, "container request priority")
	flags.BoolVar(&cf.preemptible, "preemptible", false, "request preemptible instances for containers")
}

// Setup applies the log level and starts the profiling server.
func (cf *commonFlags) Setup() error {
	lvl, err := log.ParseLevel(cf.loglevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if cf.pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(cf.pprof, nil))
		}()
	}
	return nil
}

// Args returns the flags to pass along to a container running the
// same subcommand.
func (cf *commonFlags) Args() []string {
	return []string{"-local=true", "-loglevel=" + cf.loglevel}
}

func (cf *commonFlags) Runner(name string, vcpus int, ram int64) *arvadosContainerRunner {
	return &arvadosContainerRunner{
		Name:        name,
		Client:      arvados.NewClientFromEnv(),
		ProjectUUID: cf.projectUUID,
		VCPUs:       vcpus,
		RAM:         ram,
		Priority:    cf.priority,
		Preemptible: cf.preemptible,
	}
}

func defaultJobs() int {
	return runtime.NumCPU()
}
