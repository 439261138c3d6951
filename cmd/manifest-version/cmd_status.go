// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/chromiumos/manifestversions/buildspec"
)

func cmdStatusSet() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "status-set -version <version> (-pass|-fail) [flags]",
		ShortDesc: "records this builder's verdict on a version",
		LongDesc: `Durably records a pass or fail verdict for a version in the shared
repository, exactly as the build pipeline would at the end of a build.
Intended for manual recovery, e.g. marking a wedged build failed so its
version stops counting as pending work.`,
		CommandRun: func() subcommands.CommandRun {
			r := &statusSetRun{}
			r.initFlags()
			r.Flags.StringVar(&r.version, "version", "", "Version to record the verdict for.")
			r.Flags.BoolVar(&r.pass, "pass", false, "Record a pass verdict.")
			r.Flags.BoolVar(&r.fail, "fail", false, "Record a fail verdict.")
			r.Flags.StringVar(&r.message, "message", "", "Failure detail recorded alongside a fail verdict.")
			return r
		},
	}
}

type statusSetRun struct {
	commandBase
	version string
	pass    bool
	fail    bool
	message string
}

func (r *statusSetRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if r.version == "" {
		return errExit(ctx, errors.New("-version is required"))
	}
	if r.pass == r.fail {
		return errExit(ctx, errors.New("exactly one of -pass or -fail is required"))
	}
	s, err := r.newSession(ctx)
	if err != nil {
		return errExit(ctx, err)
	}
	base, _, err := s.initialized(ctx)
	if err != nil {
		return errExit(ctx, err)
	}
	base.CurrentVersion = r.version
	if err := base.UpdateStatus(ctx, r.pass, r.message); err != nil {
		return errExit(ctx, err)
	}
	return 0
}

func cmdStatusGet() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "status-get -version <version> [-builder <name>] [flags]",
		ShortDesc: "reads a builder's recorded verdict on a version",
		CommandRun: func() subcommands.CommandRun {
			r := &statusGetRun{}
			r.initFlags()
			r.Flags.StringVar(&r.version, "version", "", "Version to read the verdict for.")
			r.Flags.StringVar(&r.builder, "builder", "", "Builder to read; defaults to the configured build name.")
			return r
		},
	}
}

type statusGetRun struct {
	commandBase
	version string
	builder string
}

func (r *statusGetRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if r.version == "" {
		return errExit(ctx, errors.New("-version is required"))
	}
	s, err := r.newSession(ctx)
	if err != nil {
		return errExit(ctx, err)
	}
	base, _, err := s.initialized(ctx)
	if err != nil {
		return errExit(ctx, err)
	}
	builder := r.builder
	if builder == "" {
		builder = s.cfg.BuildName
	}
	st, err := base.GetBuildStatus(builder, r.version)
	if err != nil {
		return errExit(ctx, err)
	}
	printStatus(builder, st)
	return 0
}

func printStatus(builder string, st buildspec.BuilderStatus) {
	status := string(st.Status)
	if st.Status == buildspec.StatusUnset {
		status = "unset"
	}
	if st.Message != "" {
		fmt.Printf("%s: %s (%s)\n", builder, status, st.Message)
	} else {
		fmt.Printf("%s: %s\n", builder, status)
	}
}
