// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"

	"go.chromium.org/chromiumos/manifestversions/version"
)

func cmdVersion() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "version [flags]",
		ShortDesc: "prints the platform version and the current LKGM",
		LongDesc: `Prints the platform version from the local version file without
touching the shared repository, plus the version the local checkout's
LKGM pointer blesses for candidate build types.`,
		CommandRun: func() subcommands.CommandRun {
			r := &versionRun{}
			r.initFlags()
			return r
		},
	}
}

type versionRun struct {
	commandBase
}

func (r *versionRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	s, err := r.newSession(ctx)
	if err != nil {
		return errExit(ctx, err)
	}
	vinfo, err := version.Load(s.source.GetRelativePath(s.cfg.VersionFile), s.cfg.incrType())
	if err != nil {
		return errExit(ctx, err)
	}
	fmt.Printf("platform version: %s (chrome branch %d)\n", vinfo.VersionString(), vinfo.ChromeBranch)

	if _, lk := s.managers(); lk != nil {
		if v, err := lk.LKGMVersion(); err == nil {
			fmt.Printf("lkgm: %s\n", v)
		} else {
			fmt.Println("lkgm: none")
		}
	}
	return 0
}
