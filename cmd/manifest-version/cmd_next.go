// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging"
)

func cmdNext() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "next [flags]",
		ShortDesc: "allocates or claims the next buildspec",
		LongDesc: `Allocates or claims the next buildspec and prints its local path.

For plain configurations this runs the full allocation transaction:
reuse pending work, suppress duplicate builds, else mint and publish a
new version. For candidate build types it long-polls for the newest
unprocessed candidate and claims it; with -master it publishes a new
candidate instead. Prints nothing when there is no work.`,
		CommandRun: func() subcommands.CommandRun {
			r := &nextRun{}
			r.initFlags()
			r.Flags.BoolVar(&r.master, "master", false,
				"Publish a new candidate rather than claiming the newest one (candidate build types only).")
			return r
		},
	}
}

type nextRun struct {
	commandBase
	master bool
}

func (r *nextRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	s, err := r.newSession(ctx)
	if err != nil {
		return errExit(ctx, err)
	}

	base, lk := s.managers()
	var path string
	var ok bool
	switch {
	case lk != nil && r.master:
		path, ok, err = lk.CreateNewCandidate(ctx, nil)
	case lk != nil:
		path, ok, err = lk.GetLatestCandidate(ctx)
	default:
		path, ok, err = base.GetNextBuildSpec(ctx)
	}
	if err != nil {
		return errExit(ctx, err)
	}
	if !ok {
		logging.Infof(ctx, "Nothing to build")
		return 0
	}
	fmt.Println(path)
	return 0
}
