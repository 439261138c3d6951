// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

func cmdPromote() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "promote -version <candidate-version> [flags]",
		ShortDesc: "promotes a validated candidate to LKGM",
		LongDesc: `Repoints the LKGM pointer at the named candidate and pushes.

A promotion failure does not invalidate the candidate's recorded pass
status; rerun once the shared repository settles.`,
		CommandRun: func() subcommands.CommandRun {
			r := &promoteRun{}
			r.initFlags()
			r.Flags.StringVar(&r.version, "version", "", "Candidate version to promote.")
			return r
		},
	}
}

type promoteRun struct {
	commandBase
	version string
}

func (r *promoteRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if r.version == "" {
		return errExit(ctx, errors.New("-version is required"))
	}
	s, err := r.newSession(ctx)
	if err != nil {
		return errExit(ctx, err)
	}
	_, lk, err := s.initialized(ctx)
	if err != nil {
		return errExit(ctx, err)
	}
	if lk == nil {
		return errExit(ctx, errors.New("promote needs a candidate build_type in the site config"))
	}
	lk.CurrentVersion = r.version
	if err := lk.PromoteCandidate(ctx); err != nil {
		return errExit(ctx, err)
	}
	if v, err := lk.LKGMVersion(); err == nil {
		logging.Infof(ctx, "LKGM now blesses %s", v)
	}
	return 0
}
