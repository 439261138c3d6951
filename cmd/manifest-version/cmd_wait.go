// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/chromiumos/manifestversions/buildspec"
)

func cmdWaitBuilders() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "wait-builders [flags] [builder...]",
		ShortDesc: "waits for peer builders to report on the current candidate",
		LongDesc: `Polls the shared repository until every named builder (default: the
configured builders list) has a terminal verdict on the newest candidate
or the build type's wait bound elapses. Builders still silent at the
bound are reported as unset. Exits nonzero unless every builder passed;
treating unset as failure is this command's policy, not the protocol's.`,
		CommandRun: func() subcommands.CommandRun {
			r := &waitRun{}
			r.initFlags()
			return r
		},
	}
}

type waitRun struct {
	commandBase
}

func (r *waitRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	s, err := r.newSession(ctx)
	if err != nil {
		return errExit(ctx, err)
	}
	_, lk := s.managers()
	if lk == nil {
		return errExit(ctx, errors.New("wait-builders needs a candidate build_type in the site config"))
	}
	builders := args
	if len(builders) == 0 {
		builders = s.cfg.Builders
	}
	if len(builders) == 0 {
		return errExit(ctx, errors.New("no builders named on the command line or in the site config"))
	}

	statuses, err := lk.GetBuildersStatus(ctx, builders, s.source.GetRelativePath(s.cfg.VersionFile))
	if err != nil {
		return errExit(ctx, err)
	}
	allPassed := true
	for _, b := range builders {
		st := statuses[b]
		printStatus(b, st)
		if st.Status != buildspec.StatusPassed {
			allPassed = false
		}
	}
	if !allPassed {
		return 1
	}
	return 0
}
