// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command manifest-version inspects and drives the shared
// manifest-versions repository: allocating buildspecs, recording and
// reading builder statuses, waiting on peers and promoting validated
// candidates to LKGM. It is an operator tool; build automation normally
// drives the same managers directly.
package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"

	"go.chromium.org/chromiumos/manifestversions/buildspec"
	"go.chromium.org/chromiumos/manifestversions/internal/gitrepo"
	"go.chromium.org/chromiumos/manifestversions/internal/reposource"
	"go.chromium.org/chromiumos/manifestversions/lkgm"
)

var logCfg = gologger.LoggerConfig{
	Out: os.Stderr,
}

// commandBase carries the flags every subcommand shares.
type commandBase struct {
	subcommands.CommandRunBase

	configPath string
	buildName  string
	force      bool
	dryRun     bool
}

func (c *commandBase) initFlags() {
	c.Flags.StringVar(&c.configPath, "config", "manifest-version.yaml",
		"Path to the YAML site config.")
	c.Flags.StringVar(&c.buildName, "build-name", "",
		"Override the configured builder name.")
	c.Flags.BoolVar(&c.force, "force", false,
		"Allocate a new version even for an unchanged checkout.")
	c.Flags.BoolVar(&c.dryRun, "dry-run", false,
		"Push nowhere; log what would be pushed.")
}

// session is the configured environment a subcommand operates in.
type session struct {
	cfg         siteConfig
	specRepo    *gitrepo.Repo
	versionRepo *gitrepo.Repo
	source      *reposource.Checkout
}

func (c *commandBase) newSession(ctx context.Context) (*session, error) {
	cfg, err := loadSiteConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.buildName != "" {
		cfg.BuildName = c.buildName
	}
	cfg.Force = cfg.Force || c.force
	cfg.DryRun = cfg.DryRun || c.dryRun

	var specRepo *gitrepo.Repo
	if _, err := os.Stat(filepath.Join(cfg.ManifestRepoDir, ".git")); err == nil {
		specRepo = gitrepo.New(cfg.ManifestRepoDir, cfg.RemoteBranch)
	} else if cfg.ManifestRepoURL != "" {
		specRepo, err = gitrepo.Clone(ctx, cfg.ManifestRepoURL, cfg.ManifestRepoDir, cfg.RemoteBranch)
		if err != nil {
			return nil, err
		}
	} else {
		return nil, errors.Fmt("no checkout at %s and no manifest_repo_url to clone", cfg.ManifestRepoDir)
	}
	specRepo.DryRun = cfg.DryRun

	source := reposource.New(cfg.SourceDir)
	source.IgnoreProjects = cfg.IgnoreProjects

	versionTop, err := gitrepo.Toplevel(ctx, filepath.Dir(source.GetRelativePath(cfg.VersionFile)))
	if err != nil {
		return nil, errors.Fmt("locating the version file repository: %w", err)
	}
	versionRepo := gitrepo.New(versionTop, cfg.RemoteBranch)
	versionRepo.DryRun = cfg.DryRun

	return &session{
		cfg:         cfg,
		specRepo:    specRepo,
		versionRepo: versionRepo,
		source:      source,
	}, nil
}

func (s *session) managerConfig() buildspec.Config {
	return buildspec.Config{
		BuildName:     s.cfg.BuildName,
		IncrType:      s.cfg.incrType(),
		RelWorkingDir: s.cfg.RelWorkingDir,
		VersionFile:   s.cfg.VersionFile,
		VersionRepo:   s.versionRepo,
		Force:         s.cfg.Force,
	}
}

// managers returns the session's buildspec manager and, for candidate
// build types, the lkgm manager wrapping it (nil otherwise).
func (s *session) managers() (*buildspec.Manager, *lkgm.Manager) {
	if bt, ok := s.cfg.lkgmType(); ok {
		lk := lkgm.New(s.managerConfig(), bt, s.specRepo, s.source)
		return lk.Manager, lk
	}
	return buildspec.New(s.managerConfig(), s.specRepo, s.source), nil
}

// initialized builds the managers, syncs the source tree and derives the
// session fields from a fresh checkout.
func (s *session) initialized(ctx context.Context) (*buildspec.Manager, *lkgm.Manager, error) {
	base, lk := s.managers()
	var vinfo buildspec.VersionBumper
	var err error
	if lk != nil {
		vinfo, err = lk.CandidateVersionInfo(ctx)
	} else {
		vinfo, err = base.CurrentVersionInfo(ctx)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := base.RefreshCheckout(ctx); err != nil {
		return nil, nil, err
	}
	base.InitializeVariables(ctx, vinfo)
	return base, lk, nil
}

func errExit(ctx context.Context, err error) int {
	logging.Errorf(ctx, "%s", err)
	return 1
}

func main() {
	app := &cli.Application{
		Name:  "manifest-version",
		Title: "ChromeOS manifest-versions repository tool",
		Context: func(ctx context.Context) context.Context {
			return logCfg.Use(ctx)
		},
		Commands: []*subcommands.Command{
			cmdNext(),
			cmdStatusSet(),
			cmdStatusGet(),
			cmdWaitBuilders(),
			cmdPromote(),
			cmdVersion(),

			subcommands.CmdHelp,
		},
	}
	os.Exit(subcommands.Run(app, nil))
}
