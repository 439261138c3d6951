// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"os"

	"gopkg.in/yaml.v3"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/chromiumos/manifestversions/lkgm"
	"go.chromium.org/chromiumos/manifestversions/version"
)

// siteConfig describes one builder's site: where the shared
// manifest-versions repository and the source checkout live, and which
// lineage this builder participates in.
type siteConfig struct {
	// ManifestRepoDir is the local clone of the shared manifest-versions
	// repository, owned exclusively by this builder.
	ManifestRepoDir string `yaml:"manifest_repo_dir"`
	// ManifestRepoURL is cloned into ManifestRepoDir when the clone does
	// not exist yet.
	ManifestRepoURL string `yaml:"manifest_repo_url"`
	// RemoteBranch is the shared repository branch, "master" by default.
	RemoteBranch string `yaml:"remote_branch"`

	// SourceDir is the repo-managed source checkout root.
	SourceDir string `yaml:"source_dir"`
	// VersionFile is the source-relative path of the platform version
	// file.
	VersionFile string `yaml:"version_file"`

	BuildName string `yaml:"build_name"`
	// IncrType is build, branch or patch.
	IncrType string `yaml:"incr_type"`
	// BuildType selects candidate (LKGM) semantics when set: pfq,
	// chrome-pfq or paladin. Empty means plain buildspec semantics.
	BuildType string `yaml:"build_type"`
	// RelWorkingDir separates plain-buildspec pipelines sharing one
	// repository. Ignored for candidate build types, which derive it.
	RelWorkingDir string `yaml:"rel_working_dir"`

	// Builders are the peers wait-builders polls for.
	Builders []string `yaml:"builders"`
	// IgnoreProjects are project-name globs whose churn never affects
	// the build.
	IgnoreProjects []string `yaml:"ignore_projects"`

	Force  bool `yaml:"force"`
	DryRun bool `yaml:"dry_run"`
}

func loadSiteConfig(path string) (siteConfig, error) {
	var cfg siteConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Fmt("reading site config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Fmt("parsing site config %s: %w", path, err)
	}
	if cfg.RemoteBranch == "" {
		cfg.RemoteBranch = "master"
	}
	if cfg.IncrType == "" {
		cfg.IncrType = string(version.Patch)
	}
	if cfg.RelWorkingDir == "" {
		cfg.RelWorkingDir = "buildspecs-default"
	}
	return cfg, cfg.validate()
}

func (c siteConfig) validate() error {
	switch {
	case c.ManifestRepoDir == "":
		return errors.New("site config: manifest_repo_dir is required")
	case c.SourceDir == "":
		return errors.New("site config: source_dir is required")
	case c.VersionFile == "":
		return errors.New("site config: version_file is required")
	case c.BuildName == "":
		return errors.New("site config: build_name is required")
	}
	switch version.IncrType(c.IncrType) {
	case version.Build, version.Branch, version.Patch:
	default:
		return errors.Fmt("site config: unknown incr_type %q", c.IncrType)
	}
	if _, ok := c.lkgmType(); !ok && c.BuildType != "" {
		return errors.Fmt("site config: unknown build_type %q", c.BuildType)
	}
	return nil
}

func (c siteConfig) incrType() version.IncrType {
	return version.IncrType(c.IncrType)
}

// lkgmType returns the candidate build type, or ok=false for plain
// buildspec configurations.
func (c siteConfig) lkgmType() (lkgm.BuildType, bool) {
	switch bt := lkgm.BuildType(c.BuildType); bt {
	case lkgm.BuildTypePFQ, lkgm.BuildTypeChromePFQ, lkgm.BuildTypePaladin:
		return bt, true
	default:
		return "", false
	}
}
