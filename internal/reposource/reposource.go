// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package reposource adapts a repo-managed source checkout to the
// manager's source seam. It shells out to the `repo` tool, which must be
// on PATH and initialized in the checkout root.
package reposource

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/exec"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/manifestversions/buildspec"
	"go.chromium.org/chromiumos/manifestversions/manifest"
)

// Checkout is a repo-managed source tree.
type Checkout struct {
	dir string

	// IgnoreProjects are project-name globs excluded from manifest
	// comparison, for projects whose churn never affects the build.
	IgnoreProjects []string

	// Jobs caps repo sync parallelism; 0 uses repo's default.
	Jobs int
}

var _ buildspec.SourceRepo = (*Checkout)(nil)

// New returns a Checkout rooted at dir.
func New(dir string) *Checkout {
	return &Checkout{dir: dir}
}

// Root returns the checkout root.
func (c *Checkout) Root() string { return c.dir }

// Sync checks the tree out to the manifest at manifestPath; an empty path
// syncs to the checkout's canonical default manifest.
func (c *Checkout) Sync(ctx context.Context, manifestPath string) error {
	args := []string{"sync"}
	if c.Jobs > 0 {
		args = append(args, "-j", strconv.Itoa(c.Jobs))
	}
	if manifestPath != "" {
		args = append(args, "-m", manifestPath)
	}
	logging.Infof(ctx, "Syncing source checkout %s", c.dir)
	if _, err := c.repo(ctx, args...); err != nil {
		return errors.Fmt("reposource: syncing %s: %w", c.dir, err)
	}
	return nil
}

// ExportManifest renders the checkout as manifest XML with every project
// pinned at its current revision.
func (c *Checkout) ExportManifest(ctx context.Context) ([]byte, error) {
	out, err := c.repo(ctx, "manifest", "-r", "-o", "-")
	if err != nil {
		return nil, errors.Fmt("reposource: exporting manifest of %s: %w", c.dir, err)
	}
	return []byte(out), nil
}

// IsManifestDifferent reports whether the checkout meaningfully differs
// from the manifest stored at otherManifestPath, ignoring pins of the
// IgnoreProjects.
func (c *Checkout) IsManifestDifferent(ctx context.Context, otherManifestPath string) (bool, error) {
	ours, err := c.ExportManifest(ctx)
	if err != nil {
		return false, err
	}
	theirs, err := os.ReadFile(otherManifestPath)
	if err != nil {
		return false, errors.Fmt("reposource: reading %s: %w", otherManifestPath, err)
	}
	same, err := manifest.SameModuloIgnored(ours, theirs, c.IgnoreProjects)
	if err != nil {
		return false, err
	}
	if !same {
		diff, derr := manifest.Diff(theirs, ours, c.IgnoreProjects)
		if derr == nil {
			logging.Infof(ctx, "Manifest changed since %s:\n%s", otherManifestPath, diff)
		}
	}
	return !same, nil
}

// GetRelativePath resolves a checkout-relative path; "." is the root.
func (c *Checkout) GetRelativePath(rel string) string {
	if rel == "." {
		return c.dir
	}
	return filepath.Join(c.dir, rel)
}

func (c *Checkout) repo(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "repo", args...)
	cmd.Dir = c.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Fmt("repo %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
