// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package lkgm

import (
	"context"
	"os"
	"regexp"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/manifestversions/internal/gitrepo"
	"go.chromium.org/chromiumos/manifestversions/manifest"
	"go.chromium.org/chromiumos/manifestversions/version"
)

// commitBotUser lands reviewed changes. Anything committed by someone
// else bypassed the queue.
const commitBotUser = "chrome-bot"

var (
	blameAuthorRe    = regexp.MustCompile(`^\s*Author:.*<(\S+)@\S+>\s*$`)
	blameCommitterRe = regexp.MustCompile(`^\s*Commit:.*<(\S+)@\S+>\s*$`)
	blameReviewRe    = regexp.MustCompile(`^\s*Reviewed-on:\s*(\S+)\s*$`)
)

// BlameEntry is one human change newly included since the blessed
// manifest.
type BlameEntry struct {
	Project   string
	Author    string
	Committer string
	// Change is the review number, the last segment of ReviewURL.
	Change    string
	ReviewURL string
	// Chumped means the change was committed directly instead of being
	// landed by the commit bot.
	Chumped bool
}

func (m *Manager) shouldGenerateBlameList() bool {
	// The comparison against LKGM only means something for the build
	// master of the canonical lineage.
	return m.Config().IncrType == version.Build && m.buildType == BuildTypePFQ
}

// BlameSinceLKGM reports the changes newly reachable from each project's
// HEAD since the currently blessed manifest. Informational only: build
// types where the comparison is meaningless return nothing, and projects
// no longer present in the source tree are skipped rather than failing.
func (m *Manager) BlameSinceLKGM(ctx context.Context) ([]BlameEntry, error) {
	if !m.shouldGenerateBlameList() {
		logging.Infof(ctx, "Not generating a blame list for build type %s", m.buildType)
		return nil, nil
	}
	blessed, err := manifest.ParseFile(m.LKGMPath())
	if err != nil {
		return nil, errors.Fmt("parsing blessed manifest: %w", err)
	}
	var entries []BlameEntry
	for _, p := range blessed.Projects {
		if p.Path == "" || p.Revision == "" {
			continue
		}
		src := m.Source().GetRelativePath(p.Path)
		if _, err := os.Stat(src); err != nil {
			logging.Infof(ctx, "Project %s removed from manifest, skipping", p.Name)
			continue
		}
		out, err := gitrepo.LogSince(ctx, src, p.Revision)
		if err != nil {
			return nil, errors.Fmt("reading log of %s: %w", p.Name, err)
		}
		entries = append(entries, parseBlameLog(p.Name, out)...)
	}
	return entries, nil
}

// parseBlameLog extracts one entry per Reviewed-on footer from
// `git log --pretty=full` output.
func parseBlameLog(project, log string) []BlameEntry {
	var entries []BlameEntry
	var author, committer string
	for _, line := range strings.Split(log, "\n") {
		if match := blameAuthorRe.FindStringSubmatch(line); match != nil {
			author = match[1]
		}
		if match := blameCommitterRe.FindStringSubmatch(line); match != nil {
			committer = match[1]
		}
		if match := blameReviewRe.FindStringSubmatch(line); match != nil {
			url := match[1]
			entries = append(entries, BlameEntry{
				Project:   project,
				Author:    author,
				Committer: committer,
				Change:    url[strings.LastIndex(url, "/")+1:],
				ReviewURL: url,
				Chumped:   committer != commitBotUser,
			})
		}
	}
	return entries
}

func logBlame(ctx context.Context, entries []BlameEntry) {
	for _, e := range entries {
		if e.Chumped {
			logging.Infof(ctx, "CHUMP %s:%s %s", e.Author, e.Change, e.ReviewURL)
		} else {
			logging.Infof(ctx, "%s:%s %s", e.Author, e.Change, e.ReviewURL)
		}
	}
}
