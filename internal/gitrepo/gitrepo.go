// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package gitrepo wraps a local checkout of a shared git repository that
// build agents use as durable, append-only coordination storage.
//
// There is no locking anywhere: writers commit on a throwaway branch and
// push; a rejected push means another agent won the race and the caller
// must refresh and redo the whole operation. Refresh is destructive by
// contract, no local mutation survives it.
package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/exec"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
)

// pushBranch is the throwaway local branch commits are staged on. The name
// is shared history with every agent that ever ran this protocol.
const pushBranch = "temp_auto_checkin_branch"

// RefreshError means the shared repository could not be reset to pristine
// remote state, usually because the remote is unreachable.
type RefreshError struct {
	Dir string
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refreshing checkout %s: %s", e.Dir, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Repo is an exclusively-owned local checkout of a shared repository.
type Repo struct {
	dir          string
	remoteBranch string

	// DryRun pushes with --dry-run, leaving the remote untouched.
	DryRun bool
}

// New returns a Repo over an existing checkout tracking remoteBranch
// (typically "master" for manifest-versions repositories).
func New(dir, remoteBranch string) *Repo {
	if remoteBranch == "" {
		remoteBranch = "master"
	}
	return &Repo{dir: dir, remoteBranch: remoteBranch}
}

// Clone clones url into dir and returns the Repo over it.
func Clone(ctx context.Context, url, dir, remoteBranch string) (*Repo, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Fmt("gitrepo: creating %s: %w", dir, err)
	}
	r := New(dir, remoteBranch)
	if _, err := r.git(ctx, "clone", url, dir); err != nil {
		return nil, transient.Tag.Apply(errors.Fmt("gitrepo: cloning %s: %w", url, err))
	}
	return r, nil
}

// Root returns the checkout directory.
func (r *Repo) Root() string { return r.dir }

// Refresh discards every local mutation and resets the checkout to the
// remote head: clean, hard reset, fetch, reset to origin/<branch>.
func (r *Repo) Refresh(ctx context.Context) error {
	steps := [][]string{
		{"clean", "-d", "-f"},
		{"reset", "--hard", "HEAD"},
		{"fetch", "origin", r.remoteBranch},
		{"checkout", "-f", "FETCH_HEAD"},
	}
	for _, args := range steps {
		if _, err := r.git(ctx, args...); err != nil {
			return transient.Tag.Apply(&RefreshError{Dir: r.dir, Err: err})
		}
	}
	return nil
}

// CreatePushBranch points the throwaway push branch at the current
// (freshly refreshed) head and checks it out.
func (r *Repo) CreatePushBranch(ctx context.Context) error {
	if _, err := r.git(ctx, "checkout", "-B", pushBranch); err != nil {
		return transient.Tag.Apply(errors.Fmt("gitrepo: creating push branch: %w", err))
	}
	return nil
}

// CommitAndPush commits all local modifications with message and pushes
// them to the remote branch. The push itself is retried a few times; a
// rejection that survives the retries comes back transient-tagged so
// operation-level loops re-refresh and retry from the top.
func (r *Repo) CommitAndPush(ctx context.Context, message string) error {
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return errors.Fmt("gitrepo: staging changes: %w", err)
	}
	if _, err := r.git(ctx, "commit", "-m", message); err != nil {
		return errors.Fmt("gitrepo: committing: %w", err)
	}
	pushArgs := []string{"push", "origin", "HEAD:" + r.remoteBranch}
	if r.DryRun {
		pushArgs = append(pushArgs, "--dry-run")
	}
	err := retry.Retry(ctx, pushRetry, func() error {
		if _, err := r.git(ctx, pushArgs...); err != nil {
			return transient.Tag.Apply(err)
		}
		return nil
	}, func(err error, wait time.Duration) {
		logging.Warningf(ctx, "Push to %s rejected, retrying in %s: %s", r.remoteBranch, wait, err)
	})
	if err != nil {
		return transient.Tag.Apply(errors.Fmt("gitrepo: pushing to %s: %w", r.remoteBranch, err))
	}
	return nil
}

func pushRetry() retry.Iterator {
	return &retry.Limited{Delay: time.Second, Retries: 3}
}

// CommitTime returns the committer time of the newest commit touching
// relPath, the protocol's substitute for wall-clock object age.
func (r *Repo) CommitTime(ctx context.Context, relPath string) (time.Time, error) {
	out, err := r.git(ctx, "log", "-1", "--format=%ct", "--", relPath)
	if err != nil {
		return time.Time{}, transient.Tag.Apply(errors.Fmt("gitrepo: reading commit time of %s: %w", relPath, err))
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return time.Time{}, errors.Fmt("gitrepo: no commit touches %s", relPath)
	}
	sec, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, errors.Fmt("gitrepo: parsing commit time %q: %w", out, err)
	}
	return time.Unix(sec, 0), nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Fmt("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Toplevel returns the root of the git working tree containing dir.
func Toplevel(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Fmt("git rev-parse in %s: %w: %s", dir, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// LogSince returns `git log --pretty=full` output for the commits in dir
// that are reachable from HEAD but not from revision. Used to attribute
// new work between two pinned states of a project.
func LogSince(ctx context.Context, dir, revision string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "log", "--pretty=full", revision+"..HEAD")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Fmt("git log in %s: %w: %s", dir, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Symlink creates a relative symlink at link pointing at target,
// creating parent directories and replacing any existing link. Relative
// links keep the repository relocatable across checkouts.
func Symlink(target, link string) error {
	dir := filepath.Dir(link)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Fmt("gitrepo: creating %s: %w", dir, err)
	}
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return errors.Fmt("gitrepo: relativizing %s: %w", target, err)
	}
	if _, err := os.Lstat(link); err == nil {
		if err := os.Remove(link); err != nil {
			return errors.Fmt("gitrepo: replacing %s: %w", link, err)
		}
	}
	if err := os.Symlink(rel, link); err != nil {
		return errors.Fmt("gitrepo: linking %s -> %s: %w", link, rel, err)
	}
	return nil
}
