// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package gitrepo

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"testing"

	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func gitOrSkip(t testing.TB) {
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGit(t testing.TB, dir string, args ...string) {
	t.Helper()
	cmd := osexec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %s: %s", args, err, out)
	}
}

// makeRemote creates a bare repository seeded with one commit on master.
func makeRemote(t testing.TB, scratch string) string {
	remote := filepath.Join(scratch, "remote.git")
	seed := filepath.Join(scratch, "seed")
	runGit(t, scratch, "init", "--bare", "-b", "master", remote)
	runGit(t, scratch, "clone", remote, seed)
	if err := os.WriteFile(filepath.Join(seed, "README"), []byte("seed\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, seed, "add", "-A")
	runGit(t, seed, "commit", "-m", "seed")
	runGit(t, seed, "push", "origin", "HEAD:master")
	return remote
}

func TestRepo(t *testing.T) {
	t.Parallel()
	gitOrSkip(t)

	ctx := context.Background()

	ftt.Run("Repo", t, func(t *ftt.Test) {
		scratch := t.TempDir()
		remote := makeRemote(t, scratch)

		clone := func(name string) *Repo {
			dir := filepath.Join(scratch, name)
			r, err := Clone(ctx, remote, dir, "master")
			assert.Loosely(t, err, should.BeNil)
			return r
		}

		t.Run("push is visible to a refreshed peer", func(t *ftt.Test) {
			a := clone("a")
			b := clone("b")

			assert.Loosely(t, a.Refresh(ctx), should.BeNil)
			assert.Loosely(t, a.CreatePushBranch(ctx), should.BeNil)
			err := os.WriteFile(filepath.Join(a.Root(), "spec.xml"), []byte("<manifest/>"), 0644)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, a.CommitAndPush(ctx, "publish spec"), should.BeNil)

			assert.Loosely(t, b.Refresh(ctx), should.BeNil)
			_, err = os.Stat(filepath.Join(b.Root(), "spec.xml"))
			assert.Loosely(t, err, should.BeNil)
		})

		t.Run("refresh discards local mutation", func(t *ftt.Test) {
			a := clone("a")
			stray := filepath.Join(a.Root(), "stray.txt")
			assert.Loosely(t, os.WriteFile(stray, []byte("x"), 0644), should.BeNil)

			assert.Loosely(t, a.Refresh(ctx), should.BeNil)
			_, err := os.Stat(stray)
			assert.Loosely(t, os.IsNotExist(err), should.BeTrue)
		})

		t.Run("non-fast-forward push is transient", func(t *ftt.Test) {
			a := clone("a")
			b := clone("b")
			for _, r := range []*Repo{a, b} {
				assert.Loosely(t, r.Refresh(ctx), should.BeNil)
				assert.Loosely(t, r.CreatePushBranch(ctx), should.BeNil)
				err := os.WriteFile(filepath.Join(r.Root(), "claim.txt"), []byte(r.Root()), 0644)
				assert.Loosely(t, err, should.BeNil)
			}
			assert.Loosely(t, a.CommitAndPush(ctx, "winner"), should.BeNil)

			err := b.CommitAndPush(ctx, "loser")
			assert.Loosely(t, err, should.NotBeNil)
			assert.Loosely(t, transient.Tag.In(err), should.BeTrue)
		})

		t.Run("dry-run leaves the remote untouched", func(t *ftt.Test) {
			a := clone("a")
			a.DryRun = true
			assert.Loosely(t, a.Refresh(ctx), should.BeNil)
			assert.Loosely(t, a.CreatePushBranch(ctx), should.BeNil)
			err := os.WriteFile(filepath.Join(a.Root(), "spec.xml"), []byte("<manifest/>"), 0644)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, a.CommitAndPush(ctx, "dry"), should.BeNil)

			b := clone("b")
			assert.Loosely(t, b.Refresh(ctx), should.BeNil)
			_, err = os.Stat(filepath.Join(b.Root(), "spec.xml"))
			assert.Loosely(t, os.IsNotExist(err), should.BeTrue)
		})

		t.Run("commit time tracks history, not the filesystem", func(t *ftt.Test) {
			a := clone("a")
			assert.Loosely(t, a.Refresh(ctx), should.BeNil)
			when, err := a.CommitTime(ctx, "README")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, when.IsZero(), should.BeFalse)

			_, err = a.CommitTime(ctx, "never-committed.txt")
			assert.Loosely(t, err, should.NotBeNil)
		})
	})
}

func TestSymlink(t *testing.T) {
	t.Parallel()

	ftt.Run("Symlink", t, func(t *ftt.Test) {
		root := t.TempDir()
		target := filepath.Join(root, "buildspecs", "13", "1.2.3.xml")
		assert.Loosely(t, os.MkdirAll(filepath.Dir(target), 0755), should.BeNil)
		assert.Loosely(t, os.WriteFile(target, []byte("<manifest/>"), 0644), should.BeNil)

		link := filepath.Join(root, "build-name", "wolf", "pass", "13", "1.2.3.xml")
		assert.Loosely(t, Symlink(target, link), should.BeNil)

		t.Run("is relative", func(t *ftt.Test) {
			dest, err := os.Readlink(link)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, filepath.IsAbs(dest), should.BeFalse)
		})

		t.Run("resolves to the target content", func(t *ftt.Test) {
			resolved, err := filepath.EvalSymlinks(link)
			assert.Loosely(t, err, should.BeNil)
			data, err := os.ReadFile(resolved)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, string(data), should.Equal("<manifest/>"))
		})

		t.Run("replaces an existing link", func(t *ftt.Test) {
			other := filepath.Join(root, "buildspecs", "13", "1.2.4.xml")
			assert.Loosely(t, os.WriteFile(other, []byte("<manifest rev='2'/>"), 0644), should.BeNil)
			assert.Loosely(t, Symlink(other, link), should.BeNil)
			resolved, err := filepath.EvalSymlinks(link)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, resolved, should.HaveSuffix("1.2.4.xml"))
		})
	})
}
