// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package version

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

const versionFileContent = `# ChromeOS version file.
CHROMEOS_BUILD=1
CHROMEOS_BRANCH=2
CHROMEOS_PATCH=3
CHROME_BRANCH=13
# Unrelated settings survive rewrites.
export CHROMEOS_CODENAME="fancy"
`

// fakePusher pretends to be the git checkout holding the version file.
// remote is the durable truth; Refresh resets the file to it and
// CommitAndPush captures the file into it unless pushErr is set.
type fakePusher struct {
	path    string
	remote  []byte
	pushErr error
}

func (f *fakePusher) Refresh(ctx context.Context) error {
	return os.WriteFile(f.path, f.remote, 0644)
}

func (f *fakePusher) CreatePushBranch(ctx context.Context) error { return nil }

func (f *fakePusher) CommitAndPush(ctx context.Context, message string) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	f.remote = data
	return nil
}

func writeVersionFile(t *ftt.Test, content string) (string, *fakePusher) {
	path := filepath.Join(t.TempDir(), "chromeos_version.sh")
	assert.Loosely(t, os.WriteFile(path, []byte(content), 0644), should.BeNil)
	return path, &fakePusher{path: path, remote: []byte(content)}
}

func TestParse(t *testing.T) {
	t.Parallel()

	ftt.Run("Parse", t, func(t *ftt.Test) {
		t.Run("round-trips", func(t *ftt.Test) {
			for _, s := range []string{"0.0.0", "1.2.3", "10.0.9"} {
				v, err := Parse(s, Build)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, v.VersionString(), should.Equal(s))
			}
		})

		t.Run("rejects garbage", func(t *ftt.Test) {
			for _, s := range []string{"", "1.2", "1.2.3.4", "a.b.c", "1.2.3-rc4"} {
				_, err := Parse(s, Build)
				assert.Loosely(t, err, should.NotBeNil)
			}
		})

		t.Run("snapshot cannot increment", func(t *ftt.Test) {
			v, err := Parse("1.2.3", Patch)
			assert.Loosely(t, err, should.BeNil)
			_, err = v.IncrementVersion(context.Background(), "msg")
			assert.Loosely(t, err, should.ErrLike("parsed snapshot"))
		})
	})
}

func TestCompare(t *testing.T) {
	t.Parallel()

	ftt.Run("Compare", t, func(t *ftt.Test) {
		t.Run("is numeric, not lexicographic", func(t *ftt.Test) {
			assert.Loosely(t, Compare("1.2.9", "1.2.10"), should.Equal(-1))
			assert.Loosely(t, Compare("9.0.0", "10.0.0"), should.Equal(-1))
		})

		t.Run("total order", func(t *ftt.Test) {
			assert.Loosely(t, Compare("1.2.3", "1.2.3"), should.BeZero)
			assert.Loosely(t, Compare("2.0.0", "1.9.9"), should.Equal(1))
			assert.Loosely(t, Compare("1.3.0", "1.2.9"), should.Equal(1))
		})
	})
}

func TestLoad(t *testing.T) {
	t.Parallel()

	ftt.Run("Load", t, func(t *ftt.Test) {
		t.Run("reads all components", func(t *ftt.Test) {
			path, _ := writeVersionFile(t, versionFileContent)
			v, err := Load(path, Patch)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, v.VersionString(), should.Equal("1.2.3"))
			assert.Loosely(t, v.ChromeBranch, should.Equal(13))
			assert.Loosely(t, v.DirPrefix(), should.Equal("13"))
		})

		t.Run("missing key is a configuration defect", func(t *ftt.Test) {
			path, _ := writeVersionFile(t, "CHROMEOS_BUILD=1\n")
			_, err := Load(path, Patch)
			assert.Loosely(t, err, should.ErrLike("missing CHROMEOS_BRANCH"))
		})
	})
}

func TestBuildPrefix(t *testing.T) {
	t.Parallel()

	ftt.Run("BuildPrefix follows the increment type", t, func(t *ftt.Test) {
		v, err := Parse("1.2.3", Build)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, v.BuildPrefix(), should.BeEmpty)

		v.IncrType = Branch
		assert.Loosely(t, v.BuildPrefix(), should.Equal("1."))

		v.IncrType = Patch
		assert.Loosely(t, v.BuildPrefix(), should.Equal("1.2."))
	})
}

func TestIncrementVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ftt.Run("IncrementVersion", t, func(t *ftt.Test) {
		t.Run("build increment zeroes branch and patch", func(t *ftt.Test) {
			path, pusher := writeVersionFile(t, versionFileContent)
			v, err := Load(path, Build)
			assert.Loosely(t, err, should.BeNil)
			v.Repo = pusher

			next, err := v.IncrementVersion(ctx, "bump")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, next, should.Equal("2.0.0"))
		})

		t.Run("branch increment honors the mid-cycle rule", func(t *ftt.Test) {
			t.Run("patch already zero", func(t *ftt.Test) {
				path, pusher := writeVersionFile(t,
					"CHROMEOS_BUILD=1\nCHROMEOS_BRANCH=2\nCHROMEOS_PATCH=0\nCHROME_BRANCH=13\n")
				v, err := Load(path, Branch)
				assert.Loosely(t, err, should.BeNil)
				v.Repo = pusher

				next, err := v.IncrementVersion(ctx, "bump")
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, next, should.Equal("1.3.0"))
			})

			t.Run("patch nonzero", func(t *ftt.Test) {
				path, pusher := writeVersionFile(t, versionFileContent)
				v, err := Load(path, Branch)
				assert.Loosely(t, err, should.BeNil)
				v.Repo = pusher

				next, err := v.IncrementVersion(ctx, "bump")
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, next, should.Equal("1.2.4"))
			})
		})

		t.Run("rewrite preserves unrelated lines", func(t *ftt.Test) {
			path, pusher := writeVersionFile(t, versionFileContent)
			v, err := Load(path, Patch)
			assert.Loosely(t, err, should.BeNil)
			v.Repo = pusher

			_, err = v.IncrementVersion(ctx, "bump")
			assert.Loosely(t, err, should.BeNil)

			data, err := os.ReadFile(path)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, string(data), should.ContainSubstring("CHROMEOS_PATCH=4"))
			assert.Loosely(t, string(data), should.ContainSubstring(`export CHROMEOS_CODENAME="fancy"`))
			assert.Loosely(t, string(data), should.ContainSubstring("# ChromeOS version file."))
		})

		t.Run("increments compose through the file", func(t *ftt.Test) {
			// A second increment must re-derive its base from the durable
			// file, not from the in-memory components.
			path, pusher := writeVersionFile(t, versionFileContent)
			v, err := Load(path, Patch)
			assert.Loosely(t, err, should.BeNil)
			v.Repo = pusher

			first, err := v.IncrementVersion(ctx, "bump")
			assert.Loosely(t, err, should.BeNil)
			second, err := v.IncrementVersion(ctx, "bump")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, first, should.Equal("1.2.4"))
			assert.Loosely(t, second, should.Equal("1.2.5"))
		})

		t.Run("failed push restores durable truth", func(t *ftt.Test) {
			path, pusher := writeVersionFile(t, versionFileContent)
			v, err := Load(path, Patch)
			assert.Loosely(t, err, should.BeNil)
			v.Repo = pusher
			pusher.pushErr = errors.New("remote rejected")

			_, err = v.IncrementVersion(ctx, "bump")
			assert.Loosely(t, err, should.ErrLike("remote rejected"))

			// In-memory components match the unpushed remote state again.
			assert.Loosely(t, v.VersionString(), should.Equal("1.2.3"))
			data, err := os.ReadFile(path)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, string(data), should.ContainSubstring("CHROMEOS_PATCH=3"))
		})
	})
}
