// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package manifest

import (
	"strings"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

const sampleManifest = `<?xml version="1.0" encoding="UTF-8"?>
<manifest>
  <remote name="cros" fetch="https://chromium.googlesource.com"/>
  <default revision="refs/heads/main" remote="cros"/>
  <project name="chromiumos/platform/init" path="src/platform/init" revision="aaa111"/>
  <project name="chromiumos/overlays/board" path="src/overlays" revision="bbb222"/>
  <project name="chromium/third_party/pinned" path="src/third_party/pinned" revision="ccc333"/>
</manifest>
`

func TestParse(t *testing.T) {
	t.Parallel()

	ftt.Run("Parse", t, func(t *ftt.Test) {
		m, err := Parse([]byte(sampleManifest))
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, m.Projects, should.HaveLength(3))
		assert.Loosely(t, m.Default.Revision, should.Equal("refs/heads/main"))

		p, ok := m.ProjectByName("chromiumos/platform/init")
		assert.Loosely(t, ok, should.BeTrue)
		assert.Loosely(t, p.Revision, should.Equal("aaa111"))

		_, ok = m.ProjectByName("no/such/project")
		assert.Loosely(t, ok, should.BeFalse)
	})
}

func TestSameModuloIgnored(t *testing.T) {
	t.Parallel()

	ftt.Run("SameModuloIgnored", t, func(t *ftt.Test) {
		ignore := []string{"chromium/third_party/*"}

		t.Run("identical manifests are the same work", func(t *ftt.Test) {
			same, err := SameModuloIgnored([]byte(sampleManifest), []byte(sampleManifest), nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, same, should.BeTrue)
		})

		t.Run("formatting does not matter", func(t *ftt.Test) {
			reordered := `<manifest>
  <project name="chromiumos/overlays/board" path="src/overlays" revision="bbb222"/>
  <remote name="cros" fetch="https://chromium.googlesource.com"/>
  <default revision="refs/heads/main" remote="cros"/>
  <project name="chromium/third_party/pinned" path="src/third_party/pinned" revision="ccc333"/>
  <project name="chromiumos/platform/init" path="src/platform/init" revision="aaa111"/>
</manifest>`
			same, err := SameModuloIgnored([]byte(sampleManifest), []byte(reordered), nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, same, should.BeTrue)
		})

		t.Run("ignored project churn does not count", func(t *ftt.Test) {
			churned := []byte(replaceRev(sampleManifest, "ccc333", "ddd444"))
			same, err := SameModuloIgnored([]byte(sampleManifest), churned, ignore)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, same, should.BeTrue)
		})

		t.Run("real revision change flips the result", func(t *ftt.Test) {
			churned := []byte(replaceRev(sampleManifest, "aaa111", "eee555"))
			same, err := SameModuloIgnored([]byte(sampleManifest), churned, ignore)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, same, should.BeFalse)

			diff, err := Diff([]byte(sampleManifest), churned, ignore)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, diff, should.ContainSubstring("eee555"))
		})
	})
}

func TestAddPendingCommits(t *testing.T) {
	t.Parallel()

	ftt.Run("AddPendingCommits", t, func(t *ftt.Test) {
		out, err := AddPendingCommits([]byte(sampleManifest), []PendingCommit{
			{Project: "chromiumos/platform/init", ChangeID: "Iabc", Commit: "fff666"},
		})
		assert.Loosely(t, err, should.BeNil)

		m, err := Parse(out)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, m.PendingCommits, should.HaveLength(1))
		assert.Loosely(t, m.PendingCommits[0].ChangeID, should.Equal("Iabc"))
		// The original pins are untouched.
		assert.Loosely(t, m.Projects, should.HaveLength(3))

		t.Run("pending commits distinguish otherwise equal manifests", func(t *ftt.Test) {
			same, err := SameModuloIgnored([]byte(sampleManifest), out, nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, same, should.BeFalse)
		})
	})
}

func replaceRev(doc, from, to string) string {
	return strings.ReplaceAll(doc, from, to)
}
