// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package version

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.chromium.org/luci/common/errors"
)

var candidateRe = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-rc(\d+))?$`)

// CandidateInfo is a revision-suffixed version for candidate manifests,
// serializing to "B.R.P-rcN".
//
// Incrementing a candidate advances only the revision and is a purely
// local operation: candidate numbers are claimed by publishing a spec, not
// by rewriting the version file.
type CandidateInfo struct {
	Info
	RevisionNumber int
}

// ParseCandidate parses either "B.R.P" or "B.R.P-rcN"; a missing revision
// suffix means revision 1.
func ParseCandidate(s string, chromeBranch int, incrType IncrType) (*CandidateInfo, error) {
	m := candidateRe.FindStringSubmatch(s)
	if m == nil {
		return nil, errors.Fmt("version: malformed candidate version string %q", s)
	}
	c := &CandidateInfo{
		Info: Info{
			BuildNumber:       mustInt(m[1]),
			BranchBuildNumber: mustInt(m[2]),
			PatchNumber:       mustInt(m[3]),
			ChromeBranch:      chromeBranch,
			IncrType:          incrType,
		},
		RevisionNumber: 1,
	}
	if m[4] != "" {
		c.RevisionNumber = mustInt(m[4])
	}
	return c, nil
}

// CandidateFromInfo wraps a version file Info as revision 1 of a
// candidate lineage.
func CandidateFromInfo(v *Info) *CandidateInfo {
	return &CandidateInfo{Info: *v, RevisionNumber: 1}
}

// VersionString returns the full "B.R.P-rcN" form.
func (c *CandidateInfo) VersionString() string {
	return fmt.Sprintf("%d.%d.%d-rc%d", c.BuildNumber, c.BranchBuildNumber,
		c.PatchNumber, c.RevisionNumber)
}

// IncrementVersion advances only the revision number. Unlike the base
// version this involves no file or push; the commitment point is spec
// publication.
func (c *CandidateInfo) IncrementVersion(ctx context.Context, message string) (string, error) {
	c.RevisionNumber++
	return c.VersionString(), nil
}

// CompareCandidates orders two candidate version strings as 4-tuples
// (build, branch, patch, revision). A bare "B.R.P" compares as revision 1.
func CompareCandidates(a, b string) int {
	return compareTuples(candidateTuple(a), candidateTuple(b))
}

func candidateTuple(s string) []int {
	rev := 1
	if i := strings.Index(s, "-rc"); i >= 0 {
		rev = tuple(s[i+len("-rc"):])[0]
		s = s[:i]
	}
	return append(tuple(s), rev)
}
