// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package version models ChromeOS platform version numbers and the
// version file they are persisted in.
//
// A version is the dotted triple "build.branch.patch", scoped to a Chrome
// branch. The triple lives in a shell-style version file checked in to a
// source repository; incrementing it is a durable operation that commits
// and pushes the rewritten file before the new number may be used.
package version

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// IncrType selects which component of the version advances on increment.
type IncrType string

// Increment types, in decreasing order of significance.
const (
	Build  IncrType = "build"
	Branch IncrType = "branch"
	Patch  IncrType = "patch"
)

// Keys recognized in the version file. Lines holding any other content are
// preserved verbatim when the file is rewritten.
const (
	keyBuild        = "CHROMEOS_BUILD"
	keyBranch       = "CHROMEOS_BRANCH"
	keyPatch        = "CHROMEOS_PATCH"
	keyChromeBranch = "CHROME_BRANCH"
)

var versionRe = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)

// Pusher is the slice of a version-control checkout that IncrementVersion
// needs: the checkout holding the version file itself.
type Pusher interface {
	// Refresh discards local state and resets the checkout to the remote.
	Refresh(ctx context.Context) error
	// CreatePushBranch prepares a work branch off the remote head.
	CreatePushBranch(ctx context.Context) error
	// CommitAndPush commits everything modified and pushes it upstream.
	CommitAndPush(ctx context.Context, message string) error
}

// Info is one platform version number.
//
// An Info loaded from a version file is mutable and may be incremented; an
// Info produced by Parse is a snapshot used only for comparison.
type Info struct {
	BuildNumber       int
	BranchBuildNumber int
	PatchNumber       int

	// ChromeBranch scopes the buildspec directory this version belongs to.
	ChromeBranch int

	IncrType IncrType

	// VersionFile is the path the components were loaded from, or empty
	// for a parsed snapshot.
	VersionFile string

	// Repo pushes rewrites of VersionFile. Required by IncrementVersion.
	Repo Pusher
}

// Load reads the version components from the version file at path.
func Load(path string, incrType IncrType) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Fmt("version: reading version file: %w", err)
	}
	v := &Info{IncrType: incrType, VersionFile: path}
	found := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		for key, dst := range v.fields() {
			if val, ok := findValue(key, line); ok {
				*dst = val
				found[key] = true
			}
		}
	}
	for _, key := range []string{keyBuild, keyBranch, keyPatch, keyChromeBranch} {
		if !found[key] {
			return nil, errors.Fmt("version: %s: missing %s", path, key)
		}
	}
	return v, nil
}

// Parse produces an immutable Info snapshot from a "B.R.P" string.
//
// The snapshot carries no version file and cannot be incremented.
func Parse(s string, incrType IncrType) (*Info, error) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return nil, errors.Fmt("version: malformed version string %q", s)
	}
	return &Info{
		BuildNumber:       mustInt(m[1]),
		BranchBuildNumber: mustInt(m[2]),
		PatchNumber:       mustInt(m[3]),
		IncrType:          incrType,
	}, nil
}

// fields maps version file keys to the components they populate.
func (v *Info) fields() map[string]*int {
	return map[string]*int{
		keyBuild:        &v.BuildNumber,
		keyBranch:       &v.BranchBuildNumber,
		keyPatch:        &v.PatchNumber,
		keyChromeBranch: &v.ChromeBranch,
	}
}

// VersionString returns the dotted "B.R.P" form.
func (v *Info) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", v.BuildNumber, v.BranchBuildNumber, v.PatchNumber)
}

// DirPrefix returns the Chrome-branch-scoped subdirectory that buildspecs
// for this version are stored under.
func (v *Info) DirPrefix() string {
	return strconv.Itoa(v.ChromeBranch)
}

// BuildPrefix returns the filename prefix matching only specs on this
// version's lineage for the configured increment type.
func (v *Info) BuildPrefix() string {
	switch v.IncrType {
	case Branch:
		return fmt.Sprintf("%d.", v.BuildNumber)
	case Patch:
		return fmt.Sprintf("%d.%d.", v.BuildNumber, v.BranchBuildNumber)
	}
	// Build increments consider every spec in the directory.
	return ""
}

// IncrementVersion advances the version number and durably records it.
//
// The version file's checkout is reset to remote truth, the components are
// re-derived from the file (another agent may have advanced it since this
// Info was loaded), bumped, rewritten, committed and pushed. Whatever the
// push outcome, the checkout is refreshed afterward and the in-memory
// components reloaded so they never diverge from the durable file. A push
// failure is returned; the caller must not publish work under a version
// number that was never pushed.
func (v *Info) IncrementVersion(ctx context.Context, message string) (string, error) {
	if v.VersionFile == "" {
		return "", errors.New("version: cannot increment a parsed snapshot")
	}
	if v.Repo == nil {
		return "", errors.New("version: no repository bound for the version file")
	}
	if err := v.Repo.Refresh(ctx); err != nil {
		return "", errors.Fmt("version: refreshing version file checkout: %w", err)
	}
	if err := v.Repo.CreatePushBranch(ctx); err != nil {
		return "", errors.Fmt("version: creating push branch: %w", err)
	}

	cur, err := Load(v.VersionFile, v.IncrType)
	if err != nil {
		return "", err
	}
	if err := cur.bump(); err != nil {
		return "", err
	}
	if err := rewriteFile(v.VersionFile, cur); err != nil {
		return "", err
	}
	logging.Infof(ctx, "Incrementing version to %s", cur.VersionString())

	pushErr := v.Repo.CommitAndPush(ctx, message)

	// Reset to the pushed remote state win or lose, then re-derive the
	// in-memory components from the file.
	if err := v.Repo.Refresh(ctx); err != nil {
		return "", errors.Fmt("version: resetting checkout after push: %w", err)
	}
	reloaded, err := Load(v.VersionFile, v.IncrType)
	if err != nil {
		return "", err
	}
	v.BuildNumber = reloaded.BuildNumber
	v.BranchBuildNumber = reloaded.BranchBuildNumber
	v.PatchNumber = reloaded.PatchNumber
	v.ChromeBranch = reloaded.ChromeBranch

	if pushErr != nil {
		return "", errors.Fmt("version: pushing version file update: %w", pushErr)
	}
	return v.VersionString(), nil
}

// bump advances the component selected by IncrType.
func (v *Info) bump() error {
	switch v.IncrType {
	case Build:
		v.BuildNumber++
		v.BranchBuildNumber = 0
		v.PatchNumber = 0
	case Branch:
		// A nonzero patch number means we are mid-branch-cycle and the
		// patch component carries the increments.
		if v.PatchNumber == 0 {
			v.BranchBuildNumber++
		} else {
			v.PatchNumber++
		}
	case Patch:
		v.PatchNumber++
	default:
		return errors.Fmt("version: unknown increment type %q", v.IncrType)
	}
	return nil
}

// Compare orders two "B.R.P" strings by numeric component comparison.
//
// Returns -1, 0 or 1. Inputs are expected to be well-formed version
// strings; malformed components order lowest.
func Compare(a, b string) int {
	return compareTuples(tuple(a), tuple(b))
}

func compareTuples(ta, tb []int) int {
	for i := range ta {
		if i >= len(tb) {
			return 1
		}
		switch {
		case ta[i] < tb[i]:
			return -1
		case ta[i] > tb[i]:
			return 1
		}
	}
	if len(tb) > len(ta) {
		return -1
	}
	return 0
}

func tuple(s string) []int {
	parts := strings.Split(s, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = -1
		}
		out[i] = n
	}
	return out
}

// findValue extracts the numeric value if line assigns key, shell-style.
func findValue(key, line string) (int, bool) {
	re := regexp.MustCompile(`^\s*(?:export\s+)?` + key + `\s*=\s*(\d+)\s*$`)
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	return mustInt(m[1]), true
}

// rewriteFile rewrites the known keys in the version file in place,
// preserving every other line byte for byte.
func rewriteFile(path string, v *Info) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Fmt("version: reading version file: %w", err)
	}
	fields := v.fields()
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		for key, val := range fields {
			re := regexp.MustCompile(`^(\s*(?:export\s+)?` + key + `\s*=\s*)\d+(\s*)$`)
			if re.MatchString(line) {
				lines[i] = re.ReplaceAllString(line, "${1}"+strconv.Itoa(*val)+"${2}")
			}
		}
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return errors.Fmt("version: writing version file: %w", err)
	}
	return nil
}

func mustInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		panic(err) // digits-only by regexp
	}
	return n
}
