// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package manifest models repo-tool manifest XML: the snapshot of every
// source project's pinned revision that buildspecs are made of.
package manifest

import (
	"encoding/xml"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"go.chromium.org/luci/common/errors"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// Manifest is a parsed repo manifest.
type Manifest struct {
	XMLName        xml.Name        `xml:"manifest"`
	Remotes        []Remote        `xml:"remote"`
	Default        *Default        `xml:"default"`
	Projects       []Project       `xml:"project"`
	PendingCommits []PendingCommit `xml:"pending_commit"`
}

// Remote names a git server projects are fetched from.
type Remote struct {
	Name  string `xml:"name,attr"`
	Fetch string `xml:"fetch,attr"`
}

// Default carries manifest-wide fallbacks for project attributes.
type Default struct {
	Revision string `xml:"revision,attr,omitempty"`
	Remote   string `xml:"remote,attr,omitempty"`
	SyncJ    string `xml:"sync-j,attr,omitempty"`
}

// Project pins one source repository to a revision.
type Project struct {
	Name     string `xml:"name,attr"`
	Path     string `xml:"path,attr,omitempty"`
	Revision string `xml:"revision,attr,omitempty"`
	Remote   string `xml:"remote,attr,omitempty"`
	Groups   string `xml:"groups,attr,omitempty"`
}

// PendingCommit records a not-yet-submitted change that was applied into
// the checkout a candidate manifest describes.
type PendingCommit struct {
	Project  string `xml:"project,attr"`
	ChangeID string `xml:"change_id,attr"`
	Commit   string `xml:"commit,attr"`
}

// Parse decodes manifest XML.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := xml.Unmarshal(data, m); err != nil {
		return nil, errors.Fmt("manifest: parsing: %w", err)
	}
	return m, nil
}

// ParseFile decodes the manifest XML file at p, following symlinks.
func ParseFile(p string) (*Manifest, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Fmt("manifest: reading %s: %w", p, err)
	}
	return Parse(data)
}

// Marshal renders the manifest back to XML with the standard header.
func (m *Manifest) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, errors.Fmt("manifest: marshaling: %w", err)
	}
	return append([]byte(xmlHeader), append(body, '\n')...), nil
}

// ProjectByName returns the pinned project named name, if present.
func (m *Manifest) ProjectByName(name string) (Project, bool) {
	for _, p := range m.Projects {
		if p.Name == name {
			return p, true
		}
	}
	return Project{}, false
}

// AddPendingCommits appends pending_commit elements to manifest XML,
// returning the rewritten document.
func AddPendingCommits(data []byte, commits []PendingCommit) ([]byte, error) {
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m.PendingCommits = append(m.PendingCommits, commits...)
	return m.Marshal()
}

// SameModuloIgnored reports whether two manifests pin the same work.
//
// Projects whose names match any of the ignore glob patterns (pinned
// third-party refs and similar churn) are excluded before comparison, and
// formatting differences never count: equality is over the canonical
// project pin list.
func SameModuloIgnored(a, b []byte, ignorePatterns []string) (bool, error) {
	ca, err := canonical(a, ignorePatterns)
	if err != nil {
		return false, err
	}
	cb, err := canonical(b, ignorePatterns)
	if err != nil {
		return false, err
	}
	return ca == cb, nil
}

// Diff renders a unified diff between the canonical forms of two
// manifests, for logging when duplicate-work suppression finds a change.
func Diff(a, b []byte, ignorePatterns []string) (string, error) {
	ca, err := canonical(a, ignorePatterns)
	if err != nil {
		return "", err
	}
	cb, err := canonical(b, ignorePatterns)
	if err != nil {
		return "", err
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(ca),
		B:        difflib.SplitLines(cb),
		FromFile: "previous",
		ToFile:   "current",
		Context:  1,
	})
	if err != nil {
		return "", errors.Fmt("manifest: diffing: %w", err)
	}
	return text, nil
}

// canonical renders the comparable pin list: one sorted line per
// non-ignored project plus any pending commits.
func canonical(data []byte, ignorePatterns []string) (string, error) {
	m, err := Parse(data)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, p := range m.Projects {
		if ignored(p.Name, ignorePatterns) {
			continue
		}
		lines = append(lines, fmt.Sprintf("project %s %s %s", p.Name, p.Path, p.Revision))
	}
	for _, c := range m.PendingCommits {
		lines = append(lines, fmt.Sprintf("pending %s %s %s", c.Project, c.ChangeID, c.Commit))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

func ignored(name string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, err := path.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}
