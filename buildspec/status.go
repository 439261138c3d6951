// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package buildspec

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/chromiumos/manifestversions/internal/gitrepo"
)

// Status is a builder's terminal verdict on one version.
type Status string

// Status values. There is no explicit "unknown" in the shared store:
// absence of both terminal symlinks is StatusUnset, which covers both
// "still inflight" and "never started".
const (
	StatusUnset  Status = ""
	StatusPassed Status = "pass"
	StatusFailed Status = "fail"
)

// BuilderStatus is the per-(builder, version) fact peers read.
type BuilderStatus struct {
	Status  Status
	Message string
}

// Completed reports whether the status is terminal.
func (b BuilderStatus) Completed() bool {
	return b.Status == StatusPassed || b.Status == StatusFailed
}

// statusMessage is the sidecar document accompanying failed statuses.
type statusMessage struct {
	Builder string `json:"builder"`
	Version string `json:"version"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// statusStore is the key-value view of the coordination checkout's status
// subtree. Keys are (builder, version); existence of a symlink is truth.
// Writes only mutate the local checkout; committing and pushing them is
// the manager's job.
type statusStore struct {
	workingDir string
	dirPrefix  string
}

func (s statusStore) specPath(version string) string {
	return filepath.Join(s.workingDir, specsSubdir, s.dirPrefix, version+".xml")
}

func (s statusStore) statusLink(builder string, status Status, version string) string {
	return filepath.Join(s.workingDir, buildNamesSubdir, builder, string(status),
		s.dirPrefix, version+".xml")
}

func (s statusStore) messagePath(builder, version string) string {
	return filepath.Join(s.workingDir, buildNamesSubdir, builder, string(StatusFailed),
		s.dirPrefix, version+"_message.pck")
}

func (s statusStore) inflightPath(builder, version string) string {
	return filepath.Join(s.workingDir, buildNamesSubdir, builder, inflightSubdir,
		s.dirPrefix, version+".xml")
}

// Put records a terminal status for (builder, version) in the checkout.
// Statuses are append-only; an existing terminal verdict is never
// retracted, so putting the same status twice is a no-op.
func (s statusStore) Put(builder, version string, status Status, message string) error {
	if status != StatusPassed && status != StatusFailed {
		return errors.Fmt("buildspec: cannot store non-terminal status %q", status)
	}
	link := s.statusLink(builder, status, version)
	if err := gitrepo.Symlink(s.specPath(version), link); err != nil {
		return err
	}
	if status == StatusFailed && message != "" {
		doc, err := json.Marshal(statusMessage{
			Builder: builder,
			Version: version,
			Status:  status,
			Message: message,
		})
		if err != nil {
			return errors.Fmt("buildspec: marshaling status message: %w", err)
		}
		if err := os.WriteFile(s.messagePath(builder, version), doc, 0644); err != nil {
			return errors.Fmt("buildspec: writing status message: %w", err)
		}
	}
	return nil
}

// Get reads the status of (builder, version). A version with neither
// terminal symlink reports StatusUnset.
func (s statusStore) Get(builder, version string) (BuilderStatus, error) {
	if linkExists(s.statusLink(builder, StatusPassed, version)) {
		return BuilderStatus{Status: StatusPassed}, nil
	}
	if !linkExists(s.statusLink(builder, StatusFailed, version)) {
		return BuilderStatus{Status: StatusUnset}, nil
	}
	out := BuilderStatus{Status: StatusFailed}
	data, err := os.ReadFile(s.messagePath(builder, version))
	switch {
	case os.IsNotExist(err):
		return out, nil
	case err != nil:
		return out, errors.Fmt("buildspec: reading status message: %w", err)
	}
	var doc statusMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		// Peers may leave sidecars in formats we do not understand; the
		// symlink alone is authoritative.
		return out, nil
	}
	out.Message = doc.Message
	return out, nil
}

func linkExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
