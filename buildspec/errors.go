// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package buildspec

import (
	"fmt"

	"go.chromium.org/luci/common/errors"
)

// ErrAlreadyInFlight is the in-flight precondition failure: some other
// agent has already claimed the version for this builder name.
var ErrAlreadyInFlight = errors.New("version is already claimed in-flight")

// GenerateBuildSpecError means allocation or publication of a buildspec
// exhausted its retries (or hit the in-flight precondition) and the build
// attempt cannot produce work.
type GenerateBuildSpecError struct {
	Err error
}

func (e *GenerateBuildSpecError) Error() string {
	return fmt.Sprintf("generating buildspec: %s", e.Err)
}

func (e *GenerateBuildSpecError) Unwrap() error { return e.Err }

// StatusUpdateError means the pass/fail status push exhausted its retries.
// An agent surfacing this must not be treated as having reported success.
type StatusUpdateError struct {
	Builder string
	Err     error
}

func (e *StatusUpdateError) Error() string {
	return fmt.Sprintf("updating status for %s: %s", e.Builder, e.Err)
}

func (e *StatusUpdateError) Unwrap() error { return e.Err }
