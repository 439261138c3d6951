// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package lkgm manages candidate manifests and their promotion to the
// Last Known Good Manifest pointer.
//
// A master agent mints revision-suffixed candidate versions
// ("B.R.P-rcN"), optionally injecting pending changes for pre-submit
// validation; slave agents long-poll the shared repository for the newest
// candidate, build it, and report status; the master aggregates those
// statuses and, on success, repoints LKGM/lkgm.xml at the validated
// candidate. Everything below the candidate semantics is the buildspec
// allocation/status engine.
package lkgm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/chromiumos/manifestversions/buildspec"
	"go.chromium.org/chromiumos/manifestversions/internal/gitrepo"
	"go.chromium.org/chromiumos/manifestversions/manifest"
	"go.chromium.org/chromiumos/manifestversions/version"
)

// BuildType selects which candidate lineage a manager participates in.
// PFQ and Chrome PFQ run at the same time and version independently, so
// each type keeps its own subtree of the coordination repository.
type BuildType string

// Supported build types.
const (
	BuildTypePFQ       BuildType = "pfq"
	BuildTypeChromePFQ BuildType = "chrome-pfq"
	BuildTypePaladin   BuildType = "paladin"
)

// IsPFQ reports whether t passively follows the canonical manifest (and
// therefore always has something to build, patches or not).
func (t BuildType) IsPFQ() bool {
	return t == BuildTypePFQ || t == BuildTypeChromePFQ
}

func (t BuildType) relWorkingDir() string {
	switch t {
	case BuildTypeChromePFQ:
		return "chrome-LKGM-candidates"
	case BuildTypePaladin:
		return "paladin"
	default:
		return "LKGM-candidates"
	}
}

// lkgmSubpath is the well-known pointer every LKGM-following builder
// resolves to find the manifest to sync to. Shared on-disk contract.
const lkgmSubpath = "LKGM/lkgm.xml"

const (
	// pollInterval paces re-pulls of the shared repository while waiting
	// on peers. Polling is the notification mechanism: peers only
	// publish facts, they never signal.
	pollInterval = 30 * time.Second

	// maxWait bounds how long a poll waits before presuming silent
	// builders dead.
	maxWait = 300 * time.Second

	// chromeMaxWait is the bound for Chrome PFQ, whose peers include
	// much slower architectures.
	chromeMaxWait = 3600 * time.Second
)

// pollTag marks poll sleeps on the context clock.
const pollTag = "lkgm-poll"

const (
	createRetries  = 3
	claimRetries   = 5
	promoteRetries = 5
)

var candidateSpecRe = regexp.MustCompile(`^(\d+\.\d+\.\d+-rc\d+)\.xml$`)

// PromoteCandidateError means the LKGM pointer could not be pushed. The
// candidate's recorded pass status stays valid; only the promotion step
// failed, and downstream builders will not see the new LKGM until a
// later promotion succeeds.
type PromoteCandidateError struct {
	Err error
}

func (e *PromoteCandidateError) Error() string {
	return fmt.Sprintf("promoting candidate: %s", e.Err)
}

func (e *PromoteCandidateError) Unwrap() error { return e.Err }

// PatchPool supplies pending changes for pre-submit validation builds.
type PatchPool interface {
	// Changes lists the pool's pending changes for embedding into the
	// candidate manifest.
	Changes() []manifest.PendingCommit
	// ApplyPoolIntoRepo cherry-picks applicable changes into the source
	// checkout rooted at dir and returns how many applied.
	ApplyPoolIntoRepo(ctx context.Context, dir string) (int, error)
}

// Manager extends the buildspec engine with candidate versioning, peer
// aggregation and promotion. Like its base it is single-threaded and
// lives for one build attempt.
type Manager struct {
	*buildspec.Manager
	buildType BuildType
}

// New builds a candidate manager session. cfg.RelWorkingDir is derived
// from buildType and need not be set by the caller.
func New(cfg buildspec.Config, buildType BuildType, repo buildspec.SpecRepo, source buildspec.SourceRepo) *Manager {
	cfg.RelWorkingDir = buildType.relWorkingDir()
	return &Manager{
		Manager: buildspec.New(cfg, repo, source,
			buildspec.WithVersionScheme(candidateSpecRe, version.CompareCandidates)),
		buildType: buildType,
	}
}

// Type returns the session's build type.
func (m *Manager) Type() BuildType { return m.buildType }

// CandidateVersionInfo syncs the source tree and wraps the platform
// version as revision 1 of the candidate lineage.
func (m *Manager) CandidateVersionInfo(ctx context.Context) (*version.CandidateInfo, error) {
	vinfo, err := m.CurrentVersionInfo(ctx)
	if err != nil {
		return nil, err
	}
	return version.CandidateFromInfo(vinfo), nil
}

// CreateNewCandidate publishes the next candidate manifest and returns
// its local path. When pool is non-nil its changes are applied into the
// source checkout and embedded as pending_commit metadata; if nothing
// applies and the build type is not a PFQ there is nothing worth
// validating and ok=false is returned. An unchanged checkout with no
// patches and Force unset also returns ok=false.
//
// Publication races with other masters: on a rejected push the whole
// allocate/publish step retries against a fresh checkout, rebasing the
// version onto whichever of (our version, newest published candidate)
// is larger before incrementing. Exhausting the retries yields
// *buildspec.GenerateBuildSpecError.
func (m *Manager) CreateNewCandidate(ctx context.Context, pool PatchPool) (path string, ok bool, err error) {
	vinfo, err := m.CandidateVersionInfo(ctx)
	if err != nil {
		return "", false, err
	}
	if err := m.RefreshCheckout(ctx); err != nil {
		return "", false, err
	}
	m.InitializeVariables(ctx, vinfo)

	if entries, err := m.BlameSinceLKGM(ctx); err != nil {
		logging.Warningf(ctx, "Cannot compute blame list: %s", err)
	} else {
		logBlame(ctx, entries)
	}

	manifestData, err := m.CreateManifest(ctx)
	if err != nil {
		return "", false, err
	}

	havePatches := false
	if pool != nil {
		applied, err := pool.ApplyPoolIntoRepo(ctx, m.Source().GetRelativePath("."))
		if err != nil {
			return "", false, errors.Fmt("applying validation pool: %w", err)
		}
		if applied == 0 && !m.buildType.IsPFQ() {
			logging.Infof(ctx, "No applicable changes for %s; no candidate needed", m.buildType)
			return "", false, nil
		}
		if changes := pool.Changes(); len(changes) > 0 {
			havePatches = true
			if manifestData, err = manifest.AddPendingCommits(manifestData, changes); err != nil {
				return "", false, err
			}
		}
	}

	publishOnce := func(refresh bool) (string, bool, error) {
		if refresh {
			if err := m.RefreshCheckout(ctx); err != nil {
				return "", false, err
			}
			m.InitializeVariables(ctx, vinfo)
		}

		if !havePatches && !m.Config().Force {
			built, err := m.HasCheckoutBeenBuilt(ctx)
			if err != nil {
				return "", false, err
			}
			if built {
				logging.Infof(ctx, "Checkout already validated as %s; nothing to do", m.LatestPassed)
				return "", false, nil
			}
		}

		// Another master may have minted candidates since our version
		// info was computed; whichever of the two versions is larger is
		// the base the next increment builds on.
		if m.Latest != "" && version.CompareCandidates(m.Latest, vinfo.VersionString()) > 0 {
			rebased, err := version.ParseCandidate(m.Latest, vinfo.ChromeBranch, vinfo.IncrType)
			if err != nil {
				return "", false, err
			}
			vinfo = rebased
		}

		v, err := m.GetNextVersion(ctx, vinfo)
		if err != nil {
			return "", false, err
		}
		if err := m.PublishManifest(ctx, manifestData, v); err != nil {
			return "", false, err
		}
		m.CurrentVersion = v
		return m.GetLocalManifest(v), true, nil
	}

	var lastErr error
	for attempt := 0; attempt <= createRetries; attempt++ {
		path, ok, err := publishOnce(attempt != 0)
		switch {
		case err == nil:
			return path, ok, nil
		case !transient.Tag.In(err):
			return "", false, err
		}
		lastErr = err
		logging.Errorf(ctx, "Failed to publish candidate (attempt %d/%d): %s",
			attempt+1, createRetries+1, err)
	}
	return "", false, &buildspec.GenerateBuildSpecError{Err: lastErr}
}

// GetLatestCandidate long-polls the shared repository for a candidate
// this builder has not processed, claims it in flight, syncs the source
// tree to it and returns its local path. ok=false means no new candidate
// appeared within the wait bound. Exhausting the claim retries yields
// *buildspec.GenerateBuildSpecError.
func (m *Manager) GetLatestCandidate(ctx context.Context) (path string, ok bool, err error) {
	vinfo, err := m.CandidateVersionInfo(ctx)
	if err != nil {
		return "", false, err
	}

	var found string
	done, err := m.pollUntil(ctx, func(ctx context.Context) (bool, error) {
		if err := m.RefreshCheckout(ctx); err != nil {
			return false, err
		}
		m.InitializeVariables(ctx, vinfo)
		if m.LatestUnprocessed != "" {
			found = m.LatestUnprocessed
			return true, nil
		}
		logging.Infof(ctx, "Found nothing new to build, trying again later")
		return false, nil
	})
	if err != nil {
		return "", false, err
	}
	if !done {
		return "", false, nil
	}

	var lastErr error
	for attempt := 0; attempt <= claimRetries; attempt++ {
		if attempt != 0 {
			if err := m.RefreshCheckout(ctx); err != nil {
				if !transient.Tag.In(err) {
					return "", false, err
				}
				lastErr = err
				continue
			}
		}
		err := m.SetInFlight(ctx, found)
		switch {
		case err == nil:
			m.CurrentVersion = found
			path := m.GetLocalManifest(found)
			if err := m.Source().Sync(ctx, path); err != nil {
				return "", false, errors.Fmt("syncing to candidate %s: %w", found, err)
			}
			if entries, err := m.BlameSinceLKGM(ctx); err != nil {
				logging.Warningf(ctx, "Cannot compute blame list: %s", err)
			} else {
				logBlame(ctx, entries)
			}
			return path, true, nil
		case !transient.Tag.In(err):
			return "", false, err
		}
		lastErr = err
		logging.Errorf(ctx, "Failed to claim candidate %s (attempt %d/%d): %s",
			found, attempt+1, claimRetries+1, err)
	}
	return "", false, &buildspec.GenerateBuildSpecError{Err: lastErr}
}

// GetBuildersStatus polls the shared repository until every builder has
// a terminal verdict on the session's candidate or the wait bound
// elapses. Builders still silent at the bound come back with
// StatusUnset; treating that as failure is the caller's policy, not an
// error here. The candidate is the session's CurrentVersion, or the
// newest published candidate of the lineage in versionFile when this
// session did not publish one itself.
func (m *Manager) GetBuildersStatus(ctx context.Context, builders []string, versionFile string) (map[string]buildspec.BuilderStatus, error) {
	v := m.CurrentVersion
	if v == "" {
		vinfo, err := version.Load(versionFile, m.Config().IncrType)
		if err != nil {
			return nil, err
		}
		if err := m.RefreshCheckout(ctx); err != nil {
			return nil, err
		}
		m.InitializeVariables(ctx, version.CandidateFromInfo(vinfo))
		if m.Latest == "" {
			return nil, errors.Fmt("no candidate published for %s yet", vinfo.VersionString())
		}
		v = m.Latest
	}

	statuses := make(map[string]buildspec.BuilderStatus, len(builders))
	done, err := m.pollUntil(ctx, func(ctx context.Context) (bool, error) {
		if err := m.RefreshCheckout(ctx); err != nil {
			return false, err
		}
		complete := 0
		for _, b := range builders {
			if statuses[b].Completed() {
				complete++
				continue
			}
			st, err := m.GetBuildStatus(b, v)
			if err != nil {
				return false, err
			}
			statuses[b] = st
			if st.Completed() {
				complete++
				logging.Infof(ctx, "Builder %s completed with status %s", b, st.Status)
			}
		}
		if complete < len(builders) {
			logging.Infof(ctx, "Waiting for %d of %d builders to report on %s",
				len(builders)-complete, len(builders), v)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return statuses, err
	}
	if !done {
		logging.Errorf(ctx, "Not all builders reported on %s before the wait bound", v)
	}
	return statuses, nil
}

// PromoteCandidate repoints the LKGM pointer at the session's current
// candidate and pushes. The push races with everything else touching the
// repository and is retried against fresh checkouts; exhausting the
// retries yields *PromoteCandidateError, which invalidates only the
// promotion, not the candidate's recorded status.
func (m *Manager) PromoteCandidate(ctx context.Context) error {
	if m.CurrentVersion == "" {
		return errors.New("no current candidate to promote")
	}
	candidate := m.GetLocalManifest(m.CurrentVersion)
	if _, err := os.Stat(candidate); err != nil {
		return errors.Fmt("candidate %s not in local checkout: %w", m.CurrentVersion, err)
	}

	var lastErr error
	for attempt := 0; attempt <= promoteRetries; attempt++ {
		err := m.promoteOnce(ctx, candidate)
		switch {
		case err == nil:
			logging.Infof(ctx, "Promoted %s to LKGM", m.CurrentVersion)
			return nil
		case !transient.Tag.In(err):
			return &PromoteCandidateError{Err: err}
		}
		lastErr = err
		logging.Errorf(ctx, "Failed to promote %s (attempt %d/%d): %s",
			m.CurrentVersion, attempt+1, promoteRetries+1, err)
	}
	return &PromoteCandidateError{Err: lastErr}
}

func (m *Manager) promoteOnce(ctx context.Context, candidate string) error {
	if err := m.RefreshCheckout(ctx); err != nil {
		return err
	}
	if err := m.Repo().CreatePushBranch(ctx); err != nil {
		return err
	}
	if err := gitrepo.Symlink(candidate, m.LKGMPath()); err != nil {
		return err
	}
	msg := fmt.Sprintf("Automatic: %s promoting %s to LKGM", m.Config().BuildName, m.CurrentVersion)
	return m.Repo().CommitAndPush(ctx, msg)
}

// LKGMPath returns the absolute path of the blessed manifest pointer in
// the coordination checkout.
func (m *Manager) LKGMPath() string {
	return filepath.Join(m.Repo().Root(), filepath.FromSlash(lkgmSubpath))
}

// LKGMVersion resolves the pointer to the candidate version it blesses.
func (m *Manager) LKGMVersion() (string, error) {
	resolved, err := filepath.EvalSymlinks(m.LKGMPath())
	if err != nil {
		return "", errors.Fmt("resolving LKGM pointer: %w", err)
	}
	return strings.TrimSuffix(filepath.Base(resolved), ".xml"), nil
}

func (m *Manager) waitTimeout() time.Duration {
	if m.buildType == BuildTypeChromePFQ {
		return chromeMaxWait
	}
	return maxWait
}

// pollUntil runs fn every pollInterval until it reports done, it fails,
// or the build type's wait bound elapses. fn always runs at least once;
// the whole poll finishes within waitTimeout + pollInterval.
func (m *Manager) pollUntil(ctx context.Context, fn func(context.Context) (bool, error)) (bool, error) {
	ctx = clock.Tag(ctx, pollTag)
	deadline := clock.Now(ctx).Add(m.waitTimeout())
	for {
		done, err := fn(ctx)
		if done || err != nil {
			return done, err
		}
		if !clock.Now(ctx).Before(deadline) {
			return false, nil
		}
		if tr := clock.Sleep(ctx, pollInterval); tr.Incomplete() {
			return false, tr.Err
		}
	}
}
