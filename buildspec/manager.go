// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package buildspec allocates build versions and tracks their pass/fail
// status across many independent build agents.
//
// The only shared resource is a version-controlled "manifest versions"
// repository. Agents never talk to each other: they publish facts
// (buildspecs, in-flight markers, status symlinks) by pushing commits, and
// discover peers' facts by re-pulling. Conflicting writers retry the whole
// operation against a fresh checkout; the single hard mutual-exclusion
// guarantee is the create-if-absent in-flight marker.
package buildspec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/chromiumos/manifestversions/internal/gitrepo"
	"go.chromium.org/chromiumos/manifestversions/version"
)

// Layout of the coordination repository subtree. Shared on-disk contract
// with every peer; do not change.
const (
	specsSubdir      = "buildspecs"
	buildNamesSubdir = "build-name"
	inflightSubdir   = "inflight"
)

// staleSpecAge bounds how old (by commit history, not wall clock) an
// unprocessed spec may be and still count as pending work. An older spec
// belongs to an agent that died after claiming it and is superseded
// rather than resumed.
const staleSpecAge = 3 * time.Hour

// defaultRetries bounds the allocate/publish transaction retry loop.
const defaultRetries = 5

// baseSpecRe matches buildspec filenames on the plain version scheme.
var baseSpecRe = regexp.MustCompile(`^(\d+\.\d+\.\d+)\.xml$`)

// SourceRepo is the injected primary source tree; checkout/sync
// mechanics live behind it.
type SourceRepo interface {
	// Sync checks the tree out to the manifest at path; an empty path
	// means the canonical default manifest.
	Sync(ctx context.Context, manifestPath string) error
	// ExportManifest renders the checkout as manifest XML with every
	// project pinned at its current revision.
	ExportManifest(ctx context.Context) ([]byte, error)
	// IsManifestDifferent reports whether the checkout meaningfully
	// differs from the manifest stored at path.
	IsManifestDifferent(ctx context.Context, otherManifestPath string) (bool, error)
	// GetRelativePath resolves a checkout-relative path; "." is the
	// checkout root.
	GetRelativePath(rel string) string
}

// SpecRepo is the local checkout of the shared coordination repository,
// as implemented by internal/gitrepo.
type SpecRepo interface {
	Root() string
	Refresh(ctx context.Context) error
	CreatePushBranch(ctx context.Context) error
	CommitAndPush(ctx context.Context, message string) error
	CommitTime(ctx context.Context, relPath string) (time.Time, error)
}

var _ SpecRepo = (*gitrepo.Repo)(nil)

// VersionBumper is the version arithmetic a manager needs: both the
// file-backed base version and the revision-suffixed candidate version
// satisfy it.
type VersionBumper interface {
	VersionString() string
	IncrementVersion(ctx context.Context, message string) (string, error)
	BuildPrefix() string
	DirPrefix() string
}

// Config identifies one builder's lineage in the shared repository.
type Config struct {
	// BuildName identifies this builder; its status history lives under
	// build-name/<BuildName>/.
	BuildName string

	// IncrType selects the version component advanced when new numbers
	// are minted.
	IncrType version.IncrType

	// RelWorkingDir separates pipelines sharing one coordination
	// repository so their version lineages never collide.
	RelWorkingDir string

	// VersionFile is the source-checkout-relative path of the platform
	// version file.
	VersionFile string

	// VersionRepo pushes increments of the version file. Only managers
	// that mint base versions need it.
	VersionRepo version.Pusher

	// Force allocates a new version even for an unchanged checkout.
	Force bool
}

// Manager is one build agent's session against the shared repository.
//
// A Manager is single-threaded and lives for one build attempt; all of the
// Latest* fields are re-derived from the checkout by InitializeVariables
// and go stale the moment any peer pushes.
type Manager struct {
	cfg    Config
	repo   SpecRepo
	source SourceRepo

	compare func(a, b string) int
	specRe  *regexp.Regexp

	// Latest is the newest published spec on this lineage.
	Latest string
	// LatestPassed is the newest spec this builder marked passed.
	LatestPassed string
	// LatestProcessed is the newest spec with any terminal status from
	// this builder.
	LatestProcessed string
	// LatestUnprocessed equals Latest when it is newer than
	// LatestProcessed and fresh enough to still be somebody's live work.
	LatestUnprocessed string
	// CurrentVersion is the version this session is building.
	CurrentVersion string

	dirPrefix   string
	buildPrefix string
	claimed     stringset.Set
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithVersionScheme swaps the filename pattern and ordering used for
// listed specs; the candidate manager uses it for "-rcN" versions.
func WithVersionScheme(pattern *regexp.Regexp, compare func(a, b string) int) Option {
	return func(m *Manager) {
		m.specRe = pattern
		m.compare = compare
	}
}

// New builds a manager session. The checkout behind repo must be owned
// exclusively by this session: refreshes are destructive.
func New(cfg Config, repo SpecRepo, source SourceRepo, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		repo:    repo,
		source:  source,
		compare: version.Compare,
		specRe:  baseSpecRe,
		claimed: stringset.New(1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the session configuration.
func (m *Manager) Config() Config { return m.cfg }

// Source returns the injected source tree collaborator.
func (m *Manager) Source() SourceRepo { return m.source }

// Repo returns the coordination repository checkout.
func (m *Manager) Repo() SpecRepo { return m.repo }

// WorkingDir is the absolute path of this pipeline's subtree in the
// coordination checkout.
func (m *Manager) WorkingDir() string {
	return filepath.Join(m.repo.Root(), m.cfg.RelWorkingDir)
}

// SpecsDir is the absolute path holding published buildspecs for the
// session's Chrome branch. Valid after InitializeVariables.
func (m *Manager) SpecsDir() string {
	return filepath.Join(m.WorkingDir(), specsSubdir, m.dirPrefix)
}

func (m *Manager) store() statusStore {
	return statusStore{workingDir: m.WorkingDir(), dirPrefix: m.dirPrefix}
}

// RefreshCheckout resets the coordination checkout to pristine remote
// state, discarding any local mutation. Every read of the Latest* fields
// must be preceded by a refresh plus InitializeVariables.
func (m *Manager) RefreshCheckout(ctx context.Context) error {
	return m.repo.Refresh(ctx)
}

// CurrentVersionInfo syncs the source tree to the canonical manifest and
// loads the platform version from the version file.
func (m *Manager) CurrentVersionInfo(ctx context.Context) (*version.Info, error) {
	if err := m.source.Sync(ctx, ""); err != nil {
		return nil, errors.Fmt("syncing source checkout: %w", err)
	}
	v, err := version.Load(m.source.GetRelativePath(m.cfg.VersionFile), m.cfg.IncrType)
	if err != nil {
		return nil, err
	}
	v.Repo = m.cfg.VersionRepo
	return v, nil
}

// InitializeVariables derives the Latest* fields from the on-disk
// listings of the (freshly refreshed) checkout.
func (m *Manager) InitializeVariables(ctx context.Context, vinfo VersionBumper) {
	m.dirPrefix = vinfo.DirPrefix()
	m.buildPrefix = vinfo.BuildPrefix()
	m.Latest = ""
	m.LatestPassed = ""
	m.LatestProcessed = ""
	m.LatestUnprocessed = ""

	store := m.store()
	all := m.listSpecs(m.SpecsDir())
	if len(all) > 0 {
		m.Latest = all[len(all)-1]
	}

	passed := m.listSpecs(filepath.Join(m.WorkingDir(), buildNamesSubdir,
		m.cfg.BuildName, string(StatusPassed), m.dirPrefix))
	failed := m.listSpecs(filepath.Join(m.WorkingDir(), buildNamesSubdir,
		m.cfg.BuildName, string(StatusFailed), m.dirPrefix))
	if len(passed) > 0 {
		m.LatestPassed = passed[len(passed)-1]
	}
	processed := append(append([]string(nil), passed...), failed...)
	sort.Slice(processed, func(i, j int) bool {
		return m.compare(processed[i], processed[j]) < 0
	})
	if len(processed) > 0 {
		m.LatestProcessed = processed[len(processed)-1]
	}
	logging.Debugf(ctx, "Last processed build for %s is %q", m.cfg.BuildName, m.LatestProcessed)

	if m.Latest == "" || (m.LatestProcessed != "" && m.compare(m.Latest, m.LatestProcessed) <= 0) {
		return
	}
	// Latest has no verdict from us yet; it only counts as pending work
	// while its publication (per the shared history, not the local
	// clock) is recent. Anything older is a dead agent's abandoned claim.
	rel, err := filepath.Rel(m.repo.Root(), store.specPath(m.Latest))
	if err != nil {
		logging.Warningf(ctx, "Cannot relativize spec path for %s: %s", m.Latest, err)
		return
	}
	published, err := m.repo.CommitTime(ctx, rel)
	if err != nil {
		logging.Warningf(ctx, "Cannot read publication time of %s: %s", m.Latest, err)
		return
	}
	if age := clock.Now(ctx).Sub(published); age < staleSpecAge {
		m.LatestUnprocessed = m.Latest
	} else {
		logging.Infof(ctx, "Ignoring stale unprocessed spec %s (published %s ago)", m.Latest, age)
	}
}

// listSpecs returns the version strings of specs in dir on this
// session's lineage, oldest first. A missing directory is empty, not an
// error: absence of paths is how the store says "nothing yet".
func (m *Manager) listSpecs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		match := m.specRe.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		v := match[1]
		if m.buildPrefix != "" && !strings.HasPrefix(v, m.buildPrefix) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return m.compare(out[i], out[j]) < 0 })
	return out
}

// HasCheckoutBeenBuilt reports whether the current source checkout is the
// same work as the newest spec, which this builder already passed. This
// is the duplicate-work suppression behind force=false.
func (m *Manager) HasCheckoutBeenBuilt(ctx context.Context) (bool, error) {
	if m.Latest == "" || m.Latest != m.LatestPassed {
		return false, nil
	}
	different, err := m.source.IsManifestDifferent(ctx, m.GetLocalManifest(m.LatestPassed))
	if err != nil {
		return false, errors.Fmt("comparing checkout against %s: %w", m.LatestPassed, err)
	}
	return !different, nil
}

// CreateManifest exports the current source checkout as manifest XML.
// No shared-repository interaction happens here.
func (m *Manager) CreateManifest(ctx context.Context) ([]byte, error) {
	data, err := m.source.ExportManifest(ctx)
	if err != nil {
		return nil, errors.Fmt("exporting manifest: %w", err)
	}
	return data, nil
}

// GetNextVersion claims a version number for the next spec. When someone
// already published a spec under the session's current version the number
// is durably incremented; the race between agents doing this concurrently
// is resolved by the caller retrying the whole allocation with a fresh
// checkout.
func (m *Manager) GetNextVersion(ctx context.Context, vinfo VersionBumper) (string, error) {
	current := vinfo.VersionString()
	if m.Latest != current {
		return current, nil
	}
	message := fmt.Sprintf("Automatic: %s - Updating to a new version number from %s",
		m.cfg.BuildName, current)
	next, err := vinfo.IncrementVersion(ctx, message)
	if err != nil {
		return "", errors.Fmt("minting next version after %s: %w", current, err)
	}
	logging.Infof(ctx, "Incremented version number to %s", next)
	return next, nil
}

// GetLocalManifest returns the path of version's manifest in the local
// checkout. Valid after InitializeVariables.
func (m *Manager) GetLocalManifest(v string) string {
	return m.store().specPath(v)
}

// PublishManifest copies the exported manifest into the buildspecs tree
// under version and pushes it. This is the moment the version becomes
// real to peers.
func (m *Manager) PublishManifest(ctx context.Context, manifestData []byte, v string) error {
	path := m.GetLocalManifest(v)
	if existing, err := os.ReadFile(path); err == nil {
		// A version string maps to at most one manifest, ever. Identical
		// content means our own earlier push landed; anything else means
		// we lost an allocation race and must re-observe latest.
		if bytes.Equal(existing, manifestData) {
			return nil
		}
		return transient.Tag.Apply(errors.Fmt("spec %s already published with different content", v))
	}
	if err := m.repo.CreatePushBranch(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Fmt("creating specs dir: %w", err)
	}
	if err := os.WriteFile(path, manifestData, 0644); err != nil {
		return errors.Fmt("writing spec %s: %w", v, err)
	}
	if err := m.repo.CommitAndPush(ctx, fmt.Sprintf("Automatic: Creating new manifest file: %s.xml", v)); err != nil {
		return err
	}
	logging.Infof(ctx, "Published buildspec %s", v)
	return nil
}

// SetInFlight claims version for this builder with a create-if-absent
// write: the one hard mutual-exclusion guarantee in the protocol. A
// marker left by a different agent surfaces as a *GenerateBuildSpecError
// wrapping ErrAlreadyInFlight; re-claiming a version this session already
// claimed (a retried push) is a no-op.
func (m *Manager) SetInFlight(ctx context.Context, v string) error {
	store := m.store()
	marker := store.inflightPath(m.cfg.BuildName, v)
	if linkExists(marker) {
		if m.claimed.Has(v) {
			return nil
		}
		return &GenerateBuildSpecError{Err: errors.Fmt("%s for %s: %w", v, m.cfg.BuildName, ErrAlreadyInFlight)}
	}
	if err := m.repo.CreatePushBranch(ctx); err != nil {
		return err
	}
	if err := gitrepo.Symlink(store.specPath(v), marker); err != nil {
		return err
	}
	if err := m.repo.CommitAndPush(ctx, fmt.Sprintf("Automatic: Start %s %s", m.cfg.BuildName, v)); err != nil {
		return err
	}
	m.claimed.Add(v)
	logging.Infof(ctx, "Marked %s inflight for %s", v, m.cfg.BuildName)
	return nil
}

// GetNextBuildSpec runs the full allocation transaction: refresh, prefer
// pending work, suppress duplicate builds, else mint + publish + claim.
// Returns ok=false with a nil error when there is nothing to build.
// Transient shared-repository failures retry the whole transaction from a
// fresh refresh; exhausting the retries yields *GenerateBuildSpecError.
func (m *Manager) GetNextBuildSpec(ctx context.Context) (path string, ok bool, err error) {
	var lastErr error
	for attempt := 0; attempt <= defaultRetries; attempt++ {
		path, ok, err := m.nextBuildSpecOnce(ctx)
		switch {
		case err == nil:
			return path, ok, nil
		case !transient.Tag.In(err):
			return "", false, err
		}
		lastErr = err
		logging.Errorf(ctx, "Failed to generate buildspec (attempt %d/%d): %s",
			attempt+1, defaultRetries+1, err)
	}
	return "", false, &GenerateBuildSpecError{Err: lastErr}
}

func (m *Manager) nextBuildSpecOnce(ctx context.Context) (string, bool, error) {
	vinfo, err := m.CurrentVersionInfo(ctx)
	if err != nil {
		return "", false, err
	}
	if err := m.RefreshCheckout(ctx); err != nil {
		return "", false, err
	}
	m.InitializeVariables(ctx, vinfo)

	var v string
	if m.LatestUnprocessed != "" {
		v = m.LatestUnprocessed
		logging.Infof(ctx, "Reusing unprocessed spec %s", v)
	} else {
		if !m.cfg.Force {
			built, err := m.HasCheckoutBeenBuilt(ctx)
			if err != nil {
				return "", false, err
			}
			if built {
				logging.Infof(ctx, "Checkout already built as %s; nothing to do", m.LatestPassed)
				return "", false, nil
			}
		}
		manifestData, err := m.CreateManifest(ctx)
		if err != nil {
			return "", false, err
		}
		if v, err = m.GetNextVersion(ctx, vinfo); err != nil {
			return "", false, err
		}
		if err := m.PublishManifest(ctx, manifestData, v); err != nil {
			return "", false, err
		}
	}

	if err := m.SetInFlight(ctx, v); err != nil {
		return "", false, err
	}
	m.CurrentVersion = v
	return m.GetLocalManifest(v), true, nil
}

// UpdateStatus durably records this builder's pass/fail verdict for the
// session's current version. The checkout is refreshed again afterward,
// win or lose, so it is never left on an unpushed branch. Exhausting the
// bounded retries yields *StatusUpdateError.
func (m *Manager) UpdateStatus(ctx context.Context, success bool, message string) error {
	if m.CurrentVersion == "" {
		return errors.New("no current version to report status for")
	}
	status := StatusFailed
	if success {
		status = StatusPassed
	}

	defer func() {
		if err := m.repo.Refresh(ctx); err != nil {
			logging.Warningf(ctx, "Post-status refresh failed: %s", err)
		}
	}()

	var lastErr error
	for attempt := 0; attempt <= defaultRetries; attempt++ {
		err := m.updateStatusOnce(ctx, status, message)
		switch {
		case err == nil:
			return nil
		case !transient.Tag.In(err):
			return &StatusUpdateError{Builder: m.cfg.BuildName, Err: err}
		}
		lastErr = err
		logging.Errorf(ctx, "Failed to update status to %s (attempt %d/%d): %s",
			status, attempt+1, defaultRetries+1, err)
	}
	return &StatusUpdateError{Builder: m.cfg.BuildName, Err: lastErr}
}

func (m *Manager) updateStatusOnce(ctx context.Context, status Status, message string) error {
	if err := m.repo.Refresh(ctx); err != nil {
		return err
	}
	if err := m.repo.CreatePushBranch(ctx); err != nil {
		return err
	}
	if err := m.store().Put(m.cfg.BuildName, m.CurrentVersion, status, message); err != nil {
		return err
	}
	commitMsg := fmt.Sprintf("Automatic checkin: status=%s build_version %s for %s",
		status, m.CurrentVersion, m.cfg.BuildName)
	return m.repo.CommitAndPush(ctx, commitMsg)
}

// GetBuildStatus reads builder's recorded verdict on v from the local
// checkout. Callers wanting fresh peer state must refresh first.
func (m *Manager) GetBuildStatus(builder, v string) (BuilderStatus, error) {
	return m.store().Get(builder, v)
}
