// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package coordtest fakes the shared coordination repository and the
// source tree for manager tests.
//
// A Remote is the durable truth several fake Checkouts push to and
// refresh from, which is enough to replay the cross-agent races the real
// protocol resolves with rejected pushes.
package coordtest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/chromiumos/manifestversions/manifest"
)

// snapshot is one committed state of the remote.
type snapshot struct {
	files map[string][]byte
	links map[string]string
}

func (s snapshot) clone() snapshot {
	out := snapshot{files: map[string][]byte{}, links: map[string]string{}}
	for k, v := range s.files {
		out.files[k] = append([]byte(nil), v...)
	}
	for k, v := range s.links {
		out.links[k] = v
	}
	return out
}

// Remote is the durable shared repository state.
type Remote struct {
	mu          sync.Mutex
	state       snapshot
	commitTimes map[string]time.Time
}

// NewRemote returns an empty shared repository.
func NewRemote() *Remote {
	return &Remote{
		state:       snapshot{files: map[string][]byte{}, links: map[string]string{}},
		commitTimes: map[string]time.Time{},
	}
}

// PutFile seeds a file directly into the remote, stamped at when.
func (r *Remote) PutFile(rel string, data []byte, when time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.files[rel] = append([]byte(nil), data...)
	r.commitTimes[rel] = when
}

// PutLink seeds a symlink (target relative to the link's directory).
func (r *Remote) PutLink(rel, target string, when time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.links[rel] = target
	r.commitTimes[rel] = when
}

// SetCommitTime backdates a path's newest commit.
func (r *Remote) SetCommitTime(rel string, when time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitTimes[rel] = when
}

// Has reports whether the remote holds a file or link at rel.
func (r *Remote) Has(rel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, f := r.state.files[rel]
	_, l := r.state.links[rel]
	return f || l
}

// File returns the remote content at rel.
func (r *Remote) File(rel string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.files[rel]
}

// Checkout is one agent's exclusively-owned clone of the Remote,
// satisfying the manager's SpecRepo seam.
type Checkout struct {
	remote *Remote
	dir    string

	// RejectNext rejects that many upcoming pushes; negative rejects
	// every push.
	RejectNext int

	frozen *snapshot // non-nil: refreshes replay this stale view
}

// Checkout materializes a working copy under dir.
func (r *Remote) Checkout(dir string) *Checkout {
	return &Checkout{remote: r, dir: dir}
}

// FreezeView pins subsequent refreshes to the remote's current state, no
// matter what lands afterward. The next push from the stale base is
// rejected, after which refreshes see fresh state again. This replays the
// lost half of a two-agent race.
func (c *Checkout) FreezeView() {
	c.remote.mu.Lock()
	defer c.remote.mu.Unlock()
	s := c.remote.state.clone()
	c.frozen = &s
}

func (c *Checkout) Root() string { return c.dir }

func (c *Checkout) Refresh(ctx context.Context) error {
	c.remote.mu.Lock()
	state := c.remote.state.clone()
	c.remote.mu.Unlock()
	if c.frozen != nil {
		state = c.frozen.clone()
	}

	if err := os.RemoveAll(c.dir); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	for rel, data := range state.files {
		path := filepath.Join(c.dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
	}
	for rel, target := range state.links {
		path := filepath.Join(c.dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.Symlink(target, path); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checkout) CreatePushBranch(ctx context.Context) error { return nil }

func (c *Checkout) CommitAndPush(ctx context.Context, message string) error {
	if c.RejectNext != 0 {
		if c.RejectNext > 0 {
			c.RejectNext--
		}
		return transient.Tag.Apply(errors.New("push rejected: remote unavailable"))
	}
	if c.frozen != nil {
		// The working copy is based on a superseded head.
		c.frozen = nil
		return transient.Tag.Apply(errors.New("push rejected: non-fast-forward"))
	}

	now := clock.Now(ctx)
	pushed := snapshot{files: map[string][]byte{}, links: map[string]string{}}
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			pushed.links[rel] = target
		default:
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			pushed.files[rel] = data
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.remote.mu.Lock()
	defer c.remote.mu.Unlock()
	for rel, data := range pushed.files {
		if prev, ok := c.remote.state.files[rel]; !ok || string(prev) != string(data) {
			c.remote.commitTimes[rel] = now
		}
		c.remote.state.files[rel] = data
	}
	for rel, target := range pushed.links {
		if prev, ok := c.remote.state.links[rel]; !ok || prev != target {
			c.remote.commitTimes[rel] = now
		}
		c.remote.state.links[rel] = target
	}
	return nil
}

func (c *Checkout) CommitTime(ctx context.Context, rel string) (time.Time, error) {
	c.remote.mu.Lock()
	defer c.remote.mu.Unlock()
	when, ok := c.remote.commitTimes[rel]
	if !ok {
		return time.Time{}, errors.Fmt("no commit touches %s", rel)
	}
	return when, nil
}

// FilePusher fakes the checkout holding a version file: Refresh restores
// the durable content, CommitAndPush captures the file as the new durable
// content unless PushErr is set.
type FilePusher struct {
	Path    string
	PushErr error

	remote []byte
}

// NewFilePusher snapshots the file at path as the initial durable state.
func NewFilePusher(path string) (*FilePusher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &FilePusher{Path: path, remote: data}, nil
}

func (f *FilePusher) Refresh(ctx context.Context) error {
	return os.WriteFile(f.Path, f.remote, 0644)
}

func (f *FilePusher) CreatePushBranch(ctx context.Context) error { return nil }

func (f *FilePusher) CommitAndPush(ctx context.Context, message string) error {
	if f.PushErr != nil {
		return f.PushErr
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return err
	}
	f.remote = data
	return nil
}

// Source is a fake primary source tree.
type Source struct {
	// Manifest is what ExportManifest renders.
	Manifest []byte
	// Dir is the checkout root GetRelativePath resolves against.
	Dir string
	// Ignore is the project glob ignore-list for manifest comparison.
	Ignore []string
	// SyncErr fails Sync when set.
	SyncErr error

	// Synced records every manifest path passed to Sync.
	Synced []string
}

func (s *Source) Sync(ctx context.Context, manifestPath string) error {
	if s.SyncErr != nil {
		return s.SyncErr
	}
	s.Synced = append(s.Synced, manifestPath)
	return nil
}

func (s *Source) ExportManifest(ctx context.Context) ([]byte, error) {
	return append([]byte(nil), s.Manifest...), nil
}

func (s *Source) IsManifestDifferent(ctx context.Context, otherManifestPath string) (bool, error) {
	data, err := os.ReadFile(otherManifestPath)
	if err != nil {
		return false, err
	}
	same, err := manifest.SameModuloIgnored(s.Manifest, data, s.Ignore)
	if err != nil {
		return false, err
	}
	return !same, nil
}

func (s *Source) GetRelativePath(rel string) string {
	if rel == "." {
		return s.Dir
	}
	return filepath.Join(s.Dir, rel)
}
