// Copyright 2026 The Project Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/natefinch/atomic"
	"github.com/usbarmory/armory-ota-resolver/api"
	"github.com/usbarmory/armory-ota-resolver/api/verify"
	"github.com/usbarmory/armory-ota-resolver/config"
	"github.com/usbarmory/armory-ota-resolver/keyring"
)

// Fetcher returns the contents of the resource at url.
// A resource which does not exist must be reported with an error wrapping
// os.ErrNotExist.
type Fetcher func(ctx context.Context, url string) ([]byte, error)

// Hierarchy owns the cached keyring tiers of one device and the blacklist
// applied to them during a session.
type Hierarchy struct {
	cfg   *config.Config
	fetch Fetcher
	now   func() time.Time

	// blacklist is the verified blacklist of this session, or nil.
	blacklist *keyring.Keyring
}

// NewHierarchy returns a Hierarchy over the keyring cache described by cfg,
// fetching replacements with fetch. A nil now means time.Now.
func NewHierarchy(cfg *config.Config, fetch Fetcher, now func() time.Time) *Hierarchy {
	if now == nil {
		now = time.Now
	}
	return &Hierarchy{cfg: cfg, fetch: fetch, now: now}
}

// Blacklist returns the blacklist applied to every verification, or nil.
func (h *Hierarchy) Blacklist() *keyring.Keyring {
	return h.blacklist
}

// Trusted returns nil if the cached keyring for tier t verifies against its
// parent tier, which must itself be trusted, is of the right type, has not
// expired and holds no blacklisted key.
func (h *Hierarchy) Trusted(t keyring.Tier) error {
	_, err := h.cached(t)
	return err
}

// TrustStore returns a TrustStore over the cached keyring for tier t, with
// the blacklist applied. The keyring must be trusted.
func (h *Hierarchy) TrustStore(t keyring.Tier) (*keyring.TrustStore, error) {
	k, err := h.cached(t)
	if err != nil {
		return nil, err
	}
	return keyring.NewTrustStore(h.blacklist, k), nil
}

func (h *Hierarchy) cached(t keyring.Tier) (*keyring.Keyring, error) {
	p := h.cfg.KeyringPath(t)
	if t == keyring.ArchiveMaster {
		k, err := keyring.LoadBundle(p)
		if err != nil {
			return nil, err
		}
		// Provisioned out of band, so metadata is optional.
		if k.Metadata != nil {
			if err := k.Check(t, h.now()); err != nil {
				return nil, fmt.Errorf("%w: %w", api.ErrSignature, err)
			}
		}
		if k.RevokedBy(h.blacklist) {
			return nil, fmt.Errorf("%w: %s keyring is blacklisted", api.ErrSignature, t)
		}
		return k, nil
	}
	parent, _ := t.Parent()
	ts, err := h.TrustStore(parent)
	if err != nil {
		return nil, fmt.Errorf("%s keyring: parent %s untrusted: %w", t, parent, err)
	}
	return h.verifyFile(t, p, ts)
}

// verifyFile checks the bundle at p against the signature next to it.
func (h *Hierarchy) verifyFile(t keyring.Tier, p string, ts *keyring.TrustStore) (*keyring.Keyring, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, missing(t, p, err)
	}
	sig, err := os.ReadFile(p + api.SignatureSuffix)
	if err != nil {
		return nil, missing(t, p+api.SignatureSuffix, err)
	}
	k, err := verify.Keyring(raw, sig, ts, t, h.now())
	if err != nil {
		if errors.Is(err, api.ErrSignature) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", api.ErrSignature, err)
	}
	if t != keyring.Blacklist && k.RevokedBy(h.blacklist) {
		return nil, fmt.Errorf("%w: %s keyring is blacklisted", api.ErrSignature, t)
	}
	return k, nil
}

func missing(t keyring.Tier, p string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s keyring %q", api.ErrResourceMissing, t, p)
	}
	return fmt.Errorf("failed to read %s keyring: %w", t, err)
}

// Refresh fetches tier t from the server, verifies it against its parent
// tier and only then replaces the cached copy. ref locates a device keyring
// and is ignored for other tiers.
//
// The cached copy is left untouched on any failure.
func (h *Hierarchy) Refresh(ctx context.Context, t keyring.Tier, ref *api.KeyringRef) (*keyring.Keyring, error) {
	if t == keyring.ArchiveMaster {
		return nil, errors.New("archive-master keyring is never refreshed")
	}
	bundlePath, sigPath := "gpg/"+t.String()+".tar.xz", "gpg/"+t.String()+".tar.xz"+api.SignatureSuffix
	if t == keyring.DeviceSigning {
		if ref == nil {
			return nil, errors.New("device-signing keyring has no location")
		}
		bundlePath, sigPath = ref.Path, ref.Signature
	}
	raw, err := h.get(ctx, bundlePath)
	if err != nil {
		return nil, err
	}
	sig, err := h.get(ctx, sigPath)
	if err != nil {
		return nil, err
	}

	parent, _ := t.Parent()
	ts, err := h.TrustStore(parent)
	if err != nil {
		return nil, fmt.Errorf("cannot verify %s keyring, parent %s untrusted: %w", t, parent, err)
	}

	if err := os.MkdirAll(h.cfg.System.TempDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	dir, err := os.MkdirTemp(h.cfg.System.TempDir, t.String()+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(dir)

	staged := filepath.Join(dir, t.String()+".tar.xz")
	if err := os.WriteFile(staged, raw, 0644); err != nil {
		return nil, fmt.Errorf("failed to stage %s keyring: %w", t, err)
	}
	if err := os.WriteFile(staged+api.SignatureSuffix, sig, 0644); err != nil {
		return nil, fmt.Errorf("failed to stage %s keyring: %w", t, err)
	}
	k, err := h.verifyFile(t, staged, ts)
	if err != nil {
		glog.Warningf("Replacement %s keyring from %s rejected: %v", t, bundlePath, err)
		return nil, err
	}
	if err := h.persist(t, staged); err != nil {
		return nil, err
	}
	glog.Infof("Installed %s keyring %v", t, k.KeyIDs())
	return k, nil
}

// persist copies a verified, staged bundle and its signature into the cache.
// The signature goes first: an interrupted copy leaves a pair which no longer
// verifies rather than a new bundle trusted under an old signature.
func (h *Hierarchy) persist(t keyring.Tier, staged string) error {
	dst := h.cfg.KeyringPath(t)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create keyring dir: %w", err)
	}
	for _, suffix := range []string{api.SignatureSuffix, ""} {
		f, err := os.Open(staged + suffix)
		if err != nil {
			return fmt.Errorf("failed to persist %s keyring: %w", t, err)
		}
		err = atomic.WriteFile(dst+suffix, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to persist %s keyring: %w", t, err)
		}
	}
	return nil
}

// FetchBlacklist fetches and verifies the server's blacklist, then applies it
// to every later verification. Whatever the outcome, a previously applied
// blacklist is discarded first.
func (h *Hierarchy) FetchBlacklist(ctx context.Context) (string, error) {
	h.blacklist = nil
	k, err := h.Refresh(ctx, keyring.Blacklist, nil)
	if err != nil {
		return "", err
	}
	h.blacklist = k
	glog.Infof("Applying blacklist of %d keys", len(k.Fingerprints()))
	return h.cfg.KeyringPath(keyring.Blacklist), nil
}

func (h *Hierarchy) get(ctx context.Context, p string) ([]byte, error) {
	return get(ctx, h.fetch, h.url(p))
}

func (h *Hierarchy) url(p string) string {
	return serverURL(h.cfg, p)
}

func serverURL(cfg *config.Config, p string) string {
	return cfg.HTTPSBase() + "/" + strings.TrimPrefix(p, "/")
}

// get fetches u, classifying failures as api.ErrResourceMissing or
// api.ErrTransport.
func get(ctx context.Context, fetch Fetcher, u string) ([]byte, error) {
	b, err := fetch(ctx, u)
	switch {
	case err == nil:
		return b, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", api.ErrResourceMissing, u)
	case errors.Is(err, api.ErrTransport):
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	return nil, fmt.Errorf("%w: fetching %s: %w", api.ErrTransport, u, err)
}
