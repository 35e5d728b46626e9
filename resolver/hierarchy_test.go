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
	"testing"
	"time"

	"github.com/usbarmory/armory-ota-resolver/api"
	"github.com/usbarmory/armory-ota-resolver/keyring"
	"github.com/usbarmory/armory-ota-resolver/keyring/keyringtest"
	"github.com/usbarmory/armory-ota-resolver/transport"
)

func TestTrusted(t *testing.T) {
	for _, test := range []struct {
		desc    string
		setup   func(f *fixture)
		tier    keyring.Tier
		wantErr error
	}{
		{
			desc:  "archive-master without metadata",
			setup: func(f *fixture) {},
			tier:  keyring.ArchiveMaster,
		}, {
			desc:    "missing",
			setup:   func(f *fixture) {},
			tier:    keyring.ImageMaster,
			wantErr: api.ErrResourceMissing,
		}, {
			desc:  "chain verifies",
			setup: func(f *fixture) { f.cacheHierarchy() },
			tier:  keyring.ImageSigning,
		}, {
			desc: "signed by a stranger",
			setup: func(f *fixture) {
				f.cacheKeyring(keyring.ImageMaster, f.archive, f.master)
				f.cacheKeyring(keyring.ImageSigning, f.signing, f.signing)
			},
			tier:    keyring.ImageSigning,
			wantErr: api.ErrSignature,
		}, {
			desc: "parent untrusted",
			setup: func(f *fixture) {
				f.cacheKeyring(keyring.ImageMaster, f.master, f.master)
				f.cacheKeyring(keyring.ImageSigning, f.master, f.signing)
			},
			tier:    keyring.ImageSigning,
			wantErr: api.ErrSignature,
		}, {
			desc: "wrong type",
			setup: func(f *fixture) {
				keyringtest.WriteBundle(f.t, f.cfg.GPG.ImageMaster, "image-signing", f.archive, f.master)
			},
			tier:    keyring.ImageMaster,
			wantErr: api.ErrMalformed,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			f := newFixture(t)
			test.setup(f)
			h := NewHierarchy(f.cfg, nil, nil)
			if err := h.Trusted(test.tier); !errors.Is(err, test.wantErr) {
				t.Fatalf("Trusted(%s) = %v, want %v", test.tier, err, test.wantErr)
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	f.cacheHierarchy()
	fetch := transport.New(f.srv.Client(), 10*time.Second, 0).Fetch
	h := NewHierarchy(f.cfg, fetch, nil)
	ctx := context.Background()

	if _, err := h.Refresh(ctx, keyring.ArchiveMaster, nil); err == nil {
		t.Errorf("Refresh(archive-master) succeeded")
	}
	if _, err := h.Refresh(ctx, keyring.DeviceSigning, nil); err == nil {
		t.Errorf("Refresh(device-signing) without a location succeeded")
	}
	if _, err := h.Refresh(ctx, keyring.ImageSigning, nil); !errors.Is(err, api.ErrResourceMissing) {
		t.Errorf("Refresh(image-signing) = %v, want ErrResourceMissing", err)
	}

	next := keyringtest.NewKey(t, "image-signing-2")
	f.serveKeyring(keyring.ImageSigning, f.master, next)
	k, err := h.Refresh(ctx, keyring.ImageSigning, nil)
	if err != nil {
		t.Fatalf("Refresh(image-signing): %v", err)
	}
	if got := k.Fingerprints(); len(got) != 1 || got[0] != next.Fingerprint() {
		t.Errorf("Refresh(image-signing) fingerprints = %v, want %s", got, next.Fingerprint())
	}
	ts, err := h.TrustStore(keyring.ImageSigning)
	if err != nil {
		t.Fatalf("TrustStore(image-signing): %v", err)
	}
	data := []byte("hello")
	if !ts.Verify(next.Sign(t, data), data) {
		t.Errorf("refreshed keyring not used for verification")
	}
	f.checkStagingClean()
}

func TestFetchBlacklist(t *testing.T) {
	f := newFixture(t)
	f.cacheHierarchy()
	fetch := transport.New(f.srv.Client(), 10*time.Second, 0).Fetch
	h := NewHierarchy(f.cfg, fetch, nil)
	ctx := context.Background()

	if _, err := h.FetchBlacklist(ctx); !errors.Is(err, api.ErrResourceMissing) {
		t.Fatalf("FetchBlacklist = %v, want ErrResourceMissing", err)
	}
	if h.Blacklist() != nil {
		t.Errorf("Blacklist() set without a blacklist")
	}

	f.serveKeyring(keyring.Blacklist, f.master, f.signing)
	p, err := h.FetchBlacklist(ctx)
	if err != nil {
		t.Fatalf("FetchBlacklist: %v", err)
	}
	if p != f.cfg.GPG.Blacklist {
		t.Errorf("FetchBlacklist = %q, want %q", p, f.cfg.GPG.Blacklist)
	}
	if err := h.Trusted(keyring.ImageSigning); !errors.Is(err, api.ErrSignature) {
		t.Errorf("Trusted(image-signing) = %v with its key blacklisted, want ErrSignature", err)
	}

	f.serveKeyring(keyring.Blacklist, f.signing, f.signing)
	if _, err := h.FetchBlacklist(ctx); !errors.Is(err, api.ErrSignature) {
		t.Fatalf("FetchBlacklist = %v, want ErrSignature", err)
	}
	if h.Blacklist() != nil {
		t.Errorf("unverified blacklist applied")
	}
	if err := h.Trusted(keyring.ImageSigning); err != nil {
		t.Errorf("Trusted(image-signing) = %v after blacklist discarded", err)
	}
}
