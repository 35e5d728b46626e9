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

package keyring

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/golang/glog"
)

// TrustStore answers whether a detached signature was made by a key held in
// one of its keyrings and not revoked by its blacklist.
type TrustStore struct {
	keys    openpgp.EntityList
	trusted map[string]bool
}

// NewTrustStore returns a TrustStore over rings, excluding any key revoked by
// blacklist. blacklist may be nil.
func NewTrustStore(blacklist *Keyring, rings ...*Keyring) *TrustStore {
	revoked := revokedSet(blacklist)
	ts := &TrustStore{trusted: make(map[string]bool)}
	for _, r := range rings {
		if r == nil {
			continue
		}
		for _, e := range r.entities {
			if isRevoked(e, revoked) {
				glog.V(2).Infof("Excluding blacklisted key %s", fingerprint(e.PrimaryKey))
				continue
			}
			ts.keys = append(ts.keys, e)
			ts.trusted[fingerprint(e.PrimaryKey)] = true
		}
	}
	return ts
}

// Open loads the keyring bundles at paths, and the blacklist bundle at
// blacklistPath unless it is empty, into a TrustStore.
// A missing bundle is reported as api.ErrResourceMissing.
func Open(blacklistPath string, paths ...string) (*TrustStore, error) {
	var bl *Keyring
	if blacklistPath != "" {
		var err error
		if bl, err = LoadBundle(blacklistPath); err != nil {
			return nil, fmt.Errorf("failed to load blacklist: %w", err)
		}
	}
	rings := make([]*Keyring, 0, len(paths))
	for _, p := range paths {
		k, err := LoadBundle(p)
		if err != nil {
			return nil, err
		}
		rings = append(rings, k)
	}
	return NewTrustStore(bl, rings...), nil
}

// Verify returns true iff sig is a valid detached signature over data made by
// a trusted key. sig may be armored or binary.
func (ts *TrustStore) Verify(sig, data []byte) bool {
	if len(ts.keys) == 0 {
		return false
	}
	var (
		signer *openpgp.Entity
		err    error
	)
	if isArmored(sig) {
		signer, err = openpgp.CheckArmoredDetachedSignature(ts.keys, bytes.NewReader(data), bytes.NewReader(sig), nil)
	} else {
		signer, err = openpgp.CheckDetachedSignature(ts.keys, bytes.NewReader(data), bytes.NewReader(sig), nil)
	}
	if err != nil {
		glog.V(2).Infof("Signature did not verify: %v", err)
		return false
	}
	return signer != nil && ts.trusted[fingerprint(signer.PrimaryKey)]
}

// Fingerprints returns the primary fingerprints of all trusted keys.
func (ts *TrustStore) Fingerprints() []string {
	r := make([]string, 0, len(ts.keys))
	for _, e := range ts.keys {
		r = append(r, fingerprint(e.PrimaryKey))
	}
	return r
}

// SignDetached writes an armored detached signature over data made by signer.
func SignDetached(w io.Writer, signer *openpgp.Entity, data io.Reader) error {
	return openpgp.ArmoredDetachSign(w, signer, data, nil)
}

// ReadSigningKey returns the first key in r which carries an unencrypted
// private key.
func ReadSigningKey(r io.Reader) (*openpgp.Entity, error) {
	el, err := ReadKeys(r)
	if err != nil {
		return nil, err
	}
	for _, e := range el {
		if e.PrivateKey != nil && !e.PrivateKey.Encrypted {
			return e, nil
		}
	}
	return nil, errors.New("no unencrypted private key found")
}
