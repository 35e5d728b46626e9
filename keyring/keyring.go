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

// Package keyring loads signed OpenPGP keyring bundles and verifies detached
// signatures against them.
//
// A bundle is a .tar.xz archive holding exactly one keyring.gpg file and,
// for bundles served remotely, a keyring.json metadata file.
package keyring

import (
	"archive/tar"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/ulikunitz/xz"
	"github.com/usbarmory/armory-ota-resolver/api"
)

const (
	// KeyringFile is the name of the key material inside a bundle.
	KeyringFile = "keyring.gpg"
	// MetadataFile is the name of the metadata inside a bundle.
	MetadataFile = "keyring.json"

	maxMemberSize = 16 << 20
)

// Metadata is the content of a bundle's keyring.json.
type Metadata struct {
	// Type is the name of the tier the keyring belongs to, e.g. "image-signing".
	Type string `json:"type"`

	// Expiry is the time, in seconds since the Unix epoch, after which the
	// keyring must not be trusted. Zero means no expiry.
	Expiry int64 `json:"expiry,omitempty"`
}

// Keyring is an immutable set of public keys loaded from a bundle.
type Keyring struct {
	// Metadata is nil for bundles provisioned without a keyring.json.
	Metadata *Metadata

	entities openpgp.EntityList
}

// New returns a Keyring holding the given keys.
func New(md *Metadata, entities openpgp.EntityList) *Keyring {
	return &Keyring{Metadata: md, entities: entities}
}

// LoadBundle reads the bundle at path.
// An absent file is reported as api.ErrResourceMissing.
func LoadBundle(path string) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: keyring %q: %w", api.ErrResourceMissing, path, err)
		}
		return nil, fmt.Errorf("failed to read keyring %q: %w", path, err)
	}
	k, err := ParseBundle(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("keyring %q: %w", path, err)
	}
	return k, nil
}

// ParseBundle reads a .tar.xz keyring bundle.
func ParseBundle(r io.Reader) (*Keyring, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: not an xz stream: %v", api.ErrMalformed, err)
	}
	tr := tar.NewReader(xr)
	var key, meta []byte
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: bad tar stream: %v", api.ErrMalformed, err)
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(h.Name)
		switch {
		case name == KeyringFile:
			if key != nil {
				return nil, fmt.Errorf("%w: duplicate %s", api.ErrMalformed, KeyringFile)
			}
			if key, err = readMember(tr); err != nil {
				return nil, err
			}
		case name == MetadataFile:
			if meta != nil {
				return nil, fmt.Errorf("%w: duplicate %s", api.ErrMalformed, MetadataFile)
			}
			if meta, err = readMember(tr); err != nil {
				return nil, err
			}
		case strings.HasSuffix(name, ".gpg"):
			return nil, fmt.Errorf("%w: unexpected key material %q", api.ErrMalformed, h.Name)
		}
	}
	if key == nil {
		return nil, fmt.Errorf("%w: bundle has no %s", api.ErrMalformed, KeyringFile)
	}
	entities, err := ReadKeys(bytes.NewReader(key))
	if err != nil {
		return nil, err
	}
	k := &Keyring{entities: entities}
	if meta != nil {
		k.Metadata = &Metadata{}
		if err := json.Unmarshal(meta, k.Metadata); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", api.ErrMalformed, MetadataFile, err)
		}
	}
	return k, nil
}

func readMember(tr *tar.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(tr, maxMemberSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: bad tar member: %v", api.ErrMalformed, err)
	}
	if len(b) > maxMemberSize {
		return nil, fmt.Errorf("%w: tar member larger than %d bytes", api.ErrMalformed, maxMemberSize)
	}
	return b, nil
}

// ReadKeys reads an armored or binary OpenPGP keyring.
func ReadKeys(r io.Reader) (openpgp.EntityList, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var el openpgp.EntityList
	if isArmored(raw) {
		el, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(raw))
	} else {
		el, err = openpgp.ReadKeyRing(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: invalid keyring: %v", api.ErrMalformed, err)
	}
	if len(el) == 0 {
		return nil, fmt.Errorf("%w: empty keyring", api.ErrMalformed)
	}
	return el, nil
}

// WriteBundle writes a .tar.xz bundle holding the public parts of entities
// and, if md is not nil, its metadata.
func WriteBundle(w io.Writer, md *Metadata, entities openpgp.EntityList) error {
	var key bytes.Buffer
	for _, e := range entities {
		if err := e.Serialize(&key); err != nil {
			return fmt.Errorf("failed to serialise key %s: %v", fingerprint(e.PrimaryKey), err)
		}
	}
	xw, err := xz.NewWriter(w)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(xw)
	if err := writeMember(tw, KeyringFile, key.Bytes()); err != nil {
		return err
	}
	if md != nil {
		raw, err := json.Marshal(md)
		if err != nil {
			return err
		}
		if err := writeMember(tw, MetadataFile, raw); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return xw.Close()
}

func writeMember(tw *tar.Writer, name string, data []byte) error {
	h := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(h); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// Check returns an error unless the keyring's metadata names tier t and the
// keyring has not expired at now.
func (k *Keyring) Check(t Tier, now time.Time) error {
	if k.Metadata == nil {
		return fmt.Errorf("%w: %s keyring has no metadata", api.ErrMalformed, t)
	}
	if k.Metadata.Type != t.String() {
		return fmt.Errorf("%w: keyring type is %q, want %q", api.ErrMalformed, k.Metadata.Type, t)
	}
	if e := k.Metadata.Expiry; e != 0 && now.Unix() > e {
		return fmt.Errorf("%s keyring expired at %s", t, time.Unix(e, 0).UTC())
	}
	return nil
}

// Entities returns the keys held by the keyring.
func (k *Keyring) Entities() openpgp.EntityList {
	return k.entities
}

// Fingerprints returns the primary key fingerprints of the keyring, in order.
func (k *Keyring) Fingerprints() []string {
	r := make([]string, 0, len(k.entities))
	for _, e := range k.entities {
		r = append(r, fingerprint(e.PrimaryKey))
	}
	return r
}

// KeyIDs returns the primary key ids of the keyring, in order.
func (k *Keyring) KeyIDs() []string {
	r := make([]string, 0, len(k.entities))
	for _, e := range k.entities {
		r = append(r, fmt.Sprintf("%016X", e.PrimaryKey.KeyId))
	}
	return r
}

// RevokedBy returns true if any key in k, or any of its subkeys, appears in
// the blacklist.
func (k *Keyring) RevokedBy(blacklist *Keyring) bool {
	if blacklist == nil {
		return false
	}
	revoked := revokedSet(blacklist)
	for _, e := range k.entities {
		if isRevoked(e, revoked) {
			return true
		}
	}
	return false
}

func revokedSet(blacklist *Keyring) map[string]bool {
	r := make(map[string]bool)
	if blacklist == nil {
		return r
	}
	for _, e := range blacklist.entities {
		for _, fp := range allFingerprints(e) {
			r[fp] = true
		}
	}
	return r
}

func isRevoked(e *openpgp.Entity, revoked map[string]bool) bool {
	for _, fp := range allFingerprints(e) {
		if revoked[fp] {
			return true
		}
	}
	return false
}

func allFingerprints(e *openpgp.Entity) []string {
	r := []string{fingerprint(e.PrimaryKey)}
	for _, s := range e.Subkeys {
		r = append(r, fingerprint(s.PublicKey))
	}
	return r
}

func fingerprint(pk *packet.PublicKey) string {
	return strings.ToUpper(hex.EncodeToString(pk.Fingerprint[:]))
}

func isArmored(b []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(b), []byte("-----BEGIN PGP"))
}
