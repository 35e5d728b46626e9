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

// Package keyringtest provides OpenPGP keys and signed keyring bundles for tests.
package keyringtest

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/usbarmory/armory-ota-resolver/api"
	"github.com/usbarmory/armory-ota-resolver/keyring"
)

// Key is a freshly generated signing key.
type Key struct {
	Entity *openpgp.Entity
}

// NewKey generates an Ed25519 key for name.
func NewKey(t testing.TB, name string) *Key {
	t.Helper()
	e, err := openpgp.NewEntity(name, "test", name+"@example.com", &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	if err != nil {
		t.Fatalf("Failed to generate key %q: %v", name, err)
	}
	return &Key{Entity: e}
}

// Fingerprint returns the key's primary fingerprint as reported by keyring.
func (k *Key) Fingerprint() string {
	return strings.ToUpper(hex.EncodeToString(k.Entity.PrimaryKey.Fingerprint[:]))
}

// Sign returns an armored detached signature over data.
func (k *Key) Sign(t testing.TB, data []byte) []byte {
	t.Helper()
	var b bytes.Buffer
	if err := keyring.SignDetached(&b, k.Entity, bytes.NewReader(data)); err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	return b.Bytes()
}

// Keyring returns keys as an in memory keyring. An empty typ means no metadata.
func Keyring(typ string, keys ...*Key) *keyring.Keyring {
	return keyring.New(metadata(typ), entities(keys))
}

// Bundle returns a .tar.xz bundle of keys. An empty typ omits keyring.json.
func Bundle(t testing.TB, typ string, keys ...*Key) []byte {
	t.Helper()
	var b bytes.Buffer
	if err := keyring.WriteBundle(&b, metadata(typ), entities(keys)); err != nil {
		t.Fatalf("Failed to write bundle: %v", err)
	}
	return b.Bytes()
}

// WriteSigned writes data to path, and a signature by signer over it to the
// signature path next to it. A nil signer writes no signature.
func WriteSigned(t testing.TB, path string, data []byte, signer *Key) {
	t.Helper()
	write(t, path, data)
	if signer != nil {
		write(t, path+api.SignatureSuffix, signer.Sign(t, data))
	}
}

// WriteBundle writes a bundle of keys with type typ to path, signed by signer.
func WriteBundle(t testing.TB, path, typ string, signer *Key, keys ...*Key) {
	t.Helper()
	WriteSigned(t, path, Bundle(t, typ, keys...), signer)
}

func write(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory for %q: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write %q: %v", path, err)
	}
}

func metadata(typ string) *keyring.Metadata {
	if typ == "" {
		return nil
	}
	return &keyring.Metadata{Type: typ}
}

func entities(keys []*Key) openpgp.EntityList {
	el := make(openpgp.EntityList, 0, len(keys))
	for _, k := range keys {
		el = append(el, k.Entity)
	}
	return el
}
