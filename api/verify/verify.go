// Copyright 2021 The Project Authors. All Rights Reserved.
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

// Package verify provides verification functions for update server documents.
package verify

import (
	"bytes"
	"fmt"
	"time"

	"github.com/usbarmory/armory-ota-resolver/api"
	"github.com/usbarmory/armory-ota-resolver/keyring"
)

// Channels checks the detached signature over a channel directory document
// and, only if it was made by a key trusted by ts, parses the document.
//
// A bad signature is reported as api.ErrSignature and the document is never
// parsed; a document which verifies but does not have the expected shape is
// reported as api.ErrMalformed.
func Channels(raw, sig []byte, ts *keyring.TrustStore) (*api.Channels, error) {
	if !ts.Verify(sig, raw) {
		return nil, fmt.Errorf("channel directory: %w", api.ErrSignature)
	}
	c, err := api.ParseChannels(raw)
	if err != nil {
		return nil, fmt.Errorf("channel directory: %w", err)
	}
	return c, nil
}

// Index checks the detached signature over an index document and, only if it
// was made by a key trusted by ts, parses the document.
func Index(raw, sig []byte, ts *keyring.TrustStore) (*api.Index, error) {
	if !ts.Verify(sig, raw) {
		return nil, fmt.Errorf("index: %w", api.ErrSignature)
	}
	x, err := api.ParseIndex(raw)
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	return x, nil
}

// Keyring checks the detached signature over a keyring bundle and, only if it
// was made by a key trusted by ts, unpacks the bundle and checks that it is
// fit to serve as tier t at now.
func Keyring(raw, sig []byte, ts *keyring.TrustStore, t keyring.Tier, now time.Time) (*keyring.Keyring, error) {
	if !ts.Verify(sig, raw) {
		return nil, fmt.Errorf("%s keyring: %w", t, api.ErrSignature)
	}
	k, err := keyring.ParseBundle(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s keyring: %w", t, err)
	}
	if err := k.Check(t, now); err != nil {
		return nil, fmt.Errorf("%s keyring: %w", t, err)
	}
	return k, nil
}
