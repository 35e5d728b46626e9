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

// create_keyring is a tool to build a keyring bundle for one tier of the key
// hierarchy, and to sign it with a key from the tier above.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/usbarmory/armory-ota-resolver/api"
	"github.com/usbarmory/armory-ota-resolver/keyring"
)

var (
	tier       = flag.String("type", "", "Tier of the keyring: archive-master, image-master, image-signing, device-signing or blacklist")
	keys       = flag.String("keys", "", "Comma separated paths of armored or binary public keys to include")
	signingKey = flag.String("signing_key", "", "Path to an unencrypted private key of the parent tier, leave unset to skip signing")
	expiry     = flag.Duration("expires_in", 0, "Lifetime of the keyring, zero for no expiry")
	output     = flag.String("output", "", "Path to write the bundle to, the signature is written next to it")
)

func main() {
	flag.Parse()
	if err := checkFlags(); err != nil {
		glog.Exitf("Invalid flags:\n%s", err)
	}
	t, err := keyring.ParseTier(*tier)
	if err != nil {
		glog.Exitf("Invalid --type: %v", err)
	}

	var entities openpgp.EntityList
	for _, p := range strings.Split(*keys, ",") {
		f, err := os.Open(p)
		if err != nil {
			glog.Exitf("Failed to open key file: %v", err)
		}
		el, err := keyring.ReadKeys(f)
		f.Close()
		if err != nil {
			glog.Exitf("Failed to read keys from %q: %v", p, err)
		}
		entities = append(entities, el...)
	}

	md := &keyring.Metadata{Type: t.String()}
	if *expiry > 0 {
		md.Expiry = time.Now().Add(*expiry).Unix()
	}
	var b bytes.Buffer
	if err := keyring.WriteBundle(&b, md, entities); err != nil {
		glog.Exitf("Failed to build bundle: %v", err)
	}
	if err := os.WriteFile(*output, b.Bytes(), 0644); err != nil {
		glog.Exitf("Failed to write bundle to %q: %v", *output, err)
	}
	glog.Infof("Wrote %s keyring of %d keys (%s) to %q", t, len(entities), humanize.Bytes(uint64(b.Len())), *output)

	if *signingKey == "" {
		return
	}
	if err := sign(*output, b.Bytes()); err != nil {
		glog.Exitf("Failed to sign bundle: %v", err)
	}
}

// sign writes a detached signature over bundle next to path.
func sign(path string, bundle []byte) error {
	f, err := os.Open(*signingKey)
	if err != nil {
		return fmt.Errorf("failed to open signing key: %v", err)
	}
	defer f.Close()
	signer, err := keyring.ReadSigningKey(f)
	if err != nil {
		return err
	}
	var sig bytes.Buffer
	if err := keyring.SignDetached(&sig, signer, bytes.NewReader(bundle)); err != nil {
		return err
	}
	if err := os.WriteFile(path+api.SignatureSuffix, sig.Bytes(), 0644); err != nil {
		return err
	}
	glog.Infof("Signed with key %016X", signer.PrimaryKey.KeyId)
	return nil
}

func checkFlags() error {
	errs := make([]string, 0)
	checkNotEmpty := func(name, value string) {
		if value == "" {
			errs = append(errs, fmt.Sprintf("--%s must not be empty", name))
		}
	}
	checkNotEmpty("type", *tier)
	checkNotEmpty("keys", *keys)
	checkNotEmpty("output", *output)
	if *expiry < 0 {
		errs = append(errs, "--expires_in must not be negative")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "\n"))
	}
	return nil
}
