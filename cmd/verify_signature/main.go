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

// verify_signature is a tool to verify a detached signature against a set of
// keyring bundles and an optional blacklist.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/usbarmory/armory-ota-resolver/keyring"
)

var (
	keyrings  = flag.String("keyrings", "", "Comma separated paths of the keyring bundles to trust")
	blacklist = flag.String("blacklist", "", "Path to a blacklist bundle, leave unset to revoke nothing")
	data      = flag.String("data", "", "Path to the signed file")
	signature = flag.String("signature", "", "Path to the detached signature, defaults to --data with .asc appended")
)

func main() {
	flag.Parse()
	if err := validateFlags(); err != nil {
		glog.Exitf("Invalid flag(s):\n%s", err)
	}
	if *signature == "" {
		*signature = *data + ".asc"
	}

	msg, err := os.ReadFile(*data)
	if err != nil {
		glog.Exitf("Failed to read signed file: %v", err)
	}
	sig, err := os.ReadFile(*signature)
	if err != nil {
		glog.Exitf("Failed to read signature: %v", err)
	}

	ts, err := keyring.Open(*blacklist, strings.Split(*keyrings, ",")...)
	if err != nil {
		glog.Exitf("Failed to load keyrings: %v", err)
	}
	glog.V(1).Infof("Trusting keys %v", ts.Fingerprints())

	glog.Info("Verifying signature...")
	if !ts.Verify(sig, msg) {
		glog.Exitf("Signature on %q was not made by a trusted key", *data)
	}
	fmt.Printf("%s: signature OK\n", *data)
}

func validateFlags() error {
	errs := make([]string, 0)
	checkEmpty := func(n, s string) {
		if s == "" {
			errs = append(errs, fmt.Sprintf("--%s can't be empty", n))
		}
	}
	checkEmpty("keyrings", *keyrings)
	checkEmpty("data", *data)

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "\n"))
	}
	return nil
}
