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

import "fmt"

// Tier identifies a level in the key hierarchy.
type Tier int

const (
	// ArchiveMaster is the root of trust, provisioned out of band.
	ArchiveMaster Tier = iota
	// ImageMaster verifies the image signing keyring and the blacklist.
	ImageMaster
	// ImageSigning verifies channel and index documents.
	ImageSigning
	// DeviceSigning optionally replaces ImageSigning for one device's index.
	DeviceSigning
	// Blacklist is not a trust tier, its keys are the revoked set.
	Blacklist
)

var tierNames = [...]string{
	ArchiveMaster: "archive-master",
	ImageMaster:   "image-master",
	ImageSigning:  "image-signing",
	DeviceSigning: "device-signing",
	Blacklist:     "blacklist",
}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier returns the tier with the given metadata name.
func ParseTier(s string) (Tier, error) {
	for t, n := range tierNames {
		if n == s {
			return Tier(t), nil
		}
	}
	return 0, fmt.Errorf("unknown keyring type %q", s)
}

// Parent returns the tier whose keyring signs keyrings of tier t.
// ArchiveMaster has no parent.
func (t Tier) Parent() (Tier, bool) {
	switch t {
	case ImageMaster:
		return ArchiveMaster, true
	case ImageSigning, Blacklist:
		return ImageMaster, true
	case DeviceSigning:
		return ImageSigning, true
	}
	return 0, false
}
