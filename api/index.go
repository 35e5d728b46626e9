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

// Package api contains public structures describing the documents served by
// an update server.
package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// DescriptionKey is the untagged default description of an image.
	DescriptionKey = "description"
	// SignatureSuffix is appended to a server path to locate its detached signature.
	SignatureSuffix = ".asc"
)

// ImageType distinguishes full images from deltas.
type ImageType string

const (
	// Full images may be installed on top of any prior build.
	Full ImageType = "full"
	// Delta images may only be installed on top of their base build.
	Delta ImageType = "delta"
)

// File is one downloadable file making up an image.
type File struct {
	// Path is the location of the file on the server.
	Path string `json:"path"`

	// Checksum is the hex encoded SHA256 of the file contents.
	Checksum string `json:"checksum"`

	// Size is the length of the file in bytes.
	Size int64 `json:"size"`

	// Signature is the location of the detached signature over the file, if any.
	Signature string `json:"signature,omitempty"`

	// Order is the position in which the file must be applied.
	Order int `json:"order,omitempty"`
}

// Image describes one full or delta image available for a device.
type Image struct {
	Type ImageType

	// Version is the build number this image produces.
	Version int

	// Base is the build number a delta must be applied to. Zero for full images.
	Base int

	// Size is the total download size in bytes.
	Size int64

	Files []File

	// Descriptions maps "description" and "description-<locale>" keys to text.
	Descriptions map[string]string
}

// Description returns the description best matching locale (e.g. "en_US"),
// falling back to the language alone and then to the untagged default.
func (i Image) Description(locale string) string {
	if locale != "" {
		if d, ok := i.Descriptions[DescriptionKey+"-"+locale]; ok {
			return d
		}
		if lang, _, ok := strings.Cut(locale, "_"); ok {
			if d, ok := i.Descriptions[DescriptionKey+"-"+lang]; ok {
				return d
			}
		}
	}
	return i.Descriptions[DescriptionKey]
}

// UnmarshalJSON parses an image descriptor. Unrecognised fields are ignored.
func (i *Image) UnmarshalJSON(data []byte) error {
	var known struct {
		Type    ImageType `json:"type"`
		Version int       `json:"version"`
		Base    *int      `json:"base"`
		Size    *int64    `json:"size"`
		Files   []File    `json:"files"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("%w: image: %v", ErrMalformed, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: image: %v", ErrMalformed, err)
	}

	img := Image{
		Type:         known.Type,
		Version:      known.Version,
		Files:        known.Files,
		Descriptions: make(map[string]string),
	}
	if img.Version <= 0 {
		return fmt.Errorf("%w: image has invalid version %d", ErrMalformed, img.Version)
	}
	switch img.Type {
	case Full:
		if known.Base != nil {
			return fmt.Errorf("%w: full image %d has a base", ErrMalformed, img.Version)
		}
	case Delta:
		if known.Base == nil {
			return fmt.Errorf("%w: delta image %d has no base", ErrMalformed, img.Version)
		}
		img.Base = *known.Base
		if img.Base >= img.Version {
			return fmt.Errorf("%w: delta image %d has base %d", ErrMalformed, img.Version, img.Base)
		}
	default:
		return fmt.Errorf("%w: image %d has unknown type %q", ErrMalformed, img.Version, img.Type)
	}
	if known.Size != nil {
		img.Size = *known.Size
	} else {
		for _, f := range img.Files {
			img.Size += f.Size
		}
	}
	for k, v := range fields {
		if k != DescriptionKey && !strings.HasPrefix(k, DescriptionKey+"-") {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("%w: image %d %s: %v", ErrMalformed, img.Version, k, err)
		}
		img.Descriptions[k] = s
	}
	*i = img
	return nil
}

// Index is the set of images available for one device on one channel.
type Index struct {
	Images []Image `json:"images"`
}

// ParseIndex parses an index document.
func ParseIndex(data []byte) (*Index, error) {
	x := &Index{}
	if err := x.Unmarshal(data); err != nil {
		return nil, err
	}
	return x, nil
}

// Unmarshal parses the index document and stores the result in x.
func (x *Index) Unmarshal(data []byte) error {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("%w: index: %v", ErrMalformed, err)
	}
	*x = idx
	return nil
}

// Latest returns the highest build number produced by any image, or zero for
// an empty index.
func (x *Index) Latest() int {
	latest := 0
	for _, i := range x.Images {
		if i.Version > latest {
			latest = i.Version
		}
	}
	return latest
}
