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

// Package score selects the sequence of images which upgrades a device from
// its current build to a target build.
package score

import (
	"sort"

	"github.com/usbarmory/armory-ota-resolver/api"
)

// UpgradePath is an ordered sequence of images to apply.
// An empty path means no update is needed or none is possible.
type UpgradePath struct {
	Images []api.Image
	// Size is the total download size of Images in bytes.
	Size int64
}

// Version returns the build the path ends at, or zero for an empty path.
func (p UpgradePath) Version() int {
	if len(p.Images) == 0 {
		return 0
	}
	return p.Images[len(p.Images)-1].Version
}

// Scorer picks the winning upgrade path.
//
// Every candidate path is either a chain of deltas starting at current, or a
// single full image followed by a chain of deltas. Consecutive images must
// connect (a delta's base is the previous image's version) and versions
// strictly increase, ending at target.
type Scorer interface {
	Score(images []api.Image, current, target int) UpgradePath
}

// SizeScorer minimises total download size, preferring fewer images on a tie.
type SizeScorer struct{}

// Score implements Scorer.
func (SizeScorer) Score(images []api.Image, current, target int) UpgradePath {
	return best(images, current, target, func(a, b cost) bool {
		if a.size != b.size {
			return a.size < b.size
		}
		return a.steps < b.steps
	})
}

// StepScorer minimises the number of images, preferring smaller downloads on a tie.
type StepScorer struct{}

// Score implements Scorer.
func (StepScorer) Score(images []api.Image, current, target int) UpgradePath {
	return best(images, current, target, func(a, b cost) bool {
		if a.steps != b.steps {
			return a.steps < b.steps
		}
		return a.size < b.size
	})
}

// ByName returns the scorer with the given name, or false.
func ByName(name string) (Scorer, bool) {
	switch name {
	case "", "size":
		return SizeScorer{}, true
	case "steps":
		return StepScorer{}, true
	}
	return nil, false
}

type cost struct {
	size  int64
	steps int
}

type route struct {
	cost   cost
	images []api.Image
}

// best finds the cheapest route to target under less. Versions strictly
// increase along any route, so visiting deltas in order of their base settles
// every version before it is extended.
func best(images []api.Image, current, target int, less func(a, b cost) bool) UpgradePath {
	if target <= current {
		return UpgradePath{}
	}
	at := map[int]route{current: {}}
	offer := func(v int, r route) {
		if old, ok := at[v]; !ok || less(r.cost, old.cost) {
			at[v] = r
		}
	}

	var deltas []api.Image
	for _, img := range images {
		if img.Version <= current || img.Version > target {
			continue
		}
		switch img.Type {
		case api.Full:
			offer(img.Version, route{cost: cost{size: img.Size, steps: 1}, images: []api.Image{img}})
		case api.Delta:
			deltas = append(deltas, img)
		}
	}
	sort.SliceStable(deltas, func(i, j int) bool { return deltas[i].Base < deltas[j].Base })
	for _, d := range deltas {
		from, ok := at[d.Base]
		if !ok {
			continue
		}
		imgs := make([]api.Image, 0, len(from.images)+1)
		imgs = append(append(imgs, from.images...), d)
		offer(d.Version, route{cost: cost{size: from.cost.size + d.Size, steps: from.cost.steps + 1}, images: imgs})
	}

	r, ok := at[target]
	if !ok || len(r.images) == 0 {
		return UpgradePath{}
	}
	return UpgradePath{Images: r.images, Size: r.cost.size}
}
