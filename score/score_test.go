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

package score

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/usbarmory/armory-ota-resolver/api"
)

func full(version int, size int64) api.Image {
	return api.Image{Type: api.Full, Version: version, Size: size}
}

func delta(base, version int, size int64) api.Image {
	return api.Image{Type: api.Delta, Base: base, Version: version, Size: size}
}

func versions(p UpgradePath) []int {
	r := []int{}
	for _, i := range p.Images {
		r = append(r, i.Version)
	}
	return r
}

func TestSizeScorer(t *testing.T) {
	for _, test := range []struct {
		desc     string
		images   []api.Image
		current  int
		target   int
		want     []int
		wantSize int64
	}{
		{
			desc: "delta chain beats full",
			images: []api.Image{
				full(20130600, 300000000),
				delta(20130500, 20130550, 50000000),
				delta(20130550, 20130600, 40000000),
			},
			current:  20130500,
			target:   20130600,
			want:     []int{20130550, 20130600},
			wantSize: 90000000,
		}, {
			desc: "broken delta chain falls back to full",
			images: []api.Image{
				full(20130600, 300000000),
				delta(20130500, 20130550, 50000000),
			},
			current:  20130500,
			target:   20130600,
			want:     []int{20130600},
			wantSize: 300000000,
		}, {
			desc: "full followed by deltas",
			images: []api.Image{
				full(20130300, 100000),
				full(20130500, 100001),
				delta(20130300, 20130400, 40000),
				delta(20130500, 20130501, 40002),
				delta(20130501, 20130502, 40006),
			},
			current:  0,
			target:   20130502,
			want:     []int{20130500, 20130501, 20130502},
			wantSize: 180009,
		}, {
			desc: "cheaper full plus delta beats expensive full",
			images: []api.Image{
				full(20130600, 300),
				full(20130550, 100),
				delta(20130550, 20130600, 10),
			},
			current:  20130400,
			target:   20130600,
			want:     []int{20130550, 20130600},
			wantSize: 110,
		}, {
			desc: "tie prefers fewer steps",
			images: []api.Image{
				delta(20130500, 20130550, 50),
				delta(20130550, 20130600, 50),
				full(20130600, 100),
			},
			current:  20130500,
			target:   20130600,
			want:     []int{20130600},
			wantSize: 100,
		}, {
			desc: "delta from the wrong base is ignored",
			images: []api.Image{
				delta(20130400, 20130600, 1),
			},
			current: 20130500,
			target:  20130600,
			want:    []int{},
		}, {
			desc: "already up to date",
			images: []api.Image{
				full(20130600, 300),
			},
			current: 20130600,
			target:  20130600,
			want:    []int{},
		}, {
			desc: "newer than target",
			images: []api.Image{
				full(20130600, 300),
			},
			current: 20130700,
			target:  20130600,
			want:    []int{},
		}, {
			desc:    "empty index",
			current: 1,
			target:  2,
			want:    []int{},
		}, {
			desc: "images past the target are not used",
			images: []api.Image{
				full(20130700, 1),
				delta(20130700, 20130600, 1),
				full(20130600, 300),
			},
			current:  20130500,
			target:   20130600,
			want:     []int{20130600},
			wantSize: 300,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got := SizeScorer{}.Score(test.images, test.current, test.target)
			if diff := cmp.Diff(test.want, versions(got)); diff != "" {
				t.Fatalf("Score versions diff: %s", diff)
			}
			if got.Size != test.wantSize {
				t.Errorf("Size = %d, want %d", got.Size, test.wantSize)
			}
			if len(test.want) > 0 && got.Version() != test.target {
				t.Errorf("Version() = %d, want %d", got.Version(), test.target)
			}
		})
	}
}

func TestStepScorer(t *testing.T) {
	images := []api.Image{
		full(20130600, 300000000),
		delta(20130500, 20130550, 50000000),
		delta(20130550, 20130600, 40000000),
	}
	got := StepScorer{}.Score(images, 20130500, 20130600)
	if diff := cmp.Diff([]int{20130600}, versions(got)); diff != "" {
		t.Fatalf("Score versions diff: %s", diff)
	}

	images = append(images, delta(20130500, 20130600, 290000000))
	got = StepScorer{}.Score(images, 20130500, 20130600)
	if diff := cmp.Diff([]int{20130600}, versions(got)); diff != "" {
		t.Fatalf("Score versions diff: %s", diff)
	}
	if got.Images[0].Type != api.Delta || got.Size != 290000000 {
		t.Errorf("Score = %+v, want the smaller single delta", got)
	}
}

func TestByName(t *testing.T) {
	for name, want := range map[string]Scorer{"": SizeScorer{}, "size": SizeScorer{}, "steps": StepScorer{}} {
		if got, ok := ByName(name); !ok || got != want {
			t.Errorf("ByName(%q) = %T, %v", name, got, ok)
		}
	}
	if _, ok := ByName("recency"); ok {
		t.Errorf("ByName(recency) succeeded")
	}
}
