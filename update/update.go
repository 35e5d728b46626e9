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

// Package update answers whether an update is available for this device.
package update

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang/glog"
	"github.com/usbarmory/armory-ota-resolver/api"
	"github.com/usbarmory/armory-ota-resolver/config"
	"github.com/usbarmory/armory-ota-resolver/resolver"
)

// lockRetry is how often a held session lock is polled.
const lockRetry = 100 * time.Millisecond

// Update is the outcome of a check.
type Update struct {
	// Available is false when the device is up to date or no path exists.
	Available bool `json:"available"`
	// Version is the build the device will be at once Path is applied.
	Version int `json:"version,omitempty"`
	// Size is the total download size of Path in bytes.
	Size int64 `json:"size"`
	// Descriptions holds each image's descriptions, in Path order.
	Descriptions []map[string]string `json:"descriptions,omitempty"`
	Path         []api.Image         `json:"path,omitempty"`
}

// Check runs one resolution session against the server described by cfg.
func Check(ctx context.Context, cfg *config.Config, fetch resolver.Fetcher, opts ...resolver.Option) (*Update, error) {
	m, err := Resolve(ctx, cfg, fetch, resolver.Done, opts...)
	if err != nil {
		return nil, err
	}
	p := m.WinningPath()
	u := &Update{
		Available: len(p.Images) > 0,
		Size:      p.Size,
		Path:      p.Images,
	}
	if u.Available {
		u.Version = p.Version()
		for _, i := range p.Images {
			u.Descriptions = append(u.Descriptions, i.Descriptions)
		}
	}
	return u, nil
}

// Resolve runs a resolution session up to and including state to, and
// returns the machine for inspection. The machine is returned alongside any
// error from the session.
//
// Sessions mutate the keyring cache, so Resolve holds the session lock named
// by cfg while it runs, waiting for it until ctx is done.
func Resolve(ctx context.Context, cfg *config.Config, fetch resolver.Fetcher, to resolver.State, opts ...resolver.Option) (*resolver.Machine, error) {
	unlock, err := lock(ctx, cfg.System.LockFile)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m := resolver.New(cfg, fetch, opts...)
	_, err = m.RunTo(ctx, to)
	return m, err
}

func lock(ctx context.Context, path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	l := flock.New(path)
	ok, err := l.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("failed to take session lock %q: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("session lock %q is held", path)
	}
	glog.V(1).Infof("Holding session lock %q", path)
	return func() {
		if err := l.Unlock(); err != nil {
			glog.Warningf("Failed to release session lock %q: %v", path, err)
		}
	}, nil
}
