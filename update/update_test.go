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

package update

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"
	"github.com/usbarmory/armory-ota-resolver/config"
	"github.com/usbarmory/armory-ota-resolver/keyring/keyringtest"
	"github.com/usbarmory/armory-ota-resolver/resolver"
	"github.com/usbarmory/armory-ota-resolver/transport"
)

const testIndex = `{"images": [
    {"type": "full", "version": 1200, "size": 500, "files": [], "description": "Twelve hundred"},
    {"type": "delta", "base": 1100, "version": 1200, "size": 50, "files": [], "description": "Small step", "description-fr": "Petit pas"}
]}`

// newServer starts an update server for device "mako" on channel "stable"
// and returns a configuration whose cache holds only the archive-master.
func newServer(t *testing.T) (*config.Config, resolver.Fetcher) {
	t.Helper()
	www := t.TempDir()
	srv := httptest.NewTLSServer(http.FileServer(http.Dir(www)))
	t.Cleanup(srv.Close)

	archive := keyringtest.NewKey(t, "archive-master")
	master := keyringtest.NewKey(t, "image-master")
	signing := keyringtest.NewKey(t, "image-signing")
	keyringtest.WriteBundle(t, filepath.Join(www, "gpg", "image-master.tar.xz"), "image-master", archive, master)
	keyringtest.WriteBundle(t, filepath.Join(www, "gpg", "image-signing.tar.xz"), "image-signing", master, signing)
	keyringtest.WriteSigned(t, filepath.Join(www, "channels.json"), []byte(`{"stable": {"mako": "/stable/mako/index.json"}}`), signing)
	keyringtest.WriteSigned(t, filepath.Join(www, "stable", "mako", "index.json"), []byte(testIndex), signing)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("Failed to split %q: %v", u.Host, err)
	}
	cache := t.TempDir()
	cfg := config.Default()
	cfg.Service.Base = host
	if cfg.Service.HTTPSPort, err = strconv.Atoi(port); err != nil {
		t.Fatalf("Bad port %q: %v", port, err)
	}
	cfg.Service.Channel = "stable"
	cfg.Service.Device = "mako"
	cfg.System.TempDir = filepath.Join(cache, "tmp")
	cfg.System.BuildFile = filepath.Join(cache, "build")
	cfg.System.LockFile = filepath.Join(cache, "lock", "session.lock")
	cfg.GPG = config.GPG{
		ArchiveMaster: filepath.Join(cache, "archive-master.tar.xz"),
		ImageMaster:   filepath.Join(cache, "image-master.tar.xz"),
		ImageSigning:  filepath.Join(cache, "image-signing.tar.xz"),
		DeviceSigning: filepath.Join(cache, "device-signing.tar.xz"),
		Blacklist:     filepath.Join(cache, "blacklist.tar.xz"),
	}
	keyringtest.WriteBundle(t, cfg.GPG.ArchiveMaster, "", nil, archive)
	return cfg, transport.New(srv.Client(), 10*time.Second, 0).Fetch
}

func TestCheck(t *testing.T) {
	for _, test := range []struct {
		desc  string
		build int
		want  Update
	}{
		{
			desc:  "delta",
			build: 1100,
			want: Update{
				Available:    true,
				Version:      1200,
				Size:         50,
				Descriptions: []map[string]string{{"description": "Small step", "description-fr": "Petit pas"}},
			},
		}, {
			desc:  "full",
			build: 1000,
			want: Update{
				Available:    true,
				Version:      1200,
				Size:         500,
				Descriptions: []map[string]string{{"description": "Twelve hundred"}},
			},
		}, {
			desc:  "up to date",
			build: 1200,
			want:  Update{},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			cfg, fetch := newServer(t)
			cfg.Service.BuildNumber = test.build
			got, err := Check(context.Background(), cfg, fetch)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if len(got.Path) != len(got.Descriptions) {
				t.Errorf("Check returned %d images and %d descriptions", len(got.Path), len(got.Descriptions))
			}
			got.Path = nil
			if diff := cmp.Diff(&test.want, got); diff != "" {
				t.Errorf("Check diff: %s", diff)
			}
		})
	}
}

func TestCheckWaitsForLock(t *testing.T) {
	cfg, fetch := newServer(t)
	unlock, err := lock(context.Background(), cfg.System.LockFile)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()
	other := flock.New(cfg.System.LockFile)
	if ok, err := other.TryLock(); err != nil || ok {
		t.Fatalf("second lock on %q = %v, %v, want held", cfg.System.LockFile, ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := Check(ctx, cfg, fetch); err == nil {
		t.Fatal("Check succeeded while another session held the lock")
	}
}

func TestResolve(t *testing.T) {
	cfg, fetch := newServer(t)
	m, err := Resolve(context.Background(), cfg, fetch, resolver.GetChannel)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Device() == nil || m.Device().Index != "/stable/mako/index.json" {
		t.Errorf("Device() = %+v", m.Device())
	}
	if m.Index() != nil {
		t.Errorf("Resolve ran past GetChannel")
	}

	// The lock is released once the session returns.
	other := flock.New(cfg.System.LockFile)
	if ok, err := other.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock after Resolve = %v, %v", ok, err)
	}
	other.Unlock()
}
