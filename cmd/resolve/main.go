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

// resolve is a tool to run an update resolution session against an update
// server and print the winning upgrade path.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/usbarmory/armory-ota-resolver/config"
	"github.com/usbarmory/armory-ota-resolver/resolver"
	"github.com/usbarmory/armory-ota-resolver/score"
	"github.com/usbarmory/armory-ota-resolver/transport"
	"github.com/usbarmory/armory-ota-resolver/update"
)

var (
	configFile   = flag.String("config", "/etc/system-image/client.yaml", "Path to the client configuration")
	overrideFile = flag.String("override", "", "Path to a file overriding the service section, leave unset for none")
	channel      = flag.String("channel", "", "Channel to resolve, overriding the configuration")
	device       = flag.String("device", "", "Device to resolve, overriding the configuration")
	build        = flag.Int("build", -1, "Current build number, overriding the build file")
	target       = flag.Int("target", -1, "Build to upgrade to, 0 for the latest")
	scorer       = flag.String("scorer", "", "Upgrade path scorer, size or steps")
	runTo        = flag.String("run_to", "", "Stop after this state and print what was resolved, e.g. GetChannel")
	locale       = flag.String("locale", "", "Locale of the descriptions to print, e.g. en_US")
	outputFile   = flag.String("output", "", "Path to write JSON output to, leave unset to write to stdout")
)

func main() {
	flag.Parse()

	if err := checkFlags(); err != nil {
		glog.Exitf("Invalid flags:\n%s", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		glog.Exitf("Failed to load configuration: %v", err)
	}
	s, ok := score.ByName(cfg.Service.Scorer)
	if !ok {
		glog.Exitf("Unknown scorer %q", cfg.Service.Scorer)
	}
	fetch := transport.New(nil, cfg.System.Timeout, cfg.System.Retries).Fetch
	ctx := context.Background()

	var out interface{}
	if *runTo != "" {
		to, err := resolver.ParseState(*runTo)
		if err != nil {
			glog.Exitf("Invalid --run_to: %v", err)
		}
		m, err := update.Resolve(ctx, cfg, fetch, to, resolver.WithScorer(s))
		if err != nil {
			glog.Exitf("Resolution failed: %v", err)
		}
		out = inspect(cfg, m)
	} else {
		u, err := update.Check(ctx, cfg, fetch, resolver.WithScorer(s))
		if err != nil {
			glog.Exitf("Update check failed: %v", err)
		}
		if u.Available {
			glog.Infof("Update to build %d available, %s to download", u.Version, humanize.Bytes(uint64(u.Size)))
			for i, img := range u.Path {
				glog.Infof("  %d: %s %d (%s) %s", i+1, img.Type, img.Version, humanize.Bytes(uint64(img.Size)), img.Description(*locale))
			}
		} else {
			glog.Info("No update available")
		}
		out = u
	}

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		glog.Exitf("Failed to marshal result: %v", err)
	}
	if *outputFile == "" {
		fmt.Println(string(raw))
	} else {
		if err := os.WriteFile(*outputFile, raw, 0644); err != nil {
			glog.Exitf("Failed to write to output file %q: %v", *outputFile, err)
		}
		glog.Infof("Wrote result to %q", *outputFile)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return nil, err
	}
	if *overrideFile != "" {
		if err := cfg.LoadOverride(*overrideFile); err != nil {
			return nil, err
		}
	}
	if *channel != "" {
		cfg.Service.Channel = *channel
	}
	if *device != "" {
		cfg.Service.Device = *device
	}
	if *build >= 0 {
		cfg.Service.BuildNumber = *build
	}
	if *target >= 0 {
		cfg.Service.TargetBuild = *target
	}
	if *scorer != "" {
		cfg.Service.Scorer = *scorer
	}
	return cfg, cfg.Validate()
}

// inspect summarises what a partial session resolved. Image files are
// downloaded from http_base and checked against the verified index.
func inspect(cfg *config.Config, m *resolver.Machine) map[string]interface{} {
	r := map[string]interface{}{
		"pending":    m.State().String(),
		"blacklist":  m.BlacklistPath(),
		"https_base": cfg.HTTPSBase(),
		"http_base":  cfg.HTTPBase(),
	}
	if c := m.Channels(); c != nil {
		r["channels"] = c.Names()
	}
	if d := m.Device(); d != nil {
		r["index"] = d.Index
		if d.Keyring != nil {
			r["device_keyring"] = d.Keyring
		}
	}
	if x := m.Index(); x != nil {
		r["latest"] = x.Latest()
		r["images"] = len(x.Images)
	}
	if p := m.WinningPath(); p != nil {
		r["path"] = p.Images
		r["size"] = p.Size
	}
	return r
}

func checkFlags() error {
	errs := make([]string, 0)
	if *configFile == "" {
		errs = append(errs, "--config must not be empty")
	}
	if strings.ContainsAny(*channel, "/ ") {
		errs = append(errs, "--channel must be a bare channel name")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "\n"))
	}
	return nil
}
