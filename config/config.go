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

// Package config holds the explicit configuration value shared by the
// resolver, the key hierarchy and the tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/usbarmory/armory-ota-resolver/keyring"
	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Service Service `yaml:"service"`
	System  System  `yaml:"system"`
	GPG     GPG     `yaml:"gpg"`
}

// Service describes the update server and what to ask it for.
type Service struct {
	// Base is the host name of the update server.
	Base      string `yaml:"base"`
	HTTPPort  int    `yaml:"http_port"`
	HTTPSPort int    `yaml:"https_port"`
	Channel   string `yaml:"channel"`
	Device    string `yaml:"device"`

	// BuildNumber, if non-zero, overrides the contents of the build file.
	BuildNumber int `yaml:"build_number"`
	// TargetBuild is the build to upgrade to, zero meaning the latest one
	// offered by the index.
	TargetBuild int `yaml:"target_build"`
	// Scorer names the upgrade path scorer, "size" or "steps".
	Scorer string `yaml:"scorer"`
}

// System describes local paths and fetch behaviour.
type System struct {
	// TempDir is where keyring bundles are staged before verification.
	TempDir   string        `yaml:"tempdir"`
	BuildFile string        `yaml:"build_file"`
	LockFile  string        `yaml:"lock_file"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   uint64        `yaml:"retries"`
}

// GPG holds the cache location of each keyring tier.
type GPG struct {
	ArchiveMaster string `yaml:"archive_master"`
	ImageMaster   string `yaml:"image_master"`
	ImageSigning  string `yaml:"image_signing"`
	DeviceSigning string `yaml:"device_signing"`
	Blacklist     string `yaml:"blacklist"`
}

// Default returns the configuration used for any value a file leaves unset.
func Default() *Config {
	return &Config{
		Service: Service{
			Base:      "system-image.example.com",
			HTTPPort:  80,
			HTTPSPort: 443,
			Channel:   "daily",
			Scorer:    "size",
		},
		System: System{
			TempDir:   "/tmp/system-image",
			BuildFile: "/etc/ubuntu-build",
			LockFile:  "/var/lib/system-image/session.lock",
			Timeout:   time.Minute,
			Retries:   3,
		},
		GPG: GPG{
			ArchiveMaster: "/etc/system-image/archive-master.tar.xz",
			ImageMaster:   "/var/lib/system-image/keyrings/image-master.tar.xz",
			ImageSigning:  "/var/lib/system-image/keyrings/image-signing.tar.xz",
			DeviceSigning: "/var/lib/system-image/keyrings/device-signing.tar.xz",
			Blacklist:     "/var/lib/system-image/keyrings/blacklist.tar.xz",
		},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document over the defaults. Unknown keys are an error.
func Parse(raw []byte) (*Config, error) {
	c := Default()
	if err := decode(raw, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadOverride reads the file at path, which may only carry a service
// section, and applies it over c.
func (c *Config) LoadOverride(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read override: %w", err)
	}
	o := struct {
		Service *Service `yaml:"service"`
	}{Service: &c.Service}
	if err := decode(raw, &o); err != nil {
		return fmt.Errorf("override %q: %w", path, err)
	}
	return c.Validate()
}

func decode(raw []byte, v interface{}) error {
	d := yaml.NewDecoder(bytes.NewReader(raw))
	d.KnownFields(true)
	if err := d.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Service.Base == "" {
		return errors.New("missing field: service.base")
	}
	if c.Service.HTTPSPort <= 0 || c.Service.HTTPSPort > 65535 {
		return fmt.Errorf("invalid service.https_port %d", c.Service.HTTPSPort)
	}
	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("invalid service.http_port %d", c.Service.HTTPPort)
	}
	if c.Service.TargetBuild < 0 || c.Service.BuildNumber < 0 {
		return errors.New("build numbers must not be negative")
	}
	if c.GPG.ArchiveMaster == "" {
		return errors.New("missing field: gpg.archive_master")
	}
	return nil
}

// HTTPBase returns the plain HTTP root of the update server.
func (c *Config) HTTPBase() string {
	return base("http", c.Service.Base, c.Service.HTTPPort, 80)
}

// HTTPSBase returns the HTTPS root of the update server.
func (c *Config) HTTPSBase() string {
	return base("https", c.Service.Base, c.Service.HTTPSPort, 443)
}

func base(scheme, host string, port, def int) string {
	if port == 0 || port == def {
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// BuildNumber returns the device's current build. An override in the
// service section wins; otherwise the build file is read, and a missing or
// unparsable file means build 0.
func (c *Config) BuildNumber() int {
	if c.Service.BuildNumber != 0 {
		return c.Service.BuildNumber
	}
	raw, err := os.ReadFile(c.System.BuildFile)
	if err != nil {
		glog.V(1).Infof("No build file, assuming build 0: %v", err)
		return 0
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil || n < 0 {
		glog.Warningf("Unparsable build file %q, assuming build 0", c.System.BuildFile)
		return 0
	}
	return n
}

// KeyringPath returns the cache location for tier t.
func (c *Config) KeyringPath(t keyring.Tier) string {
	switch t {
	case keyring.ArchiveMaster:
		return c.GPG.ArchiveMaster
	case keyring.ImageMaster:
		return c.GPG.ImageMaster
	case keyring.ImageSigning:
		return c.GPG.ImageSigning
	case keyring.DeviceSigning:
		return c.GPG.DeviceSigning
	case keyring.Blacklist:
		return c.GPG.Blacklist
	}
	return ""
}
