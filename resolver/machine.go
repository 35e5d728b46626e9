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

// Package resolver drives one update resolution session: it acquires and
// refreshes the keyring tiers, fetches and verifies the channel directory and
// the device index, and selects the upgrade path.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/usbarmory/armory-ota-resolver/api"
	"github.com/usbarmory/armory-ota-resolver/api/verify"
	"github.com/usbarmory/armory-ota-resolver/config"
	"github.com/usbarmory/armory-ota-resolver/keyring"
	"github.com/usbarmory/armory-ota-resolver/score"
)

const channelsPath = "channels.json"

// State is a position in the resolution pipeline.
type State int

const (
	// GetBlacklist fetches and applies the server's blacklist.
	GetBlacklist State = iota
	// GetImageMaster makes the cached image-master keyring trusted.
	GetImageMaster
	// GetImageSigning makes the cached image-signing keyring trusted.
	GetImageSigning
	// GetChannel fetches the channel directory and finds the device in it.
	GetChannel
	// GetDeviceSigning acquires the device keyring, if the channel names one.
	GetDeviceSigning
	// GetIndex fetches the device index.
	GetIndex
	// ComputePath selects the upgrade path from the index.
	ComputePath
	// Done is reached once the session has resolved a path.
	Done
)

var stateNames = [...]string{
	GetBlacklist:     "GetBlacklist",
	GetImageMaster:   "GetImageMaster",
	GetImageSigning:  "GetImageSigning",
	GetChannel:       "GetChannel",
	GetDeviceSigning: "GetDeviceSigning",
	GetIndex:         "GetIndex",
	ComputePath:      "ComputePath",
	Done:             "Done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return State(s), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// Option configures a Machine.
type Option func(*Machine)

// WithScorer selects the upgrade path scorer. The default is score.SizeScorer.
func WithScorer(s score.Scorer) Option {
	return func(m *Machine) { m.scorer = s }
}

// WithBuildNumber sets the source of the device's current build. The default
// is the configuration's BuildNumber.
func WithBuildNumber(f func() int) Option {
	return func(m *Machine) { m.build = f }
}

// WithClock sets the time used to check keyring expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is a resolution session. It is advanced one state at a time by
// Step, and is not safe for concurrent use.
//
// A signature failure on the blacklist, the channel directory or the index is
// retried once after refreshing the keyring tier which signs it; a second
// failure is returned as api.ErrSignature. Any error ends the session: every
// later Step returns it again.
type Machine struct {
	cfg    *config.Config
	fetch  Fetcher
	h      *Hierarchy
	scorer score.Scorer
	build  func() int
	now    func() time.Time

	queue []State
	err   error

	// force marks tiers to refresh even if the cached copy is trusted.
	force map[keyring.Tier]bool
	// refreshed marks tiers already fetched from the server this session.
	refreshed map[keyring.Tier]bool

	deferredBlacklist bool
	retriedBlacklist  bool
	retriedChannel    bool
	retriedIndex      bool
	// noDeviceKeyring is set when the channel names a device keyring which the
	// server does not have.
	noDeviceKeyring bool

	blacklistPath string
	channels      *api.Channels
	channel       *api.Channel
	device        *api.Device
	index         *api.Index
	path          *score.UpgradePath
}

// New starts a session over the keyring cache described by cfg.
func New(cfg *config.Config, fetch Fetcher, opts ...Option) *Machine {
	m := &Machine{
		cfg:       cfg,
		fetch:     fetch,
		scorer:    score.SizeScorer{},
		build:     cfg.BuildNumber,
		now:       time.Now,
		queue:     []State{GetBlacklist, GetImageMaster, GetImageSigning, GetChannel, GetDeviceSigning, GetIndex, ComputePath, Done},
		force:     make(map[keyring.Tier]bool),
		refreshed: make(map[keyring.Tier]bool),
	}
	for _, o := range opts {
		o(m)
	}
	m.h = NewHierarchy(cfg, fetch, m.now)
	return m
}

// State returns the state the next Step will run, or the state which failed.
func (m *Machine) State() State {
	return m.queue[0]
}

// Step runs the pending state and returns the state which is pending next.
// Stepping at Done does nothing.
func (m *Machine) Step(ctx context.Context) (State, error) {
	if m.err != nil {
		return m.State(), m.err
	}
	s := m.State()
	if s == Done {
		return Done, nil
	}
	m.queue = m.queue[1:]
	glog.V(1).Infof("Running %s", s)

	var err error
	switch s {
	case GetBlacklist:
		err = m.getBlacklist(ctx)
	case GetImageMaster:
		err = m.ensure(ctx, keyring.ImageMaster, nil)
	case GetImageSigning:
		err = m.ensure(ctx, keyring.ImageSigning, nil)
	case GetChannel:
		err = m.getChannel(ctx)
	case GetDeviceSigning:
		err = m.getDeviceSigning(ctx)
	case GetIndex:
		err = m.getIndex(ctx)
	case ComputePath:
		m.computePath()
	}
	if err != nil {
		glog.Warningf("%s failed: %v", s, err)
		m.err = fmt.Errorf("%s: %w", s, err)
		m.push(s)
		return s, m.err
	}
	return m.State(), nil
}

// RunTo steps the machine until s has run with no retry of it pending, or
// until the session fails or reaches Done.
func (m *Machine) RunTo(ctx context.Context, s State) (State, error) {
	for m.State() != Done && m.pending(s) {
		if _, err := m.Step(ctx); err != nil {
			return m.State(), err
		}
	}
	return m.State(), m.err
}

func (m *Machine) pending(s State) bool {
	for _, q := range m.queue {
		if q == s {
			return true
		}
	}
	return false
}

// push schedules states to run next, in order.
func (m *Machine) push(states ...State) {
	m.queue = append(append([]State{}, states...), m.queue...)
}

// Channels returns the verified channel directory, or nil.
func (m *Machine) Channels() *api.Channels { return m.channels }

// Channel returns the configured channel, or nil.
func (m *Machine) Channel() *api.Channel { return m.channel }

// Device returns the configured device's entry in the channel, or nil.
func (m *Machine) Device() *api.Device { return m.device }

// Index returns the verified device index, or nil.
func (m *Machine) Index() *api.Index { return m.index }

// BlacklistPath returns where the applied blacklist is cached, or "" if no
// blacklist is applied.
func (m *Machine) BlacklistPath() string { return m.blacklistPath }

// WinningPath returns the selected upgrade path, or nil until ComputePath has
// run. An empty path means there is nothing to install.
func (m *Machine) WinningPath() *score.UpgradePath { return m.path }

func (m *Machine) getBlacklist(ctx context.Context) error {
	if err := m.h.Trusted(keyring.ImageMaster); err != nil {
		if m.deferredBlacklist {
			return fmt.Errorf("no trusted image-master keyring to verify the blacklist: %w", err)
		}
		glog.V(1).Infof("Acquiring image-master keyring before the blacklist: %v", err)
		m.deferredBlacklist = true
		m.push(GetImageMaster, GetBlacklist)
		return nil
	}

	p, err := m.h.FetchBlacklist(ctx)
	switch {
	case err == nil:
		m.blacklistPath = p
	case errors.Is(err, api.ErrSignature):
		m.blacklistPath = ""
		if m.retriedBlacklist {
			return err
		}
		glog.Warningf("Blacklist did not verify, refreshing image-master keyring: %v", err)
		m.retriedBlacklist = true
		m.force[keyring.ImageMaster] = true
		m.push(GetImageMaster, GetBlacklist)
	default:
		m.blacklistPath = ""
		glog.Warningf("Proceeding without a blacklist: %v", err)
	}
	return nil
}

// ensure makes the cached tier t trusted, fetching a replacement once per
// session if it is not, or if a refresh was forced.
func (m *Machine) ensure(ctx context.Context, t keyring.Tier, ref *api.KeyringRef) error {
	force := m.force[t]
	delete(m.force, t)
	if !force {
		err := m.h.Trusted(t)
		if err == nil {
			glog.V(1).Infof("Cached %s keyring is trusted", t)
			return nil
		}
		glog.V(1).Infof("Cached %s keyring needs replacing: %v", t, err)
	}
	if m.refreshed[t] {
		return fmt.Errorf("%s keyring already refreshed this session: %w", t, api.ErrSignature)
	}
	m.refreshed[t] = true
	_, err := m.h.Refresh(ctx, t, ref)
	if err != nil && force && !errors.Is(err, api.ErrSignature) {
		// A forced refresh follows a signature failure, which stands.
		return fmt.Errorf("%w: no replacement %s keyring: %v", api.ErrSignature, t, err)
	}
	return err
}

func (m *Machine) getChannel(ctx context.Context) error {
	raw, sig, err := m.getSigned(ctx, channelsPath)
	if err != nil {
		return err
	}
	ts, err := m.h.TrustStore(keyring.ImageSigning)
	if err != nil {
		return err
	}
	c, err := verify.Channels(raw, sig, ts)
	if errors.Is(err, api.ErrSignature) && !m.retriedChannel {
		glog.Warningf("Channel directory did not verify, refreshing image-signing keyring")
		m.retriedChannel = true
		m.force[keyring.ImageSigning] = true
		m.push(GetImageSigning, GetChannel)
		return nil
	}
	if err != nil {
		return err
	}
	m.channels = c

	ch, err := c.Channel(m.cfg.Service.Channel)
	if err != nil {
		return err
	}
	d, err := ch.Device(m.cfg.Service.Device)
	if err != nil {
		return err
	}
	m.channel, m.device = ch, d
	return nil
}

func (m *Machine) getDeviceSigning(ctx context.Context) error {
	if m.device.Keyring == nil {
		glog.V(1).Infof("No device keyring for %q, using image-signing", m.device.Name)
		return nil
	}
	err := m.ensure(ctx, keyring.DeviceSigning, m.device.Keyring)
	if errors.Is(err, api.ErrResourceMissing) {
		glog.Warningf("Device keyring unavailable, using image-signing: %v", err)
		m.noDeviceKeyring = true
		return nil
	}
	return err
}

// indexTier returns the tier which signs the device index.
func (m *Machine) indexTier() keyring.Tier {
	if m.device.Keyring != nil && !m.noDeviceKeyring {
		return keyring.DeviceSigning
	}
	return keyring.ImageSigning
}

func (m *Machine) getIndex(ctx context.Context) error {
	raw, sig, err := m.getSigned(ctx, m.device.Index)
	if err != nil {
		return err
	}
	t := m.indexTier()
	ts, err := m.h.TrustStore(t)
	if err != nil {
		return err
	}
	x, err := verify.Index(raw, sig, ts)
	if errors.Is(err, api.ErrSignature) && !m.retriedIndex && !m.refreshed[t] {
		glog.Warningf("Index did not verify, refreshing %s keyring", t)
		m.retriedIndex = true
		m.force[t] = true
		if t == keyring.DeviceSigning {
			m.push(GetDeviceSigning, GetIndex)
		} else {
			m.push(GetImageSigning, GetIndex)
		}
		return nil
	}
	if err != nil {
		return err
	}
	m.index = x
	return nil
}

func (m *Machine) computePath() {
	target := m.cfg.Service.TargetBuild
	if target == 0 {
		target = m.index.Latest()
	}
	current := m.build()
	p := m.scorer.Score(m.index.Images, current, target)
	glog.Infof("Build %d to %d: %d images, %d bytes", current, target, len(p.Images), p.Size)
	m.path = &p
}

// getSigned fetches the document at p and its detached signature.
func (m *Machine) getSigned(ctx context.Context, p string) ([]byte, []byte, error) {
	raw, err := get(ctx, m.fetch, serverURL(m.cfg, p))
	if err != nil {
		return nil, nil, err
	}
	sig, err := get(ctx, m.fetch, serverURL(m.cfg, p+api.SignatureSuffix))
	if err != nil {
		return nil, nil, err
	}
	return raw, sig, nil
}
