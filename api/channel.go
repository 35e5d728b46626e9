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

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// KeyringRef locates a device specific signing keyring on the update server.
type KeyringRef struct {
	// Path is the server path of the keyring bundle.
	Path string `json:"path"`
	// Signature is the server path of the detached signature over the bundle.
	Signature string `json:"signature"`
}

// Device is the entry for one device within a channel.
type Device struct {
	Name string
	// Index is the server path of the device's index document.
	Index string
	// Keyring, if set, names the keyring which signs Index in place of the
	// image signing keyring.
	Keyring *KeyringRef
}

// Channel is a named update track.
type Channel struct {
	Name    string
	Hidden  bool
	Devices map[string]*Device

	alias    string
	hasAlias bool
}

// Alias returns the name of the channel this channel tracks.
// ErrNotFound is returned if the channel has no alias.
func (c *Channel) Alias() (string, error) {
	if !c.hasAlias {
		return "", fmt.Errorf("channel %q has no alias: %w", c.Name, ErrNotFound)
	}
	return c.alias, nil
}

// Device returns the entry for the named device.
func (c *Channel) Device(name string) (*Device, error) {
	d, ok := c.Devices[name]
	if !ok {
		return nil, fmt.Errorf("device %q in channel %q: %w", name, c.Name, ErrNotFound)
	}
	return d, nil
}

// DeviceNames returns the sorted names of all devices in the channel.
func (c *Channel) DeviceNames() []string {
	return sortedKeys(c.Devices)
}

// Channels is the parsed channel directory.
type Channels struct {
	byName map[string]*Channel
}

// ParseChannels parses a channel directory document.
func ParseChannels(data []byte) (*Channels, error) {
	c := &Channels{}
	if err := c.Unmarshal(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Unmarshal parses the channel directory and stores the result in c.
//
// Two layouts are understood, and may be mixed per channel:
//   - legacy: {"<channel>": {"<device>": "<index path>"}}
//   - nested: {"<channel>": {"alias": ..., "hidden": ..., "devices":
//     {"<device>": {"index": ..., "keyring": {"path": ..., "signature": ...}}}}}
func (c *Channels) Unmarshal(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: channels: %v", ErrMalformed, err)
	}
	byName := make(map[string]*Channel, len(raw))
	for name, v := range raw {
		ch, err := parseChannel(name, v)
		if err != nil {
			return err
		}
		byName[name] = ch
	}
	*c = Channels{byName: byName}
	return nil
}

// Channel returns the channel with exactly the given name.
func (c *Channels) Channel(name string) (*Channel, error) {
	ch, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("channel %q: %w", name, ErrNotFound)
	}
	return ch, nil
}

// Lookup returns the entry for device in the named channel.
func (c *Channels) Lookup(channel, device string) (*Device, error) {
	ch, err := c.Channel(channel)
	if err != nil {
		return nil, err
	}
	return ch.Device(device)
}

// Names returns the sorted names of all channels, including hidden ones.
func (c *Channels) Names() []string {
	return sortedKeys(c.byName)
}

func parseChannel(name string, data json.RawMessage) (*Channel, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: channel %q: %v", ErrMalformed, name, err)
	}
	ch := &Channel{Name: name, Devices: make(map[string]*Device)}

	devices, ok := fields["devices"]
	if !ok || !isObject(devices) {
		// Legacy layout, every member is a device.
		for dn, dv := range fields {
			d, err := parseDevice(name, dn, dv)
			if err != nil {
				return nil, err
			}
			ch.Devices[dn] = d
		}
		return ch, nil
	}

	if a, ok := fields["alias"]; ok && !isNull(a) {
		if err := json.Unmarshal(a, &ch.alias); err != nil {
			return nil, fmt.Errorf("%w: channel %q alias: %v", ErrMalformed, name, err)
		}
		ch.hasAlias = true
	}
	if h, ok := fields["hidden"]; ok && !isNull(h) {
		if err := json.Unmarshal(h, &ch.Hidden); err != nil {
			return nil, fmt.Errorf("%w: channel %q hidden: %v", ErrMalformed, name, err)
		}
	}
	var dm map[string]json.RawMessage
	if err := json.Unmarshal(devices, &dm); err != nil {
		return nil, fmt.Errorf("%w: channel %q devices: %v", ErrMalformed, name, err)
	}
	for dn, dv := range dm {
		d, err := parseDevice(name, dn, dv)
		if err != nil {
			return nil, err
		}
		ch.Devices[dn] = d
	}
	return ch, nil
}

func parseDevice(channel, name string, data json.RawMessage) (*Device, error) {
	d := &Device{Name: name}
	if !isObject(data) {
		if err := json.Unmarshal(data, &d.Index); err != nil {
			return nil, fmt.Errorf("%w: device %q in channel %q: %v", ErrMalformed, name, channel, err)
		}
	} else {
		var e struct {
			Index   string      `json:"index"`
			Keyring *KeyringRef `json:"keyring"`
		}
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: device %q in channel %q: %v", ErrMalformed, name, channel, err)
		}
		if k := e.Keyring; k != nil && (k.Path == "" || k.Signature == "") {
			return nil, fmt.Errorf("%w: device %q in channel %q: incomplete keyring", ErrMalformed, name, channel)
		}
		d.Index, d.Keyring = e.Index, e.Keyring
	}
	if d.Index == "" {
		return nil, fmt.Errorf("%w: device %q in channel %q: empty index path", ErrMalformed, name, channel)
	}
	return d, nil
}

func isObject(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) > 0 && d[0] == '{'
}

func isNull(data json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}

func sortedKeys[V any](m map[string]V) []string {
	r := make([]string, 0, len(m))
	for k := range m {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}
