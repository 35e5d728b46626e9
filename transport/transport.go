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

// Package transport fetches update server resources over HTTPS.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/usbarmory/armory-ota-resolver/api"
)

// maxBody bounds the size of any single resource.
const maxBody = 64 << 20

// HTTPS fetches resources, retrying transient failures.
type HTTPS struct {
	client  *http.Client
	timeout time.Duration
	retries uint64
	// initial is the first retry interval.
	initial time.Duration
}

// New returns an HTTPS fetcher using client, bounding each attempt by timeout
// and retrying transient failures up to retries times.
// A nil client means http.DefaultClient.
func New(client *http.Client, timeout time.Duration, retries uint64) *HTTPS {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPS{client: client, timeout: timeout, retries: retries, initial: 500 * time.Millisecond}
}

// Fetch returns the body of the resource at rawURL.
//
// Only https URLs are accepted. A resource the server reports as absent is
// an error wrapping os.ErrNotExist; any other failure wraps api.ErrTransport.
func (h *HTTPS) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrTransport, err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: refusing to fetch %q over %s", api.ErrTransport, rawURL, u.Scheme)
	}

	var body []byte
	op := func() error {
		var err error
		body, err = h.get(ctx, u.String())
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.initial
	b := backoff.WithContext(backoff.WithMaxRetries(bo, h.retries), ctx)
	if err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		glog.Warningf("Fetching %s failed, retrying in %v: %v", rawURL, d, err)
	}); err != nil {
		return nil, err
	}
	return body, nil
}

func (h *HTTPS) get(ctx context.Context, u string) ([]byte, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", api.ErrTransport, err))
	}
	glog.V(2).Infof("GET %s", u)
	resp, err := h.client.Do(req)
	if err != nil {
		err = fmt.Errorf("%w: %w", api.ErrTransport, err)
		if permanent(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("%s: %w", u, os.ErrNotExist))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s: %s", api.ErrTransport, u, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("%w: %s: %s", api.ErrTransport, u, resp.Status))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", api.ErrTransport, u, err)
	}
	if len(body) > maxBody {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s is larger than %d bytes", api.ErrTransport, u, maxBody))
	}
	return body, nil
}

// permanent reports whether retrying err is pointless.
func permanent(err error) bool {
	var rhe tls.RecordHeaderError
	var cve *tls.CertificateVerificationError
	return errors.As(err, &rhe) || errors.As(err, &cve) || errors.Is(err, context.Canceled)
}
