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

import "errors"

var (
	// ErrSignature is returned when an artifact could not be verified by a
	// non-revoked key, after any permitted key refresh has been attempted.
	ErrSignature = errors.New("signature verification failed")

	// ErrResourceMissing is returned when an artifact is absent, either locally
	// or on the server.
	ErrResourceMissing = errors.New("resource missing")

	// ErrNotFound is returned when a channel, device or alias is absent from a
	// document which was otherwise valid.
	ErrNotFound = errors.New("not found")

	// ErrMalformed is returned when a document does not have the expected shape.
	ErrMalformed = errors.New("malformed document")

	// ErrTransport is returned for failures of the underlying transport.
	ErrTransport = errors.New("transport error")
)
