/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package flowsnake implements the opaque, ordered identifier used for
// jobs, suites and poll messages throughout the judger. It is backed by
// a ULID so that two ids generated close in time sort the same way they
// were created, without requiring a central allocator.
package flowsnake

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/oklog/ulid/v2"
)

// ID is an opaque, ordered, uniquely-generable identifier. On the wire it
// is always a string.
type ID struct {
	ulid ulid.ULID
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New generates a fresh ID ordered after any ID generated earlier in this
// process.
func New() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ID{ulid: ulid.MustNew(ulid.Timestamp(time.Now()), entropy)}
}

// Parse decodes the canonical 26-character form produced by String.
func Parse(s string) (ID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return ID{}, trace.Wrap(err, "invalid flowsnake %q", s)
	}
	return ID{ulid: u}, nil
}

// String returns the canonical Crockford base32 form.
func (id ID) String() string {
	return id.ulid.String()
}

// IsZero reports whether id is the zero value (never generated or
// parsed).
func (id ID) IsZero() bool {
	return id.ulid == ulid.ULID{}
}

// Before reports whether id was generated strictly earlier than other.
func (id ID) Before(other ID) bool {
	return id.ulid.Compare(other.ulid) < 0
}

// MarshalJSON implements json.Marshaler, emitting the canonical string
// form expected by the coordinator.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.ulid.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return trace.BadParameter("invalid flowsnake literal %q", data)
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return trace.Wrap(err)
	}
	*id = parsed
	return nil
}
