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

// Package judgeconfig implements the two on-disk configuration formats
// the job pipeline reads: testconf.json (inside a downloaded suite) and
// judge.toml (inside the submitted repository).
package judgeconfig

import (
	"encoding/json"
	"os"

	"github.com/docker/go-units"
	"github.com/gravitational/trace"

	"github.com/rurikawa/judger/lib/judgeerr"
)

// MappedDir is the suite directory's host/container path pair.
type MappedDir struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TestCase is one case of a suite's test set.
type TestCase struct {
	ID   string            `json:"id"`
	Vars map[string]string `json:"vars,omitempty"`
}

// PublicConfig is the per-suite descriptor read from testconf.json.
type PublicConfig struct {
	Name        string     `json:"name"`
	MappedDir   MappedDir  `json:"mapped_dir"`
	Run         []string   `json:"run"`
	TimeLimitMS *int64     `json:"time_limit,omitempty"`
	MemoryLimit string     `json:"memory_limit,omitempty"`
	Binds       []string   `json:"binds,omitempty"`
	TestCases   []TestCase `json:"tests"`
}

// MemoryLimitBytes parses MemoryLimit (a human string like "256m") into
// bytes, returning 0 if unset.
func (c *PublicConfig) MemoryLimitBytes() (int64, error) {
	if c.MemoryLimit == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.MemoryLimit)
	if err != nil {
		return 0, trace.Wrap(judgeerr.IO(err))
	}
	return n, nil
}

// LoadPublicConfig reads and parses testconf.json from path.
func LoadPublicConfig(path string) (*PublicConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.Wrap(judgeerr.NoSuchFile(path))
		}
		return nil, trace.Wrap(judgeerr.IO(err))
	}
	var cfg PublicConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(judgeerr.JSON(err))
	}
	return &cfg, nil
}

// SuiteMeta is the coordinator's test-suite metadata, cached as the
// suite lockfile alongside its unpacked contents. Unknown fields are
// preserved verbatim so the worker can pass them through without
// understanding them.
type SuiteMeta struct {
	PackageFileID string          `json:"package_file_id"`
	Extra         json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps package_file_id typed while stashing every other
// field, including ones this worker doesn't know about, in Extra for
// pass-through.
func (m *SuiteMeta) UnmarshalJSON(data []byte) error {
	var known struct {
		PackageFileID string `json:"package_file_id"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	m.PackageFileID = known.PackageFileID
	m.Extra = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON re-emits Extra's fields with package_file_id overlaid,
// so a pass-through field this worker never inspected survives a
// round-trip to the lockfile.
func (m SuiteMeta) MarshalJSON() ([]byte, error) {
	var fields map[string]json.RawMessage
	if len(m.Extra) > 0 {
		if err := json.Unmarshal(m.Extra, &fields); err != nil {
			return nil, err
		}
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	idJSON, err := json.Marshal(m.PackageFileID)
	if err != nil {
		return nil, err
	}
	fields["package_file_id"] = idJSON
	return json.Marshal(fields)
}
