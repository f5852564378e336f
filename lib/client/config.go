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

// Package client implements the control-plane side of the judger: the
// shared process-wide state, the serialized message sink and the
// duplex control loop that drives job dispatch.
package client

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// DockerConfig configures how the runner talks to the container daemon
// for this worker.
type DockerConfig struct {
	// Endpoint is the daemon socket/URL, e.g. "unix:///var/run/docker.sock".
	// Empty defers to the daemon's own DOCKER_HOST-aware default.
	Endpoint string
	// User is the container user, passed through to the daemon verbatim
	// (e.g. "1000:1000"); empty uses the image default.
	User string
	// RunCPUShares is passed to the test container as its NanoCPUs
	// limit; 0 means unset. BuildCPUShares is not read by the image
	// build or anywhere else.
	BuildCPUShares int64
	RunCPUShares   int64
	// NetworkIsolated requests a dedicated bridge network per job
	// instead of running with networking disabled.
	NetworkIsolated bool
}

// Config is an immutable snapshot of the worker's configuration. A new
// Config only ever replaces the whole snapshot (see Shared.SwapConfig),
// it is never mutated in place.
type Config struct {
	// CoordinatorURL is the coordinator's base HTTP(S) URL, e.g.
	// "https://judge.example.com".
	CoordinatorURL string
	// AccessToken authenticates an already-registered worker.
	AccessToken string
	// RegisterToken, if AccessToken is empty, is exchanged for one via
	// the register endpoint.
	RegisterToken string
	// AlternateName overrides the worker's self-reported identity.
	AlternateName string
	// Tags are advertised to the coordinator for job routing.
	Tags []string
	// CacheRoot is the directory under which suites/jobs/scratch files
	// live.
	CacheRoot string
	// MaxConcurrentTasks bounds how many jobs this worker runs at once.
	MaxConcurrentTasks int
	// Docker configures the container daemon connection used by the
	// runner.
	Docker DockerConfig
	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration
	// HTTPTimeout bounds individual coordinator HTTP calls (not
	// streaming suite downloads, which are bounded by the cancel token
	// instead).
	HTTPTimeout time.Duration
	// Logger receives structured log output; defaults to an entry on
	// logrus.StandardLogger() if nil when passed to NewShared.
	Logger *logrus.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults for
// zero-valued optional fields, following the corpus's
// CheckAndSetDefaults convention for config structs.
func (c *Config) CheckAndSetDefaults() error {
	if c.CoordinatorURL == "" {
		return trace.BadParameter("missing coordinator URL")
	}
	if c.AccessToken == "" && c.RegisterToken == "" {
		return trace.BadParameter("either an access token or a register token is required")
	}
	if c.CacheRoot == "" {
		return trace.BadParameter("missing cache root directory")
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 1
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}
