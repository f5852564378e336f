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

// Package defaults collects the timing, path and limit constants shared
// across the judger packages.
package defaults

import "time"

const (
	// KeepaliveInterval is how often the control loop pings the coordinator.
	KeepaliveInterval = 20 * time.Second

	// PollInterval is how long the poller waits between JobRequest sends
	// when the previous poll slot was already cleared.
	PollInterval = 10 * time.Second

	// PollRetryInterval is how long the poller waits when the previous
	// poll slot is still occupied on loop entry.
	PollRetryInterval = 1 * time.Second

	// PollReplyTimeout is how long a poll message id stays valid before
	// the slot is cleared unilaterally.
	PollReplyTimeout = 60 * time.Second

	// JobWallClock is the hard ceiling on a single job's execution time.
	JobWallClock = 30 * time.Minute

	// ContainerStopGrace is the grace period given to a container before
	// it is force-killed during teardown.
	ContainerStopGrace = 15 * time.Second

	// MaxOutputBytes is the per-stream cap on captured stdout/stderr.
	MaxOutputBytes = 100 * 1024

	// OutputOverflowMarker is appended once a captured stream hits
	// MaxOutputBytes.
	OutputOverflowMarker = "\n--- ERROR: Max output length exceeded"

	// MaxJudgeFileWalkDepth bounds how deep the job pipeline walks the
	// cloned repository looking for judge.toml.
	MaxJudgeFileWalkDepth = 8

	// JudgeFileName is the name of the per-repo build/run descriptor.
	JudgeFileName = "judge.toml"

	// TestConfFileName is the name of the per-suite descriptor inside a
	// downloaded test suite.
	TestConfFileName = "testconf.json"

	// SuiteLockSuffix names the lockfile recording the installed suite
	// version, sibling to the suite directory.
	SuiteLockSuffix = ".lock"

	// JobsSubdir, SuitesSubdir and FilesSubdir are the top-level
	// directories under the cache root.
	JobsSubdir   = "jobs"
	SuitesSubdir = "suites"
	FilesSubdir  = "files"

	// CopiedImageTagSuffix is appended to an image tag after a runner
	// commits a helper container that copied files into it.
	CopiedImageTagSuffix = "_copied"

	// ShellEntrypoint is the entrypoint used for every container and exec
	// created by the runner.
	ShellEntrypoint = "sh"
)

// APIPath builds a coordinator API path rooted at /api/v1.
func APIPath(parts ...string) string {
	path := "/api/v1"
	for _, p := range parts {
		path += "/" + p
	}
	return path
}
