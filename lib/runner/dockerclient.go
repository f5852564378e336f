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

// Package runner materializes and tears down the per-job sandbox: an
// optionally built image, an optional dedicated bridge network, and the
// container the test suite's commands execute inside.
package runner

import (
	"context"

	dockerapi "github.com/fsouza/go-dockerclient"
)

// DockerClient is the subset of *dockerapi.Client the runner needs,
// kept as an interface so tests substitute a fake daemon instead of
// requiring a real one, matching the teacher's own DockerInterface seam
// in lib/docker/api.go.
type DockerClient interface {
	BuildImage(opts dockerapi.BuildImageOptions) error
	CreateContainer(opts dockerapi.CreateContainerOptions) (*dockerapi.Container, error)
	StartContainerWithContext(id string, hostConfig *dockerapi.HostConfig, ctx context.Context) error
	StopContainerWithContext(id string, timeout uint, ctx context.Context) error
	WaitContainerWithContext(id string, ctx context.Context) (int, error)
	RemoveContainer(opts dockerapi.RemoveContainerOptions) error
	UploadToContainer(id string, opts dockerapi.UploadToContainerOptions) error
	CreateExec(opts dockerapi.CreateExecOptions) (*dockerapi.Exec, error)
	StartExec(id string, opts dockerapi.StartExecOptions) error
	InspectExec(id string) (*dockerapi.ExecInspect, error)
	CommitContainer(opts dockerapi.CommitContainerOptions) (*dockerapi.Image, error)
	RemoveImageExtended(name string, opts dockerapi.RemoveImageOptions) error
	CreateNetwork(opts dockerapi.CreateNetworkOptions) (*dockerapi.Network, error)
	ConnectNetwork(id string, opts dockerapi.NetworkConnectionOptions) error
	RemoveNetwork(id string) error
}
