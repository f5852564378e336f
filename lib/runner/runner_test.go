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

package runner

import (
	"context"
	"strings"
	"sync"
	"testing"

	dockerapi "github.com/fsouza/go-dockerclient"
	"github.com/stretchr/testify/require"
)

// fakeDocker is an in-memory stand-in for a docker daemon that records
// every call it receives, so tests assert on construction/teardown
// ordering without a real daemon.
type fakeDocker struct {
	mu sync.Mutex

	nextID    int
	execCode  int
	execOut   string
	execErr   string
	calls     []string
	containers map[string]bool
	networks   map[string]bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: map[string]bool{}, networks: map[string]bool{}}
}

func (f *fakeDocker) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDocker) id(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return prefix + string(rune('0'+f.nextID))
}

func (f *fakeDocker) BuildImage(opts dockerapi.BuildImageOptions) error {
	f.record("BuildImage:" + opts.Name)
	return nil
}

func (f *fakeDocker) CreateContainer(opts dockerapi.CreateContainerOptions) (*dockerapi.Container, error) {
	id := f.id("container")
	f.mu.Lock()
	f.containers[id] = true
	f.mu.Unlock()
	f.record("CreateContainer:" + id)
	return &dockerapi.Container{ID: id}, nil
}

func (f *fakeDocker) StartContainerWithContext(id string, hostConfig *dockerapi.HostConfig, ctx context.Context) error {
	f.record("StartContainer:" + id)
	return nil
}

func (f *fakeDocker) StopContainerWithContext(id string, timeout uint, ctx context.Context) error {
	f.record("StopContainer:" + id)
	return nil
}

func (f *fakeDocker) WaitContainerWithContext(id string, ctx context.Context) (int, error) {
	f.record("WaitContainer:" + id)
	return 0, nil
}

func (f *fakeDocker) RemoveContainer(opts dockerapi.RemoveContainerOptions) error {
	f.record("RemoveContainer:" + opts.ID)
	f.mu.Lock()
	delete(f.containers, opts.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDocker) UploadToContainer(id string, opts dockerapi.UploadToContainerOptions) error {
	f.record("UploadToContainer:" + id + ":" + opts.Path)
	return nil
}

func (f *fakeDocker) CreateExec(opts dockerapi.CreateExecOptions) (*dockerapi.Exec, error) {
	id := f.id("exec")
	f.record("CreateExec:" + strings.Join(opts.Cmd, " "))
	return &dockerapi.Exec{ID: id}, nil
}

func (f *fakeDocker) StartExec(id string, opts dockerapi.StartExecOptions) error {
	f.record("StartExec:" + id)
	if opts.OutputStream != nil {
		opts.OutputStream.Write([]byte(f.execOut)) //nolint:errcheck
	}
	if opts.ErrorStream != nil {
		opts.ErrorStream.Write([]byte(f.execErr)) //nolint:errcheck
	}
	return nil
}

func (f *fakeDocker) InspectExec(id string) (*dockerapi.ExecInspect, error) {
	return &dockerapi.ExecInspect{ID: id, ExitCode: f.execCode}, nil
}

func (f *fakeDocker) CommitContainer(opts dockerapi.CommitContainerOptions) (*dockerapi.Image, error) {
	f.record("CommitContainer:" + opts.Repository)
	return &dockerapi.Image{ID: opts.Repository}, nil
}

func (f *fakeDocker) RemoveImageExtended(name string, opts dockerapi.RemoveImageOptions) error {
	f.record("RemoveImage:" + name)
	return nil
}

func (f *fakeDocker) CreateNetwork(opts dockerapi.CreateNetworkOptions) (*dockerapi.Network, error) {
	id := f.id("network")
	f.mu.Lock()
	f.networks[id] = true
	f.mu.Unlock()
	f.record("CreateNetwork:" + id)
	return &dockerapi.Network{ID: id}, nil
}

func (f *fakeDocker) ConnectNetwork(id string, opts dockerapi.NetworkConnectionOptions) error {
	f.record("ConnectNetwork:" + id)
	return nil
}

func (f *fakeDocker) RemoveNetwork(id string) error {
	f.record("RemoveNetwork:" + id)
	f.mu.Lock()
	delete(f.networks, id)
	f.mu.Unlock()
	return nil
}

func TestNewStartsContainerFromPrebuiltImage(t *testing.T) {
	docker := newFakeDocker()
	r, err := New(context.Background(), docker, Options{PrebuiltImage: "hello:latest"})
	require.NoError(t, err)
	defer r.Kill(context.Background())

	require.Contains(t, docker.calls, "CreateContainer:container1")
	require.Contains(t, docker.calls, "StartContainer:container1")
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	docker := newFakeDocker()
	docker.execOut = "hi\n"
	docker.execCode = 0

	r, err := New(context.Background(), docker, Options{PrebuiltImage: "hello:latest"})
	require.NoError(t, err)
	defer r.Kill(context.Background())

	info, err := r.Run(context.Background(), "echo hi", nil)
	require.NoError(t, err)
	require.Equal(t, "hi\n", info.Stdout)
	require.Equal(t, 0, info.ReturnCode)
}

func TestKillIsIdempotent(t *testing.T) {
	docker := newFakeDocker()
	r, err := New(context.Background(), docker, Options{PrebuiltImage: "hello:latest"})
	require.NoError(t, err)

	r.Kill(context.Background())
	r.Kill(context.Background())

	removeCount := 0
	for _, c := range docker.calls {
		if strings.HasPrefix(c, "RemoveContainer:") {
			removeCount++
		}
	}
	require.Equal(t, 1, removeCount)
}

func TestNewWithNetworkIsolationConnectsContainer(t *testing.T) {
	docker := newFakeDocker()
	r, err := New(context.Background(), docker, Options{PrebuiltImage: "hello:latest", NetworkIsolated: true})
	require.NoError(t, err)
	defer r.Kill(context.Background())

	require.NotEmpty(t, r.networkID)
	found := false
	for _, c := range docker.calls {
		if strings.HasPrefix(c, "ConnectNetwork:") {
			found = true
		}
	}
	require.True(t, found)
}

func TestKillRemovesIntermediateImagesWhenRequested(t *testing.T) {
	docker := newFakeDocker()
	r, err := New(context.Background(), docker, Options{
		BuildImage:   "built:latest",
		Dockerfile:   "Dockerfile",
		BuildContext: t.TempDir(),
		RemoveImage:  true,
	})
	require.NoError(t, err)

	r.Kill(context.Background())

	found := false
	for _, c := range docker.calls {
		if c == "RemoveImage:built:latest" {
			found = true
		}
	}
	require.True(t, found)
}
