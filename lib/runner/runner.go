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
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	dockerapi "github.com/fsouza/go-dockerclient"
	"github.com/gravitational/trace"
	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/rurikawa/judger/lib/defaults"
	"github.com/rurikawa/judger/lib/judgeerr"
	"github.com/rurikawa/judger/lib/utils"
)

// Copy describes one host-directory-into-image copy performed before
// the real container is created.
type Copy struct {
	Src    string
	Dst    string
	Ignore []string
}

// Mount is a host bind mount attached to the real container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Options configures one runner's construction. See spec §4.6.
type Options struct {
	// BuildImage, if non-empty, is the image tag to build from Dockerfile
	// inside BuildContext before anything else.
	BuildImage   string
	Dockerfile   string
	BuildContext string

	// PrebuiltImage is used verbatim when BuildImage is empty.
	PrebuiltImage string

	Copies []Copy
	Mounts []Mount

	User          string
	MemoryLimit   string // human string, e.g. "256m"; parsed with go-units
	NanoCPUs      int64
	NetworkIsolated bool // if true, a dedicated bridge network is created and used; if false, the container runs with networking disabled
	RemoveImage   bool

	BuildOutput io.Writer // receives streamed build output, may be nil

	Log *logrus.Entry
}

// ProcessInfo is the outcome of one runner.Run call.
type ProcessInfo struct {
	Command       string
	Stdout        string
	Stderr        string
	ReturnCode    int
	IsUserCommand bool
}

// Runner owns one built-or-prebuilt image and one running container. It
// must not be dropped without a call to Kill: the zero-value teardown
// guard is a finalizer that logs if Kill was skipped, mirroring the
// "drop bomb" invariant of the Rust original.
type Runner struct {
	client DockerClient
	log    *logrus.Entry

	containerID string
	networkID   string

	intermediateImages []string
	removeImage        bool

	killed int32
}

// New constructs a Runner: optionally builds an image, optionally
// stages a dedicated network, performs any copies, and starts the real
// container. Every resource allocated before a failing step is torn
// down before New returns its error.
func New(ctx context.Context, client DockerClient, opts Options) (_ *Runner, err error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	r := &Runner{client: client, log: log, removeImage: opts.RemoveImage}
	defer func() {
		if err != nil {
			r.Kill(context.Background())
		}
	}()

	if opts.NetworkIsolated {
		net, nerr := client.CreateNetwork(dockerapi.CreateNetworkOptions{
			Context: ctx,
			Name:    fmt.Sprintf("judger-net-%p", r),
			Driver:  "bridge",
		})
		if nerr != nil {
			return nil, trace.Wrap(judgeerr.Build(nerr))
		}
		r.networkID = net.ID
	}

	image := opts.PrebuiltImage
	if opts.BuildImage != "" {
		if err := ensureNoParentEscape(opts.Dockerfile); err != nil {
			return nil, trace.Wrap(judgeerr.Build(err))
		}
		out := opts.BuildOutput
		if out == nil {
			out = io.Discard
		}
		buildErr := client.BuildImage(dockerapi.BuildImageOptions{
			Name:           opts.BuildImage,
			Dockerfile:     opts.Dockerfile,
			ContextDir:     opts.BuildContext,
			OutputStream:   out,
			SuppressOutput: false,
			Context:        ctx,
		})
		if buildErr != nil {
			return nil, trace.Wrap(judgeerr.Build(buildErr))
		}
		image = opts.BuildImage
		r.intermediateImages = append(r.intermediateImages, image)
	}

	if len(opts.Copies) > 0 {
		copied, cerr := r.applyCopies(ctx, client, image, opts.Copies)
		if cerr != nil {
			return nil, trace.Wrap(cerr)
		}
		image = copied
		r.intermediateImages = append(r.intermediateImages, image)
	}

	memBytes, merr := parseMemoryLimit(opts.MemoryLimit)
	if merr != nil {
		return nil, trace.Wrap(judgeerr.Build(merr))
	}

	hostCfg := &dockerapi.HostConfig{
		Binds:      bindsFromMounts(opts.Mounts),
		Memory:     memBytes,
		MemorySwap: memBytes,
		NanoCPUs:   opts.NanoCPUs,
	}
	if !opts.NetworkIsolated {
		hostCfg.NetworkMode = "none"
	}

	container, cerr := client.CreateContainer(dockerapi.CreateContainerOptions{
		Context: ctx,
		Config: &dockerapi.Config{
			Image:        image,
			Entrypoint:   []string{defaults.ShellEntrypoint},
			Tty:          true,
			OpenStdin:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			User:         opts.User,
		},
		HostConfig: hostCfg,
	})
	if cerr != nil {
		return nil, trace.Wrap(judgeerr.Build(cerr))
	}
	r.containerID = container.ID

	if opts.NetworkIsolated && r.networkID != "" {
		if err := client.ConnectNetwork(r.networkID, dockerapi.NetworkConnectionOptions{
			Container: r.containerID,
			Context:   ctx,
		}); err != nil {
			return nil, trace.Wrap(judgeerr.Build(err))
		}
	}

	if err := client.StartContainerWithContext(r.containerID, hostCfg, ctx); err != nil {
		return nil, trace.Wrap(judgeerr.Build(err))
	}

	runtime.SetFinalizer(r, func(r *Runner) {
		if atomic.LoadInt32(&r.killed) == 0 {
			r.log.Error("runner garbage-collected without Kill being called")
		}
	})

	return r, nil
}

// applyCopies starts a helper container from image, copies each
// (src, dst) pair into it via tar upload, then commits it as a new
// image tag and tears the helper down.
func (r *Runner) applyCopies(ctx context.Context, client DockerClient, image string, copies []Copy) (string, error) {
	helper, err := client.CreateContainer(dockerapi.CreateContainerOptions{
		Context: ctx,
		Config: &dockerapi.Config{
			Image:        image,
			Entrypoint:   []string{defaults.ShellEntrypoint},
			Tty:          true,
			OpenStdin:    true,
			AttachStdin:  true,
		},
	})
	if err != nil {
		return "", trace.Wrap(judgeerr.Build(err))
	}
	helperID := helper.ID
	defer func() {
		client.StopContainerWithContext(helperID, uint(defaults.ContainerStopGrace.Seconds()), ctx) //nolint:errcheck
		client.WaitContainerWithContext(helperID, ctx)                                               //nolint:errcheck
		client.RemoveContainer(dockerapi.RemoveContainerOptions{ID: helperID, Context: ctx})          //nolint:errcheck
	}()

	if err := client.StartContainerWithContext(helperID, nil, ctx); err != nil {
		return "", trace.Wrap(judgeerr.Build(err))
	}

	for _, c := range copies {
		if _, err := r.execOnce(ctx, client, helperID, fmt.Sprintf("mkdir -p %s", c.Dst), nil); err != nil {
			return "", trace.Wrap(judgeerr.Build(err))
		}

		var buf bytes.Buffer
		if err := packTar(&buf, c.Src, c.Ignore); err != nil {
			return "", trace.Wrap(judgeerr.Build(err))
		}
		if err := client.UploadToContainer(helperID, dockerapi.UploadToContainerOptions{
			InputStream: &buf,
			Path:        c.Dst,
			Context:     ctx,
		}); err != nil {
			return "", trace.Wrap(judgeerr.Build(err))
		}
	}

	newTag := image + defaults.CopiedImageTagSuffix
	if _, err := client.CommitContainer(dockerapi.CommitContainerOptions{
		Container:  helperID,
		Repository: newTag,
		Context:    ctx,
	}); err != nil {
		return "", trace.Wrap(judgeerr.Build(err))
	}
	return newTag, nil
}

// Run executes cmd inside the container via `sh -c`, injecting env
// (each key stripped of any leading "$"), and
// returns the captured outcome. Each of stdout/stderr is capped at
// defaults.MaxOutputBytes.
func (r *Runner) Run(ctx context.Context, cmd string, env map[string]string) (ProcessInfo, error) {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", strings.TrimPrefix(k, "$"), v))
	}

	code, stdout, stderr, err := r.execOnce(ctx, r.client, r.containerID, cmd, envList)
	if err != nil {
		return ProcessInfo{}, trace.Wrap(judgeerr.Exec(err))
	}

	return ProcessInfo{
		Command:       cmd,
		Stdout:        stdout,
		Stderr:        stderr,
		ReturnCode:    code,
		IsUserCommand: false,
	}, nil
}

// execOnce is shared by applyCopies (which discards output) and Run
// (which captures it) — both create a `sh -c` exec, stream its
// multiplexed output into bounded buffers, and inspect the exit code.
func (r *Runner) execOnce(ctx context.Context, client DockerClient, containerID, cmd string, env []string) (int, string, string, error) {
	stdout := utils.NewBoundedBuffer(defaults.MaxOutputBytes, defaults.OutputOverflowMarker)
	stderr := utils.NewBoundedBuffer(defaults.MaxOutputBytes, defaults.OutputOverflowMarker)

	exec, err := client.CreateExec(dockerapi.CreateExecOptions{
		Context:      ctx,
		Container:    containerID,
		Cmd:          []string{defaults.ShellEntrypoint, "-c", cmd},
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", "", trace.Wrap(err)
	}

	// StartExec blocks, attached, until the exec's output streams close
	// — no separate wait step is needed before inspecting the exit code.
	if err := client.StartExec(exec.ID, dockerapi.StartExecOptions{
		OutputStream: stdout,
		ErrorStream:  stderr,
		Context:      ctx,
	}); err != nil {
		return 0, "", "", trace.Wrap(err)
	}

	inspect, err := client.InspectExec(exec.ID)
	if err != nil {
		return 0, stdout.String(), stderr.String(), trace.Wrap(err)
	}

	code := utils.NormalizeExitCode(inspect.ExitCode, false, 0)
	return code, stdout.String(), stderr.String(), nil
}

// Kill tears down every resource this runner holds: the container, the
// dedicated network if any, and any intermediate images if RemoveImage
// was set. It never fails; each step is best-effort and logged.
// Calling it more than once is a no-op, so both New's cleanup path and
// the caller's deferred teardown may call it safely.
func (r *Runner) Kill(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&r.killed, 0, 1) {
		return
	}
	runtime.SetFinalizer(r, nil)

	if r.containerID != "" {
		if err := r.client.StopContainerWithContext(r.containerID, uint(defaults.ContainerStopGrace.Seconds()), ctx); err != nil {
			r.log.WithError(err).Warn("failed to stop container")
		}
		if _, err := r.client.WaitContainerWithContext(r.containerID, ctx); err != nil {
			r.log.WithError(err).Warn("failed to wait for container stop")
		}
		if err := r.client.RemoveContainer(dockerapi.RemoveContainerOptions{ID: r.containerID, Context: ctx, Force: true}); err != nil {
			r.log.WithError(err).Warn("failed to remove container")
		}
	}

	if r.networkID != "" {
		if err := r.client.RemoveNetwork(r.networkID); err != nil {
			r.log.WithError(err).Warn("failed to remove dedicated network")
		}
	}

	if r.removeImage {
		for _, tag := range r.intermediateImages {
			if err := r.client.RemoveImageExtended(tag, dockerapi.RemoveImageOptions{Force: true}); err != nil {
				r.log.WithError(err).WithField("image", tag).Warn("failed to remove intermediate image")
			}
		}
	}
}

func bindsFromMounts(mounts []Mount) []string {
	binds := make([]string, 0, len(mounts))
	for _, m := range mounts {
		suffix := "rw"
		if m.ReadOnly {
			suffix = "ro"
		}
		binds = append(binds, fmt.Sprintf("%s:%s:%s", m.Source, m.Target, suffix))
	}
	return binds
}

func parseMemoryLimit(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	return units.RAMInBytes(s)
}
