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

// Command judger is the distributed judge worker: it either connects to
// a coordinator and serves grading jobs forever (server), or drives a
// single job against a local suite directory for testing (run).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	dockerapi "github.com/fsouza/go-dockerclient"
	"github.com/gravitational/trace"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rurikawa/judger/cmd/judger/cli"
	"github.com/rurikawa/judger/lib/cancel"
	"github.com/rurikawa/judger/lib/client"
	"github.com/rurikawa/judger/lib/executor"
	"github.com/rurikawa/judger/lib/jobpipeline"
	"github.com/rurikawa/judger/lib/judgeconfig"
	"github.com/rurikawa/judger/lib/runner"
	"github.com/rurikawa/judger/lib/wire"
)

func main() {
	app := kingpin.New("judger", "Distributed judge worker: connects to a coordinator, runs grading jobs in sandboxed containers and reports verdicts.")
	judger := cli.RegisterCommands(app)

	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("%s", err)
	}

	initLogging(*judger.Debug)

	switch cmd {
	case judger.ServerCmd.FullCommand():
		err = runServer(judger.ServerCmd)
	case judger.RunCmd.FullCommand():
		err = runLocal(judger.RunCmd)
	default:
		err = trace.BadParameter("unknown command %q", cmd)
	}

	if err != nil {
		logrus.WithError(err).Error("judger exited with an error")
		os.Exit(1)
	}
}

// initLogging sets up structured logging: a human-readable text
// formatter on an interactive terminal, JSON otherwise, matching the
// teacher's practice of picking a formatter by output kind rather than
// hardcoding one.
func initLogging(debug bool) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	level := logrus.InfoLevel
	if debug {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
}

// runServer builds a Shared from c's flags and drives the control loop
// until SIGINT/SIGTERM fires the root cancellation token.
func runServer(c cli.ServerCmd) error {
	cfg := client.Config{
		CoordinatorURL:     *c.Host,
		AccessToken:        *c.Token,
		RegisterToken:      *c.RegisterToken,
		AlternateName:      *c.Name,
		Tags:               *c.Tags,
		CacheRoot:          *c.CacheDir,
		MaxConcurrentTasks: *c.MaxTasks,
		Docker: client.DockerConfig{
			Endpoint:        *c.DockerEndpoint,
			User:            *c.DockerUser,
			NetworkIsolated: *c.NetworkIsolated,
		},
		Logger: logrus.NewEntry(logrus.StandardLogger()),
	}

	shared, err := client.NewShared(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	root := cancel.New()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logrus.Info("received shutdown signal, draining in-flight jobs")
		root.Cancel()
	}()

	loop := client.NewLoop(shared, jobpipeline.HandleJob)
	return trace.Wrap(loop.Run(root))
}

// runLocal drives one job from a local suite directory through the
// runner and executor directly, without a coordinator connection. It
// fabricates nothing on the wire: there is no Sink to write frames to,
// so progress and results are printed to stdout instead.
func runLocal(c cli.RunCmd) error {
	jobPath := *c.JobPath

	suiteCfg, err := judgeconfig.LoadPublicConfig(filepath.Join(jobPath, "testconf.json"))
	if err != nil {
		return trace.Wrap(err)
	}

	judgeToml, err := judgeconfig.LoadToml(filepath.Join(jobPath, "judge.toml"))
	if err != nil {
		return trace.Wrap(err)
	}

	jobCfg, err := judgeToml.JobConfigFor(*c.JobName)
	if err != nil {
		return trace.Wrap(err)
	}

	suiteCfg.Run = append(append([]string{}, jobCfg.Run...), suiteCfg.Run...)

	var dockerClient runner.DockerClient
	if *c.DockerEndpoint == "" {
		dockerClient, err = dockerapi.NewClientFromEnv()
	} else {
		dockerClient, err = dockerapi.NewClient(*c.DockerEndpoint)
	}
	if err != nil {
		return trace.Wrap(err)
	}

	opts := runner.Options{
		User:        *c.DockerUser,
		MemoryLimit: suiteCfg.MemoryLimit,
		RemoveImage: true,
		Mounts: []runner.Mount{
			{Source: jobPath, Target: suiteCfg.MappedDir.To},
		},
		BuildOutput: os.Stdout,
		Log:         logrus.NewEntry(logrus.StandardLogger()),
	}
	switch jobCfg.Image.Kind {
	case judgeconfig.ImageDockerfile:
		opts.BuildImage = jobCfg.Image.Dockerfile.Tag
		opts.Dockerfile = jobCfg.Image.Dockerfile.Path
		opts.BuildContext = jobPath
	case judgeconfig.ImagePrebuilt:
		opts.PrebuiltImage = jobCfg.Image.Prebuilt.Tag
	}

	root := cancel.New()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		root.Cancel()
	}()

	ctx, cancelCtx := root.Context(context.Background())
	defer cancelCtx()

	rn, err := runner.New(ctx, dockerClient, opts)
	if err != nil {
		return trace.Wrap(err)
	}

	partials := make(chan executor.Partial, 8)
	done := make(chan map[string]wire.TestResult, 1)
	go func() {
		done <- executor.Run(ctx, root, rn, suiteCfg, nil, partials)
		close(partials)
	}()

	for p := range partials {
		fmt.Printf("%s: %s (%dms)\n", p.TestID, p.Result.Kind, p.Result.Time)
		if p.Result.Message != "" {
			fmt.Println(p.Result.Message)
		}
	}

	results := <-done
	passed := 0
	for _, r := range results {
		if r.Kind == wire.JobResultAccepted {
			passed++
		}
	}
	fmt.Printf("%d/%d passed\n", passed, len(results))
	return nil
}
