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

package cli

import (
	"gopkg.in/alecthomas/kingpin.v2"
)

// Application represents the command-line "judger" application and
// contains definitions of all its flags, arguments and subcommands.
type Application struct {
	*kingpin.Application
	// Debug enables debug-level logging.
	Debug *bool
	// ServerCmd connects to a coordinator and serves jobs forever.
	ServerCmd ServerCmd
	// RunCmd drives one job locally, without a coordinator.
	RunCmd RunCmd
}

// ServerCmd connects to a coordinator over its duplex channel and
// serves jobs until signalled to stop.
type ServerCmd struct {
	*kingpin.CmdClause
	Host            *string
	Token           *string
	RegisterToken   *string
	Name            *string
	Tags            *[]string
	CacheDir        *string
	MaxTasks        *int
	DockerEndpoint  *string
	DockerUser      *string
	NetworkIsolated *bool
}

// RunCmd drives a single job against a local suite directory, printing
// the result to stdout. It never contacts a coordinator.
type RunCmd struct {
	*kingpin.CmdClause
	JobPath        *string
	JobName        *string
	DockerEndpoint *string
	DockerUser     *string
}

// RegisterCommands registers all judger flags, arguments and
// subcommands onto app.
func RegisterCommands(app *kingpin.Application) Application {
	judger := Application{Application: app}

	judger.Debug = app.Flag("debug", "Enable debug-level logging").Bool()

	judger.ServerCmd.CmdClause = app.Command("server", "Connect to a coordinator and serve grading jobs")
	judger.ServerCmd.Host = judger.ServerCmd.Arg("host", "Coordinator base URL, e.g. https://judge.example.com").Required().String()
	judger.ServerCmd.Token = judger.ServerCmd.Flag("token", "Access token for an already-registered worker").String()
	judger.ServerCmd.RegisterToken = judger.ServerCmd.Flag("register-token", "Registration token, exchanged for an access token if --token is unset").String()
	judger.ServerCmd.Name = judger.ServerCmd.Flag("name", "Self-reported worker identity, overrides the hostname").String()
	judger.ServerCmd.Tags = judger.ServerCmd.Flag("tag", "Tag advertised to the coordinator for job routing, may be repeated").Strings()
	judger.ServerCmd.CacheDir = judger.ServerCmd.Flag("cache-dir", "Directory for downloaded suites, cloned jobs and scratch files").Default("./judger-cache").String()
	judger.ServerCmd.MaxTasks = judger.ServerCmd.Flag("max-tasks", "Maximum number of jobs run concurrently").Default("1").Int()
	judger.ServerCmd.DockerEndpoint = judger.ServerCmd.Flag("docker-endpoint", "Docker daemon endpoint, empty uses the environment default").String()
	judger.ServerCmd.DockerUser = judger.ServerCmd.Flag("docker-user", "Container user, e.g. 1000:1000").String()
	judger.ServerCmd.NetworkIsolated = judger.ServerCmd.Flag("network-isolated", "Give each job its own bridge network instead of disabling networking").Bool()

	judger.RunCmd.CmdClause = app.Command("run", "Run one job against a local suite directory, without a coordinator")
	judger.RunCmd.JobPath = judger.RunCmd.Arg("job-path", "Path to a cloned repository containing judge.toml and a testconf.json").Required().String()
	judger.RunCmd.JobName = judger.RunCmd.Flag("name", "[jobs.<name>] entry in judge.toml to run").Default("default").String()
	judger.RunCmd.DockerEndpoint = judger.RunCmd.Flag("docker-endpoint", "Docker daemon endpoint, empty uses the environment default").String()
	judger.RunCmd.DockerUser = judger.RunCmd.Flag("docker-user", "Container user, e.g. 1000:1000").String()

	return judger
}
