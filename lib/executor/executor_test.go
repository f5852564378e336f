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

package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rurikawa/judger/lib/cancel"
	"github.com/rurikawa/judger/lib/judgeconfig"
	"github.com/rurikawa/judger/lib/runner"
	"github.com/rurikawa/judger/lib/wire"
)

type fakeRunner struct {
	commands []string
	killed   bool
	exitCode int
}

func (f *fakeRunner) Run(ctx context.Context, cmd string, env map[string]string) (runner.ProcessInfo, error) {
	f.commands = append(f.commands, cmd)
	return runner.ProcessInfo{Command: cmd, Stdout: "ok", ReturnCode: f.exitCode}, nil
}

func (f *fakeRunner) Kill(ctx context.Context) { f.killed = true }

func TestRunSubstitutesVarsAndStreamsPartials(t *testing.T) {
	r := &fakeRunner{}
	cfg := &judgeconfig.PublicConfig{
		Run: []string{"echo ${greeting}"},
		TestCases: []judgeconfig.TestCase{
			{ID: "t1", Vars: map[string]string{"greeting": "hi"}},
		},
	}
	partials := make(chan Partial, 10)

	results := Run(context.Background(), cancel.New(), r, cfg, nil, partials)

	require.Equal(t, []string{"echo hi"}, r.commands)
	require.True(t, r.killed)
	require.Contains(t, results, "t1")
	require.Equal(t, wire.JobResultAccepted, results["t1"].Kind)

	select {
	case p := <-partials:
		require.Equal(t, "t1", p.TestID)
	default:
		t.Fatal("expected one partial result")
	}
}

func TestRunStopsStepsOnNonZeroExit(t *testing.T) {
	r := &fakeRunner{exitCode: 1}
	cfg := &judgeconfig.PublicConfig{
		Run: []string{"step-one", "step-two"},
		TestCases: []judgeconfig.TestCase{
			{ID: "t1"},
		},
	}

	results := Run(context.Background(), cancel.New(), r, cfg, nil, make(chan Partial, 1))

	require.Equal(t, []string{"step-one"}, r.commands)
	require.Equal(t, wire.JobResultRuntimeError, results["t1"].Kind)
}

func TestRunSkipsUnselectedTestCases(t *testing.T) {
	r := &fakeRunner{}
	cfg := &judgeconfig.PublicConfig{
		Run: []string{"echo hi"},
		TestCases: []judgeconfig.TestCase{
			{ID: "t1"}, {ID: "t2"},
		},
	}

	results := Run(context.Background(), cancel.New(), r, cfg, map[string]bool{"t1": true}, make(chan Partial, 2))

	require.Len(t, results, 1)
	require.Contains(t, results, "t1")
}

func TestRunStopsOnCancel(t *testing.T) {
	r := &fakeRunner{}
	cfg := &judgeconfig.PublicConfig{
		Run: []string{"echo hi"},
		TestCases: []judgeconfig.TestCase{
			{ID: "t1"}, {ID: "t2"},
		},
	}
	tok := cancel.New()
	tok.Cancel()

	results := Run(context.Background(), tok, r, cfg, nil, make(chan Partial, 2))

	require.Empty(t, results)
	require.True(t, r.killed)
}
