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

// Package executor drives one suite's test cases against a runner,
// streaming each completed case before returning the full result set.
package executor

import (
	"context"
	"strings"
	"time"

	"github.com/rurikawa/judger/lib/cancel"
	"github.com/rurikawa/judger/lib/judgeconfig"
	"github.com/rurikawa/judger/lib/runner"
	"github.com/rurikawa/judger/lib/wire"
)

// Runner is the subset of *runner.Runner the executor needs, kept as
// an interface so tests drive it without a docker daemon.
type Runner interface {
	Run(ctx context.Context, cmd string, env map[string]string) (runner.ProcessInfo, error)
	Kill(ctx context.Context)
}

// Partial is one completed test case's outcome, handed to the caller
// as it becomes available rather than batched at the end.
type Partial struct {
	TestID string
	Result wire.TestResult
}

// Run executes every selected test case from cfg against r, sending
// each outcome on partials as it completes, and returns the full
// result set once done. It always tears r down via Kill before
// returning, whether it finishes, errors, or is cancelled through tok.
func Run(ctx context.Context, tok cancel.Token, r Runner, cfg *judgeconfig.PublicConfig, selected map[string]bool, partials chan<- Partial) map[string]wire.TestResult {
	defer r.Kill(ctx)

	results := make(map[string]wire.TestResult, len(cfg.TestCases))

	for _, tc := range cfg.TestCases {
		if len(selected) > 0 && !selected[tc.ID] {
			continue
		}
		select {
		case <-tok.Done():
			return results
		default:
		}

		result := runCase(ctx, r, tc, cfg.Run)
		results[tc.ID] = result
		select {
		case partials <- Partial{TestID: tc.ID, Result: result}:
		case <-tok.Done():
			return results
		}
	}

	return results
}

// runCase substitutes tc's variables into every step of template and
// runs them in sequence, stopping at the first non-zero exit code.
func runCase(ctx context.Context, r Runner, tc judgeconfig.TestCase, template []string) wire.TestResult {
	replacer := substituter(tc.Vars)
	start := time.Now()

	var last runner.ProcessInfo
	for _, step := range template {
		cmd := replacer.Replace(step)
		info, err := r.Run(ctx, cmd, tc.Vars)
		if err != nil {
			return wire.TestResult{
				TestID:  tc.ID,
				Kind:    wire.JobResultJudgerError,
				Time:    time.Since(start).Milliseconds(),
				Message: err.Error(),
			}
		}
		last = info
		if info.ReturnCode != 0 {
			break
		}
	}

	kind := wire.JobResultAccepted
	if last.ReturnCode != 0 {
		kind = wire.JobResultRuntimeError
	}

	return wire.TestResult{
		TestID:  tc.ID,
		Kind:    kind,
		Time:    time.Since(start).Milliseconds(),
		Message: last.Stderr,
	}
}

// substituter builds a strings.Replacer mapping "${key}" to each of
// vars' values. A flat key-to-value substitution like this doesn't
// need text/template's control flow, so a hand-built replacer is
// enough.
func substituter(vars map[string]string) *strings.Replacer {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "${"+k+"}", v)
	}
	return strings.NewReplacer(pairs...)
}
