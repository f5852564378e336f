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

// Package judgeerr implements the judger's error taxonomy: a small
// tagged union of error kinds that every pipeline stage returns, and the
// mapping from a kind to the verdict the coordinator should see.
package judgeerr

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind tags an Error with the category used to pick a user-visible
// mapping and to decide whether a JobResult or a bare JobProgress frame
// is emitted.
type Kind string

// Error kinds, see spec §7.
const (
	KindNoSuchFile   Kind = "no_such_file"
	KindNoSuchConfig Kind = "no_such_config"
	KindGit          Kind = "git"
	KindBuild        Kind = "build"
	KindExec         Kind = "exec"
	KindIO           Kind = "io"
	KindWS           Kind = "ws"
	KindJSON         Kind = "json"
	KindTomlDes      Kind = "toml_des"
	KindRequest      Kind = "request"
	KindCancelled    Kind = "cancelled"
	KindAborted      Kind = "aborted"
	KindOther        Kind = "other"
)

// Verdict is the user-visible classification a Kind maps to.
type Verdict string

// Verdicts, see spec §7.
const (
	VerdictCompileError  Verdict = "CompileError"
	VerdictPipelineError Verdict = "PipelineError"
	VerdictJudgerError   Verdict = "JudgerError"
	VerdictOtherError    Verdict = "OtherError"
)

var verdictByKind = map[Kind]Verdict{
	KindNoSuchFile:   VerdictCompileError,
	KindNoSuchConfig: VerdictCompileError,
	KindGit:          VerdictCompileError,
	KindBuild:        VerdictCompileError,
	KindExec:         VerdictPipelineError,
	KindIO:           VerdictJudgerError,
	KindWS:           VerdictJudgerError,
	KindJSON:         VerdictJudgerError,
	KindTomlDes:      VerdictJudgerError,
	KindRequest:      VerdictJudgerError,
	KindOther:        VerdictOtherError,
}

// Verdict returns the user-visible mapping for k, defaulting to
// VerdictOtherError for kinds that never reach the coordinator
// (KindCancelled, KindAborted, or an unrecognised kind).
func (k Kind) Verdict() Verdict {
	if v, ok := verdictByKind[k]; ok {
		return v
	}
	return VerdictOtherError
}

// Error is a judger error carrying a Kind alongside the usual message
// and cause chain. The zero value is not usable; construct with one of
// the helpers below.
type Error struct {
	kind  Kind
	cause error
}

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.kind, e.cause)
	}
	return string(e.kind)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

func wrap(kind Kind, cause error) *Error {
	if cause == nil {
		cause = errors.New(string(kind))
	}
	return &Error{kind: kind, cause: trace.Wrap(cause)}
}

// NoSuchFile reports a missing input or config file inside a suite or
// repository.
func NoSuchFile(path string) *Error {
	return wrap(KindNoSuchFile, trace.NotFound("no such file: %s", path))
}

// NoSuchConfig reports that a judge file lacks the job name the suite
// expects.
func NoSuchConfig(name string) *Error {
	return wrap(KindNoSuchConfig, trace.NotFound("no such job config: %s", name))
}

// Git reports a failed clone.
func Git(cause error) *Error { return wrap(KindGit, cause) }

// Build reports a failed image build.
func Build(cause error) *Error { return wrap(KindBuild, cause) }

// Exec reports an internal executor pipeline failure.
func Exec(cause error) *Error { return wrap(KindExec, cause) }

// IO reports an infrastructure-level filesystem error.
func IO(cause error) *Error { return wrap(KindIO, cause) }

// WS reports a websocket transport error.
func WS(cause error) *Error { return wrap(KindWS, cause) }

// JSON reports a JSON (de)serialization error.
func JSON(cause error) *Error { return wrap(KindJSON, cause) }

// TomlDes reports a TOML deserialization error.
func TomlDes(cause error) *Error { return wrap(KindTomlDes, cause) }

// Request reports an HTTP request error talking to the coordinator.
func Request(cause error) *Error { return wrap(KindRequest, cause) }

// Cancelled reports that a job's cancel token fired. It does not record
// whether the cancel was user-initiated or a system abort.
func Cancelled() *Error { return wrap(KindCancelled, nil) }

// Aborted reports a cooperative, system-initiated abort.
func Aborted(reason string) *Error {
	if reason == "" {
		return wrap(KindAborted, nil)
	}
	return wrap(KindAborted, errors.New(reason))
}

// Any wraps an unclassified error, drilling through its cause chain for
// a known *Error first so a deeply wrapped infrastructure error keeps
// its original classification instead of collapsing to OtherError.
func Any(cause error) *Error {
	var known *Error
	if errors.As(cause, &known) {
		return known
	}
	return wrap(KindOther, cause)
}

// Is reports whether err carries the given Kind, looking through the
// cause chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}
