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

// Package wire defines the JSON message shapes exchanged with the
// coordinator, both over the websocket duplex channel and the plain
// HTTP endpoints.
package wire

import "github.com/rurikawa/judger/lib/flowsnake"

// Stage is the lifecycle stage reported in a JobProgress frame.
type Stage string

// Stages, see spec §4.8/§8.
const (
	StageFetching  Stage = "Fetching"
	StageRunning   Stage = "Running"
	StageAborted   Stage = "Aborted"
	StageCancelled Stage = "Cancelled"
)

// JobResultKind is the top-level verdict attached to a JobResult
// message.
type JobResultKind string

// JobResultKind values. The four error variants mirror
// judgeerr.Verdict so a pipeline failure's Kind maps straight onto the
// wire without a second translation table.
const (
	JobResultAccepted       JobResultKind = "Accepted"
	JobResultWrongAnswer    JobResultKind = "WrongAnswer"
	JobResultRuntimeError   JobResultKind = "RuntimeError"
	JobResultCompileError   JobResultKind = "CompileError"
	JobResultPipelineError  JobResultKind = "PipelineError"
	JobResultJudgerError    JobResultKind = "JudgerError"
	JobResultOtherError     JobResultKind = "OtherError"
)

// Job is a grading job as sent by the coordinator.
type Job struct {
	ID         flowsnake.ID    `json:"id"`
	Repo       string          `json:"repo"`
	Revision   string          `json:"revision"`
	TestSuite  flowsnake.ID    `json:"test_suite"`
	Tests      map[string]bool `json:"tests,omitempty"`
}

// TestCaseDefinition is one case of a test suite's public config.
type TestCaseDefinition struct {
	ID   string            `json:"id"`
	Vars map[string]string `json:"vars,omitempty"`
}

// MappedDir is the suite directory's host/container path pair.
type MappedDir struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TestResult is the per-test outcome streamed back to the coordinator.
type TestResult struct {
	TestID      string        `json:"test_id"`
	Kind        JobResultKind `json:"kind"`
	ResultFiles map[string]string `json:"result_files,omitempty"`
	Time        int64         `json:"time_ms"`
	Memory      int64         `json:"memory_bytes,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// ---- Client -> Server ----

// ClientStatus is sent once on connect to announce the worker's tags and
// identity.
type ClientStatus struct {
	Type        string   `json:"type"`
	AlternateName string `json:"alternate_name,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// JobRequest polls the coordinator for new work.
type JobRequest struct {
	Type      string `json:"type"`
	Active    int    `json:"active"`
	Request   int    `json:"request"`
	MessageID flowsnake.ID `json:"message_id"`
}

// JobProgress reports a job's lifecycle transition.
type JobProgress struct {
	Type  string       `json:"type"`
	JobID flowsnake.ID `json:"job_id"`
	Stage Stage        `json:"stage"`
}

// PartialResult streams one completed test case's outcome.
type PartialResult struct {
	Type       string       `json:"type"`
	JobID      flowsnake.ID `json:"job_id"`
	TestID     string       `json:"test_id"`
	TestResult TestResult   `json:"test_result"`
}

// JobOutput streams build/container output for a running job.
type JobOutput struct {
	Type   string       `json:"type"`
	JobID  flowsnake.ID `json:"job_id"`
	Stream string       `json:"stream,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// JobResult is the final verdict for a job.
type JobResult struct {
	Type      string                  `json:"type"`
	JobID     flowsnake.ID            `json:"job_id"`
	Results   map[string]TestResult   `json:"results"`
	JobResult JobResultKind           `json:"job_result"`
	Message   string                  `json:"message,omitempty"`
}

// ---- Server -> Client ----

// ServerHello is the coordinator's greeting on connect.
type ServerHello struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// MultiNewJob dispatches one or more jobs, optionally in reply to a
// specific poll.
type MultiNewJob struct {
	Type    string       `json:"type"`
	ReplyTo *flowsnake.ID `json:"reply_to,omitempty"`
	Jobs    []Job        `json:"jobs"`
}

// AbortJob asks the worker to stop a running job.
type AbortJob struct {
	Type     string       `json:"type"`
	JobID    flowsnake.ID `json:"job_id"`
	AsCancel bool         `json:"as_cancel"`
}

// Envelope is the minimal shape used to sniff a frame's type before
// decoding it fully.
type Envelope struct {
	Type string `json:"type"`
}

// Message type discriminators.
const (
	TypeClientStatus  = "ClientStatus"
	TypeJobRequest    = "JobRequest"
	TypeJobProgress   = "JobProgress"
	TypePartialResult = "PartialResult"
	TypeJobOutput     = "JobOutput"
	TypeJobResult     = "JobResult"
	TypeServerHello   = "ServerHello"
	TypeMultiNewJob   = "MultiNewJob"
	TypeAbortJob      = "AbortJob"
	TypePing          = "Ping"
	TypePong          = "Pong"
)
