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

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/rurikawa/judger/lib/cancel"
	"github.com/rurikawa/judger/lib/flowsnake"
	"github.com/rurikawa/judger/lib/judgeerr"
	"github.com/rurikawa/judger/lib/wire"
)

func testSession(t *testing.T, shared *Shared, handler JobHandler) *session {
	t.Helper()
	loop := &Loop{Shared: shared, Handler: handler, log: logrus.NewEntry(logrus.StandardLogger())}
	return &session{loop: loop, tok: cancel.New(), log: loop.log}
}

// TestStalePollReplyIsDiscarded exercises spec §8 scenario 2: a
// MultiNewJob whose reply_to no longer matches the outstanding poll slot
// (because it already timed out) must not spawn any job.
func TestStalePollReplyIsDiscarded(t *testing.T) {
	shared := testShared(t)
	s := testSession(t, shared, nil)

	pollID := flowsnake.New()
	require.True(t, shared.SetWaitingForJobs(pollID))
	// Simulate the poll timing out before the reply arrives.
	require.True(t, shared.ClearWaitingForJobs(pollID))

	job := wire.Job{ID: flowsnake.New()}
	s.handleMultiNewJob(context.Background(), wire.MultiNewJob{
		Type:    wire.TypeMultiNewJob,
		ReplyTo: &pollID,
		Jobs:    []wire.Job{job},
	})

	shared.mu.Lock()
	_, running := shared.running[job.ID]
	shared.mu.Unlock()
	require.False(t, running, "job referenced by a stale poll reply must not be accepted")
}

// TestMultiNewJobWithoutReplyToIsAcceptedUnconditionally documents the
// source's behaviour, preserved per spec §9's open question: a
// MultiNewJob carrying no reply_to is never compared against the poll
// slot, even while a different poll is outstanding.
func TestMultiNewJobWithoutReplyToIsAcceptedUnconditionally(t *testing.T) {
	handled := make(chan flowsnake.ID, 1)
	handler := func(ctx context.Context, job wire.Job, sink *Sink, tok cancel.Token, shared *Shared) (map[string]wire.TestResult, error) {
		handled <- job.ID
		return nil, nil
	}

	coordinator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(coordinator.Close)

	shared := testShared(t)
	cfg := shared.Config()
	cfg.CoordinatorURL = coordinator.URL
	shared.SwapConfig(cfg)

	s := testSession(t, shared, handler)
	require.True(t, shared.SetWaitingForJobs(flowsnake.New()))

	job := wire.Job{ID: flowsnake.New()}
	s.handleMultiNewJob(context.Background(), wire.MultiNewJob{
		Type: wire.TypeMultiNewJob,
		Jobs: []wire.Job{job},
	})

	select {
	case got := <-handled:
		require.Equal(t, job.ID.String(), got.String())
	case <-time.After(time.Second):
		t.Fatal("job handler was never invoked")
	}
}

// TestFinalizeJobRemovesWorkspaceOnSuccess exercises spec.md §3/§6's
// per-job workspace lifecycle: created at job start, deleted at job end.
func TestFinalizeJobRemovesWorkspaceOnSuccess(t *testing.T) {
	coordinator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(coordinator.Close)

	shared := testShared(t)
	cfg := shared.Config()
	cfg.CoordinatorURL = coordinator.URL
	shared.SwapConfig(cfg)

	s := testSession(t, shared, nil)

	job := wire.Job{ID: flowsnake.New()}
	jobDir := shared.JobDir(job.ID)
	require.NoError(t, os.MkdirAll(jobDir, 0o755))

	s.finalizeJob(context.Background(), job, map[string]wire.TestResult{}, nil)

	_, err := os.Stat(jobDir)
	require.True(t, os.IsNotExist(err), "job workspace should be removed once the job finalizes")
}

// dialTestSink spins up a websocket echo-free server that forwards the
// first frame it reads onto received, and returns a Sink wrapping the
// client side of the connection.
func dialTestSink(t *testing.T, received chan<- wire.JobProgress) *Sink {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var progress wire.JobProgress
		require.NoError(t, json.Unmarshal(data, &progress))
		received <- progress
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewSink(conn)
}

// TestFinalizeJobReportsCancelledWhenCoordinatorFlaggedAsCancel exercises
// spec.md §5/§8 scenario 3: an AbortJob flagged as_cancel must surface as
// a Cancelled progress frame, not Aborted.
func TestFinalizeJobReportsCancelledWhenCoordinatorFlaggedAsCancel(t *testing.T) {
	received := make(chan wire.JobProgress, 1)
	shared := testShared(t)
	s := testSession(t, shared, nil)
	s.sink = dialTestSink(t, received)

	job := wire.Job{ID: flowsnake.New()}
	shared.NewJob(job.ID, cancel.New())
	_, ok := shared.BeginCancelling(job.ID, "cancelled by coordinator", true)
	require.True(t, ok)

	s.finalizeJob(context.Background(), job, nil, trace.Wrap(judgeerr.Cancelled()))

	select {
	case progress := <-received:
		require.Equal(t, wire.StageCancelled, progress.Stage)
	case <-time.After(time.Second):
		t.Fatal("no progress frame received")
	}
}

// TestFinalizeJobReportsAbortedWhenCoordinatorFlaggedAsAbort exercises
// the other half of spec.md §5/§8 scenario 3, and also covers a job torn
// down without ever going through AbortJob (e.g. the wall-clock timeout),
// which must default to Aborted rather than Cancelled.
func TestFinalizeJobReportsAbortedWhenCoordinatorFlaggedAsAbort(t *testing.T) {
	received := make(chan wire.JobProgress, 1)
	shared := testShared(t)
	s := testSession(t, shared, nil)
	s.sink = dialTestSink(t, received)

	job := wire.Job{ID: flowsnake.New()}
	shared.NewJob(job.ID, cancel.New())
	_, ok := shared.BeginCancelling(job.ID, "aborted by coordinator", false)
	require.True(t, ok)

	s.finalizeJob(context.Background(), job, nil, trace.Wrap(judgeerr.Cancelled()))

	select {
	case progress := <-received:
		require.Equal(t, wire.StageAborted, progress.Stage)
	case <-time.After(time.Second):
		t.Fatal("no progress frame received")
	}
}

// TestFinalizeJobDefaultsToAbortedWithoutCancelInfo covers a job whose
// token fired without ever being registered in the cancelling registry,
// as happens when the per-job wall-clock timer cancels it directly.
func TestFinalizeJobDefaultsToAbortedWithoutCancelInfo(t *testing.T) {
	received := make(chan wire.JobProgress, 1)
	shared := testShared(t)
	s := testSession(t, shared, nil)
	s.sink = dialTestSink(t, received)

	job := wire.Job{ID: flowsnake.New()}

	s.finalizeJob(context.Background(), job, nil, trace.Wrap(judgeerr.Cancelled()))

	select {
	case progress := <-received:
		require.Equal(t, wire.StageAborted, progress.Stage)
	case <-time.After(time.Second):
		t.Fatal("no progress frame received")
	}
}
