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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rurikawa/judger/lib/cancel"
	"github.com/rurikawa/judger/lib/flowsnake"
)

func testShared(t *testing.T) *Shared {
	t.Helper()
	s, err := NewShared(Config{
		CoordinatorURL: "https://example.test",
		AccessToken:    "tok",
		CacheRoot:      t.TempDir(),
	})
	require.NoError(t, err)
	return s
}

func TestSuiteLockSerializesPerSuite(t *testing.T) {
	s := testShared(t)
	suite := flowsnake.New()

	m1 := s.ObtainSuiteLock(suite)
	m2 := s.ObtainSuiteLock(suite)
	require.Same(t, m1, m2)

	s.SuiteUnlock(suite)
	s.SuiteUnlock(suite)

	s.mu.Lock()
	_, stillPresent := s.suiteMutexes[suite]
	s.mu.Unlock()
	require.False(t, stillPresent)
}

func TestRunningAndCancellingAreExclusive(t *testing.T) {
	s := testShared(t)
	job := flowsnake.New()
	tok := cancel.New()

	s.NewJob(job, tok)
	require.Equal(t, 1, s.ActiveTaskCount())

	_, ok := s.BeginCancelling(job, "test abort", true)
	require.True(t, ok)

	s.mu.Lock()
	_, inRunning := s.running[job]
	_, inCancelling := s.cancelling[job]
	s.mu.Unlock()
	require.False(t, inRunning)
	require.True(t, inCancelling)

	reason, asCancel, found := s.CancelInfo(job)
	require.True(t, found)
	require.True(t, asCancel)
	require.Equal(t, "test abort", reason)

	s.FinishJob(job)
	require.Equal(t, 0, s.ActiveTaskCount())

	_, _, found = s.CancelInfo(job)
	require.False(t, found)
}

func TestBeginCancellingUnknownJobIsIgnored(t *testing.T) {
	s := testShared(t)
	_, ok := s.BeginCancelling(flowsnake.New(), "no such job", false)
	require.False(t, ok)
}

func TestCancelInfoUnknownJobNotFound(t *testing.T) {
	s := testShared(t)
	_, _, found := s.CancelInfo(flowsnake.New())
	require.False(t, found)
}

func TestWaitingForJobsSlot(t *testing.T) {
	s := testShared(t)
	id := flowsnake.New()

	require.True(t, s.SetWaitingForJobs(id))
	require.False(t, s.SetWaitingForJobs(flowsnake.New()))

	got, ok := s.WaitingForJobs()
	require.True(t, ok)
	require.Equal(t, id.String(), got.String())

	require.False(t, s.ClearWaitingForJobs(flowsnake.New()))
	require.True(t, s.ClearWaitingForJobs(id))

	_, ok = s.WaitingForJobs()
	require.False(t, ok)
}

func TestDirectoryBuildersAreRootedAtCache(t *testing.T) {
	s := testShared(t)
	job := flowsnake.New()
	suite := flowsnake.New()

	require.Contains(t, s.JobDir(job), s.Config().CacheRoot)
	require.Contains(t, s.SuiteDir(suite), s.Config().CacheRoot)
	require.Equal(t, s.SuiteDir(suite)+".lock", s.SuiteLockPath(suite))
}
