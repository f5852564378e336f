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
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"golang.org/x/sync/semaphore"

	"github.com/rurikawa/judger/lib/cancel"
	"github.com/rurikawa/judger/lib/defaults"
	"github.com/rurikawa/judger/lib/flowsnake"
)

// jobHandle is what the running/cancelling registries keep per job.
type jobHandle struct {
	cancelTok cancel.Token
	done      chan struct{}
	// reason and asCancel are only meaningful once the handle has moved
	// into the cancelling registry, see BeginCancelling.
	reason   string
	asCancel bool
}

// Shared is the process-wide state every task holds a reference to. It
// is always passed around as a pointer, never copied — see spec §4.2/
// design notes on "global shared state".
type Shared struct {
	configSlot atomic.Pointer[Config]

	httpClient *http.Client

	tasks *semaphore.Weighted

	mu           sync.Mutex
	suiteMutexes map[flowsnake.ID]*sync.Mutex
	suiteWaiters map[flowsnake.ID]int
	running      map[flowsnake.ID]*jobHandle
	cancelling   map[flowsnake.ID]*jobHandle

	activeTaskCount int64

	waitingMu    sync.Mutex
	waitingForID *flowsnake.ID

	Root cancel.Token
}

// NewShared constructs a Shared with the given initial config. Returns
// an error if cfg fails validation.
func NewShared(cfg Config) (*Shared, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Shared{
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		tasks:        semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		suiteMutexes: make(map[flowsnake.ID]*sync.Mutex),
		suiteWaiters: make(map[flowsnake.ID]int),
		running:      make(map[flowsnake.ID]*jobHandle),
		cancelling:   make(map[flowsnake.ID]*jobHandle),
		Root:         cancel.New(),
	}
	s.configSlot.Store(&cfg)
	return s, nil
}

// Config returns a snapshot of the current configuration. Callers must
// not hold onto it across a suspension point if they need to observe a
// later hot-swap.
func (s *Shared) Config() Config {
	return *s.configSlot.Load()
}

// SwapConfig atomically replaces the configuration, e.g. after a
// successful re-registration that issued a new access token.
func (s *Shared) SwapConfig(cfg Config) {
	s.configSlot.Store(&cfg)
}

// HTTPClient returns the shared HTTP client used for every coordinator
// call.
func (s *Shared) HTTPClient() *http.Client { return s.httpClient }

// AccessToken returns the current access token, for callers (like the
// suite cache) that attach it to requests outside the coordinator
// package.
func (s *Shared) AccessToken() string { return s.Config().AccessToken }

// Tasks returns the semaphore bounding concurrently running jobs.
func (s *Shared) Tasks() *semaphore.Weighted { return s.tasks }

// ObtainSuiteLock returns the mutex guarding suite, inserting a fresh
// one if this is the first caller. The caller must call SuiteUnlock
// after releasing the returned mutex so the map does not grow forever.
func (s *Shared) ObtainSuiteLock(suite flowsnake.ID) sync.Locker {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.suiteMutexes[suite]
	if !ok {
		m = &sync.Mutex{}
		s.suiteMutexes[suite] = m
	}
	s.suiteWaiters[suite]++
	return m
}

// SuiteUnlock drops the bookkeeping entry for suite once the caller
// holding its mutex is done with it, removing the mutex entirely once
// the last waiter has released it.
func (s *Shared) SuiteUnlock(suite flowsnake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suiteWaiters[suite]--
	if s.suiteWaiters[suite] <= 0 {
		delete(s.suiteWaiters, suite)
		delete(s.suiteMutexes, suite)
	}
}

// NewJob registers job as running under tok and increments the active
// count.
func (s *Shared) NewJob(job flowsnake.ID, tok cancel.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[job] = &jobHandle{cancelTok: tok, done: make(chan struct{})}
	atomic.AddInt64(&s.activeTaskCount, 1)
}

// FinishJob removes job from both registries, decrementing the active
// count if job was still in the running registry (BeginCancelling has
// already decremented it for a job moved to cancelling). Safe to call
// even if job was never registered.
func (s *Shared) FinishJob(job flowsnake.ID) {
	s.mu.Lock()
	_, wasRunning := s.running[job]
	delete(s.running, job)
	delete(s.cancelling, job)
	s.mu.Unlock()
	if wasRunning {
		atomic.AddInt64(&s.activeTaskCount, -1)
	}
}

// ActiveTaskCount returns the number of jobs currently in the running
// registry.
func (s *Shared) ActiveTaskCount() int {
	return int(atomic.LoadInt64(&s.activeTaskCount))
}

// BeginCancelling moves job from running to cancelling (decrementing the
// active count, which tracks the running registry), recording reason
// and whether the coordinator flagged this as a user-initiated cancel
// (as opposed to a system-initiated abort), and returns its cancel token
// so the caller can fire it. ok is false if job was not found running
// (spec's open question: an AbortJob for an unknown job is silently
// ignored).
func (s *Shared) BeginCancelling(job flowsnake.ID, reason string, asCancel bool) (tok cancel.Token, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, found := s.running[job]
	if !found {
		return cancel.Token{}, false
	}
	delete(s.running, job)
	atomic.AddInt64(&s.activeTaskCount, -1)
	h.reason = reason
	h.asCancel = asCancel
	s.cancelling[job] = h
	return h.cancelTok, true
}

// CancelInfo returns the reason and as-cancel flag recorded by
// BeginCancelling for job, if it was ever moved into the cancelling
// registry. found is false for a job that was never the target of an
// AbortJob (e.g. one torn down by its own wall-clock timeout), in which
// case callers should treat it as a system-initiated abort.
func (s *Shared) CancelInfo(job flowsnake.ID) (reason string, asCancel bool, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.cancelling[job]
	if !ok {
		return "", false, false
	}
	return h.reason, h.asCancel, true
}

// WaitingForJobs returns the poll message id the poller is currently
// waiting on a reply for, if any.
func (s *Shared) WaitingForJobs() (flowsnake.ID, bool) {
	s.waitingMu.Lock()
	defer s.waitingMu.Unlock()
	if s.waitingForID == nil {
		return flowsnake.ID{}, false
	}
	return *s.waitingForID, true
}

// SetWaitingForJobs records id as the outstanding poll, returning false
// if a poll was already outstanding (callers should not overwrite one
// poll with another).
func (s *Shared) SetWaitingForJobs(id flowsnake.ID) bool {
	s.waitingMu.Lock()
	defer s.waitingMu.Unlock()
	if s.waitingForID != nil {
		return false
	}
	s.waitingForID = &id
	return true
}

// ClearWaitingForJobs clears the poll slot iff it still holds id,
// reporting whether the clear happened (the poll-timeout task uses this
// to avoid clobbering a newer poll).
func (s *Shared) ClearWaitingForJobs(id flowsnake.ID) bool {
	s.waitingMu.Lock()
	defer s.waitingMu.Unlock()
	if s.waitingForID == nil || *s.waitingForID != id {
		return false
	}
	s.waitingForID = nil
	return true
}

// ---- Directory and URL builders ----

// JobDir returns the per-job workspace directory under the cache root.
func (s *Shared) JobDir(job flowsnake.ID) string {
	return filepath.Join(s.Config().CacheRoot, defaults.JobsSubdir, job.String())
}

// SuiteDir returns the unpacked suite directory under the cache root.
func (s *Shared) SuiteDir(suite flowsnake.ID) string {
	return filepath.Join(s.Config().CacheRoot, defaults.SuitesSubdir, suite.String())
}

// SuiteLockPath returns the lockfile path sibling to SuiteDir.
func (s *Shared) SuiteLockPath(suite flowsnake.ID) string {
	return s.SuiteDir(suite) + defaults.SuiteLockSuffix
}

// ScratchFilePath returns a fresh, unique path under the cache root's
// scratch directory.
func (s *Shared) ScratchFilePath() string {
	return filepath.Join(s.Config().CacheRoot, defaults.FilesSubdir, uuid.NewString())
}

// RegisterURL is the coordinator endpoint that exchanges a register
// token for an access token.
func (s *Shared) RegisterURL() string {
	return s.Config().CoordinatorURL + defaults.APIPath("judger", "register")
}

// VerifyURL is the coordinator endpoint that validates an access token.
func (s *Shared) VerifyURL() string {
	return s.Config().CoordinatorURL + defaults.APIPath("judger", "verify")
}

// SuiteMetaURL returns the coordinator endpoint for a suite's metadata.
func (s *Shared) SuiteMetaURL(suite flowsnake.ID) string {
	return s.Config().CoordinatorURL + defaults.APIPath("test_suite", suite.String())
}

// SuiteDownloadURL returns the coordinator endpoint for a suite's
// archive.
func (s *Shared) SuiteDownloadURL(suite flowsnake.ID) string {
	return s.Config().CoordinatorURL + defaults.APIPath("test_suite", suite.String(), "download")
}

// ResultURL is the coordinator endpoint a finished job's verdict is
// POSTed to.
func (s *Shared) ResultURL() string {
	return s.Config().CoordinatorURL + defaults.APIPath("judger", "result")
}

// UploadURL is the coordinator endpoint per-test artifacts are POSTed
// to.
func (s *Shared) UploadURL() string {
	return s.Config().CoordinatorURL + defaults.APIPath("judger", "upload")
}

// WebsocketURL returns the coordinator's duplex channel URL, rewriting
// the scheme from http(s) to ws(s).
func (s *Shared) WebsocketURL() (string, error) {
	u, err := url.Parse(s.Config().CoordinatorURL)
	if err != nil {
		return "", trace.Wrap(err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = defaults.APIPath("judger", "ws")
	return u.String(), nil
}

// dialTimeout is exposed for the control loop's websocket dialer.
func (s *Shared) dialTimeout() time.Duration {
	return s.Config().DialTimeout
}
