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

package suitecache

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rurikawa/judger/lib/flowsnake"
)

// fakeDeps is a minimal, in-memory stand-in for *client.Shared so this
// package's tests never need a real coordinator or a cyclic import.
type fakeDeps struct {
	t         *testing.T
	root      string
	server    *httptest.Server
	mu        sync.Mutex
	locks     map[flowsnake.ID]*sync.Mutex
	token     string
	downloads int
}

func newFakeDeps(t *testing.T, packageFileID string, testconf string) *fakeDeps {
	t.Helper()
	d := &fakeDeps{t: t, root: t.TempDir(), locks: make(map[flowsnake.ID]*sync.Mutex), token: "tok"}
	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/meta":
			fmt.Fprintf(w, `{"package_file_id":%q}`, packageFileID)
		case r.URL.Path == "/download":
			d.mu.Lock()
			d.downloads++
			d.mu.Unlock()
			w.Header().Set("content-type", "application/zip")
			_ = writeTestArchive(w, testconf)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(d.server.Close)
	return d
}

func writeTestArchive(w http.ResponseWriter, testconf string) error {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	f, err := zw.Create("testconf.json")
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(testconf)); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func (d *fakeDeps) ObtainSuiteLock(id flowsnake.ID) Locker {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.locks[id]
	if !ok {
		m = &sync.Mutex{}
		d.locks[id] = m
	}
	return m
}

func (d *fakeDeps) SuiteUnlock(flowsnake.ID) {}

func (d *fakeDeps) SuiteDir(id flowsnake.ID) string {
	return filepath.Join(d.root, "suites", id.String())
}

func (d *fakeDeps) SuiteLockPath(id flowsnake.ID) string {
	return d.SuiteDir(id) + ".lock"
}

func (d *fakeDeps) ScratchFilePath() string {
	return filepath.Join(d.root, "scratch", "download.zip")
}

func (d *fakeDeps) SuiteMetaURL(flowsnake.ID) string     { return d.server.URL + "/meta" }
func (d *fakeDeps) SuiteDownloadURL(flowsnake.ID) string { return d.server.URL + "/download" }
func (d *fakeDeps) AccessToken() string                  { return d.token }
func (d *fakeDeps) HTTPClient() *http.Client             { return d.server.Client() }

func TestEnsureDownloadsAndParsesOnFirstCall(t *testing.T) {
	deps := newFakeDeps(t, "v1", `{"name":"demo","run":["echo"],"tests":[]}`)
	c := New(deps)

	cfg, err := c.Ensure(context.Background(), flowsnake.New())
	require.NoError(t, err)
	require.Equal(t, "demo", cfg.Name)
	require.Equal(t, 1, deps.downloads)
}

func TestEnsureSkipsRedownloadWhenLockfileMatches(t *testing.T) {
	deps := newFakeDeps(t, "v1", `{"name":"demo","run":["echo"],"tests":[]}`)
	c := New(deps)
	suite := flowsnake.New()

	_, err := c.Ensure(context.Background(), suite)
	require.NoError(t, err)
	_, err = c.Ensure(context.Background(), suite)
	require.NoError(t, err)

	require.Equal(t, 1, deps.downloads, "a matching lockfile must short-circuit redownload")
}

func TestEnsureRedownloadsWhenPackageFileIDChanges(t *testing.T) {
	deps := newFakeDeps(t, "v1", `{"name":"demo","run":["echo"],"tests":[]}`)
	c := New(deps)
	suite := flowsnake.New()

	_, err := c.Ensure(context.Background(), suite)
	require.NoError(t, err)

	deps.server.Close()
	deps2 := newFakeDeps(t, "v2", `{"name":"demo-v2","run":["echo"],"tests":[]}`)
	deps2.root = deps.root
	c2 := New(deps2)

	cfg, err := c2.Ensure(context.Background(), suite)
	require.NoError(t, err)
	require.Equal(t, "demo-v2", cfg.Name)
	require.Equal(t, 1, deps2.downloads)
}
