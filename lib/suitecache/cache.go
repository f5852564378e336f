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

// Package suitecache implements the check-download-read protocol that
// guarantees a test suite's contents are present and up to date before
// a job is allowed to use them. See spec §4.4.
package suitecache

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	"github.com/klauspost/compress/flate"

	"github.com/rurikawa/judger/lib/flowsnake"
	"github.com/rurikawa/judger/lib/judgeconfig"
	"github.com/rurikawa/judger/lib/judgeerr"
)

func init() {
	// Registering klauspost's flate decompressor speeds up unzipping
	// large suites; the zip container format itself has no third-party
	// replacement, only its inner compressor does.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

// Deps is the narrow surface Cache needs from the shared client state,
// kept as an interface so this package never imports the client
// package: *client.Shared satisfies it structurally, callers wire the
// two together, and tests substitute an in-memory fake.
type Deps interface {
	ObtainSuiteLock(flowsnake.ID) Locker
	SuiteUnlock(flowsnake.ID)
	SuiteDir(flowsnake.ID) string
	SuiteLockPath(flowsnake.ID) string
	ScratchFilePath() string
	SuiteMetaURL(flowsnake.ID) string
	SuiteDownloadURL(flowsnake.ID) string
	AccessToken() string
	HTTPClient() *http.Client
}

// Locker is the subset of sync.Mutex Cache needs. It is an alias of
// sync.Locker so that an implementation returning sync.Locker (as
// *client.Shared does) satisfies Deps.
type Locker = sync.Locker

// Cache implements ensure_suite.
type Cache struct {
	deps Deps
}

// New constructs a Cache backed by deps.
func New(deps Deps) *Cache {
	return &Cache{deps: deps}
}

// Ensure guarantees that, on success, the suite directory exists, is
// complete, and its testconf.json parses — downloading and unpacking
// the suite archive at most once per version. See spec §4.4.
func (c *Cache) Ensure(ctx context.Context, suite flowsnake.ID) (*judgeconfig.PublicConfig, error) {
	lock := c.deps.ObtainSuiteLock(suite)
	lock.Lock()
	defer func() {
		lock.Unlock()
		c.deps.SuiteUnlock(suite)
	}()

	remoteMeta, err := c.fetchMeta(ctx, suite)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	dir := c.deps.SuiteDir(suite)
	dirExists := dirExists(dir)

	lockPath := c.deps.SuiteLockPath(suite)
	localMeta, lockReadErr := readLockfile(lockPath)
	lockfileUpToDate := lockReadErr == nil && localMeta.PackageFileID == remoteMeta.PackageFileID

	if !dirExists || !lockfileUpToDate {
		if err := os.RemoveAll(dir); err != nil {
			return nil, trace.Wrap(judgeerr.IO(err))
		}
		if err := c.downloadAndUnpack(ctx, suite, dir); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if !lockfileUpToDate {
		if err := writeLockfile(lockPath, remoteMeta); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	cfg, err := judgeconfig.LoadPublicConfig(filepath.Join(dir, "testconf.json"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func (c *Cache) fetchMeta(ctx context.Context, suite flowsnake.ID) (*judgeconfig.SuiteMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.deps.SuiteMetaURL(suite), nil)
	if err != nil {
		return nil, trace.Wrap(judgeerr.Request(err))
	}
	resp, err := c.deps.HTTPClient().Do(req)
	if err != nil {
		return nil, trace.Wrap(judgeerr.Request(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, trace.Wrap(judgeerr.Request(trace.Errorf("suite meta fetch failed: %s", resp.Status)))
	}

	var meta judgeconfig.SuiteMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, trace.Wrap(judgeerr.JSON(err))
	}
	return &meta, nil
}

func (c *Cache) downloadAndUnpack(ctx context.Context, suite flowsnake.ID, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return trace.Wrap(judgeerr.IO(err))
	}

	scratchPath := c.deps.ScratchFilePath()
	if err := os.MkdirAll(filepath.Dir(scratchPath), 0o755); err != nil {
		return trace.Wrap(judgeerr.IO(err))
	}
	defer os.Remove(scratchPath)

	if err := c.downloadArchive(ctx, suite, scratchPath); err != nil {
		return trace.Wrap(err)
	}

	if err := unzip(scratchPath, dir); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (c *Cache) downloadArchive(ctx context.Context, suite flowsnake.ID, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.deps.SuiteDownloadURL(suite), nil)
	if err != nil {
		return trace.Wrap(judgeerr.Request(err))
	}
	req.Header.Set("authorization", c.deps.AccessToken())

	resp, err := c.deps.HTTPClient().Do(req)
	if err != nil {
		return trace.Wrap(judgeerr.Request(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return trace.Wrap(judgeerr.Request(trace.Errorf("suite download failed: %s", resp.Status)))
	}

	f, err := os.Create(destPath)
	if err != nil {
		return trace.Wrap(judgeerr.IO(err))
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return trace.Wrap(judgeerr.IO(err))
	}
	return nil
}

func unzip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return trace.Wrap(judgeerr.IO(err))
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(destDir, f.Name) //nolint:gosec // suite archives are coordinator-controlled
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return trace.Wrap(judgeerr.IO(err))
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return trace.Wrap(judgeerr.IO(err))
		}
		if err := extractOne(f, target); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func extractOne(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return trace.Wrap(judgeerr.IO(err))
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return trace.Wrap(judgeerr.IO(err))
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return trace.Wrap(judgeerr.IO(err))
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func readLockfile(path string) (*judgeconfig.SuiteMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var meta judgeconfig.SuiteMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, trace.Wrap(err)
	}
	return &meta, nil
}

// writeLockfile writes meta only after the suite's contents are fully
// in place — callers must call this after downloadAndUnpack returns
// successfully, never before, so an interrupted download leaves no
// lockfile claiming completeness it doesn't have.
func writeLockfile(path string, meta *judgeconfig.SuiteMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return trace.Wrap(judgeerr.JSON(err))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return trace.Wrap(judgeerr.IO(err))
	}
	return nil
}
