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

package runner

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/gravitational/trace"

	"github.com/rurikawa/judger/lib/judgeerr"
)

// packTar walks src and writes every file not matched by any pattern
// in ignore into w as a tar stream rooted at ".", for upload via
// UploadToContainer. Patterns follow .dockerignore-style globs.
func packTar(w io.Writer, src string, ignore []string) error {
	globs := make([]glob.Glob, 0, len(ignore))
	for _, pattern := range ignore {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return trace.Wrap(judgeerr.IO(err))
		}
		globs = append(globs, g)
	}

	tw := tar.NewWriter(w)
	defer tw.Close()

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, g := range globs {
			if g.Match(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// ensureNoParentEscape rejects a relative path that would escape its
// base directory via ".." components, used to validate Dockerfile
// paths pulled from a submitted repository before any daemon call.
func ensureNoParentEscape(path string) error {
	if filepath.IsAbs(path) {
		return trace.BadParameter("path must be relative: %s", path)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return trace.BadParameter("path must not contain '..': %s", path)
		}
	}
	return nil
}
