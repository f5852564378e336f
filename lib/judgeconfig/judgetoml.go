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

package judgeconfig

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/gravitational/trace"

	"github.com/rurikawa/judger/lib/judgeerr"
)

// ImageKind discriminates the two shapes an Image can take.
type ImageKind string

// Image kinds.
const (
	ImagePrebuilt   ImageKind = "Prebuilt"
	ImageDockerfile ImageKind = "Dockerfile"
)

// PrebuiltImage references an already-published image by tag.
type PrebuiltImage struct {
	Tag string `toml:"tag"`
}

// DockerfileImage builds an image from a Dockerfile inside the
// submitted repository.
type DockerfileImage struct {
	Path string `toml:"path"`
	File string `toml:"file,omitempty"`
	Tag  string `toml:"tag,omitempty"`
}

// rawImage mirrors the TOML inline-table encoding of the tagged union:
// exactly one of Prebuilt/Dockerfile is present.
type rawImage struct {
	Prebuilt   *PrebuiltImage   `toml:"Prebuilt"`
	Dockerfile *DockerfileImage `toml:"Dockerfile"`
}

// Image is the resolved tagged union: Kind names which of Prebuilt or
// Dockerfile is populated.
type Image struct {
	Kind       ImageKind
	Prebuilt   PrebuiltImage
	Dockerfile DockerfileImage
}

// UnmarshalTOML implements toml.Unmarshaler.
func (img *Image) UnmarshalTOML(data any) error {
	// BurntSushi/toml hands UnmarshalTOML the decoded map, not raw
	// bytes; round-trip it through the standard decode path by
	// re-encoding is wasteful, so decode field-by-field instead.
	m, ok := data.(map[string]any)
	if !ok {
		return trace.BadParameter("image must be a table")
	}
	if raw, ok := m["Prebuilt"]; ok {
		img.Kind = ImagePrebuilt
		sub, _ := raw.(map[string]any)
		if tag, ok := sub["tag"].(string); ok {
			img.Prebuilt.Tag = tag
		}
		return nil
	}
	if raw, ok := m["Dockerfile"]; ok {
		img.Kind = ImageDockerfile
		sub, _ := raw.(map[string]any)
		if path, ok := sub["path"].(string); ok {
			img.Dockerfile.Path = path
		}
		if file, ok := sub["file"].(string); ok {
			img.Dockerfile.File = file
		}
		if tag, ok := sub["tag"].(string); ok {
			img.Dockerfile.Tag = tag
		}
		return nil
	}
	return trace.BadParameter("image must be either Prebuilt or Dockerfile")
}

// JobConfig is one [jobs.<name>] entry in judge.toml.
type JobConfig struct {
	Image Image    `toml:"image"`
	Run   []string `toml:"run"`
	Binds []string `toml:"binds,omitempty"`
}

// Toml is the parsed contents of the submitted repo's judge.toml.
type Toml struct {
	Jobs map[string]JobConfig `toml:"jobs"`
}

// LoadToml reads and parses judge.toml from path.
func LoadToml(path string) (*Toml, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.Wrap(judgeerr.NoSuchFile(path))
		}
		return nil, trace.Wrap(judgeerr.IO(err))
	}
	var t Toml
	if err := toml.Unmarshal(data, &t); err != nil {
		return nil, trace.Wrap(judgeerr.TomlDes(err))
	}
	return &t, nil
}

// JobConfigFor returns the [jobs.<name>] entry, or NoSuchConfig if
// absent, per spec §4.5 step 6.
func (t *Toml) JobConfigFor(name string) (*JobConfig, error) {
	cfg, ok := t.Jobs[name]
	if !ok {
		return nil, trace.Wrap(judgeerr.NoSuchConfig(name))
	}
	return &cfg, nil
}
