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

package judgeerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerdictMapping(t *testing.T) {
	cases := map[Kind]Verdict{
		KindNoSuchFile:   VerdictCompileError,
		KindNoSuchConfig: VerdictCompileError,
		KindGit:          VerdictCompileError,
		KindBuild:        VerdictCompileError,
		KindExec:         VerdictPipelineError,
		KindIO:           VerdictJudgerError,
		KindOther:        VerdictOtherError,
	}
	for kind, want := range cases {
		require.Equal(t, want, kind.Verdict(), "kind=%s", kind)
	}
}

func TestAnyDrillsThroughCauseChain(t *testing.T) {
	inner := NoSuchFile("judge.toml")
	wrapped := errors.New("context: " + inner.Error())

	// A plain fmt-wrapped string loses the chain; fmt.Errorf with %w
	// preserves it, which is the realistic case this guards.
	chained := errorsWrap(inner)
	got := Any(chained)
	require.Equal(t, KindNoSuchFile, got.Kind())

	require.NotEqual(t, KindNoSuchFile, Any(errors.New(wrapped.Error())).Kind())
}

func errorsWrap(err error) error {
	return &wrappedErr{err}
}

type wrappedErr struct{ err error }

func (w *wrappedErr) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrappedErr) Unwrap() error { return w.err }

func TestIsLooksThroughChain(t *testing.T) {
	err := errorsWrap(Cancelled())
	require.True(t, Is(err, KindCancelled))
	require.False(t, Is(err, KindAborted))
}
