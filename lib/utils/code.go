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

package utils

// NormalizeExitCode maps a container daemon's raw exit status into the
// signed convention the rest of the pipeline expects: a process killed
// by signal n reports as -n, an OOM-killed process reports -9 (SIGKILL)
// whatever its exit code, any other clean or failing exit reports its
// exit code unchanged, and a daemon inspect result carrying neither a
// valid exit code nor a signal (exitCode < 0) reports 1.
func NormalizeExitCode(exitCode int, oomKilled bool, signal int) int {
	if signal > 0 {
		return -signal
	}
	if oomKilled {
		return -9
	}
	if exitCode < 0 {
		return 1
	}
	return exitCode
}
