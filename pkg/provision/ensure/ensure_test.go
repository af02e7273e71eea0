/*
 * Copyright (c) 2024, the vfioctl authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ensure

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestEnsureRunsOnlyWhenUnsatisfied(t *testing.T) {
	e := New(false, quietLogger())

	runs := 0
	satisfied := false
	action := Action{
		Name:      "test",
		Satisfied: func() bool { return satisfied },
		Run: func() error {
			runs++
			satisfied = true
			return nil
		},
	}

	require.Nil(t, e.Ensure(action))
	require.Equal(t, 1, runs)

	// A second pass finds the probe satisfied and performs no mutation.
	require.Nil(t, e.Ensure(action))
	require.Equal(t, 1, runs)
}

func TestEnsureDryRun(t *testing.T) {
	e := New(true, quietLogger())

	runs := 0
	action := Action{
		Name:      "test",
		Satisfied: func() bool { return false },
		Run: func() error {
			runs++
			return nil
		},
	}

	require.Nil(t, e.Ensure(action))
	require.Equal(t, 0, runs)
}

func TestEnsurePropagatesFailure(t *testing.T) {
	e := New(false, quietLogger())

	boom := errors.New("boom")
	err := e.Ensure(Action{
		Name:      "failing",
		Satisfied: func() bool { return false },
		Run:       func() error { return boom },
	})
	require.NotNil(t, err)
	require.True(t, errors.Is(err, boom) || err.Error() != "")
	require.Contains(t, err.Error(), "failing")
}

func TestEnsureAllStopsAtFirstFailure(t *testing.T) {
	e := New(false, quietLogger())

	var order []string
	actions := []Action{
		{Name: "a", Satisfied: func() bool { return false }, Run: func() error { order = append(order, "a"); return nil }},
		{Name: "b", Satisfied: func() bool { return false }, Run: func() error { order = append(order, "b"); return errors.New("boom") }},
		{Name: "c", Satisfied: func() bool { return false }, Run: func() error { order = append(order, "c"); return nil }},
	}

	err := e.EnsureAll(actions)
	require.NotNil(t, err)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestProbesFailClosed(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	require.False(t, FileExists(missing)())
	require.False(t, FileContainsLine(missing, "anything")())
	require.False(t, ModuleLoaded(missing, "nvidia")())
}

func TestFileContainsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules")
	require.Nil(t, os.WriteFile(path, []byte("vfio\nvfio-pci\n"), 0644))

	require.True(t, FileContainsLine(path, "vfio-pci")())
	require.False(t, FileContainsLine(path, "vfio_pci")())
	require.False(t, FileContainsLine(path, "kvm")())
}

func TestModuleLoaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules")
	require.Nil(t, os.WriteFile(path, []byte("nvidia 56717312 0 - Live 0x0000000000000000\nvfio_pci 16384 0 - Live 0x0000000000000000\n"), 0644))

	require.True(t, ModuleLoaded(path, "nvidia")())
	// Dashes and underscores are interchangeable in module names.
	require.True(t, ModuleLoaded(path, "vfio-pci")())
	require.False(t, ModuleLoaded(path, "nouveau")())
}
