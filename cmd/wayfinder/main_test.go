package main

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetMocks(t *testing.T) *bytes.Buffer {
	t.Helper()
	var errOut bytes.Buffer
	stderr = &errOut
	t.Cleanup(func() {
		osWriteFile = os.WriteFile
		osExit = os.Exit
		stderr = os.Stderr
	})
	return &errOut
}

func TestHandlePanic(t *testing.T) {
	t.Run("writes the panic log", func(t *testing.T) {
		errOut := resetMocks(t)
		var written string
		osWriteFile = func(name string, data []byte, _ fs.FileMode) error {
			assert.Equal(t, panicLogFile, name)
			written = string(data)
			return nil
		}
		code := -1
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("boom")
		}()

		assert.Equal(t, 2, code)
		assert.True(t, strings.HasPrefix(written, "panic: boom"))
		assert.Contains(t, written, "goroutine")
		assert.Contains(t, errOut.String(), panicLogFile)
	})

	t.Run("falls back to stderr", func(t *testing.T) {
		errOut := resetMocks(t)
		osWriteFile = func(string, []byte, fs.FileMode) error { return errors.New("read-only") }
		code := -1
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("boom")
		}()

		assert.Equal(t, 2, code)
		assert.Contains(t, errOut.String(), "Failed to write panic log: read-only")
		assert.Contains(t, errOut.String(), "panic: boom")
	})

	t.Run("no panic is a no-op", func(t *testing.T) {
		resetMocks(t)
		osExit = func(int) { t.Fatal("exit called without a panic") }
		func() { defer handlePanic() }()
	})
}

func TestRunShell(t *testing.T) {
	resetMocks(t)
	in := strings.NewReader("\nversion\nnot-a-command\nexit\nversion\n")
	var out bytes.Buffer

	require.NoError(t, runShell(context.Background(), in, &out))

	s := out.String()
	assert.Equal(t, 1, strings.Count(s, "wayfinder dev ("), "commands after exit do not run")
	assert.Contains(t, s, `unknown command "not-a-command"`)
	assert.True(t, strings.HasSuffix(s, "Bye.\n"))
}

func TestRunShellStopsOnCancel(t *testing.T) {
	resetMocks(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	require.NoError(t, runShell(ctx, strings.NewReader("version\n"), &out))
	assert.NotContains(t, out.String(), "wayfinder dev (")
}
