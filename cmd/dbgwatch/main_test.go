package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/dbgwatch/debug/dap/daptest"
	"github.com/xhd2015/dbgwatch/monitor"
)

type cliRun struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) cliRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	var stdout, stderr bytes.Buffer
	args = append(args, "--log-file", filepath.Join(t.TempDir(), "dbgwatch.log"))
	code := execute(ctx, args, &stdout, &stderr)
	return cliRun{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func startAdapter(t *testing.T, a *daptest.Adapter) string {
	t.Helper()
	addr, err := a.Start()
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return addr
}

func exitingAdapter(code int) *daptest.Adapter {
	return &daptest.Adapter{
		PID: 321,
		Script: []daptest.Step{
			{Delay: 10 * time.Millisecond, Message: daptest.Output("stdout", "hello\n")},
			{Message: daptest.Output("stderr", "oops\n")},
			{Delay: 10 * time.Millisecond, Message: daptest.Exited(code)},
			{Message: daptest.Terminated()},
		},
	}
}

func TestAutoexitReturnsDebuggeeExitCode(t *testing.T) {
	a := exitingAdapter(3)
	addr := startAdapter(t, a)
	out := filepath.Join(t.TempDir(), "app.out")
	require.NoError(t, os.WriteFile(out, []byte("previous run\n"), 0o644))

	res := runCLI(t, "autoexit", "--connect", "connect://"+addr, "--app", "/private/var/app/Demo.app", "--output", out)

	assert.Equal(t, 3, res.code, res.stderr)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	assert.Contains(t, res.stdout, "oops\n")
	assert.Contains(t, res.stdout, "\n"+monitor.MarkerExited+"\n")
	assert.Equal(t, []string{"initialize", "launch", "configurationDone"}, a.Commands())
}

func TestWaitforAppendsOutput(t *testing.T) {
	addr := startAdapter(t, exitingAdapter(0))
	out := filepath.Join(t.TempDir(), "app.out")
	require.NoError(t, os.WriteFile(out, []byte("previous run\n"), 0o644))

	res := runCLI(t, "waitfor", "--connect", addr, "--app", "/private/var/app/Demo.app", "--output", out)

	assert.Equal(t, 0, res.code, res.stderr)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "previous run\nhello\n", string(data))
	assert.Contains(t, res.stdout, monitor.MarkerExited)
}

func TestAutoexitDeviceLocked(t *testing.T) {
	a := &daptest.Adapter{LaunchError: "process launch failed: Locked"}
	addr := startAdapter(t, a)

	res := runCLI(t, "autoexit", "--connect", addr, "--app", "/private/var/app/Demo.app", "--exitcode-app-crash", "9")

	assert.Equal(t, monitor.ExitCodeDeviceLocked, res.code)
	assert.Equal(t, monitor.DeviceLockedMessage, res.stdout)
	assert.Zero(t, a.Count("configurationDone"))
}

func TestSafequitWithoutLaunch(t *testing.T) {
	a := &daptest.Adapter{}
	addr := startAdapter(t, a)

	res := runCLI(t, "safequit", "--connect", addr)

	assert.Equal(t, monitor.ExitCodeNotLaunched, res.code, res.stderr)
	assert.Equal(t, monitor.NotLaunchedMessage, res.stdout)
	assert.Zero(t, a.Count("launch"))
}

func TestConfigFileAndValidation(t *testing.T) {
	res := runCLI(t, "autoexit", "--app", "/app")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "connect url is required")

	a := exitingAdapter(4)
	addr := startAdapter(t, a)
	cfgPath := filepath.Join(t.TempDir(), "dbgwatch.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("connect_url: "+addr+"\ndevice_app: /app\nengine: dap\n"), 0o644))

	res = runCLI(t, "autoexit", "--config", cfgPath)
	assert.Equal(t, 4, res.code, res.stderr)
}

func TestConnectFailure(t *testing.T) {
	res := runCLI(t, "autoexit", "--connect", "ftp://127.0.0.1:1", "--app", "/app", "--connect-timeout", "1")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "failed to connect to ftp://127.0.0.1:1")
}
