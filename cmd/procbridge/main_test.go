package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/guseggert/procbridge/agent"
	"github.com/guseggert/procbridge/internal/echo"
	"github.com/guseggert/procbridge/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const workerEnv = "PROCBRIDGE_CLI_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "" {
		os.Exit(m.Run())
	}
	reg := rpc.NewRegistry()
	if err := echo.Register(reg, os.Stderr, os.Exit); err != nil {
		os.Exit(2)
	}
	if err := rpc.Serve(context.Background(), reg, os.Stdin, os.Stdout); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procbridge.yaml")
	cfg := fmt.Sprintf(`
logLevel: error
workers:
  echo:
    command: %q
    env: [%s=1]
    services:
      echo: [Echo, Upper, Exit]
`, os.Args[0], workerEnv)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"procbridge"}, args...))
	return out.String(), err
}

func TestServices(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t), "services")
	require.NoError(t, err)
	assert.Equal(t, "echo (local)\n  echo: Echo, Exit, Upper\n", out)
}

func TestCall(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "call", "--repeat", "2", "echo", "echo", "Upper", `"hi"`)
	require.NoError(t, err)
	assert.Equal(t, "\"HI\"\n\"HI\"\n", out)

	out, err = run(t, "--config", cfg, "call", "echo", "echo", "Echo", `{"a":[1,2]}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2]}`, out)
}

func TestCallErrors(t *testing.T) {
	cfg := writeConfig(t)
	cases := []struct {
		name   string
		args   []string
		expErr string
	}{
		{
			name:   "too few args",
			args:   []string{"call", "echo"},
			expErr: "usage",
		},
		{
			name:   "bad params",
			args:   []string{"call", "echo", "echo", "Upper", "{"},
			expErr: "not valid JSON",
		},
		{
			name:   "unknown worker",
			args:   []string{"call", "nope", "echo", "Upper"},
			expErr: `unknown worker "nope"`,
		},
		{
			name:   "unknown service",
			args:   []string{"call", "echo", "nope", "Upper"},
			expErr: "unknown service",
		},
		{
			name:   "undeclared method",
			args:   []string{"call", "echo", "echo", "Stderr", `"x"`},
			expErr: "unknown method",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := run(t, append([]string{"--config", cfg}, c.args...)...)
			assert.ErrorContains(t, err, c.expErr)
		})
	}
}

func TestCerts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	_, err := run(t, "certs", "--dir", dir)
	require.NoError(t, err)

	certs, err := agent.ReadClientCerts(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, certs.CA.CertPEMBytes)
	assert.FileExists(t, filepath.Join(dir, agent.ServerKeyFile))
}
