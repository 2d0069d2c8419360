package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/procbridge/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
logLevel: debug
metricsAddr: 127.0.0.1:9091
workers:
  echo:
    command: ./echoworker
    args: [--quiet]
    env: [A=1]
    spawnTimeout: 5s
    services:
      echo: [Echo, Upper]
  far:
    mode: remote
    command: /usr/local/bin/echoworker
    services:
      echo: []
    agent:
      address: 10.0.0.2
      port: 8080
      certDir: ./certs
  boxed:
    mode: docker
    command: /echoworker
    services:
      echo: [Echo]
    docker:
      container: workers
      killContainer: true
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9091", cfg.MetricsAddr)
	assert.Equal(t, []string{"boxed", "echo", "far"}, cfg.WorkerNames())

	echo, err := cfg.Worker("echo")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, echo.SpawnTimeout)
	assert.Equal(t, process.Command{Path: "./echoworker", Args: []string{"--quiet"}, Env: []string{"A=1"}}, echo.ProcessCommand())

	reg, err := echo.Registry()
	require.NoError(t, err)
	def, ok := reg.Lookup("echo")
	require.True(t, ok)
	assert.True(t, def.HasMethod("Upper"))
	assert.False(t, def.HasMethod("Exit"))

	assert.Equal(t, 8080, cfg.Workers["far"].Agent.Port)
	assert.True(t, cfg.Workers["boxed"].Docker.KillContainer)

	_, err = cfg.Worker("nope")
	assert.ErrorContains(t, err, "unknown worker")
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("workers:\n  w:\n    command: w\n    services:\n      s: [M]\n"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		yaml   string
		expErr string
	}{
		{
			name:   "no workers",
			yaml:   "logLevel: info\n",
			expErr: "no workers",
		},
		{
			name:   "unknown field",
			yaml:   "workers:\n  w:\n    command: w\n    servces: {}\n",
			expErr: "field servces not found",
		},
		{
			name:   "missing command",
			yaml:   "workers:\n  w:\n    services:\n      s: [M]\n",
			expErr: `worker "w": command is required`,
		},
		{
			name:   "missing services",
			yaml:   "workers:\n  w:\n    command: w\n",
			expErr: "at least one service",
		},
		{
			name:   "remote without agent",
			yaml:   "workers:\n  w:\n    mode: remote\n    command: w\n    services:\n      s: [M]\n",
			expErr: "remote workers need",
		},
		{
			name:   "docker without container",
			yaml:   "workers:\n  w:\n    mode: docker\n    command: w\n    services:\n      s: [M]\n    docker: {}\n",
			expErr: "docker workers need",
		},
		{
			name:   "unknown mode",
			yaml:   "workers:\n  w:\n    mode: ssh\n    command: w\n    services:\n      s: [M]\n",
			expErr: `unknown mode "ssh"`,
		},
		{
			name:   "bad duration",
			yaml:   "workers:\n  w:\n    command: w\n    spawnTimeout: soon\n    services:\n      s: [M]\n",
			expErr: "decoding config",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.yaml))
			assert.ErrorContains(t, err, c.expErr)
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "project", "sub")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	_, err := Find(nested)
	assert.ErrorIs(t, err, ErrNotFound)

	path := filepath.Join(root, "project", FileName)
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	found, err := Find(nested)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	cfg, err := Load(found)
	require.NoError(t, err)
	assert.Len(t, cfg.Workers, 3)

	_, err = Load(filepath.Join(root, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
