// Package config loads procbridge.yaml, which names the workers a bridge can supervise.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/guseggert/procbridge/internal/files"
	"github.com/guseggert/procbridge/process"
	"github.com/guseggert/procbridge/rpc"
	"gopkg.in/yaml.v3"
)

const FileName = "procbridge.yaml"

var ErrNotFound = errors.New("config file not found")

type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeDocker Mode = "docker"
)

type Config struct {
	LogLevel    string             `yaml:"logLevel"`
	MetricsAddr string             `yaml:"metricsAddr"`
	Workers     map[string]*Worker `yaml:"workers"`
}

type Worker struct {
	Mode    Mode     `yaml:"mode"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Dir     string   `yaml:"dir"`

	// Services maps each service the worker implements to its method names.
	Services map[string][]string `yaml:"services"`

	SpawnTimeout time.Duration `yaml:"spawnTimeout"`

	Agent  *Agent  `yaml:"agent"`
	Docker *Docker `yaml:"docker"`
}

// Agent locates the agent that runs a remote worker.
type Agent struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// CertDir holds the CA cert and client key pair.
	CertDir string `yaml:"certDir"`
}

type Docker struct {
	Container     string `yaml:"container"`
	User          string `yaml:"user"`
	KillContainer bool   `yaml:"killContainer"`
}

// Find looks for FileName in dir and its parents.
func Find(dir string) (string, error) {
	path, err := files.FindUp(FileName, dir)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("%w: no %s in %s or its parents", ErrNotFound, FileName, dir)
	}
	return path, nil
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a config. Unknown fields are rejected.
func Parse(b []byte) (*Config, error) {
	cfg := &Config{LogLevel: "info"}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Workers) == 0 {
		return errors.New("config has no workers")
	}
	for _, name := range c.WorkerNames() {
		if err := c.Workers[name].Validate(); err != nil {
			return fmt.Errorf("worker %q: %w", name, err)
		}
	}
	return nil
}

func (c *Config) WorkerNames() []string {
	names := make([]string, 0, len(c.Workers))
	for name := range c.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Worker returns the named worker.
func (c *Config) Worker(name string) (*Worker, error) {
	w, ok := c.Workers[name]
	if !ok {
		return nil, fmt.Errorf("unknown worker %q", name)
	}
	return w, nil
}

func (w *Worker) Validate() error {
	if w == nil {
		return errors.New("empty worker")
	}
	if w.Command == "" {
		return errors.New("command is required")
	}
	if len(w.Services) == 0 {
		return errors.New("at least one service is required")
	}
	if w.SpawnTimeout < 0 {
		return errors.New("spawnTimeout must not be negative")
	}
	switch w.Mode {
	case "", ModeLocal:
	case ModeRemote:
		if w.Agent == nil || w.Agent.Address == "" || w.Agent.Port == 0 || w.Agent.CertDir == "" {
			return errors.New("remote workers need agent address, port, and certDir")
		}
	case ModeDocker:
		if w.Docker == nil || w.Docker.Container == "" {
			return errors.New("docker workers need docker.container")
		}
	default:
		return fmt.Errorf("unknown mode %q", w.Mode)
	}
	return nil
}

// Registry declares the worker's services for a client connection.
func (w *Worker) Registry() (*rpc.Registry, error) {
	reg := rpc.NewRegistry()
	for service, methods := range w.Services {
		if err := reg.Declare(service, methods...); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (w *Worker) ProcessCommand() process.Command {
	return process.Command{
		Path: w.Command,
		Args: w.Args,
		Env:  w.Env,
		Dir:  w.Dir,
	}
}
