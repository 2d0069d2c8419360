package main

import (
	"fmt"

	dockerclient "github.com/docker/docker/client"
	"github.com/guseggert/procbridge/agent"
	"github.com/guseggert/procbridge/config"
	"github.com/guseggert/procbridge/process"
	"github.com/guseggert/procbridge/process/docker"
	"go.uber.org/zap"
)

// newFactory builds the process factory for a configured worker.
// The returned cleanup releases whatever the factory holds open.
func newFactory(log *zap.Logger, w *config.Worker) (process.Factory, func(), error) {
	switch w.Mode {
	case "", config.ModeLocal:
		return process.Local(w.ProcessCommand()), func() {}, nil

	case config.ModeRemote:
		certs, err := agent.ReadClientCerts(w.Agent.CertDir)
		if err != nil {
			return nil, nil, err
		}
		client, err := agent.NewClient(log.Sugar(), certs, w.Agent.Address, w.Agent.Port)
		if err != nil {
			return nil, nil, fmt.Errorf("building agent client: %w", err)
		}
		// the agent's watchdog fires if the bridge goes away without cleaning up
		client.StartHeartbeat()
		return client.Factory(w.ProcessCommand()), client.StopHeartbeat, nil

	case config.ModeDocker:
		cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			return nil, nil, fmt.Errorf("building docker client: %w", err)
		}
		cmd := append([]string{w.Command}, w.Args...)
		factory := docker.Factory(cli, docker.ExecConfig{
			Container:     w.Docker.Container,
			Cmd:           cmd,
			Env:           w.Env,
			WorkingDir:    w.Dir,
			User:          w.Docker.User,
			KillContainer: w.Docker.KillContainer,
		}, docker.WithLogger(log))
		return factory, func() { cli.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown mode %q", w.Mode)
}
