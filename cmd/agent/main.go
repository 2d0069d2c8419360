package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/guseggert/procbridge/agent"
	"github.com/guseggert/procbridge/internal/logging"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "procbridge-agent",
		Usage: "run worker processes for remote procbridge supervisors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [exit,none].",
				Value: "none",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before acting on a failure.",
				Value: time.Minute,
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTPS server to listen on.",
				Value: "0.0.0.0:8080",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "cert-dir",
				Usage: "Directory written by 'procbridge certs'. Used when the PEM flags are not set.",
			},
			&cli.StringFlag{
				Name:  "ca-cert-pem",
				Usage: "The CA cert PEM bytes to use (base64-encoded).",
			},
			&cli.StringFlag{
				Name:  "cert-pem",
				Usage: "The cert PEM bytes to use (base64-encoded).",
			},
			&cli.StringFlag{
				Name:  "key-pem",
				Usage: "The key PEM bytes to use (base64-encoded).",
			},
		},
		Action: func(ctx *cli.Context) error {
			caCertPEMBytes, certPEMBytes, keyPEMBytes, err := readPEMs(ctx)
			if err != nil {
				return err
			}

			var heartbeatFailureHandler func()
			switch onHeartbeatFailure := ctx.String("on-heartbeat-failure"); onHeartbeatFailure {
			case "exit":
				heartbeatFailureHandler = agent.HeartbeatFailureExit
			case "none":
			default:
				return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
			}

			logger, err := logging.New(ctx.String("log-level"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := agent.New(
				caCertPEMBytes,
				certPEMBytes,
				keyPEMBytes,
				agent.WithLogger(logger),
				agent.WithHeartbeatTimeout(ctx.Duration("heartbeat-timeout")),
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}
			return a.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func readPEMs(ctx *cli.Context) (caCert, cert, key []byte, err error) {
	if dir := ctx.String("cert-dir"); dir != "" && ctx.String("ca-cert-pem") == "" {
		files := []string{agent.CACertFile, agent.ServerCertFile, agent.ServerKeyFile}
		out := make([][]byte, len(files))
		for i, name := range files {
			out[i], err = os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("reading %s: %w", name, err)
			}
		}
		return out[0], out[1], out[2], nil
	}

	flags := []string{"ca-cert-pem", "cert-pem", "key-pem"}
	out := make([][]byte, len(flags))
	for i, name := range flags {
		encoded := ctx.String(name)
		if encoded == "" {
			return nil, nil, nil, fmt.Errorf("either --cert-dir or --%s is required", name)
		}
		out[i], err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("decoding %s: %w", name, err)
		}
	}
	return out[0], out[1], out[2], nil
}
