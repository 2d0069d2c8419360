// Command echoworker is a sample worker that serves the echo service over stdio.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/procbridge/internal/echo"
	"github.com/guseggert/procbridge/internal/logging"
	"github.com/guseggert/procbridge/rpc"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "echoworker",
		Usage: "serve the echo service over stdin/stdout",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, logs go to stderr.",
				Value: "warn",
			},
		},
		Action: func(cctx *cli.Context) error {
			logger, err := logging.New(cctx.String("log-level"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			reg := rpc.NewRegistry()
			if err := echo.Register(reg, os.Stderr, os.Exit); err != nil {
				return fmt.Errorf("registering echo service: %w", err)
			}

			ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Sugar().Infow("serving", "Services", reg.Services())
			err = rpc.Serve(ctx, reg, os.Stdin, os.Stdout, rpc.WithLogger(logger))
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
