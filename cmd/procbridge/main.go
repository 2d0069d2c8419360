// Command procbridge calls services implemented by supervised worker processes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/procbridge/agent"
	"github.com/guseggert/procbridge/config"
	"github.com/guseggert/procbridge/internal/logging"
	"github.com/guseggert/procbridge/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "procbridge",
		Usage: "call services implemented by supervised worker processes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the config file. Defaults to the nearest " + config.FileName + " above the working directory.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Overrides the config's log level.",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address while running. Overrides the config.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "call",
				Usage:     "call a method on a worker's service",
				ArgsUsage: "WORKER SERVICE METHOD [JSON_PARAMS]",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Bound on spawning the worker and completing the call.",
						Value: 30 * time.Second,
					},
					&cli.IntFlag{
						Name:  "repeat",
						Usage: "Call the method this many times through the same supervisor.",
						Value: 1,
					},
				},
				Action: call,
			},
			{
				Name:   "services",
				Usage:  "list the configured workers and the services they declare",
				Action: services,
			},
			{
				Name:  "certs",
				Usage: "generate a CA and agent/client key pairs for remote workers",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dir",
						Usage:    "Directory to write the PEM files to.",
						Required: true,
					},
				},
				Action: func(cctx *cli.Context) error {
					certs, err := agent.GenerateCerts()
					if err != nil {
						return err
					}
					return certs.WriteFiles(cctx.String("dir"))
				},
			},
		},
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	path := cctx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		path, err = config.Find(wd)
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if lvl := cctx.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if addr := cctx.String("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}
	return cfg, nil
}

func services(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	for _, name := range cfg.WorkerNames() {
		w := cfg.Workers[name]
		mode := w.Mode
		if mode == "" {
			mode = config.ModeLocal
		}
		fmt.Fprintf(cctx.App.Writer, "%s (%s)\n", name, mode)
		reg, err := w.Registry()
		if err != nil {
			return err
		}
		for _, service := range reg.Services() {
			def, _ := reg.Lookup(service)
			methods := make([]string, 0, len(def.Methods))
			for m := range def.Methods {
				methods = append(methods, m)
			}
			sort.Strings(methods)
			fmt.Fprintf(cctx.App.Writer, "  %s: %s\n", service, strings.Join(methods, ", "))
		}
	}
	return nil
}

func call(cctx *cli.Context) error {
	if cctx.NArg() < 3 || cctx.NArg() > 4 {
		return cli.Exit("usage: procbridge call WORKER SERVICE METHOD [JSON_PARAMS]", 2)
	}
	workerName, serviceName, method := cctx.Args().Get(0), cctx.Args().Get(1), cctx.Args().Get(2)
	var params json.RawMessage
	if cctx.NArg() == 4 {
		params = json.RawMessage(cctx.Args().Get(3))
		if !json.Valid(params) {
			return cli.Exit("JSON_PARAMS is not valid JSON", 2)
		}
	}

	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	w, err := cfg.Worker(workerName)
	if err != nil {
		return err
	}
	reg, err := w.Registry()
	if err != nil {
		return err
	}
	factory, cleanup, err := newFactory(logger, w)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := []supervisor.Option{
		supervisor.WithLogger(logger),
		supervisor.WithSpawnTimeout(w.SpawnTimeout),
	}
	if cfg.MetricsAddr != "" {
		promReg := prometheus.NewRegistry()
		opts = append(opts, supervisor.WithMetrics(supervisor.NewMetrics(promReg)))
		stop := serveMetrics(logger, cfg.MetricsAddr, promReg)
		defer stop()
	}

	sup := supervisor.New(workerName, reg, factory, opts...)
	defer sup.Dispose()

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cctx.Duration("timeout"))
	defer cancel()

	for i := 0; i < cctx.Int("repeat"); i++ {
		svc, err := sup.GetService(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("getting service %q: %w", serviceName, err)
		}
		var result json.RawMessage
		if err := svc.Call(ctx, method, params, &result); err != nil {
			return fmt.Errorf("calling %s.%s: %w", serviceName, method, err)
		}
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		fmt.Fprintln(cctx.App.Writer, string(result))
	}
	return nil
}

func serveMetrics(logger *zap.Logger, addr string, gatherer prometheus.Gatherer) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar().Errorw("metrics server failed", "Addr", addr, "Error", err)
		}
	}()
	return func() { srv.Close() }
}
