package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobfront/jobfront/core/engine"
	"github.com/jobfront/jobfront/core/gateway"
	"github.com/jobfront/jobfront/core/infra/buildinfo"
	"github.com/jobfront/jobfront/core/infra/bus"
	"github.com/jobfront/jobfront/core/infra/config"
	"github.com/jobfront/jobfront/core/infra/logging"
	"github.com/jobfront/jobfront/core/infra/metrics"
	"github.com/jobfront/jobfront/core/task"
	"github.com/jobfront/jobfront/core/userstore"
)

type cliConfig struct {
	configPath string
	debug      bool
}

func rootCmd() *cobra.Command {
	cli := &cliConfig{}

	c := &cobra.Command{
		Use:     "jobfront",
		Short:   "HTTP front end for task registration and job execution",
		Example: "jobfront --config jobfront.yaml",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cli)
		},
	}

	c.Flags().StringVar(&cli.configPath, "config", "", "Path to YAML config file")
	c.Flags().BoolVar(&cli.debug, "debug", false, "Enable debug logs")

	return c
}

func runServer(cli *cliConfig) error {
	logging.SetDebug(cli.debug)
	buildinfo.Log("jobfront")

	cfg, err := config.LoadFile(cli.configPath)
	if err != nil {
		return err
	}

	var records *engine.RedisJobStore
	if cfg.RedisURL != "" {
		records, err = engine.NewRedisJobStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis job store: %w", err)
		}
		defer records.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = records.Ping(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	var publisher bus.Publisher = bus.Noop{}
	var subscriber bus.Subscriber
	if cfg.NatsURL != "" {
		natsBus, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsBus.Close()
		publisher = natsBus
		if cfg.MonitorMode {
			subscriber = natsBus
		}
	}

	var users *userstore.Store
	if !cfg.FreeMode() {
		users, err = userstore.Open(cfg.DBURL)
		if err != nil {
			return err
		}
		defer users.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = users.InitDB(ctx, cfg.RootPassword)
		cancel()
		if err != nil {
			return err
		}
	}

	var store engine.RecordStore
	if records != nil {
		store = records
	}
	eng := engine.New(engine.Options{
		CacheDir:  cfg.CacheDir,
		Redirect:  cfg.RedirectOutErr,
		Store:     store,
		Publisher: publisher,
		Metrics:   metrics.NewProm("jobfront"),
	})
	defer eng.Close()

	tasks := task.NewRegistry()
	registerBuiltins(tasks)

	return gateway.Run(gateway.Deps{
		Config:  cfg,
		Engine:  eng,
		Tasks:   tasks,
		Users:   users,
		Records: records,
		Bus:     subscriber,
		Metrics: metrics.NewGatewayProm("jobfront"),
	})
}
