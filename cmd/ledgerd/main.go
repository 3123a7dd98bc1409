// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// ledgerd is the ledger daemon: it serves the transfer, account and
// subscription API and runs the expiry and notification workers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/database"
	"github.com/luxfi/database/factory"
	"github.com/luxfi/database/memdb"
	luxlog "github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/ledger/api"
	"github.com/luxfi/ledger/config"
	"github.com/luxfi/ledger/core/engine"
	"github.com/luxfi/ledger/core/types"
	"github.com/luxfi/ledger/metrics"
	"github.com/luxfi/ledger/notify"
	"github.com/luxfi/ledger/store"
	"github.com/luxfi/ledger/utils"
)

var app = &cli.App{
	Name:    "ledgerd",
	Usage:   "transactional bookkeeping ledger daemon",
	Version: "1.0.0",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to config file"},
		&cli.StringFlag{Name: "listen-addr", Usage: "address the HTTP server listens on"},
		&cli.StringFlag{Name: "base-uri", Usage: "absolute URI the ledger identifies resources under"},
		&cli.StringFlag{Name: "db-type", Usage: "database backend (memdb, leveldb, pebbledb)"},
		&cli.StringFlag{Name: "db-dir", Usage: "database directory for disk-backed backends"},
	},
	Action: run,
	Commands: []*cli.Command{
		{
			Name:      "seed",
			Usage:     "provision the admin account and optional demo accounts",
			ArgsUsage: "<admin-password>",
			Action:    seed,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "config", Usage: "path to config file"},
				&cli.StringFlag{Name: "db-type"},
				&cli.StringFlag{Name: "db-dir"},
				&cli.BoolFlag{Name: "demo", Usage: "also create alice (balance 100) and bob (balance 0)"},
			},
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"), nil)
	if err != nil {
		return nil, err
	}
	if v := c.String("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v := c.String("base-uri"); v != "" {
		cfg.BaseURI = v
	}
	if v := c.String("db-type"); v != "" {
		cfg.DB.Type = v
	}
	if v := c.String("db-dir"); v != "" {
		cfg.DB.Dir = v
	}
	return cfg, nil
}

func openDatabase(cfg *config.Config) (database.Database, error) {
	if cfg.DB.Type == "memdb" {
		return memdb.New(), nil
	}
	return factory.New(
		cfg.DB.Type,
		cfg.DB.Dir,
		false,
		nil,
		prometheus.NewRegistry(),
		luxlog.NewNoOpLogger(),
		"ledgerdb",
		"meterdb",
	)
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := luxlog.New("module", "ledgerd")

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	st := store.New(db)
	defer st.Close()

	m := metrics.New()
	eng := engine.New(st, utils.RealClock{}, m)

	worker := notify.NewWorker(st, utils.RealClock{}, m, notify.Config{
		Workers:              cfg.Notify.Workers,
		MaxAttempts:          cfg.Notify.MaxAttempts,
		InitialRetryInterval: cfg.Notify.InitialRetryInterval,
		MaxRetryInterval:     cfg.Notify.MaxRetryInterval,
		RequestTimeout:       cfg.Notify.RequestTimeout,
		PollInterval:         notify.DefaultConfig().PollInterval,
	})
	eng.Subscribe(func(types.Transfer) { worker.Wake() })

	server, err := api.NewServer(cfg, eng, m)
	if err != nil {
		return err
	}

	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Stop()
	worker.Start()
	defer worker.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })

	logger.Info("ledgerd started", "listen", cfg.ListenAddr, "db", cfg.DB.Type)
	return g.Wait()
}

func seed(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: ledgerd seed <admin-password>")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	st := store.New(db)
	defer st.Close()

	eng := engine.New(st, utils.RealClock{}, metrics.New())
	admin := engine.Principal{Name: "admin", Admin: true}

	zero := decimal.Zero
	if _, err := eng.PutAccount(c.Context, admin, &types.Account{
		Name:     "admin",
		IsAdmin:  true,
		Password: c.Args().First(),
	}, &zero); err != nil {
		return err
	}
	if c.Bool("demo") {
		hundred := decimal.NewFromInt(100)
		if _, err := eng.PutAccount(c.Context, admin, &types.Account{Name: "alice", Password: "alice"}, &hundred); err != nil {
			return err
		}
		if _, err := eng.PutAccount(c.Context, admin, &types.Account{Name: "bob", Password: "bob"}, &zero); err != nil {
			return err
		}
	}
	fmt.Println("seeded")
	return nil
}
