package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/punchamoorthee/starledger/internal/config"
	"github.com/punchamoorthee/starledger/internal/ledger"
	"github.com/punchamoorthee/starledger/internal/logging"
	"github.com/punchamoorthee/starledger/internal/reconcile"
	"github.com/punchamoorthee/starledger/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "reconcile",
		Usage: "check wallets against their transaction logs",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "verify every wallet and list orphaned spend entries",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "grace", Usage: "minimum age of an orphaned spend (default RECONCILE_GRACE)"},
					&cli.IntFlag{Name: "workers", Value: 8},
				},
				Action: runPass,
			},
			{
				Name:      "verify",
				Usage:     "replay the log of one wallet",
				ArgsUsage: "<user-id>",
				Action:    verifyWallet,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func open(c *cli.Context) (*store.Postgres, *ledger.Engine, *logrus.Logger, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return nil, nil, nil, nil, fmt.Errorf("reconcile needs STORE_DRIVER=%s", config.DriverPostgres)
	}
	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pg, err := store.NewPostgres(c.Context, cfg.DBSource)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	engine := ledger.NewEngine(pg, ledger.WithRetryPolicy(cfg.RetryPolicy()), ledger.WithLogger(log))
	return pg, engine, log, cfg, nil
}

func runPass(c *cli.Context) error {
	pg, engine, log, cfg, err := open(c)
	if err != nil {
		return err
	}
	defer pg.Close()

	grace := cfg.ReconcileGrace
	if c.IsSet("grace") {
		grace = c.Duration("grace")
	}
	rep, err := reconcile.New(pg, engine,
		reconcile.WithGrace(grace),
		reconcile.WithWorkers(c.Int("workers")),
		reconcile.WithLogger(log),
	).Run(c.Context)
	if err != nil {
		return err
	}
	if err := printJSON(rep); err != nil {
		return err
	}
	if !rep.Clean() {
		return cli.Exit("ledger needs attention", 2)
	}
	return nil
}

func verifyWallet(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: reconcile verify <user-id>", 1)
	}
	pg, engine, _, _, err := open(c)
	if err != nil {
		return err
	}
	defer pg.Close()

	v, err := engine.Verify(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	if err := printJSON(v); err != nil {
		return err
	}
	if !v.Consistent {
		return cli.Exit("wallet disagrees with its log", 2)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
