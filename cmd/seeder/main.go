package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/starledger/internal/config"
	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/ledger"
	"github.com/punchamoorthee/starledger/internal/logging"
	"github.com/punchamoorthee/starledger/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "seeder",
		Usage: "create residents, providers, services and projects for local runs and benchmarks",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "residents", Value: 1000},
			&cli.IntFlag{Name: "providers", Value: 50},
			&cli.IntFlag{Name: "projects", Value: 20},
			&cli.Int64Flag{Name: "balance", Value: 10000, Usage: "tokens purchased by every resident"},
			&cli.IntFlag{Name: "workers", Value: 16},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	ctx := c.Context
	if cfg.StoreDriver != config.DriverPostgres {
		return fmt.Errorf("seeder needs STORE_DRIVER=%s", config.DriverPostgres)
	}

	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	var count int
	if err := pg.Pool().QueryRow(ctx, "SELECT COUNT(*) FROM wallets").Scan(&count); err != nil {
		return err
	}
	residents, providers := c.Int("residents"), c.Int("providers")
	if count >= residents+providers {
		log.Infof("database already has %d wallets, skipping", count)
		return nil
	}

	now := time.Now().UTC()
	var wallets [][]any
	for i := 1; i <= residents; i++ {
		wallets = append(wallets, []any{residentID(i), now, now})
	}
	for i := 1; i <= providers; i++ {
		wallets = append(wallets, []any{providerID(i), now, now})
	}
	n, err := pg.Pool().CopyFrom(ctx, pgx.Identifier{"wallets"},
		[]string{"user_id", "created_at", "updated_at"}, pgx.CopyFromRows(wallets))
	if err != nil {
		return fmt.Errorf("bulk insert wallets: %w", err)
	}
	log.Infof("created %d wallets", n)

	var services [][]any
	for i := 1; i <= providers; i++ {
		services = append(services, []any{fmt.Sprintf("svc-%04d", i), providerID(i), fmt.Sprintf("Service %d", i), int64(10 + i%40), true})
	}
	if _, err := pg.Pool().CopyFrom(ctx, pgx.Identifier{"services"},
		[]string{"id", "provider_id", "title", "price", "active"}, pgx.CopyFromRows(services)); err != nil {
		return fmt.Errorf("bulk insert services: %w", err)
	}

	if err := seedProjects(ctx, pg, c.Int("projects")); err != nil {
		return err
	}

	// Balances go through the engine so every wallet has a purchase entry to replay.
	engine := ledger.NewEngine(pg, ledger.WithRetryPolicy(cfg.RetryPolicy()), ledger.WithLogger(log))
	balance := c.Int64("balance")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Int("workers"))
	for i := 1; i <= residents; i++ {
		i := i
		g.Go(func() error {
			_, err := engine.Apply(gctx, ledger.Entry{
				UserID:         residentID(i),
				Type:           domain.TxPurchase,
				BalanceDelta:   balance,
				Description:    "Seed purchase",
				IdempotencyKey: "seed:purchase",
			})
			if err != nil && !errors.Is(err, domain.ErrDuplicateEntry) {
				return fmt.Errorf("purchase for %s: %w", residentID(i), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"residents": residents, "providers": providers, "balance": balance}).Info("seeding finished")
	return nil
}

func seedProjects(ctx context.Context, pg *store.Postgres, n int) error {
	return pg.RunInTx(ctx, func(tx store.Tx) error {
		for i := 1; i <= n; i++ {
			kind := domain.KindProject
			if i%2 == 0 {
				kind = domain.KindCause
			}
			f := domain.Fundable{
				ID:           fmt.Sprintf("%s-%04d", kind, i),
				Kind:         kind,
				Title:        fmt.Sprintf("Community %s %d", kind, i),
				OwnerID:      providerID(1 + i%10),
				TargetAmount: 50000,
				Status:       domain.FundableActive,
			}
			if err := tx.InsertFundable(ctx, &f); err != nil {
				return err
			}
		}
		return nil
	})
}

func residentID(i int) string { return fmt.Sprintf("resident-%05d", i) }
func providerID(i int) string { return fmt.Sprintf("provider-%04d", i) }
