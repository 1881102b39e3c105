package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/starledger/internal/api"
	"github.com/punchamoorthee/starledger/internal/config"
	"github.com/punchamoorthee/starledger/internal/idempotency"
	"github.com/punchamoorthee/starledger/internal/ledger"
	"github.com/punchamoorthee/starledger/internal/logging"
	"github.com/punchamoorthee/starledger/internal/reconcile"
	"github.com/punchamoorthee/starledger/internal/secrets"
	"github.com/punchamoorthee/starledger/internal/service"
	"github.com/punchamoorthee/starledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		logrus.Fatal(err)
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func openIdempotency(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (idempotency.Store, func(), error) {
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set, idempotency keys are kept in process")
		return idempotency.NewMemory(), func() {}, nil
	}
	client, err := idempotency.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	return idempotency.NewRedis(client), func() { client.Close() }, nil
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	idem, closeIdem, err := openIdempotency(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeIdem()

	keys, err := secrets.LoadKeyProvider(cfg.MessageKey)
	if err != nil {
		return err
	}

	policy := cfg.RetryPolicy()
	engine := ledger.NewEngine(st, ledger.WithRetryPolicy(policy), ledger.WithLogger(log))
	opts := []service.Option{service.WithRetryPolicy(policy), service.WithLogger(log)}
	reconciler := reconcile.New(st, engine, reconcile.WithGrace(cfg.ReconcileGrace), reconcile.WithLogger(log))

	handler := api.NewHandler(api.Deps{
		Ledger:         engine,
		Bookings:       service.NewBookingService(st, engine, opts...),
		Funding:        service.NewFundingService(st, engine, secrets.NewSealer(keys), opts...),
		Reviews:        service.NewReviewService(st, opts...),
		Reconciler:     reconciler,
		Idempotency:    idem,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("server starting on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return reconciler.Loop(gctx, cfg.ReconcileInterval)
	})
	return g.Wait()
}
