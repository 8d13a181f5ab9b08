package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Logger
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := LoadConfig()
	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("db", cfg.DBPath).
		Str("rabbit", cfg.RabbitURL).
		Str("counter", cfg.CounterBackend).
		Msg("starting order service")

	// Repo
	repo, err := NewRepository(cfg.DBPath)
	must(err)
	defer repo.Close()

	if cfg.SeedOnStart {
		must(repo.Seed(context.Background()))
		log.Info().Msg("seeded members and products")
	}

	// Contador rapido. Siembra perezosa desde el stock durable.
	var counter StockCounter
	switch cfg.CounterBackend {
	case "redis":
		rc := NewRedisCounter(cfg.RedisAddr, repo.StockQuantity)
		defer rc.Close()
		counter = rc
	default:
		counter = NewMemCounter(repo.StockQuantity)
	}

	// Rabbit
	rabbit, err := NewRabbit(cfg.RabbitURL, cfg.RabbitExchange)
	must(err)
	defer rabbit.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Conciliador: aplica los decrementos calientes a la base durable
	recon, err := NewReconciler(repo, cfg)
	must(err)
	recon.Start(ctx)
	must(rabbit.ConsumeQueue(ctx, cfg.QStockDecrease, RKStockDecrease, recon.Handle))
	log.Info().Int("workers", cfg.ReconWorkers).Msg("reconciler started")

	svc := NewOrderService(repo, counter, rabbit, cfg)
	srv := NewServer(svc, cfg.HTTPAddr)

	// Senales para apagado limpio
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Warn().Msg("shutting down...")
		shCtx, shCancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer shCancel()
		_ = srv.Shutdown(shCtx)
		cancel()
		recon.Wait()
		os.Exit(0)
	}()

	log.Info().Msg("http listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("serve err")
	}
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
