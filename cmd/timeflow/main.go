package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"timeflow/internal/api"
	"timeflow/internal/dispatch"
	"timeflow/internal/notify"
	"timeflow/internal/queue"
	"timeflow/internal/scheduler"
	"timeflow/internal/timer"
)

func main() {
	var (
		addr           = flag.String("addr", ":8090", "HTTP bind address")
		dbPath         = flag.String("db", "timeflow.db", "SQLite DB path")
		remoteURL      = flag.String("remote", "http://localhost:9000/api/sync", "remote sync endpoint")
		remoteToken    = flag.String("token", "", "bearer token for the remote endpoint")
		attemptTimeout = flag.Duration("attempt-timeout", 15*time.Second, "per-delivery timeout")
		batchLimit     = flag.Int("batch", 25, "max tasks per dispatch pass")
		sleepGap       = flag.Int("sleep-gap", timer.DefaultSleepGapMinutes, "sleep gap threshold in minutes")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	store := queue.NewSQLiteStore(db)
	bus := timer.NewBus()

	machine, err := timer.NewMachine(context.Background(), store, bus, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("restore timer state")
	}
	if err := machine.SetSleepGapThreshold(*sleepGap); err != nil {
		log.Fatal().Err(err).Msg("invalid sleep gap threshold")
	}
	if snap := machine.Snapshot(); snap.RestoredFromRunning {
		log.Info().Msg("timer restored from a running state, now paused")
	}

	sched := scheduler.NewService(store)
	remote := dispatch.NewHTTPRemote(*remoteURL, *remoteToken)
	dispatcher := dispatch.New(store, sched, remote, notify.LogNotifier{}, *attemptTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := cron.New()
	jobs.AddFunc("@every 5s", func() {
		if _, err := dispatcher.DispatchPending(ctx, *batchLimit); err != nil {
			log.Error().Err(err).Msg("dispatch pass")
		}
	})
	jobs.AddFunc("@every 60s", func() {
		if _, err := machine.EnsureCorrectDay(ctx); err != nil {
			log.Error().Err(err).Msg("day check")
		}
	})
	jobs.AddFunc("@every 30s", func() {
		machine.Heartbeat(ctx)
	})
	jobs.Start()
	defer jobs.Stop()

	srv := &http.Server{
		Addr:    *addr,
		Handler: api.NewServer(store, sched, dispatcher, machine, bus, *batchLimit),
	}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
