// monitor-worker is the process the manager spawns: it claims due
// indicators for its slot, executes them and records the outcome. It
// exits cleanly on SIGTERM, which is the manager's graceful-stop
// signal.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/Uri-do/Monitor-sub000/internal/indicators"
	"github.com/Uri-do/Monitor-sub000/internal/scheduler"
)

func main() {
	var (
		dbPath     = flag.String("db", "monitor.db", "SQLite DB path")
		workerID   = flag.String("worker-id", "", "worker identifier assigned by the manager")
		slot       = flag.String("slot", "main", "logical worker slot")
		poll       = flag.Duration("poll", 5*time.Second, "claim poll interval")
		iterations = flag.Int("iterations", 0, "exit after this many executions (0 = run until signalled)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).With().
		Str("worker_id", *workerID).Str("slot", *slot).Logger()

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	repo := indicators.NewSQLiteRepo(db)
	execs := indicators.DefaultExecutors()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("worker started")
	executed := 0
	ticker := time.NewTicker(*poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Int("executed", executed).Msg("worker shutting down")
			return
		case now := <-ticker.C:
			executed += runDue(ctx, repo, execs, *slot, *workerID, now)
			if *iterations > 0 && executed >= *iterations {
				log.Info().Int("executed", executed).Msg("iteration budget reached")
				return
			}
		}
	}
}

func runDue(ctx context.Context, repo indicators.Repository, execs indicators.Executors, slot, workerID string, now time.Time) int {
	cands, err := repo.Candidates(ctx, slot)
	if err != nil {
		log.Error().Err(err).Msg("list candidates")
		return 0
	}
	ran := 0
	for _, ind := range cands {
		if ctx.Err() != nil {
			return ran
		}
		due, err := scheduler.IndicatorDue(ind, now)
		if err != nil || !due {
			continue
		}
		if err := repo.Claim(ctx, ind.ID, workerID); err != nil {
			continue // someone else got it first
		}
		res, execErr := execs.Execute(ctx, ind)
		msg := ""
		if execErr != nil {
			msg = execErr.Error()
		}
		if err := repo.Complete(ctx, ind.ID, workerID, execErr == nil, now, res.Duration, msg); err != nil {
			log.Error().Err(err).Str("indicator_id", ind.ID).Msg("record execution")
		}
		ev := log.Info()
		if execErr != nil {
			ev = log.Warn().Err(execErr)
		}
		ev.Str("indicator_id", ind.ID).Str("name", ind.Name).
			Dur("duration", res.Duration).Int("payload_bytes", res.PayloadBytes).
			Msg("indicator executed")
		ran++
	}
	return ran
}
