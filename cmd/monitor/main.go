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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/Uri-do/Monitor-sub000/internal/api"
	"github.com/Uri-do/Monitor-sub000/internal/indicators"
	"github.com/Uri-do/Monitor-sub000/internal/monitor"
	"github.com/Uri-do/Monitor-sub000/internal/notify"
	"github.com/Uri-do/Monitor-sub000/internal/orchestrator"
	"github.com/Uri-do/Monitor-sub000/internal/process"
	"github.com/Uri-do/Monitor-sub000/internal/scheduler"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	var (
		addr         = flag.String("addr", envOr("MONITOR_ADDR", ":8080"), "HTTP bind address")
		dbPath       = flag.String("db", envOr("MONITOR_DB", "monitor.db"), "SQLite DB path")
		workerExe    = flag.String("worker-exe", envOr("MONITOR_WORKER_EXE", "monitor-worker"), "worker executable path")
		workDir      = flag.String("workdir", envOr("MONITOR_WORKDIR", ""), "worker working directory")
		sweep        = flag.Duration("sweep", 30*time.Second, "due-indicator sweep interval")
		monInterval  = flag.Duration("monitor-interval", 5*time.Second, "health poll interval")
		fleetRefresh = flag.Duration("fleet-refresh", 30*time.Second, "how often the fleet watch re-snapshots live workers")
		pollTimeout  = flag.Duration("poll-timeout", 3*time.Second, "per-poll timeout")
		stopTimeout  = flag.Duration("stop-timeout", 10*time.Second, "graceful shutdown wait before force kill")
		readyGrace   = flag.Duration("ready-grace", 2*time.Second, "liveness re-check delay after spawn")
		testDuration = flag.Duration("test-duration", 30*time.Second, "monitoring window per orchestrated test")
		iterations   = flag.Int("test-iterations", 10, "logical executions per target in stress tests")
		debug        = flag.Bool("debug", false, "enable pprof endpoints")
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

	if err := indicators.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := indicators.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(context.Background()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running indicators")
	}

	inspector := process.OSInspector{}
	discovery := process.NewDiscovery(inspector, *workerExe, *workDir)
	controller := process.NewController(process.ExecSpawner{}, inspector, discovery, time.Second)

	sink := notify.NewThrottled(notify.LogSink{Log: log.Logger}, 10)
	mon := monitor.New(inspector, repo, sink, *monInterval, *pollTimeout)

	workerCfg := process.Config{
		Executable: *workerExe,
		Args:       []string{"--db", *dbPath},
		WorkDir:    *workDir,
		ReadyGrace: *readyGrace,
	}

	execs := indicators.DefaultExecutors()
	orch := orchestrator.New(controller, mon, sink, orchestrator.Options{
		WorkerConfig: workerCfg,
		Window:       *testDuration,
		Iterations:   *iterations,
		StopTimeout:  *stopTimeout,
		// One stress execution = claim, execute, record; same path the
		// workers take.
		RunOnce: func(ctx context.Context, target string) error {
			ind, err := repo.Get(ctx, target)
			if err != nil {
				return err
			}
			if err := repo.Claim(ctx, ind.ID, "wrk_stress"); err != nil {
				return err
			}
			res, execErr := execs.Execute(ctx, ind)
			msg := ""
			if execErr != nil {
				msg = execErr.Error()
			}
			if err := repo.Complete(ctx, ind.ID, "wrk_stress", execErr == nil, time.Now(), res.Duration, msg); err != nil {
				return err
			}
			return execErr
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched := scheduler.NewService(repo, controller, workerCfg, sink, *sweep)
	go sched.Start(ctx)

	// Standing health watch over every worker the controller tracks,
	// including ones the scheduler starts later.
	go mon.WatchFleet(ctx, controller.Handles, *fleetRefresh)

	handler := api.NewServerWithDebug(repo, controller, orch, workerCfg, *stopTimeout, []string{"scheduler", "lifecycle", "monitor", "orchestrator"}, *debug)
	srv := &http.Server{Addr: *addr, Handler: handler}
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
	sched.Stop()
	if n := orch.StopAllTests(); n > 0 {
		log.Info().Int("stopped", n).Msg("cancelled active tests")
	}
	// Workers stay up across manager restarts; discovery re-adopts them.
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
