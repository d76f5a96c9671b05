package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"arbiter/internal/api"
	"arbiter/internal/config"
	"arbiter/internal/engine"
	"arbiter/internal/recurring"
	"arbiter/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "Priority-based conflict resolution scheduler",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", ":8080", "HTTP bind address")
	f.String("db", "arbiter.db", "SQLite DB path (empty disables persistence)")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Duration("sync-interval", 30*time.Second, "sync cycle interval")
	f.Duration("claim-ttl", 0, "claim TTL (default 4x sync interval)")
	f.Float64("tie-break-epsilon", 0.1, "score band treated as a tie")
	f.Int("max-retries-before-abort", 3, "losses on one resource before a task aborts")
	f.Duration("deadline-horizon", 24*time.Hour, "window in which deadline proximity raises priority")
	f.Duration("schedule-check-interval", time.Minute, "recurring schedule poll interval")
	f.Bool("debug", false, "enable pprof endpoints")

	bindFlag("addr", f, "addr")
	bindFlag("db", f, "db")
	bindFlag("log_level", f, "log-level")
	bindFlag("sync_interval", f, "sync-interval")
	bindFlag("claim_ttl", f, "claim-ttl")
	bindFlag("tie_break_epsilon", f, "tie-break-epsilon")
	bindFlag("max_retries_before_abort", f, "max-retries-before-abort")
	bindFlag("deadline_horizon", f, "deadline-horizon")
	bindFlag("schedule_check_interval", f, "schedule-check-interval")
	bindFlag("debug", f, "debug")

	viper.SetEnvPrefix("ARBITER")
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
}

func bindFlag(key string, flags *pflag.FlagSet, name string) {
	if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	var st *store.Store
	if cfg.DBPath != "" {
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := store.EnsureSchema(db); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		st = store.New(db)
	}

	eng := engine.New(engine.Config{
		SyncInterval:          cfg.SyncInterval,
		ClaimTTL:              cfg.ClaimTTL,
		TieBreakEpsilon:       cfg.TieBreakEpsilon,
		MaxRetriesBeforeAbort: cfg.MaxRetriesBeforeAbort,
		DeadlineHorizon:       cfg.DeadlineHorizon,
	}, storeOrNil(st))

	if st != nil {
		loaded, err := st.LoadClaims(context.Background())
		if err != nil {
			return fmt.Errorf("load claim snapshot: %w", err)
		}
		if len(loaded) > 0 {
			eng.RestoreClaims(loaded)
			log.Info().Int("claims", len(loaded)).Msg("restored claim snapshot")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cycle := engine.NewCycle(eng)
	go cycle.Start(ctx)

	if st != nil {
		rec := recurring.NewService(st, eng, cfg.ScheduleCheckInterval)
		go rec.Start(ctx)
	}

	var schedules api.ScheduleStore
	if st != nil {
		schedules = st
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(eng, schedules, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
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
	return srv.Shutdown(ctxTimeout)
}

// storeOrNil avoids handing the engine a typed-nil Store interface.
func storeOrNil(st *store.Store) engine.Store {
	if st == nil {
		return nil
	}
	return st
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
