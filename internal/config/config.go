package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the scheduler.
type Config struct {
	Addr                  string
	DBPath                string
	LogLevel              string
	SyncInterval          time.Duration
	ClaimTTL              time.Duration
	TieBreakEpsilon       float64
	MaxRetriesBeforeAbort int
	DeadlineHorizon       time.Duration
	ScheduleCheckInterval time.Duration
	Debug                 bool
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	cfg := Config{
		Addr:                  v.GetString("addr"),
		DBPath:                v.GetString("db"),
		LogLevel:              v.GetString("log_level"),
		SyncInterval:          v.GetDuration("sync_interval"),
		ClaimTTL:              v.GetDuration("claim_ttl"),
		TieBreakEpsilon:       v.GetFloat64("tie_break_epsilon"),
		MaxRetriesBeforeAbort: v.GetInt("max_retries_before_abort"),
		DeadlineHorizon:       v.GetDuration("deadline_horizon"),
		ScheduleCheckInterval: v.GetDuration("schedule_check_interval"),
		Debug:                 v.GetBool("debug"),
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		// Proportional to expected task duration, which the sync
		// interval approximates.
		cfg.ClaimTTL = 4 * cfg.SyncInterval
	}
	if cfg.TieBreakEpsilon <= 0 {
		cfg.TieBreakEpsilon = 0.1
	}
	if cfg.MaxRetriesBeforeAbort <= 0 {
		cfg.MaxRetriesBeforeAbort = 3
	}
	if cfg.DeadlineHorizon <= 0 {
		cfg.DeadlineHorizon = 24 * time.Hour
	}
	if cfg.ScheduleCheckInterval <= 0 {
		cfg.ScheduleCheckInterval = time.Minute
	}
	return cfg
}
