package app

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	applog "github.com/aristath/agentcal/internal/log"
)

// Config is the process configuration, sourced from the environment. A
// .env file in the working directory is loaded first when present.
type Config struct {
	DBPath              string
	LedgerPath          string
	ScriptsDir          string
	MaxConcurrentAgents int
	SchedulerInterval   time.Duration
	SyncInterval        time.Duration
}

// FromEnv loads the configuration.
func FromEnv() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		applog.GetLogger().WithError(err).Warn("could not load .env file")
	}

	cfg := Config{
		DBPath:              envOr("AGENTCAL_DB_PATH", "agentcal.db"),
		LedgerPath:          os.Getenv("AGENTCAL_LEDGER_PATH"),
		ScriptsDir:          os.Getenv("AGENTCAL_SCRIPTS_DIR"),
		MaxConcurrentAgents: envInt("AGENTCAL_MAX_CONCURRENT_AGENTS", 3),
		SchedulerInterval:   envDuration("AGENTCAL_SCHEDULER_INTERVAL", 30*time.Second),
		SyncInterval:        envDuration("AGENTCAL_SYNC_INTERVAL", 10*time.Second),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		applog.GetLogger().Warnf("%s is not an integer, using %d", key, fallback)
		return fallback
	}
	return value
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		applog.GetLogger().Warnf("%s is not a duration, using %s", key, fallback)
		return fallback
	}
	return value
}
