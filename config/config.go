package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backend selectors.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Config holds runtime configuration for the circulation system.
type Config struct {
	DataDir    string
	Backend    string
	SQLitePath string

	BackupsEnabled bool
	BackupKeep     int

	LoanPeriod time.Duration

	ListenAddr string
	LogLevel   string
}

// Load reads configuration from environment variables, with a .env file as a
// lower-priority source when present.
func Load() (*Config, error) {
	// Attempt to load .env file, ignore error if it doesn't exist.
	_ = godotenv.Load()

	viper.SetDefault("LIBRARY_DATA_DIR", "data")
	viper.SetDefault("LIBRARY_BACKEND", BackendJSON)
	viper.SetDefault("LIBRARY_SQLITE_PATH", "data/library.db")
	viper.SetDefault("LIBRARY_BACKUPS", true)
	viper.SetDefault("LIBRARY_BACKUP_KEEP", 5)
	viper.SetDefault("LIBRARY_LOAN_PERIOD", "336h") // 14 days
	viper.SetDefault("LIBRARY_LISTEN_ADDR", ":8080")
	viper.SetDefault("LIBRARY_LOG_LEVEL", "info")

	viper.AutomaticEnv()

	cfg := &Config{
		DataDir:        viper.GetString("LIBRARY_DATA_DIR"),
		Backend:        viper.GetString("LIBRARY_BACKEND"),
		SQLitePath:     viper.GetString("LIBRARY_SQLITE_PATH"),
		BackupsEnabled: viper.GetBool("LIBRARY_BACKUPS"),
		BackupKeep:     viper.GetInt("LIBRARY_BACKUP_KEEP"),
		ListenAddr:     viper.GetString("LIBRARY_LISTEN_ADDR"),
		LogLevel:       viper.GetString("LIBRARY_LOG_LEVEL"),
	}

	loan, err := time.ParseDuration(viper.GetString("LIBRARY_LOAN_PERIOD"))
	if err != nil || loan <= 0 {
		loan = 14 * 24 * time.Hour
	}
	cfg.LoanPeriod = loan

	if cfg.Backend != BackendSQLite {
		cfg.Backend = BackendJSON
	}
	if cfg.BackupKeep < 1 {
		cfg.BackupKeep = 5
	}
	return cfg, nil
}
