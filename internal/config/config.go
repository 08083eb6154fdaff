// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the full pipeline configuration. Required fields are
// validated by LoadFromEnv; everything else carries a default.
type Config struct {
	// Segment directory and rotation thresholds.
	WALDir      string        // OUTPUT_WAL_DIRECTORY (required)
	StageDir    string        // OUTPUT_STAGE_DIRECTORY (default "<OUTPUT_WAL_DIRECTORY>/staged")
	RotateAfter time.Duration // SECONDS_UNTIL_WAL_SWITCH (default 600s)
	RotateBytes int64         // MAX_BYTES_UNTIL_WAL_SWITCH (default 1 GiB)

	// Object storage.
	StorageURL       string  // STORAGE_URL (required, s3:// gs:// or az://)
	S3KeyID          string  // AWS_ACCESS_KEY_ID
	S3Secret         string  // AWS_SECRET_ACCESS_KEY
	S3Region         string  // AWS_REGION (default "us-east-1")
	S3Endpoint       string  // S3_ENDPOINT (S3-compatible stores)
	S3ForcePathStyle bool    // S3_FORCE_PATH_STYLE (default true)
	GCSKeyFile       string  // GCS_KEY_FILE
	AzureAccount     string  // AZURE_STORAGE_ACCOUNT
	AzureKey         string  // AZURE_STORAGE_KEY
	UploadRateLimit  float64 // UPLOAD_RATE_LIMIT uploads/s (0 disables)

	// Warehouse.
	WarehouseDBPath   string        // WAREHOUSE_DB_PATH (required)
	TargetSchema      string        // TARGET_SCHEMA_NAME (default "main")
	WarehouseMaxConns int           // WAREHOUSE_MAX_CONNECTIONS (default 4)
	QueryTimeout      time.Duration // CLIENT_SIDE_DB_QUERY_TIMEOUT_IN_SECONDS (default 300s)

	// Retry ceiling shared by uploads and loads.
	BackoffMaxElapsed time.Duration // BACKOFF_MAX_ELAPSED_SECONDS (default 600s)

	// Table and row rules.
	TableBlacklist     []string      // TABLE_BLACKLIST, comma-separated globs
	TableRenameFind    string        // TABLE_RENAME_FIND
	TableRenameReplace string        // TABLE_RENAME_REPLACE
	TableRulesFile     string        // TABLE_RULES_FILE
	RowAgeThreshold    time.Duration // ROW_AGE_THRESHOLD_SECONDS (0 disables)

	// Input selection.
	Input       string // INPUT: "-", a file path, or "pg_recvlogical" (default "-")
	Recvlogical string // PG_RECVLOGICAL_PATH
	ConnString  string // SOURCE_CONNECTION_STRING
	Slot        string // REPLICATION_SLOT

	// Shipment ledger and maintenance.
	LedgerDBPath        string        // LEDGER_DB_PATH (ledger off when empty)
	LedgerRetention     time.Duration // LEDGER_RETENTION_DAYS (default 7 days)
	MaintenanceSchedule string        // MAINTENANCE_SCHEDULE cron spec (default "@hourly")

	StatusAddr string // STATUS_ADDR (status server off when empty)
	LogLevel   string // LOG_LEVEL: debug, info, warn, error (default "info")

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadFromEnv loads configuration from environment variables. Unparseable
// numeric values are errors rather than silent defaults: a mistyped
// rotation threshold must stop the pipeline before it writes anything.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		WALDir:              os.Getenv("OUTPUT_WAL_DIRECTORY"),
		StageDir:            os.Getenv("OUTPUT_STAGE_DIRECTORY"),
		StorageURL:          os.Getenv("STORAGE_URL"),
		S3KeyID:             os.Getenv("AWS_ACCESS_KEY_ID"),
		S3Secret:            os.Getenv("AWS_SECRET_ACCESS_KEY"),
		S3Region:            os.Getenv("AWS_REGION"),
		S3Endpoint:          os.Getenv("S3_ENDPOINT"),
		S3ForcePathStyle:    parseBoolEnvDefault("S3_FORCE_PATH_STYLE", true),
		GCSKeyFile:          os.Getenv("GCS_KEY_FILE"),
		AzureAccount:        os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureKey:            os.Getenv("AZURE_STORAGE_KEY"),
		WarehouseDBPath:     os.Getenv("WAREHOUSE_DB_PATH"),
		TargetSchema:        os.Getenv("TARGET_SCHEMA_NAME"),
		TableRenameFind:     os.Getenv("TABLE_RENAME_FIND"),
		TableRenameReplace:  os.Getenv("TABLE_RENAME_REPLACE"),
		TableRulesFile:      os.Getenv("TABLE_RULES_FILE"),
		Input:               os.Getenv("INPUT"),
		Recvlogical:         os.Getenv("PG_RECVLOGICAL_PATH"),
		ConnString:          os.Getenv("SOURCE_CONNECTION_STRING"),
		Slot:                os.Getenv("REPLICATION_SLOT"),
		LedgerDBPath:        os.Getenv("LEDGER_DB_PATH"),
		MaintenanceSchedule: os.Getenv("MAINTENANCE_SCHEDULE"),
		StatusAddr:          os.Getenv("STATUS_ADDR"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
	}

	var err error
	if cfg.RotateAfter, err = secondsEnv("SECONDS_UNTIL_WAL_SWITCH", 600); err != nil {
		return nil, err
	}
	if cfg.RotateBytes, err = int64Env("MAX_BYTES_UNTIL_WAL_SWITCH", 1<<30); err != nil {
		return nil, err
	}
	if cfg.QueryTimeout, err = secondsEnv("CLIENT_SIDE_DB_QUERY_TIMEOUT_IN_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.BackoffMaxElapsed, err = secondsEnv("BACKOFF_MAX_ELAPSED_SECONDS", 600); err != nil {
		return nil, err
	}
	if cfg.RowAgeThreshold, err = secondsEnv("ROW_AGE_THRESHOLD_SECONDS", 0); err != nil {
		return nil, err
	}
	if cfg.UploadRateLimit, err = floatEnv("UPLOAD_RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	maxConns, err := int64Env("WAREHOUSE_MAX_CONNECTIONS", 4)
	if err != nil {
		return nil, err
	}
	cfg.WarehouseMaxConns = int(maxConns)
	retentionDays, err := int64Env("LEDGER_RETENTION_DAYS", 7)
	if err != nil {
		return nil, err
	}
	cfg.LedgerRetention = time.Duration(retentionDays) * 24 * time.Hour

	if v := os.Getenv("TABLE_BLACKLIST"); v != "" {
		patterns := strings.Split(v, ",")
		for i := range patterns {
			patterns[i] = strings.TrimSpace(patterns[i])
		}
		cfg.TableBlacklist = compactNonEmpty(patterns)
	}

	// Defaults.
	if cfg.S3Region == "" {
		cfg.S3Region = "us-east-1"
	}
	if cfg.TargetSchema == "" {
		cfg.TargetSchema = "main"
	}
	if cfg.Input == "" {
		cfg.Input = "-"
	}
	if cfg.MaintenanceSchedule == "" {
		cfg.MaintenanceSchedule = "@hourly"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Required settings.
	if cfg.WALDir == "" {
		return nil, fmt.Errorf("OUTPUT_WAL_DIRECTORY must be set")
	}
	if cfg.StorageURL == "" {
		return nil, fmt.Errorf("STORAGE_URL must be set")
	}
	if cfg.WarehouseDBPath == "" {
		return nil, fmt.Errorf("WAREHOUSE_DB_PATH must be set")
	}
	if cfg.TableRenameFind == "" && cfg.TableRenameReplace != "" {
		return nil, fmt.Errorf("TABLE_RENAME_REPLACE is set without TABLE_RENAME_FIND")
	}
	if cfg.Input == "pg_recvlogical" && (cfg.ConnString == "" || cfg.Slot == "") {
		return nil, fmt.Errorf("INPUT=pg_recvlogical requires SOURCE_CONNECTION_STRING and REPLICATION_SLOT")
	}

	// Staged files default to a subdirectory of the segment directory so a
	// single volume covers everything replay needs.
	if cfg.StageDir == "" {
		cfg.StageDir = filepath.Join(cfg.WALDir, "staged")
	}

	if cfg.LedgerDBPath == "" {
		cfg.Warnings = append(cfg.Warnings, "LEDGER_DB_PATH not set — shipment history is disabled")
	}

	return cfg, nil
}

func secondsEnv(key string, defaultSeconds int64) (time.Duration, error) {
	n, err := int64Env(key, defaultSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func int64Env(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = stripQuotes(value)
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
