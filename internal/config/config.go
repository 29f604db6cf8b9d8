package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the CLI commands and the HTTP server.
type Config struct {
	LogLevel         string        `yaml:"log_level"`
	DB               string        `yaml:"db"`
	LogsFolder       string        `yaml:"logs_folder"`
	Workers          int           `yaml:"workers"`
	SaveLogs         *bool         `yaml:"save_logs"`
	HTTPPort         string        `yaml:"http_port"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
}

func Defaults() Config {
	saveLogs := true
	return Config{
		LogLevel:   "INFO",
		LogsFolder: ".",
		Workers:    runtime.NumCPU(),
		SaveLogs:   &saveLogs,
		HTTPPort:   "8080",
	}
}

// ShouldSaveLogs reports whether execution logs are written to files.
func (c Config) ShouldSaveLogs() bool {
	return c.SaveLogs == nil || *c.SaveLogs
}

// Load builds the configuration. Environment variables (a .env file is loaded if
// present) take precedence over the YAML file at path, which takes precedence over
// the defaults. An empty path skips the file.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		fileCfg, err := FromFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := mergo.Merge(&cfg, fileCfg); err != nil {
			return Config{}, errors.Wrap(err, "failed to merge config file")
		}
	}
	if err := mergo.Merge(&cfg, Defaults()); err != nil {
		return Config{}, errors.Wrap(err, "failed to apply config defaults")
	}
	if cfg.Workers <= 0 {
		return Config{}, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	return cfg, nil
}

func FromFile(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return cfg, nil
}

// FromEnv reads the settings present in the environment. Unset variables stay zero.
func FromEnv() (Config, error) {
	cfg := Config{
		LogLevel:   os.Getenv("LOG_LEVEL"),
		DB:         os.Getenv("TASKFLOW_DB"),
		LogsFolder: os.Getenv("TASKFLOW_LOGS_FOLDER"),
		HTTPPort:   os.Getenv("TASKFLOW_HTTP_PORT"),
	}
	if cfg.DB == "" {
		cfg.DB = connStrFromEnv()
	}
	if v := os.Getenv("TASKFLOW_WORKERS"); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid TASKFLOW_WORKERS %q", v)
		}
		cfg.Workers = workers
	}
	if v := os.Getenv("TASKFLOW_SAVE_LOGS"); v != "" {
		save, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid TASKFLOW_SAVE_LOGS %q", v)
		}
		cfg.SaveLogs = &save
	}
	if v := os.Getenv("TASKFLOW_EXECUTION_TIMEOUT"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid TASKFLOW_EXECUTION_TIMEOUT %q", v)
		}
		cfg.ExecutionTimeout = timeout
	}
	return cfg, nil
}

// connStrFromEnv builds a postgres connection string from the DB_* variables,
// or returns "" when any of them is missing.
func connStrFromEnv() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}
