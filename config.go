package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/afrimberger/rclone-changer/remote"
)

// the format of the json config file; every field has a default so the file
// is optional
type Config struct {
	Slots            int    `json:"slots"`
	StateFile        string `json:"stateFile"`
	LockFile         string `json:"lockFile"`
	LogFile          string `json:"logFile"`
	JournalFile      string `json:"journalFile"`
	Backend          string `json:"backend"` // "rclone" or "s3"
	RcloneBinary     string `json:"rcloneBinary"`
	Region           string `json:"region"`
	TransferAttempts int    `json:"transferAttempts"`
	TransferDelaySec int    `json:"transferDelaySeconds"`
	ExistsAttempts   int    `json:"existsAttempts"`
	ExistsDelaySec   int    `json:"existsDelaySeconds"`
}

const (
	DEFAULT_CONFIG_FILE = "/etc/rclone-changer/config.json"
	DEFAULT_STATE_FILE  = "/var/lib/bacula/rclone-changer.state"
	DEFAULT_LOCK_FILE   = "/var/lock/rclone-changer.lock"
	DEFAULT_LOG_FILE    = "/var/log/bacula/rclone-changer.log"
	DEFAULT_REGION      = "us-east-1"

	BACKEND_RCLONE = "rclone"
	BACKEND_S3     = "s3"
)

func defaultConfig() Config {
	return Config{
		StateFile:        DEFAULT_STATE_FILE,
		LockFile:         DEFAULT_LOCK_FILE,
		LogFile:          DEFAULT_LOG_FILE,
		Backend:          BACKEND_RCLONE,
		RcloneBinary:     "rclone",
		Region:           DEFAULT_REGION,
		TransferAttempts: 12,
		TransferDelaySec: 60,
		ExistsAttempts:   3,
		ExistsDelaySec:   5,
	}
}

// loadConfig reads the JSON config file when present; a missing file at the
// default path just means defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DEFAULT_CONFIG_FILE {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "unable to read configuration file %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "unable to parse configuration file %s", path)
	}
	if cfg.Backend != BACKEND_RCLONE && cfg.Backend != BACKEND_S3 {
		return cfg, errors.Errorf("unknown backend %q in %s", cfg.Backend, path)
	}
	return cfg, nil
}

func (c Config) transferRetry() remote.Retry {
	return remote.Retry{Attempts: c.TransferAttempts, Delay: time.Duration(c.TransferDelaySec) * time.Second}
}

func (c Config) existsRetry() remote.Retry {
	return remote.Retry{Attempts: c.ExistsAttempts, Delay: time.Duration(c.ExistsDelaySec) * time.Second}
}
