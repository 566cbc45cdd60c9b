// Package config loads the tracker's runtime configuration from the
// environment. Every knob has a default except the store DSN.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultMasterListPollInterval  = 60 * time.Second
	defaultMasterListMaxBackoff    = 300 * time.Second
	defaultPollIntervalActive      = 20 * time.Second
	defaultPollIntervalEmpty       = 180 * time.Second
	defaultPollIntervalOffline     = 900 * time.Second
	defaultOfflineFailureThreshold = 3
	defaultServerQueryTimeout      = 4 * time.Second
	defaultWorkerCount             = 200
)

type Config struct {
	PostgresDSN string

	MasterListPollInterval time.Duration
	MasterListMaxBackoff   time.Duration

	PollIntervalActive  time.Duration
	PollIntervalEmpty   time.Duration
	PollIntervalOffline time.Duration

	OfflineFailureThreshold int

	// ServerQueryTimeout is the total probe budget; each attempt (primary
	// and port fallback) gets half of it.
	ServerQueryTimeout time.Duration

	WorkerCount int
}

// Load reads configuration from the environment. POSTGRES_DSN is required;
// malformed numeric overrides are errors rather than silently ignored.
func Load() (*Config, error) {
	cfg := &Config{
		PostgresDSN:             os.Getenv("POSTGRES_DSN"),
		MasterListPollInterval:  defaultMasterListPollInterval,
		MasterListMaxBackoff:    defaultMasterListMaxBackoff,
		PollIntervalActive:      defaultPollIntervalActive,
		PollIntervalEmpty:       defaultPollIntervalEmpty,
		PollIntervalOffline:     defaultPollIntervalOffline,
		OfflineFailureThreshold: defaultOfflineFailureThreshold,
		ServerQueryTimeout:      defaultServerQueryTimeout,
		WorkerCount:             defaultWorkerCount,
	}
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}

	for _, v := range []struct {
		name string
		dst  *time.Duration
	}{
		{"MASTER_LIST_POLL_INTERVAL_S", &cfg.MasterListPollInterval},
		{"MASTER_LIST_MAX_BACKOFF_S", &cfg.MasterListMaxBackoff},
		{"POLL_INTERVAL_ACTIVE_S", &cfg.PollIntervalActive},
		{"POLL_INTERVAL_EMPTY_S", &cfg.PollIntervalEmpty},
		{"POLL_INTERVAL_OFFLINE_S", &cfg.PollIntervalOffline},
	} {
		if err := envSeconds(v.name, v.dst); err != nil {
			return nil, err
		}
	}
	if err := envInt("OFFLINE_FAILURE_THRESHOLD", &cfg.OfflineFailureThreshold); err != nil {
		return nil, err
	}
	if err := envInt("WORKER_COUNT", &cfg.WorkerCount); err != nil {
		return nil, err
	}
	if err := envSecondsFloat("SERVER_QUERY_TIMEOUT_S", &cfg.ServerQueryTimeout); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	*dst = v
	return nil
}

func envSeconds(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	*dst = time.Duration(v) * time.Second
	return nil
}

func envSecondsFloat(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	*dst = time.Duration(v * float64(time.Second))
	return nil
}
