/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config reads the operator's environment configuration.
package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Defaults for the sweep schedules.
const (
	DefaultDriftCheckCron   = "*/30 * * * *"
	DefaultGitSyncCheckCron = "*/5 * * * *"
)

// Config is the operator's environment-derived configuration.
type Config struct {
	// DebugMode raises log verbosity (DEBUG_MODE=true).
	DebugMode bool
	// DriftCheckCron schedules the drift sweeper (DRIFT_CHECK_CRON).
	DriftCheckCron string
	// GitSyncCheckCron schedules the Git-sync sweeper (GIT_SYNC_CHECK_CRON).
	GitSyncCheckCron string
	// MetricsPrefix overrides the metric family prefix (METRICS_PREFIX).
	MetricsPrefix string
	// MetricsPath is where line-JSON metric records are appended
	// (METRICS_PATH). Empty disables metric emission.
	MetricsPath string
	// CDKDefaultAccount is exported to CDK invocations (CDK_DEFAULT_ACCOUNT).
	CDKDefaultAccount string
	// CDKDefaultRegion is the fallback region for CDK (CDK_DEFAULT_REGION).
	CDKDefaultRegion string
	// NodeOptions is passed through to npm and cdk processes (NODE_OPTIONS).
	NodeOptions string
}

// Load reads the environment and validates the cron expressions.
func Load() (Config, error) {
	cfg := Config{
		DebugMode:         os.Getenv("DEBUG_MODE") == "true",
		DriftCheckCron:    envOr("DRIFT_CHECK_CRON", DefaultDriftCheckCron),
		GitSyncCheckCron:  envOr("GIT_SYNC_CHECK_CRON", DefaultGitSyncCheckCron),
		MetricsPrefix:     os.Getenv("METRICS_PREFIX"),
		MetricsPath:       os.Getenv("METRICS_PATH"),
		CDKDefaultAccount: os.Getenv("CDK_DEFAULT_ACCOUNT"),
		CDKDefaultRegion:  os.Getenv("CDK_DEFAULT_REGION"),
		NodeOptions:       os.Getenv("NODE_OPTIONS"),
	}

	if _, err := cron.ParseStandard(cfg.DriftCheckCron); err != nil {
		return Config{}, errors.Wrapf(err, "invalid DRIFT_CHECK_CRON %q", cfg.DriftCheckCron)
	}
	if _, err := cron.ParseStandard(cfg.GitSyncCheckCron); err != nil {
		return Config{}, errors.Wrapf(err, "invalid GIT_SYNC_CHECK_CRON %q", cfg.GitSyncCheckCron)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
