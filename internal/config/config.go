// SPDX-License-Identifier: Apache-2.0

// Package config loads the enforcer's startup configuration: a JSON
// base file, post-load defaulting and validation, with an optional
// YAML override layer for per-deployment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	reportThresholdPercentDefault = 80.0
	collectIntervalDefault        = 10 * time.Second
	forcedTerminationTimeout      = 10 * time.Second
	cloudRequestTimeoutDefault    = 5 * time.Second
	backOffIntervalDefault        = 30 * time.Second
)

// MongoConf names the durable store connection, when enabled.
type MongoConf struct {
	URI      string `json:"uri" yaml:"uri"`
	Database string `json:"database" yaml:"database"`
}

// HTTPConf configures the metrics/health HTTP listener.
type HTTPConf struct {
	Addr string `json:"addr" yaml:"addr"`
}

// GRPCConf configures the gRPC health listener.
type GRPCConf struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Conf is the enforcer's full startup configuration.
type Conf struct {
	LogLevel log.Level `json:"log_level" yaml:"log_level"`

	UseMongo bool      `json:"use_mongo" yaml:"use_mongo"`
	Mongo    MongoConf `json:"mongo" yaml:"mongo"`

	HTTP HTTPConf `json:"http" yaml:"http"`
	GRPC GRPCConf `json:"grpc" yaml:"grpc"`

	// ReportThresholdPercent is the partial-exhaustion threshold
	// GetUpdates compares grants against.
	ReportThresholdPercent float64 `json:"report_threshold_percent" yaml:"report_threshold_percent"`

	// CollectInterval is how often the enforcer sweeps every session for
	// updates.
	CollectInterval time.Duration `json:"collect_interval" yaml:"collect_interval"`

	// ForcedTerminationTimeout bounds how long a TERMINATION_SCHEDULED
	// session waits for flow release before the enforcer forces it through
	// RELEASED to TERMINATED, sends the terminate report and removes it.
	ForcedTerminationTimeout time.Duration `json:"forced_termination_timeout" yaml:"forced_termination_timeout"`

	// CloudRequestTimeout bounds each reporter round trip.
	CloudRequestTimeout time.Duration `json:"cloud_request_timeout" yaml:"cloud_request_timeout"`

	// BackOffInterval paces retries after repeated failed reporter
	// round trips.
	BackOffInterval time.Duration `json:"back_off_interval" yaml:"back_off_interval"`

	// QuotaExhaustionTerminationOnInit is the grace period a WLAN
	// session created without monitoring quota gets before teardown.
	// Zero disables the check.
	QuotaExhaustionTerminationOnInit time.Duration `json:"quota_exhaustion_termination_on_init" yaml:"quota_exhaustion_termination_on_init"`
}

func (c *Conf) setDefaults() {
	if c.ReportThresholdPercent == 0 {
		c.ReportThresholdPercent = reportThresholdPercentDefault
	}

	if c.CollectInterval == 0 {
		c.CollectInterval = collectIntervalDefault
	}

	if c.ForcedTerminationTimeout == 0 {
		c.ForcedTerminationTimeout = forcedTerminationTimeout
	}

	if c.CloudRequestTimeout == 0 {
		c.CloudRequestTimeout = cloudRequestTimeoutDefault
	}

	if c.BackOffInterval == 0 {
		c.BackOffInterval = backOffIntervalDefault
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":9091"
	}

	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":9092"
	}
}

func validateConf(conf Conf) error {
	if conf.ReportThresholdPercent <= 0 || conf.ReportThresholdPercent > 100 {
		return fmt.Errorf("conf.ReportThresholdPercent=%v: must be in (0, 100]", conf.ReportThresholdPercent)
	}

	if conf.UseMongo && (conf.Mongo.URI == "" || conf.Mongo.Database == "") {
		return fmt.Errorf("conf.Mongo: uri and database are required when use_mongo is set")
	}

	return nil
}

// LoadConfigFile parses jsonPath as the base configuration, then, if
// yamlOverridePath is non-empty and exists, merges its fields on top —
// this lets an operator layer environment-specific overrides onto a
// shared base file without duplicating it.
func LoadConfigFile(jsonPath, yamlOverridePath string) (Conf, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return Conf{}, err
	}

	var conf Conf
	if err := json.Unmarshal(data, &conf); err != nil {
		return Conf{}, err
	}

	if yamlOverridePath != "" {
		if overrideData, err := os.ReadFile(yamlOverridePath); err == nil {
			if err := yaml.Unmarshal(overrideData, &conf); err != nil {
				return Conf{}, fmt.Errorf("parsing yaml override %s: %w", yamlOverridePath, err)
			}
		} else if !os.IsNotExist(err) {
			return Conf{}, err
		}
	}

	conf.setDefaults()

	if err := validateConf(conf); err != nil {
		return Conf{}, err
	}

	return conf, nil
}
