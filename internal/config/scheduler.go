// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"go.chromium.org/luci/common/errors"
)

const (
	defaultHealthCheckUser      = "lab-health"
	defaultWorkerLivenessWindow = 5 * time.Minute
	defaultAssignInterval       = 20 * time.Second
	defaultHealthCheckInterval  = 5 * time.Minute
)

// Config is the scheduler configuration file.
type Config struct {
	// HealthCheckUser submits health checks and is the actor of health
	// related device transitions.
	HealthCheckUser string `yaml:"health_check_user"`
	// WorkerLivenessWindow is how recent a worker heartbeat must be for the
	// worker to be an active dispatcher.
	WorkerLivenessWindow time.Duration `yaml:"worker_liveness_window"`
	AssignInterval       time.Duration `yaml:"assign_interval"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	// DeviceDictionaryDir holds one <hostname>.yaml per device.
	DeviceDictionaryDir string `yaml:"device_dictionary_dir"`
	// Admins may administer every device and cancel any job.
	Admins []string `yaml:"admins"`
	// Groups maps a group name to its members.
	Groups map[string][]string `yaml:"groups"`
	// WorkerAdmins maps a worker hostname to the users administering the
	// devices it dispatches.
	WorkerAdmins map[string][]string `yaml:"worker_admins"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "load config %q", path).Err()
	}
	return Parse(data)
}

// Parse parses a configuration file and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Annotate(err, "parse config").Err()
	}
	if cfg.HealthCheckUser == "" {
		cfg.HealthCheckUser = defaultHealthCheckUser
	}
	if cfg.WorkerLivenessWindow == 0 {
		cfg.WorkerLivenessWindow = defaultWorkerLivenessWindow
	}
	if cfg.AssignInterval == 0 {
		cfg.AssignInterval = defaultAssignInterval
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if cfg.WorkerLivenessWindow < 0 || cfg.AssignInterval < 0 || cfg.HealthCheckInterval < 0 {
		return nil, errors.Reason("parse config: intervals must be positive").Err()
	}
	return cfg, nil
}
