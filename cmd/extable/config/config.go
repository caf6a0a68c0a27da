// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for extable. Each setting is a command line flag and, optionally, a key in
// a TOML configuration file. Flags given on the command line take
// precedence over the file.
package config

import (
	"fmt"
	"reflect"
	"time"

	"gvisor.dev/extable/pkg/log"
)

// Config holds configuration that is not part of a single command.
type Config struct {
	// ConfigFile is the TOML file the rest of the configuration was read
	// from, if any.
	ConfigFile string `flag:"config" toml:"-"`

	// Manifest is the YAML table manifest that commands operate on.
	Manifest string `flag:"manifest" toml:"manifest"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: "text", "json" or "logrus".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// Verify checks the order of every table as it is built.
	Verify bool `flag:"verify" toml:"verify"`

	// MissLogEvery limits how often unresolved faults are logged.
	MissLogEvery time.Duration `flag:"miss-log-every" toml:"miss_log_every"`

	// UnloadTimeout bounds how long a module unload waits for users.
	UnloadTimeout time.Duration `flag:"unload-timeout" toml:"unload_timeout"`

	// StressWorkers is the number of concurrent lookup goroutines run by
	// the stress command. Zero means GOMAXPROCS.
	StressWorkers int `flag:"stress-workers" toml:"stress_workers"`

	// StressDuration is how long the stress command runs.
	StressDuration time.Duration `flag:"stress-duration" toml:"stress_duration"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	if c.MissLogEvery < 0 {
		return fmt.Errorf("miss-log-every must not be negative, got %v", c.MissLogEvery)
	}
	if c.UnloadTimeout < 0 {
		return fmt.Errorf("unload-timeout must not be negative, got %v", c.UnloadTimeout)
	}
	if c.StressWorkers < 0 {
		return fmt.Errorf("stress-workers must not be negative, got %d", c.StressWorkers)
	}
	if c.StressDuration <= 0 {
		return fmt.Errorf("stress-duration must be positive, got %v", c.StressDuration)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Manifest: %s", c.Manifest)
	log.Infof("Config.ConfigFile: %s", c.ConfigFile)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.Verify: %t", c.Verify)
	if log.IsLogging(log.Debug) {
		obj := reflect.ValueOf(c).Elem()
		st := obj.Type()
		for i := 0; i < st.NumField(); i++ {
			log.Debugf("Config.%s: %v", st.Field(i).Name, obj.Field(i).Interface())
		}
	}
}
