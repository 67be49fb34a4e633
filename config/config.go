// Copyright 2015-2019 Bleemeo
//
// bleemeo.com an infrastructure monitoring solution in the Cloud
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the connector's own settings: the Bleemeo account
// credentials, the API and MQTT endpoints, and the handful of local knobs
// (tags, state file path, log verbosity). Discovering what to collect is
// out of scope; this package only concerns the connector itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/imdario/mergo"
	"github.com/knadh/koanf"
	yamlParser "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"

	"github.com/bleemeo/bleemeo-agent/logger"
)

const (
	envPrefix = "GLOUTON_"
	delimiter = "."
)

var ErrInvalidValue = errors.New("invalid config value")

// Warnings collects non-fatal problems encountered while loading.
type Warnings []error

// Bleemeo holds the credentials and endpoints of the remote control plane.
type Bleemeo struct {
	AccountID       string `yaml:"account_id"`
	RegistrationKey string `yaml:"registration_key"`
	APIBase         string `yaml:"api_base"`
	MQTTHost        string `yaml:"mqtt_host"`
	MQTTPort        int    `yaml:"mqtt_port"`
	MQTTSSL         bool   `yaml:"mqtt_ssl"`
	// InsecureTLS skips certificate verification on both the API client
	// and the MQTT broker session. Only ever meant for local testing.
	InsecureTLS bool `yaml:"insecure_tls"`
}

// Config is the full set of settings the connector reads at startup.
type Config struct {
	Bleemeo Bleemeo `yaml:"bleemeo"`

	// Tags are attached to the agent at registration time.
	Tags []string `yaml:"tags"`

	StateFile string `yaml:"state_file"`

	// IgnoreHighPort drops listen addresses above port 32000 when computing
	// a service's listen_addresses (spec.md §4.4 services-sync phase).
	IgnoreHighPort bool `yaml:"ignore_high_port"`

	// DiagnosticBindAddress is where the /metrics, /diagnostic, and
	// /diagnostic.zip endpoints are served (spec.md §7); empty disables
	// the HTTP server entirely.
	DiagnosticBindAddress string `yaml:"diagnostic_bind_address"`

	// SentryDSN enables crash/error reporting when set; empty disables it.
	SentryDSN string `yaml:"sentry_dsn"`

	Logging struct {
		Level int `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns the settings used when a file or environment
// variable does not override them.
func DefaultConfig() Config {
	return Config{
		Bleemeo: Bleemeo{
			APIBase:  "https://api.bleemeo.com",
			MQTTHost: "mqtt.bleemeo.com",
			MQTTPort: 8883,
			MQTTSSL:  true,
		},
		StateFile:             "state.json",
		DiagnosticBindAddress: "127.0.0.1:8015",
	}
}

// DefaultPaths returns the config file locations probed when the caller
// gives none explicitly.
func DefaultPaths() []string {
	return []string{
		"/etc/bleemeo/agent.conf",
		"/etc/bleemeo/agent.conf.d",
		"etc/agent.conf",
	}
}

// Load reads paths (files or directories of *.conf YAML documents) and
// GLOUTON_* environment variables, merges them over DefaultConfig, and
// decodes the result into a Config.
func Load(paths ...string) (Config, Warnings, error) {
	if len(paths) == 0 {
		paths = DefaultPaths()
	}

	if envFiles := os.Getenv("GLOUTON_CONFIG_FILES"); envFiles != "" {
		paths = strings.Split(envFiles, ",")
	}

	k, warnings, err := load(paths...)

	var config Config

	unmarshalConf := koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			ErrorUnused:      true,
			Result:           &config,
			WeaklyTypedInput: true,
		},
		Tag: "yaml",
	}

	if warning := k.UnmarshalWithConf("", &config, unmarshalConf); warning != nil {
		warnings = append(warnings, warning)
	}

	return config, unwrapErrors(warnings), err
}

func load(paths ...string) (*koanf.Koanf, Warnings, error) {
	var finalErr error

	fileEnvKoanf, warnings, finalErr := loadPaths(paths)

	envToKey, envWarnings := envToKeyFunc()
	envMergeFunc := mergeFunc(mergo.WithOverride)

	if err := fileEnvKoanf.Load(env.Provider(envPrefix, delimiter, envToKey), nil, envMergeFunc); err != nil {
		warnings = append(warnings, err)
	}

	if len(*envWarnings) > 0 {
		warnings = append(warnings, *envWarnings...)
	}

	k := koanf.New(delimiter)

	if err := k.Load(structs.Provider(DefaultConfig(), "yaml"), nil); err != nil {
		finalErr = err
	}

	if err := k.Load(confmap.Provider(fileEnvKoanf.All(), delimiter), nil, mergeFunc(mergo.WithOverride)); err != nil {
		warnings = append(warnings, err)
	}

	return k, warnings, finalErr
}

// envToKeyFunc builds the GLOUTON_* -> dotted-key translation table from
// the zero value of Config, so every settable field gets an env override
// without needing to be listed twice.
func envToKeyFunc() (func(string) string, *Warnings) {
	k := koanf.New(delimiter)
	_ = k.Load(structs.Provider(Config{}, "yaml"), nil)

	allKeys := k.All()
	envToKey := make(map[string]string, len(allKeys))

	for key := range allKeys {
		envKey := toEnvKey(key)

		if oldKey, exists := envToKey[envKey]; exists {
			panic(fmt.Sprintf("conflict between config keys: %s and %s both map to %s", oldKey, key, envKey))
		}

		envToKey[envKey] = key
	}

	warnings := make(Warnings, 0)
	envFunc := func(s string) string {
		key, ok := envToKey[s]
		if !ok {
			return ""
		}

		return key
	}

	return envFunc, &warnings
}

func mergeFunc(opts ...func(*mergo.Config)) koanf.Option {
	merge := func(src, dest map[string]interface{}) error {
		err := mergo.Merge(&dest, src, opts...)
		if err != nil {
			logger.Printf("error merging config: %s", err)
		}

		return err
	}

	return koanf.WithMergeFunc(merge)
}

func toEnvKey(key string) string {
	envKey := strings.ToUpper(key)

	return envPrefix + strings.ReplaceAll(envKey, ".", "_")
}

func loadPaths(paths []string) (*koanf.Koanf, Warnings, error) {
	var (
		finalError error
		warnings   Warnings
	)

	k := koanf.New(delimiter)

	for _, path := range paths {
		stat, err := os.Stat(path)
		if err != nil && os.IsNotExist(err) {
			logger.V(2).Printf("config file: %s ignored since it does not exist", path)

			continue
		}

		if err != nil {
			logger.V(2).Printf("config file: %s ignored due to %v", path, err)

			finalError = err

			continue
		}

		if stat.IsDir() {
			moreWarnings, err := loadDirectory(k, path)
			if err != nil {
				finalError = err
			}

			warnings = append(warnings, moreWarnings...)

			if err != nil {
				logger.V(2).Printf("config file: directory %s had some files ignored due to %v", path, err)
			}

			continue
		}

		if warning := loadFile(k, path); warning != nil {
			warnings = append(warnings, warning)
		}

		logger.V(2).Printf("config file: %s loaded", path)
	}

	return k, warnings, finalError
}

func loadDirectory(k *koanf.Koanf, dirPath string) (Warnings, error) {
	files, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	var warnings Warnings

	for _, f := range files {
		if !strings.HasSuffix(f.Name(), ".conf") {
			continue
		}

		if warning := loadFile(k, filepath.Join(dirPath, f.Name())); warning != nil {
			warnings = append(warnings, warning)
		}
	}

	return warnings, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	err := k.Load(file.Provider(path), yamlParser.Parser(), mergeFunc(mergo.WithOverride, mergo.WithAppendSlice))
	if err != nil {
		return fmt.Errorf("failed to load %q: %w", path, err)
	}

	return nil
}

// unwrapErrors flattens the multi-errors mapstructure and yaml produce so
// callers see one entry per actual problem.
func unwrapErrors(errs []error) []error {
	if len(errs) == 0 {
		return nil
	}

	unwrapped := make([]error, 0, len(errs))

	for _, err := range errs {
		var mapErr *mapstructure.Error

		if errors.As(err, &mapErr) {
			unwrapped = append(unwrapped, mapErr.WrappedErrors()...)

			continue
		}

		unwrapped = append(unwrapped, err)
	}

	return unwrapped
}
