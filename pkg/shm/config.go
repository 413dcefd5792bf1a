/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	internalshm "github.com/srediag/shmlink/internal/shm"
)

const (
	defaultMappingPrefix        = "shmlink_"
	defaultFilePerm             = os.FileMode(0600)
	defaultRetryInitialInterval = 50 * time.Microsecond
	defaultRetryMaxInterval     = 10 * time.Millisecond
)

// Config holds the process-side options used when creating or opening regions.
// None of it is stored in the region itself.
type Config struct {
	// MappingDir is the directory holding backing objects of created regions.
	// Defaults to /dev/shm, or os.TempDir when /dev/shm is absent.
	// The env `SHMLINK_DIR` overrides the default.
	MappingDir string
	// MappingPrefix prefixes the generated backing object names.
	MappingPrefix string
	// FilePerm applies to both the link descriptor and the backing object.
	FilePerm os.FileMode
	// SkipSpaceCheck disables the free-space check before a mapping is allocated.
	SkipSpaceCheck bool

	// RetryInitialInterval and RetryMaxInterval bound the polling backoff of
	// the context-aware acquire variants.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Meter records lock wait histograms. A noop meter is used when nil.
	Meter metric.Meter
	// Tracer traces create and open. A noop tracer is used when nil.
	Tracer trace.Tracer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := os.Getenv("SHMLINK_DIR")
	if dir == "" {
		dir = internalshm.DefaultDir()
	}
	return &Config{
		MappingDir:           dir,
		MappingPrefix:        defaultMappingPrefix,
		FilePerm:             defaultFilePerm,
		RetryInitialInterval: defaultRetryInitialInterval,
		RetryMaxInterval:     defaultRetryMaxInterval,
	}
}

// VerifyConfig checks that the configuration is usable.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("config is nil")
	}
	if config.MappingDir == "" || !filepath.IsAbs(config.MappingDir) {
		return fmt.Errorf("MappingDir must be an absolute path, got %q", config.MappingDir)
	}
	if config.MappingPrefix == "" || strings.ContainsRune(config.MappingPrefix, os.PathSeparator) {
		return fmt.Errorf("MappingPrefix must be a non-empty file name, got %q", config.MappingPrefix)
	}
	if config.FilePerm.Perm()&0600 != 0600 {
		return fmt.Errorf("FilePerm %v must grant the owner read and write", config.FilePerm)
	}
	if config.RetryInitialInterval <= 0 {
		return fmt.Errorf("RetryInitialInterval must be positive, got %v", config.RetryInitialInterval)
	}
	if config.RetryMaxInterval < config.RetryInitialInterval {
		return fmt.Errorf("RetryMaxInterval %v is less than RetryInitialInterval %v",
			config.RetryMaxInterval, config.RetryInitialInterval)
	}
	return nil
}
