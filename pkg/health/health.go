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

// Package health exposes liveness and readiness of shared regions over HTTP.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/shmlink/pkg/shm"
)

const (
	// DefaultMaxGoroutines bounds the liveness goroutine check.
	DefaultMaxGoroutines = 10000
	// DefaultCheckTimeout bounds every readiness check.
	DefaultCheckTimeout = time.Second
)

// Checker reports whether a resource is usable. *shm.Region implements it.
type Checker interface {
	Check() error
}

var _ Checker = (*shm.Region)(nil)

// NewHandler returns a handler serving /live and /ready. Readiness covers
// every region this process holds open.
func NewHandler() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(DefaultMaxGoroutines))
	h.AddReadinessCheck("regions", healthcheck.Timeout(RegionsCheck(shm.Regions), DefaultCheckTimeout))
	return h
}

// AddRegionCheck adds a readiness check named "region-<name>" for c.
func AddRegionCheck(h healthcheck.Handler, name string, c Checker) {
	h.AddReadinessCheck("region-"+name, healthcheck.Timeout(c.Check, DefaultCheckTimeout))
}

// RegionsCheck fails when any region returned by list fails its own check.
func RegionsCheck(list func() []*shm.Region) healthcheck.Check {
	return func() error {
		var errs []error
		for _, r := range list() {
			if err := r.Check(); err != nil && !errors.Is(err, shm.ErrClosed) {
				errs = append(errs, fmt.Errorf("%s: %w", r.LinkPath(), err))
			}
		}
		return errors.Join(errs...)
	}
}
