//go:build !linux

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
	"sync/atomic"
	"time"
)

// pollInterval bounds how long a waiter sleeps before re-checking the word.
const pollInterval = 50 * time.Microsecond

// FutexWait has no kernel support here; it sleeps briefly while *addr == val.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	d := pollInterval
	if timeout > 0 && timeout < d {
		d = timeout
	}
	time.Sleep(d)
	if timeout > 0 && timeout <= pollInterval && atomic.LoadUint32(addr) == val {
		return ErrFutexTimeout
	}
	return nil
}

// FutexWake is a no-op: pollers observe the change on their own.
func FutexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}
