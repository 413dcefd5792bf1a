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
)

var (
	// ErrAlreadyExists means the link descriptor path already names a file.
	ErrAlreadyExists = errors.New("link descriptor already exists")
	// ErrNotFound means the link descriptor does not exist.
	ErrNotFound = errors.New("link descriptor not found")
	// ErrMapping means the OS failed to create or attach to the shared mapping.
	ErrMapping = errors.New("shared mapping failed")
	// ErrAttach means the OS could not resolve an existing mapping. It matches ErrMapping.
	ErrAttach = fmt.Errorf("cannot attach to existing mapping: %w", ErrMapping)
	// ErrTooSmall means the mapping is smaller than its metadata declares.
	ErrTooSmall = errors.New("shared mapping too small")
	// ErrInvalidRange means a lock offset/length lies outside the user payload.
	ErrInvalidRange = errors.New("invalid lock range")
	// ErrUnknownLockKind means a lock kind tag is not recognized.
	ErrUnknownLockKind = errors.New("unknown lock kind")
	// ErrInit means a native lock primitive could not be constructed or attached.
	ErrInit = errors.New("lock primitive init failed")
	// ErrLock means a native lock primitive failed while acquiring or releasing.
	ErrLock = errors.New("lock primitive failure")
	// ErrCorruptMetadata means the metadata does not end exactly where the payload starts.
	ErrCorruptMetadata = errors.New("corrupt shared memory metadata")
	// ErrPersist means the link descriptor could not be fully written.
	ErrPersist = errors.New("failed to persist link descriptor")
	// ErrNoLocks means a guard was requested on a region without the requested lock.
	ErrNoLocks = errors.New("region has no such lock")
	// ErrClosed means the region handle was already closed.
	ErrClosed = errors.New("region closed")
	// ErrBusy means Close was called while guards are still held.
	ErrBusy = errors.New("region has outstanding guards")
)

// errLockHeld is returned by non-blocking attempts inside bounded waits.
var errLockHeld = errors.New("lock held")
