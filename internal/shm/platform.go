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

// Package shm contains the platform-specific helpers behind pkg/shm: creating,
// attaching to and removing named shared mappings, and waiting on words that
// live inside them.
package shm

import (
	"errors"
	"os"
	"unsafe"
)

// DefaultDevShm is where named mappings are placed when it is available.
const DefaultDevShm = "/dev/shm"

var (
	// ErrNoSpace is returned when the backing filesystem cannot hold a new mapping.
	ErrNoSpace = errors.New("not enough space left for shared memory")
	// ErrFutexTimeout is returned by FutexWait when the timeout elapses.
	ErrFutexTimeout = errors.New("futex wait timed out")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	// Data is the whole mapping. It is nil for a zero-length backing object.
	Data []byte
	// ID is the OS unique identifier of the backing object (its absolute path).
	ID string
	// Size is the number of mapped bytes.
	Size int

	fd int
}

// Base returns the address of the first mapped byte, or nil for an empty mapping.
func (r *MappedRegion) Base() unsafe.Pointer {
	if len(r.Data) == 0 {
		return nil
	}
	return unsafe.Pointer(&r.Data[0])
}

// MapOptions defines options for creating a shared memory mapping.
type MapOptions struct {
	// Dir is the directory holding the backing object.
	Dir string
	// Name is the object name inside Dir.
	Name string
	// Size is the exact number of bytes to allocate and map.
	Size int
	// Perm is the permission of the backing object.
	Perm os.FileMode
	// SkipSpaceCheck disables the free-space check before allocation.
	SkipSpaceCheck bool
}

// DefaultDir returns /dev/shm when it exists and os.TempDir otherwise.
func DefaultDir() string {
	if info, err := os.Stat(DefaultDevShm); err == nil && info.IsDir() {
		return DefaultDevShm
	}
	return os.TempDir()
}

// Function implementations are provided in platform-specific files (platform_unix.go, platform_other.go).
