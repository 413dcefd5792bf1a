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
	"fmt"
	"strings"
	"unsafe"
)

// LockKind is the stable tag stored in a LockEntryHeader.
type LockKind uint8

const (
	// LockMutex is an exclusive-only process-shared mutex.
	LockMutex LockKind = iota
	// LockRWLock is a process-shared read-write lock.
	LockRWLock
)

func (k LockKind) String() string {
	switch k {
	case LockMutex:
		return "mutex"
	case LockRWLock:
		return "rwlock"
	default:
		return fmt.Sprintf("LockKind(%d)", uint8(k))
	}
}

// ParseLockKind maps a kind name ("mutex", "rwlock") to its tag.
func ParseLockKind(s string) (LockKind, error) {
	switch strings.ToLower(s) {
	case "mutex":
		return LockMutex, nil
	case "rwlock":
		return LockRWLock, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownLockKind, s)
	}
}

// LockCapability is implemented once per lock kind. Implementations are
// stateless; all primitive state lives at the descriptor's primitive address.
type LockCapability interface {
	Kind() LockKind
	// Footprint is the fixed number of bytes the native primitive occupies.
	Footprint() uintptr
	// Init constructs the primitive when creator is true and attaches to an
	// already constructed one otherwise. It never reinitializes on attach.
	Init(d *LockDescriptor, creator bool) error
	Lock(d *LockDescriptor) error
	Unlock(d *LockDescriptor) error
	TryLock(d *LockDescriptor) (bool, error)
}

// SharedLockCapability is implemented by kinds with shared (read) semantics.
type SharedLockCapability interface {
	LockCapability
	RLock(d *LockDescriptor) error
	RUnlock(d *LockDescriptor) error
	TryRLock(d *LockDescriptor) (bool, error)
}

var (
	_ LockCapability       = mutexLock{}
	_ SharedLockCapability = rwLock{}
)

// lockImplFromKind resolves a tag read from untrusted memory. Unknown tags are
// rejected, never defaulted.
func lockImplFromKind(kind LockKind) (LockCapability, error) {
	switch kind {
	case LockMutex:
		return mutexLock{}, nil
	case LockRWLock:
		return rwLock{}, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownLockKind, uint8(kind))
	}
}

// LockDescriptor binds a lock entry to this process's mapping. The primitive
// address and data view are derived after every map and never persisted.
type LockDescriptor struct {
	kind   LockKind
	offset uint64
	length uint64

	primitive unsafe.Pointer
	data      []byte
	impl      LockCapability
}

// LockInfo is the persisted, address-free description of a lock.
type LockInfo struct {
	Kind   LockKind
	Offset uint64
	Length uint64
}

func (d *LockDescriptor) Kind() LockKind { return d.kind }

func (d *LockDescriptor) Offset() uint64 { return d.offset }

func (d *LockDescriptor) Length() uint64 { return d.length }

// Data returns the governed user bytes. It is nil until the region is mapped.
func (d *LockDescriptor) Data() []byte { return d.data }

func (d *LockDescriptor) Capability() LockCapability { return d.impl }

func (d *LockDescriptor) Info() LockInfo {
	return LockInfo{Kind: d.kind, Offset: d.offset, Length: d.length}
}

// bind points the descriptor at its primitive bytes and governed payload
// inside mem, where userStart is the payload's offset from the mapping base.
func (d *LockDescriptor) bind(mem []byte, primitiveOff, userStart uint64) {
	d.primitive = unsafe.Pointer(&mem[primitiveOff])
	start := userStart + d.offset
	end := start + d.length
	d.data = mem[start:end:end]
}

func (d *LockDescriptor) unbind() {
	d.primitive = nil
	d.data = nil
}
