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
	"encoding/binary"
)

// Region memory layout, host byte order:
//
//	[GlobalHeader]
//	[LockEntryHeader_0][native primitive bytes_0]
//	...
//	[LockEntryHeader_n][native primitive bytes_n]
//	[EventEntryHeader_0]...[EventEntryHeader_m]
//	[user payload bytes]
//
// Every size below and every lock footprint is a multiple of 8, which keeps
// primitive words and the payload aligned relative to the page-aligned base.
const (
	GlobalHeaderSize     = 32
	LockEntryHeaderSize  = 24
	EventEntryHeaderSize = 8
)

const (
	ghMetadataSizeOffset = 0
	ghUserSizeOffset     = ghMetadataSizeOffset + 8
	ghLockCountOffset    = ghUserSizeOffset + 8
	ghEventCountOffset   = ghLockCountOffset + 8

	// kind 1 byte | reserved 7 bytes | offset 8 bytes | length 8 bytes
	lhKindOffset   = 0
	lhOffsetOffset = 8
	lhLengthOffset = lhOffsetOffset + 8

	// kind 1 byte | reserved 7 bytes
	ehKindOffset = 0
)

var hostOrder = binary.NativeEndian

// GlobalHeader describes the shape of the whole region. It is written once at
// creation and is the single source of truth for parsing what follows.
type GlobalHeader struct {
	MetadataSize uint64
	UserSize     uint64
	LockCount    uint64
	EventCount   uint64
}

// LockEntryHeader describes one lock and the user byte range it governs.
type LockEntryHeader struct {
	Kind   LockKind
	Offset uint64
	Length uint64
}

// EventEntryHeader is a reserved extension point. No event kind has behavior yet.
type EventEntryHeader struct {
	Kind EventKind
}

// EventKind tags an event entry.
type EventKind uint8

func (h GlobalHeader) put(b []byte) {
	_ = b[GlobalHeaderSize-1]
	hostOrder.PutUint64(b[ghMetadataSizeOffset:], h.MetadataSize)
	hostOrder.PutUint64(b[ghUserSizeOffset:], h.UserSize)
	hostOrder.PutUint64(b[ghLockCountOffset:], h.LockCount)
	hostOrder.PutUint64(b[ghEventCountOffset:], h.EventCount)
}

func readGlobalHeader(b []byte) GlobalHeader {
	_ = b[GlobalHeaderSize-1]
	return GlobalHeader{
		MetadataSize: hostOrder.Uint64(b[ghMetadataSizeOffset:]),
		UserSize:     hostOrder.Uint64(b[ghUserSizeOffset:]),
		LockCount:    hostOrder.Uint64(b[ghLockCountOffset:]),
		EventCount:   hostOrder.Uint64(b[ghEventCountOffset:]),
	}
}

func (h LockEntryHeader) put(b []byte) {
	_ = b[LockEntryHeaderSize-1]
	clear(b[:lhOffsetOffset])
	b[lhKindOffset] = byte(h.Kind)
	hostOrder.PutUint64(b[lhOffsetOffset:], h.Offset)
	hostOrder.PutUint64(b[lhLengthOffset:], h.Length)
}

func readLockEntryHeader(b []byte) LockEntryHeader {
	_ = b[LockEntryHeaderSize-1]
	return LockEntryHeader{
		Kind:   LockKind(b[lhKindOffset]),
		Offset: hostOrder.Uint64(b[lhOffsetOffset:]),
		Length: hostOrder.Uint64(b[lhLengthOffset:]),
	}
}

func (h EventEntryHeader) put(b []byte) {
	_ = b[EventEntryHeaderSize-1]
	clear(b[:EventEntryHeaderSize])
	b[ehKindOffset] = byte(h.Kind)
}

func readEventEntryHeader(b []byte) EventEntryHeader {
	_ = b[EventEntryHeaderSize-1]
	return EventEntryHeader{Kind: EventKind(b[ehKindOffset])}
}
