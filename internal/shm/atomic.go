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
	"unsafe"
)

// Aligned reports whether addr is a multiple of n. n must be a power of two.
func Aligned(addr unsafe.Pointer, n uintptr) bool {
	return uintptr(addr)&(n-1) == 0
}

// Word returns the uint32 located off bytes after base.
func Word(base unsafe.Pointer, off uintptr) *uint32 {
	return (*uint32)(unsafe.Add(base, off))
}

// ZeroWords atomically stores zero into n consecutive uint32 words starting at base.
func ZeroWords(base unsafe.Pointer, n int) {
	for i := 0; i < n; i++ {
		atomic.StoreUint32(Word(base, uintptr(i)*4), 0)
	}
}
