//go:build linux

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
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations. The words live in MAP_SHARED memory and
// waiters may be in other processes, so FUTEX_PRIVATE_FLAG must not be set.
const (
	futexWaitShared = 0 // FUTEX_WAIT
	futexWakeShared = 1 // FUTEX_WAKE
)

// FutexWait blocks while *addr == val, until woken, interrupted, or the timeout
// elapses. A timeout <= 0 waits indefinitely. Spurious returns are possible, so
// callers must re-check their condition.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	var tsPtr uintptr
	if timeout > 0 {
		ts := unix.NsecToTimespec(int64(timeout))
		tsPtr = uintptr(unsafe.Pointer(&ts))
	}
	// Syscall, not RawSyscall: the wait blocks and the scheduler must know.
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitShared,
		uintptr(val),
		tsPtr,
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrFutexTimeout
	default:
		return fmt.Errorf("futex wait failed: %w", errno)
	}
}

// FutexWake wakes up to n waiters blocked on addr and returns how many were woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeShared,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}
