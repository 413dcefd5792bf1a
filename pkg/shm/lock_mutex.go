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

	internalshm "github.com/srediag/shmlink/internal/shm"
)

// mutex footprint layout: state 4 byte | reserved 4 byte
const mutexFootprint = 8

// mutex states
const (
	mutexUnlocked  = 0
	mutexLocked    = 1
	mutexContended = 2
)

// mutexLock is a futex-based three-state mutex whose only state is one word
// inside the region. It is not reentrant.
type mutexLock struct{}

func (mutexLock) Kind() LockKind { return LockMutex }

func (mutexLock) Footprint() uintptr { return mutexFootprint }

func (mutexLock) state(d *LockDescriptor) *uint32 {
	return internalshm.Word(d.primitive, 0)
}

func (m mutexLock) Init(d *LockDescriptor, creator bool) error {
	if d.primitive == nil || !internalshm.Aligned(d.primitive, 8) {
		return fmt.Errorf("%w: mutex at %p is not 8-byte aligned", ErrInit, d.primitive)
	}
	if creator {
		internalshm.ZeroWords(d.primitive, mutexFootprint/4)
		return nil
	}
	if s := atomic.LoadUint32(m.state(d)); s > mutexContended {
		return fmt.Errorf("%w: mutex state word holds %d", ErrInit, s)
	}
	return nil
}

func (m mutexLock) Lock(d *LockDescriptor) error {
	w := m.state(d)
	if atomic.CompareAndSwapUint32(w, mutexUnlocked, mutexLocked) {
		return nil
	}
	c := atomic.LoadUint32(w)
	if c != mutexContended {
		c = atomic.SwapUint32(w, mutexContended)
	}
	for c != mutexUnlocked {
		if err := internalshm.FutexWait(w, mutexContended, 0); err != nil {
			return fmt.Errorf("%w: %v", ErrLock, err)
		}
		c = atomic.SwapUint32(w, mutexContended)
	}
	return nil
}

func (m mutexLock) TryLock(d *LockDescriptor) (bool, error) {
	return atomic.CompareAndSwapUint32(m.state(d), mutexUnlocked, mutexLocked), nil
}

func (m mutexLock) Unlock(d *LockDescriptor) error {
	w := m.state(d)
	switch atomic.SwapUint32(w, mutexUnlocked) {
	case mutexUnlocked:
		return fmt.Errorf("%w: unlock of unlocked mutex", ErrLock)
	case mutexContended:
		if _, err := internalshm.FutexWake(w, 1); err != nil {
			return fmt.Errorf("%w: %v", ErrLock, err)
		}
	}
	return nil
}
