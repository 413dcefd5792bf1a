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
	"math"
	"sync/atomic"

	internalshm "github.com/srediag/shmlink/internal/shm"
)

// rwlock footprint layout: state 4 byte | seq 4 byte | waiters 4 byte | reserved 4 byte
const (
	rwLockFootprint = 16
	rwStateOffset   = 0
	rwSeqOffset     = 4
	rwWaitersOffset = 8
)

// state word: writer bit | reader count
const (
	rwWriter     = uint32(1) << 31
	rwReaderMask = rwWriter - 1
)

// rwLock is a futex-based read-write lock. Waiters sleep on a sequence word
// that every release bumps. There is no writer preference.
type rwLock struct{}

func (rwLock) Kind() LockKind { return LockRWLock }

func (rwLock) Footprint() uintptr { return rwLockFootprint }

func (rwLock) words(d *LockDescriptor) (state, seq, waiters *uint32) {
	return internalshm.Word(d.primitive, rwStateOffset),
		internalshm.Word(d.primitive, rwSeqOffset),
		internalshm.Word(d.primitive, rwWaitersOffset)
}

func (l rwLock) Init(d *LockDescriptor, creator bool) error {
	if d.primitive == nil || !internalshm.Aligned(d.primitive, 8) {
		return fmt.Errorf("%w: rwlock at %p is not 8-byte aligned", ErrInit, d.primitive)
	}
	if creator {
		internalshm.ZeroWords(d.primitive, rwLockFootprint/4)
		return nil
	}
	state, _, _ := l.words(d)
	if s := atomic.LoadUint32(state); s&rwWriter != 0 && s&rwReaderMask != 0 {
		return fmt.Errorf("%w: rwlock state word 0x%x has a writer and readers", ErrInit, s)
	}
	return nil
}

// wait sleeps until a release happens, unless the state already allows progress.
func (l rwLock) wait(d *LockDescriptor, blocked func(uint32) bool) error {
	state, seq, waiters := l.words(d)
	atomic.AddUint32(waiters, 1)
	defer atomic.AddUint32(waiters, ^uint32(0))
	cur := atomic.LoadUint32(seq)
	if !blocked(atomic.LoadUint32(state)) {
		return nil
	}
	if err := internalshm.FutexWait(seq, cur, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrLock, err)
	}
	return nil
}

func (l rwLock) wake(d *LockDescriptor) error {
	_, seq, waiters := l.words(d)
	atomic.AddUint32(seq, 1)
	if atomic.LoadUint32(waiters) == 0 {
		return nil
	}
	if _, err := internalshm.FutexWake(seq, math.MaxInt32); err != nil {
		return fmt.Errorf("%w: %v", ErrLock, err)
	}
	return nil
}

func (l rwLock) Lock(d *LockDescriptor) error {
	state, _, _ := l.words(d)
	for {
		if atomic.CompareAndSwapUint32(state, 0, rwWriter) {
			return nil
		}
		if err := l.wait(d, func(s uint32) bool { return s != 0 }); err != nil {
			return err
		}
	}
}

func (l rwLock) TryLock(d *LockDescriptor) (bool, error) {
	state, _, _ := l.words(d)
	return atomic.CompareAndSwapUint32(state, 0, rwWriter), nil
}

func (l rwLock) Unlock(d *LockDescriptor) error {
	state, _, _ := l.words(d)
	if !atomic.CompareAndSwapUint32(state, rwWriter, 0) {
		return fmt.Errorf("%w: unlock of rwlock not held for writing", ErrLock)
	}
	return l.wake(d)
}

func (l rwLock) RLock(d *LockDescriptor) error {
	for {
		ok, err := l.TryRLock(d)
		if err != nil || ok {
			return err
		}
		if err := l.wait(d, func(s uint32) bool { return s&rwWriter != 0 }); err != nil {
			return err
		}
	}
}

// TryRLock fails only when a writer holds the lock; reader races are retried.
func (l rwLock) TryRLock(d *LockDescriptor) (bool, error) {
	state, _, _ := l.words(d)
	for {
		s := atomic.LoadUint32(state)
		if s&rwWriter != 0 {
			return false, nil
		}
		if s&rwReaderMask == rwReaderMask {
			return false, fmt.Errorf("%w: too many readers", ErrLock)
		}
		if atomic.CompareAndSwapUint32(state, s, s+1) {
			return true, nil
		}
	}
}

func (l rwLock) RUnlock(d *LockDescriptor) error {
	state, _, _ := l.words(d)
	for {
		s := atomic.LoadUint32(state)
		if s&rwWriter != 0 || s&rwReaderMask == 0 {
			return fmt.Errorf("%w: runlock of rwlock not held for reading", ErrLock)
		}
		if atomic.CompareAndSwapUint32(state, s, s-1) {
			if s-1 == 0 {
				return l.wake(d)
			}
			return nil
		}
	}
}
