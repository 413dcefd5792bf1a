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
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"

	internalshm "github.com/srediag/shmlink/internal/shm"
)

// Guard is held access to a byte range of a region's payload. The bytes must
// not be used after Release.
type Guard interface {
	Bytes() []byte
	Release() error
}

type guard struct {
	region   *Region
	desc     *LockDescriptor
	data     []byte
	shared   bool
	released atomic.Bool
}

func (g *guard) Bytes() []byte {
	if g.released.Load() {
		return nil
	}
	return g.data
}

// Release unlocks the primitive. Calls after the first are no-ops.
func (g *guard) Release() error {
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}
	defer g.region.leave()
	if g.shared {
		return g.desc.impl.(SharedLockCapability).RUnlock(g.desc)
	}
	return g.desc.impl.Unlock(g.desc)
}

// WriteGuard holds a lock exclusively.
type WriteGuard struct{ *guard }

// ReadGuard holds a lock shared, or exclusively when its kind has no shared mode.
type ReadGuard struct{ *guard }

var (
	_ Guard = (*WriteGuard)(nil)
	_ Guard = (*ReadGuard)(nil)
)

// AcquireWrite locks lock 0 exclusively and returns the whole payload.
func (r *Region) AcquireWrite() (*WriteGuard, error) {
	g, err := r.acquire(context.Background(), 0, false, true, false)
	if err != nil {
		return nil, err
	}
	return &WriteGuard{guard: g}, nil
}

// AcquireRead locks lock 0 shared and returns the whole payload.
func (r *Region) AcquireRead() (*ReadGuard, error) {
	g, err := r.acquire(context.Background(), 0, true, true, false)
	if err != nil {
		return nil, err
	}
	return &ReadGuard{guard: g}, nil
}

// AcquireLockWrite locks lock i exclusively and returns the bytes it governs.
func (r *Region) AcquireLockWrite(i int) (*WriteGuard, error) {
	g, err := r.acquire(context.Background(), i, false, false, false)
	if err != nil {
		return nil, err
	}
	return &WriteGuard{guard: g}, nil
}

// AcquireLockRead locks lock i shared and returns the bytes it governs.
func (r *Region) AcquireLockRead(i int) (*ReadGuard, error) {
	g, err := r.acquire(context.Background(), i, true, false, false)
	if err != nil {
		return nil, err
	}
	return &ReadGuard{guard: g}, nil
}

// AcquireWriteContext is AcquireWrite that gives up when ctx is done. It polls
// the lock with exponential backoff instead of sleeping in the kernel.
func (r *Region) AcquireWriteContext(ctx context.Context) (*WriteGuard, error) {
	g, err := r.acquire(ctx, 0, false, true, true)
	if err != nil {
		return nil, err
	}
	return &WriteGuard{guard: g}, nil
}

// AcquireReadContext is AcquireRead that gives up when ctx is done.
func (r *Region) AcquireReadContext(ctx context.Context) (*ReadGuard, error) {
	g, err := r.acquire(ctx, 0, true, true, true)
	if err != nil {
		return nil, err
	}
	return &ReadGuard{guard: g}, nil
}

// Write runs fn with exclusive access to the payload. The lock is released
// however fn returns, panics included.
func (r *Region) Write(fn func(p []byte) error) (err error) {
	g, err := r.AcquireWrite()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(); err == nil {
			err = rerr
		}
	}()
	return fn(g.Bytes())
}

// Read runs fn with shared access to the payload.
func (r *Region) Read(fn func(p []byte) error) (err error) {
	g, err := r.AcquireRead()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(); err == nil {
			err = rerr
		}
	}()
	return fn(g.Bytes())
}

func (r *Region) acquire(ctx context.Context, i int, shared, whole, bounded bool) (*guard, error) {
	if err := r.enter(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(r.conf.locks) {
		r.leave()
		return nil, fmt.Errorf("%w: lock %d of %d on %s", ErrNoLocks, i, len(r.conf.locks), r.conf.linkPath)
	}
	d := r.conf.locks[i]
	sl, ok := d.impl.(SharedLockCapability)
	shared = shared && ok
	mode := modeExclusive
	if shared {
		mode = modeShared
	}

	start := time.Now()
	var err error
	switch {
	case bounded:
		err = r.pollLock(ctx, d, sl, shared)
	case shared:
		err = sl.RLock(d)
	default:
		err = d.impl.Lock(d)
	}
	if err != nil {
		r.leave()
		return nil, err
	}
	r.tel.observeWait(d.kind, mode, time.Since(start))
	internalLogger.tracef("acquired lock %d of %s %s", i, r.conf.linkPath, mode)

	data := d.data
	if whole {
		data = r.payload
	}
	return &guard{region: r, desc: d, data: data, shared: shared}, nil
}

func (r *Region) pollLock(ctx context.Context, d *LockDescriptor, sl SharedLockCapability, shared bool) error {
	cfg := r.conf.config()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryInitialInterval
	b.MaxInterval = cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	op := func() error {
		var ok bool
		var err error
		if shared {
			ok, err = sl.TryRLock(d)
		} else {
			ok, err = d.impl.TryLock(d)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// View interprets the start of the guarded bytes as a T. T must be plain data:
// no pointers, slices, maps, strings or interfaces. The pointer is valid only
// until the guard is released.
func View[T any](g Guard) (*T, error) {
	b := g.Bytes()
	var zero T
	size := unsafe.Sizeof(zero)
	if uintptr(len(b)) < size || len(b) == 0 {
		return nil, fmt.Errorf("%w: %T needs %d bytes, guard holds %d", ErrTooSmall, zero, size, len(b))
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	if !internalshm.Aligned(p, unsafe.Alignof(zero)) {
		return nil, fmt.Errorf("%w: guarded bytes are not aligned for %T", ErrInvalidRange, zero)
	}
	return (*T)(p), nil
}

// ViewSlice interprets the guarded bytes as as many T as fit. It returns nil
// when no element fits or the bytes are misaligned for T. The same plain data
// rules as View apply.
func ViewSlice[T any](g Guard) []T {
	b := g.Bytes()
	var zero T
	size := unsafe.Sizeof(zero)
	if size == 0 || uintptr(len(b)) < size {
		return nil
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	if !internalshm.Aligned(p, unsafe.Alignof(zero)) {
		return nil
	}
	return unsafe.Slice((*T)(p), uintptr(len(b))/size)
}
