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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/shmlink/internal/shm"
)

type LockTestSuite struct {
	regionFixture
}

type exclusionState struct {
	Counter uint64
	Inside  uint64
}

// hammer runs workers goroutines that each take the write guard iterations
// times, alternating between handles, and returns the number of times a
// worker found another one inside its critical section.
func (s *LockTestSuite) hammer(handles []*Region, workers, iterations int) int64 {
	pool, err := ants.NewPool(workers)
	s.Require().NoError(err)
	defer pool.Release()

	var overlaps atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		r := handles[w%len(handles)]
		wg.Add(1)
		s.Require().NoError(pool.Submit(func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				g, err := r.AcquireWrite()
				if err != nil {
					s.T().Error(err)
					return
				}
				st, err := View[exclusionState](g)
				if err != nil {
					s.T().Error(err)
					_ = g.Release()
					return
				}
				if !atomic.CompareAndSwapUint64(&st.Inside, 0, 1) {
					overlaps.Add(1)
				}
				st.Counter++
				atomic.StoreUint64(&st.Inside, 0)
				if err := g.Release(); err != nil {
					s.T().Error(err)
					return
				}
			}
		}))
	}
	wg.Wait()
	return overlaps.Load()
}

func (s *LockTestSuite) counter(r *Region) uint64 {
	g, err := r.AcquireRead()
	s.Require().NoError(err)
	defer g.Release()
	st, err := View[exclusionState](g)
	s.Require().NoError(err)
	return st.Counter
}

func (s *LockTestSuite) TestMutexExclusionAcrossHandles() {
	owner := s.singleLock("mutex", LockMutex, 64)
	peer := s.open(owner.LinkPath())

	overlaps := s.hammer([]*Region{owner, peer}, 8, 2000)
	s.Require().Zero(overlaps)
	s.Require().Equal(uint64(8*2000), s.counter(peer))
}

func (s *LockTestSuite) TestRWLockExclusionAcrossHandles() {
	owner := s.singleLock("rwlock", LockRWLock, 64)
	peer := s.open(owner.LinkPath())
	third := s.open(owner.LinkPath())

	overlaps := s.hammer([]*Region{owner, peer, third}, 9, 1000)
	s.Require().Zero(overlaps)
	s.Require().Equal(uint64(9*1000), s.counter(owner))
}

func (s *LockTestSuite) TestRWLockReadersShare() {
	owner := s.singleLock("readers", LockRWLock, 64)
	peer := s.open(owner.LinkPath())

	r1, err := owner.AcquireRead()
	s.Require().NoError(err)
	r2, err := peer.AcquireRead()
	s.Require().NoError(err)
	s.Require().True(r2.shared)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = peer.AcquireWriteContext(ctx)
	s.Require().ErrorIs(err, context.DeadlineExceeded)

	s.Require().NoError(r1.Release())
	s.Require().NoError(r2.Release())

	w, err := peer.AcquireWriteContext(context.Background())
	s.Require().NoError(err)
	s.Require().NoError(w.Release())
}

func (s *LockTestSuite) TestWriterBlocksReader() {
	owner := s.singleLock("writer", LockRWLock, 64)
	peer := s.open(owner.LinkPath())

	w, err := owner.AcquireWrite()
	s.Require().NoError(err)

	acquired := make(chan error, 1)
	go func() {
		r, err := peer.AcquireRead()
		if err == nil {
			err = r.Release()
		}
		acquired <- err
	}()

	select {
	case err := <-acquired:
		s.FailNow("reader acquired while writer held the lock", "%v", err)
	case <-time.After(30 * time.Millisecond):
	}
	s.Require().NoError(w.Release())

	select {
	case err := <-acquired:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("reader was not woken")
	}
}

func (s *LockTestSuite) TestMutexWaiterIsWoken() {
	owner := s.singleLock("wake", LockMutex, 64)
	peer := s.open(owner.LinkPath())

	held, err := owner.AcquireWrite()
	s.Require().NoError(err)

	done := make(chan error, 1)
	go func() {
		done <- peer.Write(func(p []byte) error {
			p[0] = 1
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(held.Release())

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("waiter was not woken")
	}
	s.Require().NoError(owner.Read(func(p []byte) error {
		s.Require().Equal(byte(1), p[0])
		return nil
	}))
}

func (s *LockTestSuite) TestMutexReadIsExclusive() {
	owner := s.singleLock("mutexread", LockMutex, 64)
	peer := s.open(owner.LinkPath())

	r, err := owner.AcquireRead()
	s.Require().NoError(err)
	s.Require().False(r.shared)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = peer.AcquireReadContext(ctx)
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.Require().Zero(peer.guards.Load())

	s.Require().NoError(r.Release())
	r2, err := peer.AcquireReadContext(context.Background())
	s.Require().NoError(err)
	s.Require().NoError(r2.Release())
}

func (s *LockTestSuite) TestBoundedWaitCancelled() {
	owner := s.singleLock("cancelled", LockMutex, 64)
	held, err := owner.AcquireWrite()
	s.Require().NoError(err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = owner.AcquireWriteContext(ctx)
	s.Require().ErrorIs(err, context.Canceled)
	s.Require().Equal(int32(1), owner.guards.Load())
}

func (s *LockTestSuite) TestReleaseOfUnheldLockFails() {
	mutex := s.singleLock("unheld", LockMutex, 64)
	d := mutex.conf.locks[0]
	s.Require().ErrorIs(d.impl.Unlock(d), ErrLock)

	rw := s.singleLock("unheldrw", LockRWLock, 64)
	rd := rw.conf.locks[0]
	sl := rd.impl.(SharedLockCapability)
	s.Require().ErrorIs(rd.impl.Unlock(rd), ErrLock)
	s.Require().ErrorIs(sl.RUnlock(rd), ErrLock)

	s.Require().NoError(sl.RLock(rd))
	s.Require().ErrorIs(rd.impl.Unlock(rd), ErrLock)
	s.Require().NoError(sl.RUnlock(rd))
	s.Require().NoError(rd.impl.Lock(rd))
	s.Require().ErrorIs(sl.RUnlock(rd), ErrLock)
	s.Require().NoError(rd.impl.Unlock(rd))
}

func (s *LockTestSuite) TestTryLock() {
	owner := s.singleLock("try", LockRWLock, 64)
	d := owner.conf.locks[0]
	sl := d.impl.(SharedLockCapability)

	ok, err := sl.TryRLock(d)
	s.Require().NoError(err)
	s.Require().True(ok)
	ok, err = sl.TryRLock(d)
	s.Require().NoError(err)
	s.Require().True(ok)
	ok, err = d.impl.TryLock(d)
	s.Require().NoError(err)
	s.Require().False(ok)

	s.Require().NoError(sl.RUnlock(d))
	s.Require().NoError(sl.RUnlock(d))
	ok, err = d.impl.TryLock(d)
	s.Require().NoError(err)
	s.Require().True(ok)
	ok, err = sl.TryRLock(d)
	s.Require().NoError(err)
	s.Require().False(ok)
	s.Require().NoError(d.impl.Unlock(d))

	m := s.singleLock("trymutex", LockMutex, 64)
	md := m.conf.locks[0]
	ok, err = md.impl.TryLock(md)
	s.Require().NoError(err)
	s.Require().True(ok)
	ok, err = md.impl.TryLock(md)
	s.Require().NoError(err)
	s.Require().False(ok)
	s.Require().NoError(md.impl.Unlock(md))
}

func (s *LockTestSuite) TestCreatorInitZeroesPrimitive() {
	conf, err := NewRegionConfig(s.link("zero"), 64).AddLock(LockRWLock, 0, 64)
	s.Require().NoError(err)
	r := s.create(conf)
	d := r.conf.locks[0]
	for off := uintptr(0); off < rwLockFootprint; off += 4 {
		s.Require().Zero(atomic.LoadUint32(internalshm.Word(d.primitive, off)))
	}
}

func TestLockTestSuite(t *testing.T) {
	suite.Run(t, new(LockTestSuite))
}
