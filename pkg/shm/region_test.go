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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

const sharedGreeting = "Some string you want to share\x00"

// regionFixture creates regions under a per-test directory and closes them
// when the test ends.
type regionFixture struct {
	suite.Suite
	dir string
	cfg *Config
}

type RegionTestSuite struct {
	regionFixture
}

func (s *regionFixture) SetupTest() {
	s.dir = s.T().TempDir()
	s.cfg = testConfig(s.dir)
}

func testConfig(dir string) *Config {
	cfg := DefaultConfig()
	cfg.MappingDir = dir
	cfg.SkipSpaceCheck = true
	return cfg
}

func (s *regionFixture) link(name string) string {
	return filepath.Join(s.dir, name+".link")
}

func (s *regionFixture) create(conf *RegionConfig) *Region {
	r, err := conf.WithConfig(s.cfg).Create(context.Background())
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = r.Close() })
	return r
}

func (s *regionFixture) open(link string) *Region {
	r, err := Open(context.Background(), link, s.cfg)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = r.Close() })
	return r
}

func (s *regionFixture) singleLock(name string, kind LockKind, size uint64) *Region {
	conf, err := NewRegionConfig(s.link(name), size).AddLock(kind, 0, size)
	s.Require().NoError(err)
	return s.create(conf)
}

func (s *RegionTestSuite) TestEndToEnd() {
	owner := s.singleLock("e2e", LockMutex, 4096)
	s.Require().True(owner.IsOwner())
	s.Require().Equal(uint64(4096), owner.Size())

	err := owner.Write(func(p []byte) error {
		s.Require().Len(p, 4096)
		copy(p, sharedGreeting)
		return nil
	})
	s.Require().NoError(err)

	peer := s.open(owner.LinkPath())
	s.Require().False(peer.IsOwner())
	s.Require().Equal(owner.ID(), peer.ID())
	s.Require().Equal(owner.Size(), peer.Size())

	var got []byte
	s.Require().NoError(peer.Read(func(p []byte) error {
		got = bytes.Clone(p[:len(sharedGreeting)])
		return nil
	}))
	s.Require().Equal([]byte(sharedGreeting), got)
	s.Require().Len(got, 31)
}

func (s *RegionTestSuite) TestLinkDescriptorHoldsID() {
	owner := s.singleLock("id", LockRWLock, 64)
	id, err := ReadLinkDescriptor(owner.LinkPath())
	s.Require().NoError(err)
	s.Require().Equal(owner.ID(), id)
	s.Require().Equal(s.dir, filepath.Dir(id))
	s.Require().True(len(filepath.Base(id)) > len(s.cfg.MappingPrefix))
	s.Require().Equal(s.cfg.MappingPrefix, filepath.Base(id)[:len(s.cfg.MappingPrefix)])
	s.Require().Equal(int(owner.MetadataSize()+owner.Size()), owner.MappedSize())
}

func (s *RegionTestSuite) TestRoundTripLocks() {
	conf := NewRegionConfig(s.link("locks"), 128)
	for _, l := range []LockInfo{
		{Kind: LockMutex, Offset: 0, Length: 16},
		{Kind: LockRWLock, Offset: 16, Length: 32},
		{Kind: LockMutex, Offset: 0, Length: 128},
		{Kind: LockRWLock, Offset: 127, Length: 1},
	} {
		_, err := conf.AddLock(l.Kind, l.Offset, l.Length)
		s.Require().NoError(err)
	}
	owner := s.create(conf)
	peer := s.open(owner.LinkPath())

	s.Require().Equal(owner.Locks(), peer.Locks())
	s.Require().Equal(conf.Locks(), peer.Locks())
	s.Require().Equal(owner.MetadataSize(), peer.MetadataSize())
}

func (s *RegionTestSuite) TestRoundTripEvents() {
	conf, err := NewRegionConfig(s.link("events"), 64).AddLock(LockMutex, 0, 64)
	s.Require().NoError(err)
	conf.addEvent(3).addEvent(0)
	owner := s.create(conf)

	peer := s.open(owner.LinkPath())
	s.Require().Equal([]EventKind{3, 0}, peer.EventKinds())
	s.Require().Equal(owner.MetadataSize(), peer.MetadataSize())
}

func (s *RegionTestSuite) TestRegionWithoutLocks() {
	owner := s.create(NewRegionConfig(s.link("bare"), 16))
	_, err := owner.AcquireWrite()
	s.Require().ErrorIs(err, ErrNoLocks)

	peer := s.open(owner.LinkPath())
	s.Require().Empty(peer.Locks())
	s.Require().NoError(owner.Close())
}

func (s *RegionTestSuite) TestCreateTwice() {
	first := s.singleLock("twice", LockMutex, 64)
	s.Require().NoError(first.Write(func(p []byte) error {
		p[0] = 42
		return nil
	}))

	conf, err := NewRegionConfig(first.LinkPath(), 64).AddLock(LockMutex, 0, 64)
	s.Require().NoError(err)
	_, err = conf.WithConfig(s.cfg).Create(context.Background())
	s.Require().ErrorIs(err, ErrAlreadyExists)

	id, err := ReadLinkDescriptor(first.LinkPath())
	s.Require().NoError(err)
	s.Require().Equal(first.ID(), id)
	s.Require().NoError(first.Check())

	peer := s.open(first.LinkPath())
	s.Require().NoError(peer.Read(func(p []byte) error {
		s.Require().Equal(byte(42), p[0])
		return nil
	}))
}

func (s *RegionTestSuite) TestCreateTwiceFromSameConfig() {
	conf, err := NewRegionConfig(s.link("reuse"), 64).AddLock(LockMutex, 0, 64)
	s.Require().NoError(err)
	s.create(conf)
	_, err = conf.Create(context.Background())
	s.Require().ErrorIs(err, errConfigBound)
	_, err = conf.AddLock(LockMutex, 0, 1)
	s.Require().ErrorIs(err, errConfigBound)
}

func (s *RegionTestSuite) TestCreateFailureCleansUp() {
	cfg := testConfig(filepath.Join(s.dir, "missing"))
	link := s.link("cleanup")
	conf, err := NewRegionConfig(link, 64).AddLock(LockMutex, 0, 64)
	s.Require().NoError(err)
	_, err = conf.WithConfig(cfg).Create(context.Background())
	s.Require().ErrorIs(err, ErrMapping)

	_, statErr := os.Stat(link)
	s.Require().True(os.IsNotExist(statErr))
	for _, d := range conf.locks {
		s.Require().Nil(d.Data())
	}

	conf, err = NewRegionConfig(link, 64).AddLock(LockMutex, 0, 64)
	s.Require().NoError(err)
	s.create(conf)
}

func (s *RegionTestSuite) TestCreateInvalidConfig() {
	cfg := testConfig(s.dir)
	cfg.MappingDir = "relative"
	conf, err := NewRegionConfig(s.link("badcfg"), 64).AddLock(LockMutex, 0, 64)
	s.Require().NoError(err)
	_, err = conf.WithConfig(cfg).Create(context.Background())
	s.Require().Error(err)
	_, statErr := os.Stat(s.link("badcfg"))
	s.Require().True(os.IsNotExist(statErr))
}

func (s *RegionTestSuite) TestCreateRegionInvalidSize() {
	_, err := CreateRegion(context.Background(), s.link("empty"), LockMutex, 0)
	s.Require().ErrorIs(err, ErrInvalidRange)
}

func (s *RegionTestSuite) TestOpenNotFound() {
	_, err := Open(context.Background(), s.link("nowhere"), s.cfg)
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *RegionTestSuite) TestOpenAttachError() {
	link := s.link("dangling")
	s.Require().NoError(os.WriteFile(link, []byte(filepath.Join(s.dir, "gone")), 0600))
	_, err := Open(context.Background(), link, s.cfg)
	s.Require().ErrorIs(err, ErrAttach)
	s.Require().ErrorIs(err, ErrMapping)

	s.Require().NoError(os.WriteFile(link, nil, 0600))
	_, err = Open(context.Background(), link, s.cfg)
	s.Require().ErrorIs(err, ErrAttach)
}

func (s *RegionTestSuite) TestOpenEmptyBackingObject() {
	backing := filepath.Join(s.dir, "backing")
	s.Require().NoError(os.WriteFile(backing, nil, 0600))
	link := s.link("emptybacking")
	s.Require().NoError(os.WriteFile(link, []byte(backing), 0600))

	_, err := Open(context.Background(), link, s.cfg)
	s.Require().ErrorIs(err, ErrTooSmall)
}

func (s *RegionTestSuite) TestOpenTruncatedMapping() {
	owner := s.singleLock("truncated", LockRWLock, 256)
	s.Require().NoError(os.Truncate(owner.ID(), int64(owner.MappedSize()-1)))

	_, err := Open(context.Background(), owner.LinkPath(), s.cfg)
	s.Require().ErrorIs(err, ErrTooSmall)
}

func (s *RegionTestSuite) TestOpenCorruptLockCount() {
	owner := s.singleLock("lockcount", LockMutex, 64)
	mem := owner.mapping.Data
	for i := ghLockCountOffset; i < ghLockCountOffset+8; i++ {
		orig := mem[i]
		mem[i] ^= 0xff
		_, err := Open(context.Background(), owner.LinkPath(), s.cfg)
		s.Require().Error(err, "byte %d", i)
		s.Require().True(isLayoutError(err), "byte %d: %v", i, err)
		mem[i] = orig
	}

	hostOrder.PutUint64(mem[ghLockCountOffset:], 0)
	_, err := Open(context.Background(), owner.LinkPath(), s.cfg)
	s.Require().ErrorIs(err, ErrCorruptMetadata)

	hostOrder.PutUint64(mem[ghLockCountOffset:], 1)
	s.open(owner.LinkPath())
}

func isLayoutError(err error) bool {
	return errors.Is(err, ErrTooSmall) || errors.Is(err, ErrCorruptMetadata)
}

func (s *RegionTestSuite) TestOpenCorruptMetadataSize() {
	owner := s.singleLock("metasize", LockMutex, 64)
	mem := owner.mapping.Data

	hostOrder.PutUint64(mem[ghMetadataSizeOffset:], owner.MetadataSize()+8)
	_, err := Open(context.Background(), owner.LinkPath(), s.cfg)
	s.Require().True(isLayoutError(err), "%v", err)

	hostOrder.PutUint64(mem[ghMetadataSizeOffset:], 8)
	_, err = Open(context.Background(), owner.LinkPath(), s.cfg)
	s.Require().ErrorIs(err, ErrCorruptMetadata)

	hostOrder.PutUint64(mem[ghMetadataSizeOffset:], owner.MetadataSize())
	hostOrder.PutUint64(mem[ghUserSizeOffset:], owner.Size()+1)
	_, err = Open(context.Background(), owner.LinkPath(), s.cfg)
	s.Require().ErrorIs(err, ErrTooSmall)
}

func (s *RegionTestSuite) TestOpenCorruptEventCount() {
	owner := s.singleLock("eventcount", LockMutex, 64)
	hostOrder.PutUint64(owner.mapping.Data[ghEventCountOffset:], 1)
	_, err := Open(context.Background(), owner.LinkPath(), s.cfg)
	s.Require().ErrorIs(err, ErrCorruptMetadata)
}

func (s *RegionTestSuite) TestOpenUnknownLockKind() {
	owner := s.singleLock("kind", LockMutex, 64)
	owner.mapping.Data[GlobalHeaderSize+lhKindOffset] = 9
	_, err := Open(context.Background(), owner.LinkPath(), s.cfg)
	s.Require().ErrorIs(err, ErrUnknownLockKind)
}

func (s *RegionTestSuite) TestOpenInvalidLockRange() {
	owner := s.singleLock("range", LockMutex, 64)
	hostOrder.PutUint64(owner.mapping.Data[GlobalHeaderSize+lhOffsetOffset:], 64)
	hostOrder.PutUint64(owner.mapping.Data[GlobalHeaderSize+lhLengthOffset:], 0)
	_, err := Open(context.Background(), owner.LinkPath(), s.cfg)
	s.Require().ErrorIs(err, ErrInvalidRange)
}

func (s *RegionTestSuite) TestOpenImpossiblePrimitiveState() {
	owner := s.singleLock("state", LockMutex, 64)
	hostOrder.PutUint32(owner.mapping.Data[GlobalHeaderSize+LockEntryHeaderSize:], 7)
	_, err := Open(context.Background(), owner.LinkPath(), s.cfg)
	s.Require().ErrorIs(err, ErrInit)

	rw := s.singleLock("rwstate", LockRWLock, 64)
	hostOrder.PutUint32(rw.mapping.Data[GlobalHeaderSize+LockEntryHeaderSize:], rwWriter|3)
	_, err = Open(context.Background(), rw.LinkPath(), s.cfg)
	s.Require().ErrorIs(err, ErrInit)
}

func (s *RegionTestSuite) TestOpenDoesNotReinitializeHeldLock() {
	owner := s.singleLock("held", LockMutex, 64)
	g, err := owner.AcquireWrite()
	s.Require().NoError(err)

	peer := s.open(owner.LinkPath())
	ok, err := peer.conf.locks[0].impl.TryLock(peer.conf.locks[0])
	s.Require().NoError(err)
	s.Require().False(ok)
	s.Require().NoError(g.Release())
}

func (s *RegionTestSuite) TestNonOwnerCloseKeepsLink() {
	owner := s.singleLock("keep", LockMutex, 64)
	peer := s.open(owner.LinkPath())
	s.Require().NoError(peer.Close())
	s.Require().NoError(peer.Close())

	_, err := os.Stat(owner.LinkPath())
	s.Require().NoError(err)
	_, err = os.Stat(owner.ID())
	s.Require().NoError(err)
	s.Require().NoError(owner.Check())
}

func (s *RegionTestSuite) TestOwnerCloseRemovesLink() {
	owner := s.singleLock("remove", LockMutex, 64)
	s.Require().NoError(owner.Close())
	s.Require().NoError(owner.Close())

	_, err := os.Stat(owner.LinkPath())
	s.Require().True(os.IsNotExist(err))
	_, err = os.Stat(owner.ID())
	s.Require().True(os.IsNotExist(err))

	_, err = Open(context.Background(), owner.LinkPath(), s.cfg)
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *RegionTestSuite) TestOwnerCloseAfterExternalDelete() {
	owner := s.singleLock("external", LockMutex, 64)
	s.Require().NoError(os.Remove(owner.LinkPath()))
	s.Require().NoError(os.Remove(owner.ID()))
	s.Require().ErrorIs(owner.Check(), ErrAttach)
	s.Require().NoError(owner.Close())
}

func (s *RegionTestSuite) TestPeerSurvivesOwnerClose() {
	owner := s.singleLock("survive", LockRWLock, 64)
	peer := s.open(owner.LinkPath())
	s.Require().NoError(owner.Close())

	s.Require().NoError(peer.Write(func(p []byte) error {
		copy(p, "still mapped")
		return nil
	}))
	s.Require().ErrorIs(peer.Check(), ErrAttach)
}

func (s *RegionTestSuite) TestCloseWithHeldGuard() {
	owner := s.singleLock("busy", LockMutex, 64)
	g, err := owner.AcquireWrite()
	s.Require().NoError(err)

	s.Require().ErrorIs(owner.Close(), ErrBusy)
	s.Require().NoError(owner.Check())

	s.Require().NoError(g.Release())
	s.Require().NoError(owner.Close())
	_, err = owner.AcquireWrite()
	s.Require().ErrorIs(err, ErrClosed)
	s.Require().ErrorIs(owner.Check(), ErrClosed)
}

func (s *RegionTestSuite) TestRegistry() {
	owner := s.singleLock("registry", LockMutex, 64)
	peer := s.open(owner.LinkPath())
	s.Require().Contains(Regions(), owner)
	s.Require().Contains(Regions(), peer)

	s.Require().NoError(peer.Close())
	s.Require().NotContains(Regions(), peer)
	s.Require().Contains(Regions(), owner)
}

func (s *RegionTestSuite) TestDebugRegionDetail() {
	conf, err := NewRegionConfig(s.link("detail"), 64).AddLock(LockMutex, 0, 64)
	s.Require().NoError(err)
	_, err = conf.AddLock(LockRWLock, 8, 8)
	s.Require().NoError(err)
	owner := s.create(conf)

	g, err := owner.AcquireLockWrite(0)
	s.Require().NoError(err)
	defer g.Release()

	detail, err := DebugRegionDetail(owner.LinkPath())
	s.Require().NoError(err)
	s.Require().Contains(detail, "locks:2")
	s.Require().Contains(detail, "lock[0] kind:mutex offset:0 length:64 words: 0x00000001 0x00000000")
	s.Require().Contains(detail, "lock[1] kind:rwlock offset:8 length:8")

	_, err = DebugRegionDetail(s.link("missing"))
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *RegionTestSuite) TestString() {
	owner := s.singleLock("string", LockMutex, 64)
	s.Require().Contains(owner.String(), owner.LinkPath())
	s.Require().Contains(owner.String(), "owner: true")
}

func TestRegionTestSuite(t *testing.T) {
	suite.Run(t, new(RegionTestSuite))
}
