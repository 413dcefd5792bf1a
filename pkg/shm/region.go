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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	internalshm "github.com/srediag/shmlink/internal/shm"
)

// Region is a live handle on a shared region. Only the handle returned by
// Create owns the link descriptor and the backing object, and removes both
// on Close.
type Region struct {
	mu     sync.RWMutex
	closed bool
	guards atomic.Int32

	conf    *RegionConfig
	mapping *internalshm.MappedRegion
	link    *os.File
	payload []byte
	tel     *telemetry
}

// CreateRegion creates a region of size payload bytes with a single lock of
// the given kind over all of it.
func CreateRegion(ctx context.Context, linkPath string, kind LockKind, size uint64) (*Region, error) {
	conf, err := NewRegionConfig(linkPath, size).AddLock(kind, 0, size)
	if err != nil {
		return nil, err
	}
	return conf.Create(ctx)
}

// OpenRegion opens the region named by linkPath with the default config.
func OpenRegion(ctx context.Context, linkPath string) (*Region, error) {
	return Open(ctx, linkPath, nil)
}

// Create allocates the shared mapping, writes the layout, constructs every
// lock primitive and records the mapping id in a new link descriptor.
// Nothing created so far survives a failure.
func (c *RegionConfig) Create(ctx context.Context) (r *Region, err error) {
	if c.bound {
		return nil, errConfigBound
	}
	cfg := c.config()
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	tel := newTelemetry(cfg)
	ctx, span := tel.startSpan(ctx, "shmlink.Create", c.linkPath)
	defer func() {
		endSpan(span, err)
		observeRegionOp(opCreate, err)
	}()

	if c.userSize > math.MaxInt-c.metadataSize {
		return nil, fmt.Errorf("%w: %d user bytes do not fit in a mapping", ErrMapping, c.userSize)
	}
	total := c.metadataSize + c.userSize

	link, err := os.OpenFile(c.linkPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, cfg.FilePerm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, c.linkPath)
		}
		return nil, fmt.Errorf("%w: create %s: %w", ErrPersist, c.linkPath, err)
	}

	var mapping *internalshm.MappedRegion
	defer func() {
		if err == nil {
			return
		}
		c.unbindAll()
		c.bound = false
		if mapping != nil {
			_ = mapping.Close()
			_ = internalshm.RemoveMapping(mapping.ID)
		}
		_ = link.Close()
		_ = os.Remove(c.linkPath)
	}()

	mapping, err = internalshm.CreateMapping(ctx, internalshm.MapOptions{
		Dir:            cfg.MappingDir,
		Name:           cfg.MappingPrefix + uuid.NewString(),
		Size:           int(total),
		Perm:           cfg.FilePerm,
		SkipSpaceCheck: cfg.SkipSpaceCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMapping, err)
	}

	if err = c.writeLayout(mapping.Data); err != nil {
		return nil, err
	}

	n, err := link.WriteString(mapping.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPersist, c.linkPath, err)
	}
	if n != len(mapping.ID) {
		err = fmt.Errorf("%w: %s: wrote %d of %d bytes", ErrPersist, c.linkPath, n, len(mapping.ID))
		return nil, err
	}

	c.owner = true
	r = newRegion(c, mapping, link, tel)
	internalLogger.infof("created region %s id %s metadata %d user %d locks %d events %d",
		c.linkPath, mapping.ID, c.metadataSize, c.userSize, len(c.locks), len(c.events))
	return r, nil
}

// writeLayout writes every header into mem and constructs the lock primitives.
func (c *RegionConfig) writeLayout(mem []byte) error {
	userStart := c.metadataSize
	c.globalHeader().put(mem[:GlobalHeaderSize])
	cur := uint64(GlobalHeaderSize)
	c.bound = true
	for i, d := range c.locks {
		LockEntryHeader{Kind: d.kind, Offset: d.offset, Length: d.length}.put(mem[cur:])
		cur += LockEntryHeaderSize
		d.bind(mem, cur, userStart)
		cur += uint64(d.impl.Footprint())
		if err := d.impl.Init(d, true); err != nil {
			return fmt.Errorf("lock %d: %w", i, err)
		}
	}
	for _, e := range c.events {
		e.put(mem[cur:])
		cur += EventEntryHeaderSize
	}
	if cur != userStart {
		return fmt.Errorf("%w: layout ends at %d, payload starts at %d", ErrCorruptMetadata, cur, userStart)
	}
	return nil
}

// Open attaches to the region named by the link descriptor at linkPath and
// rebuilds its configuration from the region bytes. A nil cfg means
// DefaultConfig. The returned handle never removes anything on Close.
func Open(ctx context.Context, linkPath string, cfg *Config) (r *Region, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	tel := newTelemetry(cfg)
	ctx, span := tel.startSpan(ctx, "shmlink.Open", linkPath)
	defer func() {
		endSpan(span, err)
		observeRegionOp(opOpen, err)
	}()

	link, err := os.Open(linkPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var mapping *internalshm.MappedRegion
	var conf *RegionConfig
	defer func() {
		if err == nil {
			return
		}
		if conf != nil {
			conf.unbindAll()
		}
		if mapping != nil {
			_ = mapping.Close()
		}
		_ = link.Close()
	}()

	raw, err := io.ReadAll(link)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNotFound, linkPath, err)
	}
	id := string(raw)

	mapping, err = internalshm.OpenMapping(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttach, err)
	}

	conf, err = parseLayout(linkPath, mapping.Data)
	if err != nil {
		return nil, err
	}
	conf.cfg = cfg

	r = newRegion(conf, mapping, link, tel)
	internalLogger.infof("opened region %s id %s metadata %d user %d locks %d events %d",
		linkPath, id, conf.metadataSize, conf.userSize, len(conf.locks), len(conf.events))
	return r, nil
}

// parseLayout validates the headers at the front of mem and binds a
// descriptor to every lock. The cursor never crosses the payload start.
func parseLayout(linkPath string, mem []byte) (*RegionConfig, error) {
	mapped := uint64(len(mem))
	if mapped < GlobalHeaderSize {
		return nil, fmt.Errorf("%w: mapping holds %d bytes, global header needs %d",
			ErrTooSmall, mapped, GlobalHeaderSize)
	}
	gh := readGlobalHeader(mem)
	if gh.MetadataSize > mapped || gh.UserSize > mapped-gh.MetadataSize {
		return nil, fmt.Errorf("%w: metadata %d and user %d bytes exceed mapping of %d bytes",
			ErrTooSmall, gh.MetadataSize, gh.UserSize, mapped)
	}
	if gh.MetadataSize < GlobalHeaderSize {
		return nil, fmt.Errorf("%w: metadata size %d is below the global header size",
			ErrCorruptMetadata, gh.MetadataSize)
	}

	conf := &RegionConfig{
		linkPath:     linkPath,
		userSize:     gh.UserSize,
		metadataSize: gh.MetadataSize,
		bound:        true,
	}
	userStart := gh.MetadataSize
	cur := uint64(GlobalHeaderSize)

	fail := func(err error) (*RegionConfig, error) {
		conf.unbindAll()
		return nil, err
	}

	for i := uint64(0); i < gh.LockCount; i++ {
		if userStart-cur < LockEntryHeaderSize {
			return fail(fmt.Errorf("%w: lock header %d at %d crosses payload start %d",
				ErrCorruptMetadata, i, cur, userStart))
		}
		h := readLockEntryHeader(mem[cur:])
		cur += LockEntryHeaderSize

		impl, err := lockImplFromKind(h.Kind)
		if err != nil {
			return fail(fmt.Errorf("lock %d: %w", i, err))
		}
		if !ValidLockRange(gh.UserSize, h.Offset, h.Length) {
			return fail(fmt.Errorf("%w: lock %d offset %d length %d in %d user bytes",
				ErrInvalidRange, i, h.Offset, h.Length, gh.UserSize))
		}
		footprint := uint64(impl.Footprint())
		if userStart-cur < footprint {
			return fail(fmt.Errorf("%w: lock %d primitive at %d crosses payload start %d",
				ErrCorruptMetadata, i, cur, userStart))
		}

		d := &LockDescriptor{kind: h.Kind, offset: h.Offset, length: h.Length, impl: impl}
		d.bind(mem, cur, userStart)
		cur += footprint
		conf.locks = append(conf.locks, d)
		if err := impl.Init(d, false); err != nil {
			return fail(fmt.Errorf("lock %d: %w", i, err))
		}
		internalLogger.debugf("region %s lock %d kind %s offset %d length %d",
			linkPath, i, h.Kind, h.Offset, h.Length)
	}

	for i := uint64(0); i < gh.EventCount; i++ {
		if userStart-cur < EventEntryHeaderSize {
			return fail(fmt.Errorf("%w: event header %d at %d crosses payload start %d",
				ErrCorruptMetadata, i, cur, userStart))
		}
		conf.events = append(conf.events, readEventEntryHeader(mem[cur:]))
		cur += EventEntryHeaderSize
	}

	if cur != userStart {
		return fail(fmt.Errorf("%w: headers end at %d, payload starts at %d",
			ErrCorruptMetadata, cur, userStart))
	}
	return conf, nil
}

func newRegion(conf *RegionConfig, mapping *internalshm.MappedRegion, link *os.File, tel *telemetry) *Region {
	start := conf.metadataSize
	end := start + conf.userSize
	r := &Region{
		conf:    conf,
		mapping: mapping,
		link:    link,
		payload: mapping.Data[start:end:end],
		tel:     tel,
	}
	register(r)
	return r
}

// Close releases the handle. The owner also removes the link descriptor and
// the backing object; both removals are best effort. Close fails with
// ErrBusy while guards are held and is a no-op once it succeeded.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if n := r.guards.Load(); n > 0 {
		return fmt.Errorf("%w: %d guards on %s", ErrBusy, n, r.conf.linkPath)
	}
	r.closed = true
	unregister(r)

	var errs []error
	if err := r.link.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close link descriptor: %w", err))
	}
	if r.conf.owner {
		if err := os.Remove(r.conf.linkPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			internalLogger.warnf("remove link descriptor %s: %v", r.conf.linkPath, err)
		}
		if err := internalshm.RemoveMapping(r.mapping.ID); err != nil {
			internalLogger.warnf("remove backing object %s: %v", r.mapping.ID, err)
		}
	}
	r.conf.unbindAll()
	r.payload = nil
	if err := r.mapping.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrMapping, err))
	}
	internalLogger.debugf("closed region %s owner %v", r.conf.linkPath, r.conf.owner)
	return errors.Join(errs...)
}

// Check reports whether the handle is open and its backing object still
// exists. For the owner the link descriptor must exist as well.
func (r *Region) Check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	if len(r.mapping.Data) == 0 {
		return fmt.Errorf("%w: %s is not mapped", ErrMapping, r.mapping.ID)
	}
	if _, err := os.Stat(r.mapping.ID); err != nil {
		return fmt.Errorf("%w: backing object: %w", ErrAttach, err)
	}
	if r.conf.owner {
		if _, err := os.Stat(r.conf.linkPath); err != nil {
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
	}
	return nil
}

// enter registers a guard so that Close cannot unmap underneath it.
func (r *Region) enter() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("%w: %s", ErrClosed, r.conf.linkPath)
	}
	r.guards.Add(1)
	return nil
}

func (r *Region) leave() { r.guards.Add(-1) }

// Size is the user payload size in bytes.
func (r *Region) Size() uint64 { return r.conf.userSize }

func (r *Region) LinkPath() string { return r.conf.linkPath }

// ID is the OS unique identifier stored in the link descriptor.
func (r *Region) ID() string { return r.mapping.ID }

func (r *Region) MetadataSize() uint64 { return r.conf.metadataSize }

// MappedSize is the number of bytes the OS mapped, which may exceed
// MetadataSize plus Size for opened regions.
func (r *Region) MappedSize() int { return r.mapping.Size }

func (r *Region) IsOwner() bool { return r.conf.owner }

// Locks returns the region's locks in layout order.
func (r *Region) Locks() []LockInfo { return r.conf.Locks() }

// EventKinds returns the region's reserved event entries in layout order.
func (r *Region) EventKinds() []EventKind { return r.conf.EventKinds() }

func (r *Region) String() string {
	return fmt.Sprintf("Region{link: %s, id: %s, user: %d, metadata: %d, locks: %d, owner: %v}",
		r.conf.linkPath, r.mapping.ID, r.conf.userSize, r.conf.metadataSize, len(r.conf.locks), r.conf.owner)
}

// ReadLinkDescriptor returns the mapping id stored at linkPath.
func ReadLinkDescriptor(linkPath string) (string, error) {
	raw, err := os.ReadFile(linkPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return string(raw), nil
}
