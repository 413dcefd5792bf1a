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
	"errors"
	"fmt"
)

var errConfigBound = errors.New("region config is already bound to a live region")

// RegionConfig accumulates the shape of a region before any OS resource
// exists, and is reconstructed from the region bytes on open.
//
// Lock ranges are advisory: they describe which bytes a lock is meant to
// protect and may overlap each other. Nothing stops access outside a range.
type RegionConfig struct {
	owner        bool
	bound        bool
	linkPath     string
	userSize     uint64
	metadataSize uint64

	locks  []*LockDescriptor
	events []EventEntryHeader

	cfg *Config
}

// NewRegionConfig starts an empty configuration for a payload of userSize bytes.
func NewRegionConfig(linkPath string, userSize uint64) *RegionConfig {
	return &RegionConfig{
		linkPath:     linkPath,
		userSize:     userSize,
		metadataSize: GlobalHeaderSize,
		locks:        make([]*LockDescriptor, 0, 2),
	}
}

// ValidLockRange reports whether [offset, offset+length) lies inside a payload
// of userSize bytes. offset == userSize is rejected even for length 0.
func ValidLockRange(userSize, offset, length uint64) bool {
	return offset < userSize && length <= userSize-offset
}

// AddLock appends a lock of the given kind governing [offset, offset+length).
func (c *RegionConfig) AddLock(kind LockKind, offset, length uint64) (*RegionConfig, error) {
	if c.bound {
		return c, errConfigBound
	}
	if !ValidLockRange(c.userSize, offset, length) {
		return c, fmt.Errorf("%w: offset %d length %d in %d user bytes", ErrInvalidRange, offset, length, c.userSize)
	}
	impl, err := lockImplFromKind(kind)
	if err != nil {
		return c, err
	}
	c.locks = append(c.locks, &LockDescriptor{
		kind:   kind,
		offset: offset,
		length: length,
		impl:   impl,
	})
	c.metadataSize += LockEntryHeaderSize + uint64(impl.Footprint())
	return c, nil
}

// addEvent reserves an inert event entry. No event kind has a capability yet.
func (c *RegionConfig) addEvent(kind EventKind) *RegionConfig {
	c.events = append(c.events, EventEntryHeader{Kind: kind})
	c.metadataSize += EventEntryHeaderSize
	return c
}

// WithConfig sets the process-side options used by Create. A nil config
// means DefaultConfig.
func (c *RegionConfig) WithConfig(cfg *Config) *RegionConfig {
	c.cfg = cfg
	return c
}

func (c *RegionConfig) config() *Config {
	if c.cfg == nil {
		c.cfg = DefaultConfig()
	}
	return c.cfg
}

func (c *RegionConfig) LinkPath() string { return c.linkPath }

func (c *RegionConfig) UserSize() uint64 { return c.userSize }

// MetadataSize is the number of bytes preceding the user payload.
func (c *RegionConfig) MetadataSize() uint64 { return c.metadataSize }

// Locks returns the configured locks in configuration order.
func (c *RegionConfig) Locks() []LockInfo {
	infos := make([]LockInfo, len(c.locks))
	for i, d := range c.locks {
		infos[i] = d.Info()
	}
	return infos
}

// EventKinds returns the reserved event entries in order.
func (c *RegionConfig) EventKinds() []EventKind {
	kinds := make([]EventKind, len(c.events))
	for i, e := range c.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (c *RegionConfig) unbindAll() {
	for _, d := range c.locks {
		d.unbind()
	}
}

func (c *RegionConfig) globalHeader() GlobalHeader {
	return GlobalHeader{
		MetadataSize: c.metadataSize,
		UserSize:     c.userSize,
		LockCount:    uint64(len(c.locks)),
		EventCount:   uint64(len(c.events)),
	}
}
