//go:build unix

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
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// CreateMapping creates a new backing object of exactly opts.Size bytes and maps it.
// It fails if an object with the same name already exists.
func CreateMapping(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid mapping size %d", opts.Size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir()
	}
	if !opts.SkipSpaceCheck && !CanCreate(dir, uint64(opts.Size)) {
		return nil, fmt.Errorf("%w: dir %s, size %d", ErrNoSpace, dir, opts.Size)
	}
	perm := uint32(opts.Perm.Perm())
	if perm == 0 {
		perm = 0600
	}
	path := filepath.Join(dir, opts.Name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, perm)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	cleanup := func() {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{
		Data: data,
		ID:   path,
		Size: len(data),
		fd:   fd,
	}, nil
}

// OpenMapping attaches to an existing backing object by its unique identifier and
// maps all of it. A zero-length object yields a region with no data.
func OpenMapping(ctx context.Context, id string) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(id) {
		return nil, fmt.Errorf("invalid mapping id %q", id)
	}
	fd, err := unix.Open(id, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fstat: %w", err)
	}
	region := &MappedRegion{ID: id, fd: fd}
	if st.Size == 0 {
		return region, nil
	}
	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	region.Data = data
	region.Size = len(data)
	return region, nil
}

// Close unmaps the region and closes its descriptor. The backing object is kept.
func (r *MappedRegion) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	if r.Data != nil {
		if err := unix.Munmap(r.Data); err != nil {
			firstErr = fmt.Errorf("munmap: %w", err)
		}
		r.Data = nil
	}
	if r.fd > 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close: %w", err)
		}
		r.fd = -1
	}
	return firstErr
}

// RemoveMapping unlinks the backing object. Processes that still have it mapped
// keep their mapping until they unmap it.
func RemoveMapping(id string) error {
	if err := unix.Unlink(id); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("unlink %s: %w", id, err)
	}
	return nil
}

// CanCreate reports whether the filesystem holding dir has at least size free bytes.
// It answers true when usage cannot be determined.
func CanCreate(dir string, size uint64) bool {
	stat, err := disk.Usage(dir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
