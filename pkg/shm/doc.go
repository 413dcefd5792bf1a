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

// Package shm shares a memory region between unrelated processes on one host.
//
// A region is found through a small link descriptor file whose only content is
// the OS id of the backing mapping. The front of the region holds a binary
// layout describing the process-shared locks that live inside it, followed by
// the user payload:
//
//	[GlobalHeader][LockEntryHeader][primitive]...[EventEntryHeader]...[payload]
//
// The creating process builds the layout with a RegionConfig:
//
//	conf, err := shm.NewRegionConfig("/tmp/my.link", 4096).AddLock(shm.LockRWLock, 0, 4096)
//	if err != nil {
//		return err
//	}
//	region, err := conf.Create(ctx)
//
// Any other process attaches with Open and gets the same locks back:
//
//	region, err := shm.OpenRegion(ctx, "/tmp/my.link")
//	err = region.Read(func(p []byte) error {
//		// ...
//		return nil
//	})
//
// Lock ranges are advisory. Positions inside the region are stored as
// offsets, and headers are written once in host byte order, so only
// processes on the same architecture can share a region.
package shm
