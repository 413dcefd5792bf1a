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
	"os"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	internalshm "github.com/srediag/shmlink/internal/shm"
)

// DebugRegionDetail reads a snapshot of the region behind linkPath and
// describes its layout and the raw words of every lock primitive. It does not
// map the region or touch any lock.
func DebugRegionDetail(linkPath string) (string, error) {
	id, err := ReadLinkDescriptor(linkPath)
	if err != nil {
		return "", err
	}
	mem, err := os.ReadFile(id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAttach, err)
	}
	conf, err := parseLayout(linkPath, mem)
	if err != nil {
		return "", err
	}
	defer conf.unbindAll()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	fmt.Fprintf(buf, "link:%s id:%s mapped:%d metadata:%d user:%d locks:%d events:%d\n",
		linkPath, id, len(mem), conf.metadataSize, conf.userSize, len(conf.locks), len(conf.events))
	for i, d := range conf.locks {
		fmt.Fprintf(buf, "lock[%d] kind:%s offset:%d length:%d words:", i, d.kind, d.offset, d.length)
		for w := uintptr(0); w < d.impl.Footprint(); w += 4 {
			fmt.Fprintf(buf, " %#08x", atomic.LoadUint32(internalshm.Word(d.primitive, w)))
		}
		_ = buf.WriteByte('\n')
	}
	for i, e := range conf.events {
		fmt.Fprintf(buf, "event[%d] kind:%d\n", i, e.Kind)
	}
	return buf.String(), nil
}
